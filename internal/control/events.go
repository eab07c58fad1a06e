package control

import (
	"context"
	"sync"

	"github.com/flowmesh/switchboard/internal/hostsfu"
)

// EventQueue is the in-process async event sink the `GET /poll` long-poll
// endpoint drains (spec §6). PushEvent never blocks — a full queue drops
// its oldest entry rather than stalling the relay/glue caller that pushed
// it; Poll blocks until at least one event is available or ctx is done.
type EventQueue struct {
	mu     sync.Mutex
	events []hostsfu.Event
	notify chan struct{}
	cap    int

	subMu sync.Mutex
	subs  map[chan hostsfu.Event]struct{}
}

// NewEventQueue creates a queue holding at most capacity events (default
// 1024 if capacity <= 0).
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &EventQueue{
		notify: make(chan struct{}, 1),
		cap:    capacity,
		subs:   make(map[chan hostsfu.Event]struct{}),
	}
}

// Subscribe registers a channel that receives a copy of every event
// PushEvent receives from now on, for the `/events/ws` diagnostic stream
// (spec §9's observability idiom) — a side channel independent of Poll's
// drain queue, so watching it never steals events from `/poll` callers.
// Unsubscribe removes and closes the channel.
func (q *EventQueue) Subscribe(buffer int) (ch chan hostsfu.Event, unsubscribe func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch = make(chan hostsfu.Event, buffer)
	q.subMu.Lock()
	q.subs[ch] = struct{}{}
	q.subMu.Unlock()
	return ch, func() {
		q.subMu.Lock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
		q.subMu.Unlock()
	}
}

func (q *EventQueue) broadcast(evt hostsfu.Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for ch := range q.subs {
		select {
		case ch <- evt:
		default: // slow subscriber, drop rather than block the pusher
		}
	}
}

var _ hostsfu.EventSink = (*EventQueue)(nil)

// PushEvent enqueues evt, dropping the oldest queued event first if the
// queue is at capacity.
func (q *EventQueue) PushEvent(_ context.Context, evt hostsfu.Event) {
	q.mu.Lock()
	if len(q.events) >= q.cap {
		q.events = q.events[1:]
	}
	q.events = append(q.events, evt)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	q.broadcast(evt)
}

// Poll drains up to max queued events (all of them if max <= 0), blocking
// until at least one is available or ctx is done.
func (q *EventQueue) Poll(ctx context.Context, max int) []hostsfu.Event {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			n := len(q.events)
			if max > 0 && n > max {
				n = max
			}
			out := make([]hostsfu.Event, n)
			copy(out, q.events[:n])
			q.events = q.events[n:]
			q.mu.Unlock()
			return out
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}
