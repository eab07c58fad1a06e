// Package logaggregator accumulates repeated high-volume log events —
// slow-link reports, RTP replay detections — so that on each flush every
// distinct event is logged once together with its occurrence count,
// instead of flooding the log at packet rate.
package logaggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one occurrence of a repeated condition. Two Events with the
// same Kind, SessionID, and Fields are considered the same event for
// counting purposes.
type Event struct {
	Kind      string
	SessionID uint64
	Fields    map[string]any
}

func (e Event) key() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := fmt.Sprintf("%s|%d", e.Kind, e.SessionID)
	for _, k := range keys {
		key += fmt.Sprintf("|%s=%v", k, e.Fields[k])
	}
	return key
}

// Aggregator buffers events between flushes. Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	counts  map[string]int
	samples map[string]Event

	interval time.Duration
	log      *zap.Logger
}

// New creates an Aggregator flushing every interval when Run is started.
// A nil logger is replaced with a no-op logger.
func New(interval time.Duration, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{
		counts:   make(map[string]int),
		samples:  make(map[string]Event),
		interval: interval,
		log:      log,
	}
}

// Record accumulates one occurrence of evt.
func (a *Aggregator) Record(evt Event) {
	key := evt.key()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[key]++
	if _, ok := a.samples[key]; !ok {
		a.samples[key] = evt
	}
}

// Run blocks, flushing every interval until ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush()
			return
		case <-ticker.C:
			a.Flush()
		}
	}
}

// Flush logs each distinct accumulated event once with its count, then
// clears the buffer.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	counts := a.counts
	samples := a.samples
	a.counts = make(map[string]int)
	a.samples = make(map[string]Event)
	a.mu.Unlock()

	for key, count := range counts {
		evt := samples[key]
		fields := make([]zap.Field, 0, len(evt.Fields)+2)
		fields = append(fields, zap.Uint64("session_id", evt.SessionID), zap.Int("count", count))
		for k, v := range evt.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		a.log.Warn(evt.Kind, fields...)
	}
}
