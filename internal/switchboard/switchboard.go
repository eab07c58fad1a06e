// Package switchboard is the in-memory routing and policy engine at the
// center of the plugin: it tracks sessions, maps streams to publishers
// and subscribers, enforces per-sender and per-receiver media
// constraints, drives recording lifecycle, and detects dead peers.
//
// Every exported operation restores the invariants listed in spec §3 and
// §8 before returning, and is safe for concurrent use: a single
// reader/writer lock protects the entire entity graph. The vacuum loop
// and the read accessors take the read lock and never hold it across
// I/O or a channel send that might block; control-plane mutations take
// the write lock. The relay pool reads through the read-locked accessors
// but updates its per-packet bookkeeping through WithState, which takes
// the write lock once for the publisher and once per subscriber on every
// packet.
package switchboard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/multimap"
)

// DisconnectRequester asks the host SFU to end a session. Disconnect
// calls it with no switchboard lock held, and the actual state removal
// happens later in HandleDisconnect once the host's destroy callback
// arrives.
type DisconnectRequester interface {
	RequestDisconnect(ctx context.Context, id SessionId)
}

// Switchboard is the process-wide routing and policy engine. Construct
// with New; the zero value is not usable.
type Switchboard struct {
	mu sync.RWMutex
	log *zap.Logger

	unused  map[SessionId]*UnusedSession
	sessions map[SessionId]*Session
	states   map[SessionId]*SessionState

	agents     *multimap.Map[AgentId, SessionId]
	publishers map[StreamId]SessionId
	pubSubs    *multimap.Map[SessionId, SessionId] // publisher -> subscribers

	writerConfigs map[StreamId]WriterConfig
	readerConfigs map[AgentId]map[StreamId]ReaderConfig

	maxSessionsPerAgent int
	disconnect          DisconnectRequester
}

// Config bundles the construction-time limits the switchboard enforces.
type Config struct {
	MaxSessionsPerAgent int
	DefaultVideoBitrate uint32
	MaxVideoREMB        uint32
}

// New creates an empty Switchboard. disconnect may be nil during tests
// that don't exercise disconnect()/vacuum_publishers; production wiring
// always supplies the host-SFU-backed implementation.
func New(cfg Config, disconnect DisconnectRequester, log *zap.Logger) *Switchboard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Switchboard{
		log:                 log,
		unused:              make(map[SessionId]*UnusedSession),
		sessions:            make(map[SessionId]*Session),
		states:              make(map[SessionId]*SessionState),
		agents:              multimap.New[AgentId, SessionId](log),
		publishers:          make(map[StreamId]SessionId),
		pubSubs:             multimap.New[SessionId, SessionId](log),
		writerConfigs:       make(map[StreamId]WriterConfig),
		readerConfigs:       make(map[AgentId]map[StreamId]ReaderConfig),
		maxSessionsPerAgent: cfg.MaxSessionsPerAgent,
		disconnect:          disconnect,
	}
}

// RegisterNew inserts a freshly host-created session as Unused, pending
// promotion to publisher or subscriber via CreateStream/JoinStream.
func (sb *Switchboard) RegisterNew(id SessionId) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.unused[id] = &UnusedSession{SessionId: id, CreatedAt: time.Now()}
}

// RegisterService inserts a session directly into the Active set with no
// stream role — used for service/internal sessions the host creates that
// the control plane will bind explicitly rather than ever being subject
// to the unused-session vacuum.
func (sb *Switchboard) RegisterService(id SessionId) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.sessions[id] = &Session{ID: id, state: stateActive}
}

// TouchSession resets the creation timestamp of an unused session,
// pinging it so vacuum_sessions does not evict it yet. No-op if the
// session is not currently unused (already promoted, or unknown).
func (sb *Switchboard) TouchSession(id SessionId) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if u, ok := sb.unused[id]; ok {
		u.CreatedAt = time.Now()
	}
}

// promote moves a session out of the unused set and installs its
// SessionState. Caller holds the write lock.
func (sb *Switchboard) promote(id SessionId, role SessionRole) (*SessionState, error) {
	if _, ok := sb.unused[id]; !ok {
		if _, already := sb.sessions[id]; already {
			return nil, newErr(KindConflict, "promote", nil)
		}
		return nil, newErr(KindNotFound, "promote", nil)
	}
	delete(sb.unused, id)
	sb.sessions[id] = &Session{ID: id, state: stateActive}
	st := &SessionState{Role: role}
	sb.states[id] = st
	return st, nil
}

// CreateStream promotes publisher from Unused to Active and binds it as
// the stream's publisher. If stream_id already had a publisher, its
// subscribers migrate to the new publisher atomically; the old
// publisher's writer config and any attached recorder handle are left
// untouched here — RemoveStream is the only operation that tears those
// down, matching the re-publish semantics of spec §4.4.
func (sb *Switchboard) CreateStream(streamID StreamId, publisher SessionId, agent AgentId) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, err := sb.promote(publisher, RolePublisher); err != nil {
		return err
	}

	if prevPub, had := sb.publishers[streamID]; had && prevPub != publisher {
		subs := sb.pubSubs.RemoveKey(prevPub)
		for _, s := range subs {
			sb.pubSubs.Associate(publisher, s)
		}
	}
	sb.publishers[streamID] = publisher
	sb.agents.Associate(agent, publisher)
	return nil
}

// JoinStream promotes subscriber from Unused to Active and associates it
// with stream_id's current publisher and with agent. Fails with
// PreconditionFailed if the stream has no publisher yet.
func (sb *Switchboard) JoinStream(streamID StreamId, subscriber SessionId, agent AgentId) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	pub, ok := sb.publishers[streamID]
	if !ok {
		return newErr(KindPreconditionFailed, "join_stream", nil)
	}
	if _, err := sb.promote(subscriber, RoleSubscriber); err != nil {
		return err
	}
	sb.pubSubs.Associate(pub, subscriber)
	sb.agents.Associate(agent, subscriber)
	return nil
}

// AssociateAgent links an already-Active session to an agent, without
// touching its publisher/subscriber role.
func (sb *Switchboard) AssociateAgent(id SessionId, agent AgentId) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if _, ok := sb.states[id]; !ok {
		return newErr(KindNotFound, "associate_agent", nil)
	}
	sb.agents.Associate(agent, id)
	return nil
}

// RemoveStream stops recording on the stream's publisher (if any), drops
// its writer config, and removes the publisher mapping, all subscriber
// links, and the publisher's agent association. It does NOT remove the
// publisher's Session/SessionState — that is HandleDisconnect's job.
//
// Idempotent: calling RemoveStream a second time for a stream with no
// current publisher is a silent no-op, matching the documented race
// between the synchronous call from stream-upload and the asynchronous
// HandleDisconnect that may follow it (spec §9 open question).
func (sb *Switchboard) RemoveStream(streamID StreamId) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.removeStreamLocked(streamID)
}

func (sb *Switchboard) removeStreamLocked(streamID StreamId) {
	pub, had := sb.publishers[streamID]
	if !had {
		return
	}
	if st, ok := sb.states[pub]; ok && st.Recorder != nil {
		st.Recorder.Stop()
		st.Recorder = nil
	}
	delete(sb.writerConfigs, streamID)
	delete(sb.publishers, streamID)
	sb.pubSubs.RemoveKey(pub)
	for _, a := range sb.agents.RemoveValue(pub) {
		if len(sb.agents.GetValues(a)) == 0 {
			delete(sb.readerConfigs, a)
		}
	}
}

// Disconnect asks the host SFU to end session_id. Held only under the
// read lock: it must not mutate switchboard state. Actual teardown
// happens when the host's destroy callback later invokes
// HandleDisconnect.
func (sb *Switchboard) Disconnect(ctx context.Context, id SessionId) {
	sb.mu.RLock()
	req := sb.disconnect
	sb.mu.RUnlock()
	if req != nil {
		req.RequestDisconnect(ctx, id)
	}
}

// HandleDisconnect cascades the removal of a session: every subscriber
// of a stream it publishes is asked to disconnect, every stream it
// publishes is removed, and finally its own state, session record, agent
// link, dangling reader configs, and subscriber links are dropped. After
// this call, id appears in no map or relation (spec §8).
func (sb *Switchboard) HandleDisconnect(ctx context.Context, id SessionId) {
	sb.mu.Lock()

	var toDisconnect []SessionId
	for streamID, pub := range sb.publishers {
		if pub != id {
			continue
		}
		toDisconnect = append(toDisconnect, sb.pubSubs.GetValues(pub)...)
		sb.removeStreamLocked(streamID)
	}

	if st, ok := sb.states[id]; ok {
		if st.Recorder != nil {
			st.Recorder.Stop()
			st.Recorder = nil
		}
	}
	delete(sb.states, id)
	delete(sb.sessions, id)
	delete(sb.unused, id)

	removedAgents := sb.agents.RemoveValue(id)
	for _, a := range removedAgents {
		if cfgs, ok := sb.readerConfigs[a]; ok {
			if len(sb.agents.GetValues(a)) == 0 {
				delete(sb.readerConfigs, a)
			}
			_ = cfgs
		}
	}
	sb.pubSubs.RemoveKey(id)
	sb.pubSubs.RemoveValue(id)

	sb.mu.Unlock()

	for _, sub := range toDisconnect {
		sb.Disconnect(ctx, sub)
	}
}

// SetWriterConfig replaces the writer config for stream_id and returns
// the prior value (nil if none existed).
func (sb *Switchboard) SetWriterConfig(streamID StreamId, cfg WriterConfig) *WriterConfig {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	prev, had := sb.writerConfigs[streamID]
	sb.writerConfigs[streamID] = cfg
	if !had {
		return nil
	}
	return &prev
}

// WriterConfig returns the current writer config for stream_id, or
// false if none has been set.
func (sb *Switchboard) WriterConfig(streamID StreamId) (WriterConfig, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	cfg, ok := sb.writerConfigs[streamID]
	return cfg, ok
}

// UpdateReaderConfig sets cfg for (reader, stream_id). Fails with
// NotFound if the agent is not currently associated with any session.
func (sb *Switchboard) UpdateReaderConfig(streamID StreamId, reader AgentId, cfg ReaderConfig) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if len(sb.agents.GetValues(reader)) == 0 {
		return newErr(KindNotFound, "update_reader_config", nil)
	}
	m, ok := sb.readerConfigs[reader]
	if !ok {
		m = make(map[StreamId]ReaderConfig)
		sb.readerConfigs[reader] = m
	}
	m[streamID] = cfg
	return nil
}

// ReaderConfig returns the configured receive policy for (reader,
// stream_id), or the all-enabled default if none has been set.
func (sb *Switchboard) ReaderConfig(streamID StreamId, reader AgentId) ReaderConfig {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	if m, ok := sb.readerConfigs[reader]; ok {
		if cfg, ok := m[streamID]; ok {
			return cfg
		}
	}
	return DefaultReaderConfig()
}

// PublisherOf returns the current publisher of stream_id, if any.
func (sb *Switchboard) PublisherOf(streamID StreamId) (SessionId, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	id, ok := sb.publishers[streamID]
	return id, ok
}

// SubscribersTo returns the current subscriber set of publisher.
func (sb *Switchboard) SubscribersTo(publisher SessionId) []SessionId {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.pubSubs.GetValues(publisher)
}

// PublisherTo returns the publisher that subscriber currently receives
// from, if any.
func (sb *Switchboard) PublisherTo(subscriber SessionId) (SessionId, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	pubs := sb.pubSubs.GetKeys(subscriber)
	if len(pubs) == 0 {
		return 0, false
	}
	return pubs[0], true
}

// StreamIDTo returns the StreamId that publisher currently publishes, if
// any.
func (sb *Switchboard) StreamIDTo(publisher SessionId) (StreamId, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	for streamID, pub := range sb.publishers {
		if pub == publisher {
			return streamID, true
		}
	}
	return StreamId{}, false
}

// Session returns the registered session record, if known (Active only;
// unused sessions are not exposed here).
func (sb *Switchboard) Session(id SessionId) (*Session, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	s, ok := sb.sessions[id]
	return s, ok
}

// State returns a read-only copy of the session's state for inspection.
// Callers needing to mutate state (relay hot path) use WithState.
func (sb *Switchboard) State(id SessionId) (SessionState, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	st, ok := sb.states[id]
	if !ok {
		return SessionState{}, false
	}
	return *st, true
}

// WithState runs fn with exclusive access to id's SessionState, under
// the switchboard's write lock. Used by the relay hot path to update
// per-packet bookkeeping (rewrite state, speaking accumulator, liveness
// timestamps) in one critical section rather than read-modify-write
// across two lock acquisitions. fn must not block or re-enter the
// switchboard.
func (sb *Switchboard) WithState(id SessionId, fn func(*SessionState)) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	st, ok := sb.states[id]
	if !ok {
		return false
	}
	fn(st)
	return true
}

// AttachRecorder installs a recorder handle on a publisher's session
// state. Returns NotFound if the session has no state, PreconditionFailed
// if it is not currently a publisher.
func (sb *Switchboard) AttachRecorder(publisher SessionId, handle RecorderHandle) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	st, ok := sb.states[publisher]
	if !ok {
		return newErr(KindNotFound, "attach_recorder", nil)
	}
	if st.Role != RolePublisher {
		return newErr(KindPreconditionFailed, "attach_recorder", nil)
	}
	st.Recorder = handle
	return nil
}

// AgentSessions returns every SessionId currently associated with agent.
func (sb *Switchboard) AgentSessions(agent AgentId) []SessionId {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.agents.GetValues(agent)
}

// AgentOf returns one agent currently associated with id, if any. A
// session normally has exactly one agent; if more than one was
// associated (repeated AssociateAgent calls), an arbitrary one is
// returned.
func (sb *Switchboard) AgentOf(id SessionId) (AgentId, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	agents := sb.agents.GetKeys(id)
	if len(agents) == 0 {
		return "", false
	}
	return agents[0], true
}

// SessionCount, StreamCount, PublisherCount, SubscriberCount back the
// periodic metrics sampler (internal/metrics); all read-locked.
func (sb *Switchboard) SessionCount() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.sessions) + len(sb.unused)
}

func (sb *Switchboard) StreamCount() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.publishers)
}

func (sb *Switchboard) PublisherCount() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	count := 0
	for _, st := range sb.states {
		if st.Role == RolePublisher {
			count++
		}
	}
	return count
}

func (sb *Switchboard) SubscriberCount() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	count := 0
	for _, st := range sb.states {
		if st.Role == RoleSubscriber {
			count++
		}
	}
	return count
}

// VacuumSessions ends every unused session older than ttl. Held under
// the read lock per spec §4.4 — Disconnect itself only reads — the
// actual removal happens later via HandleDisconnect.
func (sb *Switchboard) VacuumSessions(ctx context.Context, ttl time.Duration) {
	sb.mu.RLock()
	now := time.Now()
	var stale []SessionId
	for id, u := range sb.unused {
		if now.Sub(u.CreatedAt) > ttl {
			stale = append(stale, id)
		}
	}
	sb.mu.RUnlock()

	for _, id := range stale {
		sb.Disconnect(ctx, id)
	}
}

// VacuumPublishers requests disconnection of every Active publisher
// whose last RTP packet is older than timeout, and of every publisher
// that has not received an RTP packet at all.
func (sb *Switchboard) VacuumPublishers(ctx context.Context, timeout time.Duration) {
	sb.mu.RLock()
	now := time.Now()
	var stale []SessionId
	for id, st := range sb.states {
		if st.Role != RolePublisher {
			continue
		}
		last := st.LastRTPAt
		if last.IsZero() || now.Sub(last) > timeout {
			stale = append(stale, id)
		}
	}
	sb.mu.RUnlock()

	for _, id := range stale {
		sb.Disconnect(ctx, id)
	}
}

// MaybeSendFIR rate-limits FIR emission to at most once per interval for
// a given publisher, bumping and returning the FIR sequence counter when
// it decides to emit. ok is false when the interval has not yet elapsed
// since the last emission (the caller should not synthesize an RTCP FIR
// in that case).
func (sb *Switchboard) MaybeSendFIR(publisher SessionId, interval time.Duration) (seq uint8, ok bool, err error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	st, found := sb.states[publisher]
	if !found {
		return 0, false, newErr(KindNotFound, "send_fir", nil)
	}
	now := time.Now()
	if !st.LastFIRAt.IsZero() && now.Sub(st.LastFIRAt) < interval {
		return 0, false, nil
	}
	st.FIRSeq++
	st.LastFIRAt = now
	return st.FIRSeq, true, nil
}
