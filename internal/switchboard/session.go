package switchboard

import (
	"time"

	"github.com/google/uuid"
)

// lifecycleState is the private machinery backing the public "Unused /
// Active / Removed" vocabulary from spec §3. Promotion always installs
// the Session and its SessionState together (see promote); a session
// registered through RegisterService is in sb.sessions with no entry in
// sb.states, since it has no stream role.
type lifecycleState int

const (
	stateUnused lifecycleState = iota
	stateActive
)

// Session is the switchboard's record of a host-SFU session handle once
// registered. The switchboard owns it exclusively; nothing outside this
// package mutates it.
type Session struct {
	ID    SessionId
	state lifecycleState
}

// RecorderHandle is the narrow interface a SessionState needs from the
// recorder subsystem. Implemented by *recorder.Handle; defined here
// (rather than imported) so switchboard has no dependency on the
// recorder package — Component D must not know how Component B works,
// only that it can be told to stop and asked whether records exist.
type RecorderHandle interface {
	WritePacket(isVideo bool, bytes []byte)
	Stop()
	WaitStop() <-chan struct{}
	DeleteRecord() error
	CheckExistence() bool
}

// RewriteState is the per-destination RTP switching context: it hides
// source discontinuities (a re-publish, a reconnect) from a receiver by
// maintaining an independent timestamp/sequence offset per media kind.
// Owned by the relay hot path (Component E) but lives on SessionState
// per spec §3/§4.5 since it is keyed by destination session, not by
// relay worker.
type RewriteState struct {
	Audio MediaRewriteState
	Video MediaRewriteState
}

// MediaRewriteState tracks the base/offset pair for one media kind. The
// first packet seen for a given source SSRC establishes the base; later
// packets are rewritten relative to it plus an accumulated offset,
// recomputed whenever the relay detects the source has changed (see
// internal/relay).
type MediaRewriteState struct {
	Initialized  bool
	LastSSRC     uint32
	SeqOffset    uint16
	LastOutSeq   uint16
	TSOffset     uint32
	LastOutTS    uint32
}

// SpeakingAccumulator is the per-session rolling window state consumed
// by Component C (internal/speaking).
type SpeakingAccumulator struct {
	PacketsCount   int
	AudioLevelSum  int64
	IsSpeaking     bool
}

// SessionState holds everything the switchboard tracks for an Active
// session: relay bookkeeping, FIR pacing, the speaking detector, and
// liveness timestamps used by the vacuum loop.
type SessionState struct {
	Role SessionRole

	Rewrite RewriteState

	FIRSeq          uint8
	LastFIRAt       time.Time
	LastRTPAt       time.Time
	LastREMBAt      time.Time
	InitialREMBSent int

	Speaking SpeakingAccumulator

	Recorder           RecorderHandle
	AudioLevelExtID    uint8
	HasAudioLevelExtID bool
}

// StreamBinding associates a StreamId with an agent. No switchboard
// operation or accessor uses it; the authoritative relations live in the
// switchboard's multimaps.
type StreamBinding struct {
	StreamId StreamId
	AgentId  AgentId
}

// newSessionId is a convenience for tests/mocks that want a process-
// unique handle without a real host SFU; production code always
// receives SessionId values minted by the host.
func newSessionId() SessionId {
	// uuid provides enough entropy to stand in for a host-minted handle
	// in tests without colliding; production never calls this.
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return SessionId(v)
}
