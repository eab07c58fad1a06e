package switchboard

import (
	"time"

	"github.com/google/uuid"
)

// SessionId is an opaque numeric handle minted by the host SFU. Unique
// process-wide; the host guarantees it is never reused within a process
// lifetime.
type SessionId uint64

// StreamId identifies a publish slot, assigned by the control plane.
type StreamId = uuid.UUID

// AgentId is an opaque logical client identity. One agent may hold many
// concurrent sessions. The switchboard stores Config.MaxSessionsPerAgent
// but does not enforce it: associating another session with an agent
// always succeeds, whatever the agent already holds.
type AgentId string

// SessionRole distinguishes why a session was promoted out of Unused.
type SessionRole int

const (
	RolePublisher SessionRole = iota
	RoleSubscriber
)

// WriterConfig governs what a publisher's stream is allowed to send.
type WriterConfig struct {
	SendVideo bool
	SendAudio bool
	VideoREMB uint32
}

// DefaultWriterConfig returns the all-enabled config seeded from the
// constraint.writer section of the running configuration.
func DefaultWriterConfig(defaultVideoBitrate uint32) WriterConfig {
	return WriterConfig{SendVideo: true, SendAudio: true, VideoREMB: defaultVideoBitrate}
}

// ReaderConfig governs what a subscriber receives from a given stream.
// Absence of a ReaderConfig for an (agent, stream) pair means "receive
// both" — callers must treat a missing entry as DefaultReaderConfig
// below, not as the zero value (which receives nothing).
type ReaderConfig struct {
	ReceiveVideo bool
	ReceiveAudio bool
}

// DefaultReaderConfig is the implicit config when none has been set.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{ReceiveVideo: true, ReceiveAudio: true}
}

// UnusedSession wraps a registered-but-unbound session with the
// timestamp it was created (or last touched), used by vacuum_sessions.
type UnusedSession struct {
	SessionId SessionId
	CreatedAt time.Time
}
