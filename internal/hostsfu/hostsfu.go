// Package hostsfu models the opaque boundary to the host SFU process
// this plugin runs inside. Everything here is an interface: the host
// owns ICE/DTLS, codec negotiation, and the transport socket, and
// exposes only packet relay, session teardown, and async event delivery
// to the plugin. Nothing in this package does I/O itself — production
// wiring supplies a concrete adapter (outside this module's scope, as
// the actual plugin ABI is a cgo/shared-library boundary) and tests
// supply a fake.
package hostsfu

import "context"

// Relay is what the host gives the plugin to push bytes back out:
// relay an already-rewritten RTP/RTCP packet to a destination session,
// or end a session outright. Implementations must not block the caller
// for long — internal/relay holds no switchboard lock while calling
// these, but a slow relay still stalls that packet's shard.
type Relay interface {
	RelayRTP(ctx context.Context, dst uint64, packet []byte) error
	RelayRTCP(ctx context.Context, dst uint64, packet []byte) error
	EndSession(ctx context.Context, id uint64) error
}

// Event is an asynchronous notification the plugin pushes to the host
// for delivery to the signaling front-end (out of scope here) — e.g. a
// speaking-detector transition or a slow-link report.
type Event struct {
	SessionID uint64
	Kind      string
	Payload   map[string]any
}

// EventSink is how the plugin pushes Events to an async queue drained
// by a long-poll reader. internal/control.EventQueue is this module's
// implementation, drained by its own GET /poll endpoint.
type EventSink interface {
	PushEvent(ctx context.Context, evt Event)
}

// Plugin is the set of entry points the host invokes on the plugin.
// Only a subset carries switchboard-relevant semantics; message
// handling is present for ABI completeness but ignored — signaling is
// out-of-band per spec.
type Plugin interface {
	Init(ctx context.Context) error
	Destroy(ctx context.Context) error

	SessionCreate(ctx context.Context, id uint64) error
	SessionDestroy(ctx context.Context, id uint64) error

	HandleMessage(ctx context.Context, id uint64, body []byte) error

	MediaSetup(ctx context.Context, id uint64) error
	Hangup(ctx context.Context, id uint64) error

	IncomingRTP(ctx context.Context, id uint64, isVideo bool, packet []byte)
	IncomingRTCP(ctx context.Context, id uint64, packet []byte)

	SlowLink(ctx context.Context, id uint64, uplink bool, lost uint32)

	QuerySession(ctx context.Context, id uint64) (map[string]any, error)
}
