// Package glue maps host-SFU session lifecycle callbacks onto
// switchboard and relay operations (spec component G). It is the
// adapter between the opaque hostsfu.Plugin ABI and the rest of this
// module — nothing else in the module depends on it, so the core
// packages stay testable without a host SFU.
package glue

import (
	"context"

	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/hostsfu"
	"github.com/flowmesh/switchboard/internal/logaggregator"
	"github.com/flowmesh/switchboard/internal/relay"
	"github.com/flowmesh/switchboard/internal/switchboard"
)

// Glue implements hostsfu.Plugin by driving a Switchboard and a relay
// Pool. It holds no locks of its own — every operation is already safe
// for concurrent use on the types it wraps.
type Glue struct {
	sb         *switchboard.Switchboard
	pool       *relay.Pool
	thresholds relay.Thresholds
	slowLinks  *logaggregator.Aggregator
	log        *zap.Logger
}

// New wires a Glue around an already-constructed Switchboard and relay
// Pool. A nil logger is replaced with a no-op logger.
func New(sb *switchboard.Switchboard, pool *relay.Pool, thresholds relay.Thresholds, slowLinks *logaggregator.Aggregator, log *zap.Logger) *Glue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Glue{sb: sb, pool: pool, thresholds: thresholds, slowLinks: slowLinks, log: log}
}

var _ hostsfu.Plugin = (*Glue)(nil)

// Init is a no-op: the switchboard and relay pool are constructed before
// Glue, and vacuum/recorder workers are started by the process bootstrap,
// not by this ABI entry point.
func (g *Glue) Init(context.Context) error { return nil }

// Destroy stops the relay pool. The switchboard itself holds no
// goroutines to stop.
func (g *Glue) Destroy(context.Context) error {
	g.pool.Stop()
	return nil
}

// SessionCreate registers a freshly host-created session as Unused.
func (g *Glue) SessionCreate(_ context.Context, id uint64) error {
	g.sb.RegisterNew(switchboard.SessionId(id))
	return nil
}

// SessionDestroy cascades the full removal of a session through the
// switchboard. This is the host's confirmation that the session is
// actually gone — as opposed to Hangup, which only requests it.
func (g *Glue) SessionDestroy(ctx context.Context, id uint64) error {
	g.sb.HandleDisconnect(ctx, switchboard.SessionId(id))
	return nil
}

// HandleMessage is ignored: signaling (SDP offer/answer, out-of-band
// negotiation) is handled entirely outside this module's scope.
func (g *Glue) HandleMessage(context.Context, uint64, []byte) error { return nil }

// MediaSetup pings an unused session's liveness timestamp so the vacuum
// loop does not evict it while ICE/DTLS setup is still in progress on
// the host side.
func (g *Glue) MediaSetup(_ context.Context, id uint64) error {
	g.sb.TouchSession(switchboard.SessionId(id))
	return nil
}

// Hangup asks the host to end the session; actual teardown happens when
// SessionDestroy is later invoked.
func (g *Glue) Hangup(ctx context.Context, id uint64) error {
	g.sb.Disconnect(ctx, switchboard.SessionId(id))
	return nil
}

// IncomingRTP forwards to the relay pool's per-packet dispatch.
func (g *Glue) IncomingRTP(ctx context.Context, id uint64, isVideo bool, packet []byte) {
	g.pool.HandleIncomingRTP(ctx, g.sb, switchboard.SessionId(id), isVideo, packet, g.thresholds)
}

// IncomingRTCP forwards to the relay pool's RTCP dispatch.
func (g *Glue) IncomingRTCP(ctx context.Context, id uint64, packet []byte) {
	g.pool.HandleIncomingRTCP(ctx, g.sb, switchboard.SessionId(id), packet)
}

// SlowLink accumulates repeated slow-link reports into the log
// aggregator instead of logging each one individually — these fire at
// high volume under real packet loss.
func (g *Glue) SlowLink(_ context.Context, id uint64, uplink bool, lost uint32) {
	g.slowLinks.Record(logaggregator.Event{
		Kind:      "slow_link",
		SessionID: id,
		Fields: map[string]any{
			"uplink": uplink,
			"lost":   lost,
		},
	})
}

// QuerySession returns a diagnostic snapshot of a session's switchboard
// state, used by the host's session-query ABI entry point.
func (g *Glue) QuerySession(_ context.Context, id uint64) (map[string]any, error) {
	sessionID := switchboard.SessionId(id)
	st, ok := g.sb.State(sessionID)
	if !ok {
		return nil, switchboard.ErrNotFound
	}
	out := map[string]any{
		"role":           st.Role,
		"last_rtp_at":    st.LastRTPAt,
		"last_fir_at":    st.LastFIRAt,
		"is_speaking":    st.Speaking.IsSpeaking,
		"has_recorder":   st.Recorder != nil,
	}
	if streamID, ok := g.sb.StreamIDTo(sessionID); ok {
		out["stream_id"] = streamID.String()
	}
	return out, nil
}
