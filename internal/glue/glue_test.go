package glue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/switchboard/internal/logaggregator"
	"github.com/flowmesh/switchboard/internal/relay"
	"github.com/flowmesh/switchboard/internal/switchboard"
)

type fakeHost struct{}

func (fakeHost) RelayRTP(context.Context, uint64, []byte) error  { return nil }
func (fakeHost) RelayRTCP(context.Context, uint64, []byte) error { return nil }
func (fakeHost) EndSession(context.Context, uint64) error        { return nil }

type fakeDisconnector struct {
	calls []switchboard.SessionId
}

func (f *fakeDisconnector) RequestDisconnect(_ context.Context, id switchboard.SessionId) {
	f.calls = append(f.calls, id)
}

func newTestGlue(fd *fakeDisconnector) (*Glue, *switchboard.Switchboard) {
	sb := switchboard.New(switchboard.Config{MaxSessionsPerAgent: 8}, fd, nil)
	pool := relay.NewPool(1, fakeHost{}, nil, nil)
	agg := logaggregator.New(time.Minute, nil)
	g := New(sb, pool, relay.Thresholds{FIRInterval: time.Second}, agg, nil)
	return g, sb
}

func TestSessionCreateRegistersUnused(t *testing.T) {
	fd := &fakeDisconnector{}
	g, sb := newTestGlue(fd)
	defer g.Destroy(context.Background())

	require.NoError(t, g.SessionCreate(context.Background(), 42))

	_, err := g.QuerySession(context.Background(), 42)
	require.Error(t, err, "an unused (not yet promoted) session has no SessionState")
	_ = sb
}

func TestHangupRequestsDisconnectWithoutRemovingState(t *testing.T) {
	fd := &fakeDisconnector{}
	g, sb := newTestGlue(fd)
	defer g.Destroy(context.Background())

	require.NoError(t, g.SessionCreate(context.Background(), 1))
	sb.RegisterService(switchboard.SessionId(1))

	require.NoError(t, g.Hangup(context.Background(), 1))
	require.Contains(t, fd.calls, switchboard.SessionId(1))

	_, stillThere := sb.Session(switchboard.SessionId(1))
	require.True(t, stillThere, "Hangup only requests disconnection; SessionDestroy does the removal")
}

func TestSessionDestroyRemovesState(t *testing.T) {
	fd := &fakeDisconnector{}
	g, sb := newTestGlue(fd)
	defer g.Destroy(context.Background())

	sb.RegisterService(switchboard.SessionId(5))
	require.NoError(t, g.SessionDestroy(context.Background(), 5))

	_, ok := sb.Session(switchboard.SessionId(5))
	require.False(t, ok)
}

func TestSlowLinkRecordsToAggregator(t *testing.T) {
	fd := &fakeDisconnector{}
	g, _ := newTestGlue(fd)
	defer g.Destroy(context.Background())

	require.NotPanics(t, func() {
		g.SlowLink(context.Background(), 9, true, 12)
	})
}
