package switchboard

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeDisconnector struct {
	calls []SessionId
}

func (f *fakeDisconnector) RequestDisconnect(_ context.Context, id SessionId) {
	f.calls = append(f.calls, id)
}

func newTestBoard() (*Switchboard, *fakeDisconnector) {
	fd := &fakeDisconnector{}
	sb := New(Config{MaxSessionsPerAgent: 8}, fd, nil)
	return sb, fd
}

func TestCreateStreamRequiresUnused(t *testing.T) {
	sb, _ := newTestBoard()
	pub := newSessionId()
	err := sb.CreateStream(uuid.New(), pub, "agent-a")
	require.Error(t, err)
	require.Equal(t, KindNotFound, mustKind(t, err))
}

func TestJoinStreamWithoutPublisherFails(t *testing.T) {
	sb, _ := newTestBoard()
	sub := newSessionId()
	sb.RegisterNew(sub)
	err := sb.JoinStream(uuid.New(), sub, "agent-a")
	require.Error(t, err)
	require.Equal(t, KindPreconditionFailed, mustKind(t, err))
}

func TestPublishAndSubscribeWires(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	pub, sub := newSessionId(), newSessionId()
	sb.RegisterNew(pub)
	sb.RegisterNew(sub)

	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub, "agent-sub"))

	gotPub, ok := sb.PublisherOf(streamID)
	require.True(t, ok)
	require.Equal(t, pub, gotPub)

	require.ElementsMatch(t, []SessionId{sub}, sb.SubscribersTo(pub))

	gotPubTo, ok := sb.PublisherTo(sub)
	require.True(t, ok)
	require.Equal(t, pub, gotPubTo)
}

// S1: republishing the same stream_id preserves existing subscribers,
// migrating them onto the new publisher instead of dropping them.
func TestScenarioRepublishPreservesSubscribers(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	pub1, pub2, sub := newSessionId(), newSessionId(), newSessionId()
	sb.RegisterNew(pub1)
	sb.RegisterNew(sub)

	require.NoError(t, sb.CreateStream(streamID, pub1, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub, "agent-sub"))

	sb.RegisterNew(pub2)
	require.NoError(t, sb.CreateStream(streamID, pub2, "agent-pub"))

	newPub, ok := sb.PublisherOf(streamID)
	require.True(t, ok)
	require.Equal(t, pub2, newPub)
	require.ElementsMatch(t, []SessionId{sub}, sb.SubscribersTo(pub2))
	require.Empty(t, sb.SubscribersTo(pub1))
}

// S2: disconnecting a publisher cascades to every current subscriber.
func TestScenarioCascadeDisconnect(t *testing.T) {
	sb, fd := newTestBoard()
	streamID := uuid.New()
	pub, sub1, sub2 := newSessionId(), newSessionId(), newSessionId()
	sb.RegisterNew(pub)
	sb.RegisterNew(sub1)
	sb.RegisterNew(sub2)

	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub1, "agent-sub1"))
	require.NoError(t, sb.JoinStream(streamID, sub2, "agent-sub2"))

	sb.HandleDisconnect(context.Background(), pub)

	require.ElementsMatch(t, []SessionId{sub1, sub2}, fd.calls)

	_, ok := sb.PublisherOf(streamID)
	require.False(t, ok)
	_, ok = sb.Session(pub)
	require.False(t, ok)
}

// S6: vacuum_publishers disconnects a publisher that has gone silent
// past the configured timeout, and leaves a live one untouched.
func TestScenarioVacuumIdlePublisher(t *testing.T) {
	sb, fd := newTestBoard()
	streamID := uuid.New()
	idle, alive := newSessionId(), newSessionId()
	sb.RegisterNew(idle)
	sb.RegisterNew(alive)

	require.NoError(t, sb.CreateStream(streamID, idle, "agent-idle"))
	require.NoError(t, sb.CreateStream(uuid.New(), alive, "agent-alive"))

	sb.WithState(alive, func(st *SessionState) { st.LastRTPAt = time.Now() })
	// idle publisher never received a packet: LastRTPAt stays zero.

	sb.VacuumPublishers(context.Background(), 50*time.Millisecond)

	require.Contains(t, fd.calls, idle)
	require.NotContains(t, fd.calls, alive)
}

func TestVacuumSessionsEvictsStaleUnused(t *testing.T) {
	sb, fd := newTestBoard()
	stale := newSessionId()
	sb.RegisterNew(stale)
	sb.mu.Lock()
	sb.unused[stale].CreatedAt = time.Now().Add(-time.Hour)
	sb.mu.Unlock()

	fresh := newSessionId()
	sb.RegisterNew(fresh)

	sb.VacuumSessions(context.Background(), time.Minute)

	require.Contains(t, fd.calls, stale)
	require.NotContains(t, fd.calls, fresh)
}

func TestTouchSessionDelaysVacuum(t *testing.T) {
	sb, fd := newTestBoard()
	id := newSessionId()
	sb.RegisterNew(id)
	sb.mu.Lock()
	sb.unused[id].CreatedAt = time.Now().Add(-time.Hour)
	sb.mu.Unlock()

	sb.TouchSession(id)
	sb.VacuumSessions(context.Background(), time.Minute)

	require.Empty(t, fd.calls)
}

func TestRemoveStreamIsIdempotent(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	pub := newSessionId()
	sb.RegisterNew(pub)
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))

	sb.RemoveStream(streamID)
	require.NotPanics(t, func() { sb.RemoveStream(streamID) })

	_, ok := sb.PublisherOf(streamID)
	require.False(t, ok)
}

func TestRemoveStreamThenHandleDisconnectIsSafe(t *testing.T) {
	sb, fd := newTestBoard()
	streamID := uuid.New()
	pub, sub := newSessionId(), newSessionId()
	sb.RegisterNew(pub)
	sb.RegisterNew(sub)
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub, "agent-sub"))

	sb.RemoveStream(streamID)
	require.NotPanics(t, func() {
		sb.HandleDisconnect(context.Background(), pub)
	})
	require.NotContains(t, fd.calls, sub) // RemoveStream already dropped the subscriber link, so nothing cascades to it
}

func TestSetWriterConfigReturnsPrior(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	prev := sb.SetWriterConfig(streamID, DefaultWriterConfig(1_500_000))
	require.Nil(t, prev)

	prev = sb.SetWriterConfig(streamID, WriterConfig{SendVideo: false, SendAudio: true})
	require.NotNil(t, prev)
	require.True(t, prev.SendVideo)
}

func TestUpdateReaderConfigRequiresKnownAgent(t *testing.T) {
	sb, _ := newTestBoard()
	err := sb.UpdateReaderConfig(uuid.New(), "ghost", ReaderConfig{})
	require.Error(t, err)
	require.Equal(t, KindNotFound, mustKind(t, err))
}

func TestReaderConfigDefaultsToReceiveBoth(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	pub := newSessionId()
	sb.RegisterNew(pub)
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))

	cfg := sb.ReaderConfig(streamID, "agent-pub")
	require.Equal(t, DefaultReaderConfig(), cfg)
}

func TestMaybeSendFIRRateLimits(t *testing.T) {
	sb, _ := newTestBoard()
	pub := newSessionId()
	sb.RegisterNew(pub)
	streamID := uuid.New()
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))

	seq1, ok, err := sb.MaybeSendFIR(pub, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint8(1), seq1)

	_, ok, err = sb.MaybeSendFIR(pub, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	seq2, ok, err := sb.MaybeSendFIR(pub, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint8(2), seq2)
}

func TestAfterHandleDisconnectSessionAppearsNowhere(t *testing.T) {
	sb, _ := newTestBoard()
	streamID := uuid.New()
	pub, sub := newSessionId(), newSessionId()
	sb.RegisterNew(pub)
	sb.RegisterNew(sub)
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub, "agent-sub"))
	require.NoError(t, sb.UpdateReaderConfig(streamID, "agent-sub", ReaderConfig{ReceiveVideo: true}))

	sb.HandleDisconnect(context.Background(), sub)

	_, ok := sb.Session(sub)
	require.False(t, ok)
	_, ok = sb.State(sub)
	require.False(t, ok)
	require.Empty(t, sb.AgentSessions("agent-sub"))
	_, ok = sb.PublisherTo(sub)
	require.False(t, ok)
}

func mustKind(t *testing.T, err error) Kind {
	t.Helper()
	k, ok := KindOf(err)
	require.True(t, ok, "expected a switchboard *Error, got %v", err)
	return k
}
