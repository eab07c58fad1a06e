package relay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/switchboard/internal/recorder"
	"github.com/flowmesh/switchboard/internal/switchboard"
)

type fakeHost struct {
	mu   sync.Mutex
	rtp  []fakeRelayedPacket
	rtcp []fakeRelayedPacket
}

type fakeRelayedPacket struct {
	dst  uint64
	data []byte
}

func (f *fakeHost) RelayRTP(_ context.Context, dst uint64, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.rtp = append(f.rtp, fakeRelayedPacket{dst: dst, data: cp})
	return nil
}

func (f *fakeHost) RelayRTCP(_ context.Context, dst uint64, packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(packet))
	copy(cp, packet)
	f.rtcp = append(f.rtcp, fakeRelayedPacket{dst: dst, data: cp})
	return nil
}

func (f *fakeHost) EndSession(context.Context, uint64) error { return nil }

func (f *fakeHost) snapshotRTP() []fakeRelayedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeRelayedPacket, len(f.rtp))
	copy(out, f.rtp)
	return out
}

func (f *fakeHost) snapshotRTCP() []fakeRelayedPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeRelayedPacket, len(f.rtcp))
	copy(out, f.rtcp)
	return out
}

type fakeDisconnector struct{}

func (fakeDisconnector) RequestDisconnect(context.Context, switchboard.SessionId) {}

func waitUntil(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func setupBoard(t *testing.T) (*switchboard.Switchboard, switchboard.StreamId, switchboard.SessionId, switchboard.SessionId) {
	t.Helper()
	sb := switchboard.New(switchboard.Config{MaxSessionsPerAgent: 8}, fakeDisconnector{}, nil)
	streamID := uuid.New()
	pub := switchboard.SessionId(1)
	sub := switchboard.SessionId(2)
	sb.RegisterNew(pub)
	sb.RegisterNew(sub)
	require.NoError(t, sb.CreateStream(streamID, pub, "agent-pub"))
	require.NoError(t, sb.JoinStream(streamID, sub, "agent-sub"))
	sb.SetWriterConfig(streamID, switchboard.DefaultWriterConfig(1_000_000))
	return sb, streamID, pub, sub
}

func buildRTP(t *testing.T, seq uint16, ts uint32, ssrc uint32) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: []byte("payload"),
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

func TestRelayForwardsToSubscriberWhenEnabled(t *testing.T) {
	sb, _, pub, sub := setupBoard(t)
	host := &fakeHost{}
	pool := NewPool(2, host, nil, nil)
	defer pool.Stop()

	raw := buildRTP(t, 100, 1000, 0xabc)
	pool.HandleIncomingRTP(context.Background(), sb, pub, true, raw, Thresholds{FIRInterval: time.Second})

	waitUntil(t, func() bool { return len(host.snapshotRTP()) == 1 })
	got := host.snapshotRTP()[0]
	require.Equal(t, uint64(sub), got.dst)
}

func TestRelayDropsVideoWhenMuted(t *testing.T) {
	sb, streamID, pub, _ := setupBoard(t)
	sb.SetWriterConfig(streamID, switchboard.WriterConfig{SendVideo: false, SendAudio: true})
	host := &fakeHost{}
	pool := NewPool(2, host, nil, nil)
	defer pool.Stop()

	raw := buildRTP(t, 1, 1, 0x1)
	pool.HandleIncomingRTP(context.Background(), sb, pub, true, raw, Thresholds{FIRInterval: time.Second})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, host.snapshotRTP())
}

func TestRelayHonorsReaderConfig(t *testing.T) {
	sb, streamID, pub, _ := setupBoard(t)
	require.NoError(t, sb.UpdateReaderConfig(streamID, "agent-sub", switchboard.ReaderConfig{ReceiveVideo: false, ReceiveAudio: true}))
	host := &fakeHost{}
	pool := NewPool(2, host, nil, nil)
	defer pool.Stop()

	raw := buildRTP(t, 1, 1, 0x1)
	pool.HandleIncomingRTP(context.Background(), sb, pub, true, raw, Thresholds{FIRInterval: time.Second})

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, host.snapshotRTP(), "video disabled for this reader")
}

func TestRelayUpdatesLastRTPTimestamp(t *testing.T) {
	sb, _, pub, _ := setupBoard(t)
	host := &fakeHost{}
	pool := NewPool(1, host, nil, nil)
	defer pool.Stop()

	raw := buildRTP(t, 1, 1, 0x1)
	pool.HandleIncomingRTP(context.Background(), sb, pub, false, raw, Thresholds{FIRInterval: time.Second})

	waitUntil(t, func() bool {
		st, _ := sb.State(pub)
		return !st.LastRTPAt.IsZero()
	})
}

func TestRewriteRTPAnchorsOnSourceChange(t *testing.T) {
	var state switchboard.MediaRewriteState
	p1 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 10, Timestamp: 1000, SSRC: 1}}
	rewriteRTP(&state, p1)
	require.Equal(t, uint16(10), p1.SequenceNumber)
	require.Equal(t, uint32(1000), p1.Timestamp)

	p2 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 11, Timestamp: 1030, SSRC: 1}}
	rewriteRTP(&state, p2)
	require.Equal(t, uint16(11), p2.SequenceNumber)

	// Source changes (re-publish): sequence/timestamp must continue
	// monotonically from the last output instead of jumping.
	p3 := &rtp.Packet{Header: rtp.Header{SequenceNumber: 5, Timestamp: 200, SSRC: 2}}
	rewriteRTP(&state, p3)
	require.Equal(t, uint16(12), p3.SequenceNumber)
	require.Equal(t, uint32(1031), p3.Timestamp)
}

func TestHandleIncomingRTCPFromSubscriberGoesToPublisher(t *testing.T) {
	sb, _, pub, sub := setupBoard(t)
	host := &fakeHost{}
	pool := NewPool(1, host, nil, nil)
	defer pool.Stop()

	pool.HandleIncomingRTCP(context.Background(), sb, sub, []byte("rtcp-feedback"))

	waitUntil(t, func() bool { return len(host.snapshotRTCP()) == 1 })
	got := host.snapshotRTCP()[0]
	require.Equal(t, uint64(pub), got.dst)
}

func TestRelayWritesBothMediaKindsToAttachedRecorder(t *testing.T) {
	sb, streamID, pub, _ := setupBoard(t)
	host := &fakeHost{}
	pool := NewPool(2, host, nil, nil)
	defer pool.Stop()

	worker := recorder.New(nil)
	go worker.Run()
	t.Cleanup(func() { close(worker.Commands()) })

	recordsRoot := t.TempDir()
	handle := recorder.NewHandle(worker.Commands(), streamID, recordsRoot, false, time.Now())
	require.NoError(t, sb.AttachRecorder(pub, handle))

	audioRaw := buildRTP(t, 1, 1, 0x1)
	videoRaw := buildRTP(t, 2, 2, 0x2)
	pool.HandleIncomingRTP(context.Background(), sb, pub, false, audioRaw, Thresholds{FIRInterval: time.Second})
	pool.HandleIncomingRTP(context.Background(), sb, pub, true, videoRaw, Thresholds{FIRInterval: time.Second})

	handle.Stop()
	<-handle.WaitStop()

	dir := filepath.Join(recordsRoot, streamID.String())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var audioSize, videoSize int64
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		switch filepath.Ext(e.Name()) {
		case ".audio":
			audioSize = info.Size()
		case ".video":
			videoSize = info.Size()
		}
	}
	require.Positive(t, audioSize, "audio sink should have received the relayed audio packet")
	require.Positive(t, videoSize, "video sink should have received the relayed video packet")
}

func TestSendFIRRateLimited(t *testing.T) {
	sb, _, pub, _ := setupBoard(t)
	host := &fakeHost{}
	pool := NewPool(1, host, nil, nil)
	defer pool.Stop()

	require.NoError(t, pool.SendFIR(context.Background(), sb, pub, 0xdead, Thresholds{FIRInterval: time.Minute}))
	require.NoError(t, pool.SendFIR(context.Background(), sb, pub, 0xdead, Thresholds{FIRInterval: time.Minute}))

	waitUntil(t, func() bool { return len(host.snapshotRTCP()) == 1 })
}
