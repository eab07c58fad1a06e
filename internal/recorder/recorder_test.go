package recorder

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T) *Worker {
	t.Helper()
	w := New(nil)
	go w.Run()
	t.Cleanup(func() { close(w.cmds) })
	return w
}

func TestStartWritePacketStop(t *testing.T) {
	w := startWorker(t)
	dir := t.TempDir()
	streamID := uuid.New()

	h := NewHandle(w.Commands(), streamID, dir, true, time.Unix(0, 0))
	h.WritePacket(true, []byte("video-bytes"))
	h.WritePacket(false, []byte("audio-bytes"))

	wait := h.WaitStop() // recorder active: queues until Stop runs
	h.Stop()
	<-wait

	require.True(t, h.CheckExistence())
}

func TestWaitStopCompletesWhenNoneActive(t *testing.T) {
	w := startWorker(t)
	dir := t.TempDir()
	streamID := uuid.New()
	h := &Handle{streamID: streamID, recordsRoot: dir, cmds: w.Commands()}

	select {
	case <-h.WaitStop():
	case <-time.After(time.Second):
		t.Fatal("wait_stop did not fulfill immediately for an inactive stream")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	w := startWorker(t)
	dir := t.TempDir()
	streamID := uuid.New()
	h := NewHandle(w.Commands(), streamID, dir, false, time.Now())

	require.NotPanics(t, func() {
		h.Stop()
		h.Stop()
	})
}

func TestPacketToUnknownStreamIsSilentlyDropped(t *testing.T) {
	w := startWorker(t)
	streamID := uuid.New()
	h := &Handle{streamID: streamID, cmds: w.Commands()}

	require.NotPanics(t, func() { h.WritePacket(true, []byte("x")) })
}

func TestActiveCountReflectsOpenStreams(t *testing.T) {
	w := startWorker(t)
	dir := t.TempDir()
	require.Equal(t, 0, w.ActiveCount())

	h1 := NewHandle(w.Commands(), uuid.New(), dir, false, time.Now())
	h2 := NewHandle(w.Commands(), uuid.New(), dir, false, time.Now())
	require.Eventually(t, func() bool { return w.ActiveCount() == 2 }, time.Second, time.Millisecond)

	wait := h1.WaitStop()
	h1.Stop()
	<-wait
	require.Equal(t, 1, w.ActiveCount())

	wait2 := h2.WaitStop()
	h2.Stop()
	<-wait2
	require.Equal(t, 0, w.ActiveCount())
}

func TestDeleteRecordHonorsPolicy(t *testing.T) {
	w := startWorker(t)
	dir := t.TempDir()

	h := NewHandle(w.Commands(), uuid.New(), dir, false, time.Now())
	h.Stop()
	<-h.WaitStop() // FIFO: guarantees both Start and Stop have been processed
	require.NoError(t, h.DeleteRecord())
	require.True(t, h.CheckExistence(), "deletion disabled: directory must survive")

	h2 := NewHandle(w.Commands(), uuid.New(), dir, true, time.Now())
	h2.Stop()
	<-h2.WaitStop()
	require.NoError(t, h2.DeleteRecord())
	require.False(t, h2.CheckExistence(), "deletion enabled: directory must be removed")
}
