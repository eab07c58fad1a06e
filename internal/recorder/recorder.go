// Package recorder implements the process-wide recording worker: a
// single goroutine owning every stream's audio/video sink pair. Commands
// arrive on a channel buffered to 256 entries; a sender blocks while the
// buffer is full. The worker is the only party that
// opens, writes, or closes a sink, so wait_stop is trivially correct —
// completion is exactly the moment the worker's Stop handler finishes.
package recorder

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/switchboard"
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdPacket
	cmdStop
	cmdWaitStop
	cmdCount
)

type command struct {
	kind     commandKind
	streamID switchboard.StreamId

	// start
	dir       string
	startTime time.Time

	// packet
	isVideo bool
	bytes   []byte

	// wait_stop
	reply chan struct{}

	// count
	countReply chan int
}

type sinkPair struct {
	audio, video *os.File
	waiters      []chan struct{}
}

// Worker is the process-wide recorder. Construct with New and run Run in
// its own goroutine; send commands via the channel returned by Commands.
type Worker struct {
	cmds    chan command
	log     *zap.Logger
	entries map[switchboard.StreamId]*sinkPair
}

// New creates a Worker whose command channel buffers 256 commands; it is
// not unbounded, so senders block once 256 commands are waiting.
func New(log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cmds:    make(chan command, 256),
		log:     log,
		entries: make(map[switchboard.StreamId]*sinkPair),
	}
}

// Commands returns the channel Handle uses to send commands. Exposed so
// tests can drive the worker directly without a Handle.
func (w *Worker) Commands() chan<- command { return w.cmds }

// ActiveCount reports how many streams currently have open sinks. Safe to
// call from any goroutine; satisfies internal/metrics.RecorderCounter.
func (w *Worker) ActiveCount() int {
	reply := make(chan int)
	w.cmds <- command{kind: cmdCount, countReply: reply}
	return <-reply
}

// Run processes commands until the channel is closed. Intended to run in
// its own goroutine for the lifetime of the process.
func (w *Worker) Run() {
	for cmd := range w.cmds {
		switch cmd.kind {
		case cmdStart:
			w.handleStart(cmd)
		case cmdPacket:
			w.handlePacket(cmd)
		case cmdStop:
			w.handleStop(cmd)
		case cmdWaitStop:
			w.handleWaitStop(cmd)
		case cmdCount:
			cmd.countReply <- len(w.entries)
		}
	}
}

func (w *Worker) handleStart(cmd command) {
	if prev, ok := w.entries[cmd.streamID]; ok {
		w.closeSinks(cmd.streamID, prev)
	}

	dir := filepath.Join(cmd.dir, cmd.streamID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		w.log.Error("recorder: create stream directory", zap.String("stream_id", cmd.streamID.String()), zap.Error(err))
		return
	}

	millis := cmd.startTime.UnixMilli()
	audioPath := filepath.Join(dir, fmt.Sprintf("%d.audio", millis))
	videoPath := filepath.Join(dir, fmt.Sprintf("%d.video", millis))

	audio, err := os.OpenFile(audioPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		w.log.Error("recorder: open audio sink", zap.String("stream_id", cmd.streamID.String()), zap.Error(err))
		return
	}
	video, err := os.OpenFile(videoPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		w.log.Error("recorder: open video sink", zap.String("stream_id", cmd.streamID.String()), zap.Error(err))
		_ = audio.Close()
		return
	}

	w.entries[cmd.streamID] = &sinkPair{audio: audio, video: video}
}

func (w *Worker) handlePacket(cmd command) {
	entry, ok := w.entries[cmd.streamID]
	if !ok {
		// Packet may arrive between Stop and sink teardown; drop silently.
		return
	}
	sink := entry.video
	if !cmd.isVideo {
		sink = entry.audio
	}
	if sink == nil {
		return
	}
	if _, err := sink.Write(cmd.bytes); err != nil {
		w.log.Error("recorder: write sink", zap.String("stream_id", cmd.streamID.String()), zap.Bool("is_video", cmd.isVideo), zap.Error(err))
	}
}

func (w *Worker) handleStop(cmd command) {
	entry, ok := w.entries[cmd.streamID]
	if !ok {
		return
	}
	delete(w.entries, cmd.streamID)
	w.closeSinks(cmd.streamID, entry)
	for _, waiter := range entry.waiters {
		close(waiter)
	}
}

func (w *Worker) handleWaitStop(cmd command) {
	entry, ok := w.entries[cmd.streamID]
	if !ok {
		close(cmd.reply)
		return
	}
	entry.waiters = append(entry.waiters, cmd.reply)
}

func (w *Worker) closeSinks(streamID switchboard.StreamId, entry *sinkPair) {
	if entry.audio != nil {
		if err := entry.audio.Close(); err != nil {
			w.log.Error("recorder: close audio sink", zap.String("stream_id", streamID.String()), zap.Error(err))
		}
	}
	if entry.video != nil {
		if err := entry.video.Close(); err != nil {
			w.log.Error("recorder: close video sink", zap.String("stream_id", streamID.String()), zap.Error(err))
		}
	}
}

// Handle is a per-stream command-channel endpoint, held inside a
// publisher's SessionState. It satisfies switchboard.RecorderHandle
// structurally.
type Handle struct {
	streamID      switchboard.StreamId
	recordsRoot   string
	deleteEnabled bool
	cmds          chan<- command

	once sync.Once
}

// NewHandle starts a recording by sending a Start command and returns a
// handle the switchboard can attach to the publisher's SessionState.
func NewHandle(cmds chan<- command, streamID switchboard.StreamId, recordsRoot string, deleteEnabled bool, startTime time.Time) *Handle {
	cmds <- command{kind: cmdStart, streamID: streamID, dir: recordsRoot, startTime: startTime}
	return &Handle{
		streamID:      streamID,
		recordsRoot:   recordsRoot,
		deleteEnabled: deleteEnabled,
		cmds:          cmds,
	}
}

// WritePacket enqueues a Packet command; a copy of bytes is taken so the
// caller's buffer may be reused immediately.
func (h *Handle) WritePacket(isVideo bool, bytes []byte) {
	cp := make([]byte, len(bytes))
	copy(cp, bytes)
	h.cmds <- command{kind: cmdPacket, streamID: h.streamID, isVideo: isVideo, bytes: cp}
}

// Stop is idempotent: subsequent calls after the first are no-ops from
// the caller's perspective (the worker tolerates Stop on an unknown
// stream by making it a no-op).
func (h *Handle) Stop() {
	h.once.Do(func() {
		h.cmds <- command{kind: cmdStop, streamID: h.streamID}
	})
}

// WaitStop returns a channel closed when the recorder's Stop command has
// completed for this stream, or immediately if no recorder is active.
func (h *Handle) WaitStop() <-chan struct{} {
	reply := make(chan struct{})
	h.cmds <- command{kind: cmdWaitStop, streamID: h.streamID, reply: reply}
	return reply
}

// DeleteRecord removes the per-stream directory iff the records policy
// enables deletion.
func (h *Handle) DeleteRecord() error {
	if !h.deleteEnabled {
		return nil
	}
	dir := filepath.Join(h.recordsRoot, h.streamID.String())
	return os.RemoveAll(dir)
}

// CheckExistence reports whether the per-stream directory exists and is
// a directory.
func (h *Handle) CheckExistence() bool {
	dir := filepath.Join(h.recordsRoot, h.streamID.String())
	info, err := os.Stat(dir)
	if err != nil {
		return false
	}
	return info.IsDir()
}
