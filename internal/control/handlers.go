// Package control implements the HTTP control surface (spec §6, Component
// H): opaque proxying, handle/session lifecycle, stream upload, and
// writer/reader config mutation, all routed through gin. Grounded on the
// teacher's cmd/server/main.go router assembly and
// internal/recordings/handler.go request/response shape, adapted to the
// spec's svc_error envelope via pkg/response.
package control

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/audit"
	"github.com/flowmesh/switchboard/internal/hostsfu"
	"github.com/flowmesh/switchboard/internal/relay"
	"github.com/flowmesh/switchboard/internal/switchboard"
	"github.com/flowmesh/switchboard/internal/upload"
	"github.com/flowmesh/switchboard/pkg/response"
)

// wsUpgrader upgrades /events/ws connections. The diagnostic stream is
// read-only and carries no credentials of its own, so origin checking is
// left to the reverse proxy deployments of this plugin sit behind, same
// as the teacher's own upgrader.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config bundles the runtime settings handlers need beyond their wired
// collaborators.
type Config struct {
	RecordsRoot         string
	DeleteRecords       bool
	DefaultVideoBitrate uint32
	MaxVideoREMB        uint32
	FIRInterval         time.Duration
	PollTimeout         time.Duration // default 30s per spec §6
	ProxyUpstreamURL    string
}

// Handlers holds every collaborator the control surface's endpoints call
// into. Constructed once at process startup and wired to a gin router by
// NewRouter.
type Handlers struct {
	cfg     Config
	sb      *switchboard.Switchboard
	pool    *relay.Pool
	uploads *upload.Registry
	ledger  *audit.Ledger
	events  *EventQueue
	ids     *idGenerator
	client  *http.Client
	log     *zap.Logger
	retries *upload.RetryQueue
}

// SetRetryQueue wires the async upload-retry queue (internal/upload.Worker
// drains it); StreamUpload enqueues a job here when a synchronous upload
// attempt fails instead of only surfacing the failure to the caller. Left
// unset, a failed upload is reported but never retried.
func (h *Handlers) SetRetryQueue(q *upload.RetryQueue) {
	h.retries = q
}

// NewHandlers wires a Handlers. A nil logger is replaced with a no-op
// logger.
func NewHandlers(cfg Config, sb *switchboard.Switchboard, pool *relay.Pool, uploads *upload.Registry, ledger *audit.Ledger, events *EventQueue, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Handlers{
		cfg:     cfg,
		sb:      sb,
		pool:    pool,
		uploads: uploads,
		ledger:  ledger,
		events:  events,
		ids:     newIDGenerator(),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Health serves a liveness probe, mirroring the teacher's /health.
func (h *Handlers) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

// CreateHandle mints a new opaque handle id.
func (h *Handlers) CreateHandle(c *gin.Context) {
	response.Created(c, gin.H{"id": h.ids.Next()})
}

// Init mints (or accepts) a handle id, registers the corresponding session
// as unused, and returns both ids.
func (h *Handlers) Init(c *gin.Context) {
	var req struct {
		HandleID *uint64 `json:"handle_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		response.BadRequest(c, err.Error())
		return
	}
	handleID := h.ids.Next()
	if req.HandleID != nil {
		handleID = *req.HandleID
	}
	sessionID := h.ids.Next()
	h.sb.RegisterNew(switchboard.SessionId(sessionID))
	response.Created(c, gin.H{"session_id": sessionID, "handle_id": handleID})
}

// Poll drains queued host-SFU events, long-polling up to cfg.PollTimeout.
func (h *Handlers) Poll(c *gin.Context) {
	maxEvents := 0
	if v := c.Query("max_events"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.BadRequest(c, "max_events must be a non-negative integer")
			return
		}
		maxEvents = n
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.PollTimeout)
	defer cancel()
	events := h.events.Poll(ctx, maxEvents)
	if events == nil {
		events = make([]hostsfu.Event, 0) // keep the JSON shape an array, never null
	}
	response.OK(c, events)
}

// EventsWS streams every switchboard lifecycle event (join/leave/FIR/
// speaking transitions) to an operator over a WebSocket, for diagnostics.
// It is a broadcast side channel: watching it never consumes events that
// `/poll` callers are waiting on.
func (h *Handlers) EventsWS(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("events-ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsubscribe := h.events.Subscribe(64)
	defer unsubscribe()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

// Proxy forwards the request body byte-for-byte to the configured upstream
// signaling URL and relays its response back unmodified.
func (h *Handlers) Proxy(c *gin.Context) {
	if h.cfg.ProxyUpstreamURL == "" {
		response.Internal(c, "proxy upstream not configured")
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, h.cfg.ProxyUpstreamURL, bytes.NewReader(body))
	if err != nil {
		response.Internal(c, err.Error())
		return
	}
	req.Header.Set("Content-Type", c.ContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		response.Error(c, http.StatusBadGateway, "external_failure", err.Error())
		return
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		response.Error(c, http.StatusBadGateway, "external_failure", err.Error())
		return
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), respBody)
}

// StreamUpload finalizes a recording: if the stream has an active
// publisher, it stops the stream and disconnects the publisher and every
// subscriber first (spec §8 scenario S5), then invokes the named upload
// backend against the stream's records directory.
func (h *Handlers) StreamUpload(c *gin.Context) {
	var req struct {
		ID      string `json:"id" binding:"required"`
		Backend string `json:"backend" binding:"required"`
		Bucket  string `json:"bucket" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	streamID, err := uuid.Parse(req.ID)
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return
	}
	backend, err := h.uploads.Resolve(req.Backend)
	if err != nil {
		response.FromSwitchboardError(c, err)
		return
	}

	ctx := c.Request.Context()
	if pub, ok := h.sb.PublisherOf(streamID); ok {
		subs := h.sb.SubscribersTo(pub)
		st, _ := h.sb.State(pub)
		handle := st.Recorder

		h.sb.RemoveStream(streamID)
		if handle != nil {
			<-handle.WaitStop()
		}

		h.sb.Disconnect(ctx, pub)
		for _, sub := range subs {
			h.sb.Disconnect(ctx, sub)
		}
	}

	dir := filepath.Join(h.cfg.RecordsRoot, streamID.String())
	if _, err := os.Stat(dir); err != nil {
		response.NotFound(c, "records directory not found")
		return
	}

	result, uploadErr := backend.Upload(ctx, streamID.String(), req.Bucket, dir)
	outcome := audit.UploadOutcome{StreamID: streamID.String(), Backend: req.Backend, Bucket: req.Bucket, At: time.Now()}
	if uploadErr != nil {
		outcome.Err = uploadErr.Error()
		if err := h.ledger.RecordUpload(ctx, outcome); err != nil {
			h.log.Warn("audit: record upload failure", zap.Error(err))
		}
		if h.retries != nil {
			job := upload.RetryJob{StreamID: streamID.String(), Backend: req.Backend, Bucket: req.Bucket, RecordsDir: dir}
			if err := h.retries.Enqueue(ctx, job); err != nil {
				h.log.Warn("stream-upload: enqueue retry", zap.String("stream_id", streamID.String()), zap.Error(err))
			}
		}
		response.FromSwitchboardError(c, uploadErr)
		return
	}
	outcome.AlreadyRunning = result.AlreadyRunning
	outcome.DumpsURIs = result.DumpsURIs
	if err := h.ledger.RecordUpload(ctx, outcome); err != nil {
		h.log.Warn("audit: record upload", zap.Error(err))
	}

	if result.AlreadyRunning {
		response.OK(c, gin.H{"id": streamID.String(), "state": "already_running"})
		return
	}
	if h.cfg.DeleteRecords {
		if err := os.RemoveAll(dir); err != nil {
			h.log.Warn("stream-upload: delete records dir", zap.String("stream_id", streamID.String()), zap.Error(err))
		}
	}
	response.OK(c, gin.H{"id": streamID.String(), "mjr_dumps_uris": result.DumpsURIs})
}

type writerConfigEntry struct {
	StreamID  string  `json:"stream_id" binding:"required"`
	SendVideo bool    `json:"send_video"`
	SendAudio bool    `json:"send_audio"`
	VideoREMB *uint32 `json:"video_remb"`
}

// WriterConfigUpdate validates and applies one or more per-stream writer
// configs, emitting a FIR toward the publisher wherever video transitions
// off to on (spec §4.5/§6).
func (h *Handlers) WriterConfigUpdate(c *gin.Context) {
	var req struct {
		Configs []writerConfigEntry `json:"configs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	for _, entry := range req.Configs {
		streamID, err := uuid.Parse(entry.StreamID)
		if err != nil {
			response.BadRequest(c, "invalid stream_id")
			return
		}
		remb := h.cfg.DefaultVideoBitrate
		if entry.VideoREMB != nil {
			remb = *entry.VideoREMB
		}
		if remb > h.cfg.MaxVideoREMB {
			response.BadRequest(c, "video_remb exceeds max_video_remb")
			return
		}

		newCfg := switchboard.WriterConfig{SendVideo: entry.SendVideo, SendAudio: entry.SendAudio, VideoREMB: remb}
		prev := h.sb.SetWriterConfig(streamID, newCfg)

		videoTurnedOn := (prev == nil || !prev.SendVideo) && newCfg.SendVideo
		if videoTurnedOn {
			if pub, ok := h.sb.PublisherOf(streamID); ok {
				th := relay.Thresholds{FIRInterval: h.cfg.FIRInterval}
				if err := h.pool.SendFIR(ctx, h.sb, pub, 0, th); err != nil {
					h.log.Warn("writer-config-update: send FIR", zap.String("stream_id", streamID.String()), zap.Error(err))
				}
			}
		}
	}
	response.OK(c, gin.H{"status": "ok"})
}

type readerConfigEntry struct {
	ReaderID     string `json:"reader_id" binding:"required"`
	StreamID     string `json:"stream_id" binding:"required"`
	ReceiveVideo bool   `json:"receive_video"`
	ReceiveAudio bool   `json:"receive_audio"`
}

// ReaderConfigUpdate sets the receive policy for one or more
// (reader, stream) pairs.
func (h *Handlers) ReaderConfigUpdate(c *gin.Context) {
	var req struct {
		Configs []readerConfigEntry `json:"configs" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	for _, entry := range req.Configs {
		streamID, err := uuid.Parse(entry.StreamID)
		if err != nil {
			response.BadRequest(c, "invalid stream_id")
			return
		}
		cfg := switchboard.ReaderConfig{ReceiveVideo: entry.ReceiveVideo, ReceiveAudio: entry.ReceiveAudio}
		if err := h.sb.UpdateReaderConfig(streamID, switchboard.AgentId(entry.ReaderID), cfg); err != nil {
			response.FromSwitchboardError(c, err)
			return
		}
	}
	response.OK(c, gin.H{"status": "ok"})
}

// AgentLeave ends every session currently bound to agent_id.
func (h *Handlers) AgentLeave(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	for _, id := range h.sb.AgentSessions(switchboard.AgentId(req.AgentID)) {
		h.sb.Disconnect(ctx, id)
	}
	response.OK(c, gin.H{"status": "ok"})
}
