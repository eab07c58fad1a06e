// Package relay implements the media relay hot path: a sharded worker
// pool that forwards already-routed RTP/RTCP packets to the host SFU's
// relay primitives, plus the per-packet dispatch logic described in the
// routing design — writer/reader config enforcement, RTP
// timestamp/sequence rewriting per destination, speaking-detector
// integration, and FIR rate-limiting.
package relay

import (
	"context"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/flowmesh/switchboard/internal/hostsfu"
	"github.com/flowmesh/switchboard/internal/speaking"
	"github.com/flowmesh/switchboard/internal/switchboard"
)

type commandKind int

const (
	cmdRelayRTP commandKind = iota
	cmdRelayRTCP
	cmdStop
)

type command struct {
	kind commandKind
	dst  switchboard.SessionId
	data []byte
}

// Pool is a fixed-size sharded worker pool. Dispatch always routes a
// given destination session to the same worker (session_id mod N), so
// packets for one destination are never reordered relative to each
// other even though different destinations fan out across workers.
type Pool struct {
	workers []chan command
	host    hostsfu.Relay
	events  hostsfu.EventSink
	log     *zap.Logger
}

// NewPool starts n worker goroutines. n must be at least 1.
func NewPool(n int, host hostsfu.Relay, events hostsfu.EventSink, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if n < 1 {
		n = 1
	}
	p := &Pool{
		workers: make([]chan command, n),
		host:    host,
		events:  events,
		log:     log,
	}
	for i := range p.workers {
		ch := make(chan command, 1024)
		p.workers[i] = ch
		go p.runWorker(ch)
	}
	return p
}

// Stop asks every worker to exit after draining its current queue.
func (p *Pool) Stop() {
	for _, ch := range p.workers {
		ch <- command{kind: cmdStop}
	}
}

func (p *Pool) runWorker(ch chan command) {
	ctx := context.Background()
	for cmd := range ch {
		switch cmd.kind {
		case cmdStop:
			return
		case cmdRelayRTP:
			if err := p.host.RelayRTP(ctx, uint64(cmd.dst), cmd.data); err != nil {
				p.log.Error("relay: RelayRTP", zap.Uint64("dst", uint64(cmd.dst)), zap.Error(err))
			}
		case cmdRelayRTCP:
			if err := p.host.RelayRTCP(ctx, uint64(cmd.dst), cmd.data); err != nil {
				p.log.Error("relay: RelayRTCP", zap.Uint64("dst", uint64(cmd.dst)), zap.Error(err))
			}
		}
	}
}

func (p *Pool) shardFor(dst switchboard.SessionId) chan command {
	return p.workers[uint64(dst)%uint64(len(p.workers))]
}

func (p *Pool) dispatchRTP(dst switchboard.SessionId, data []byte) {
	p.shardFor(dst) <- command{kind: cmdRelayRTP, dst: dst, data: data}
}

func (p *Pool) dispatchRTCP(dst switchboard.SessionId, data []byte) {
	p.shardFor(dst) <- command{kind: cmdRelayRTCP, dst: dst, data: data}
}

// Thresholds bundles the runtime-configured speaking-detector and FIR
// parameters the per-packet dispatch logic needs.
type Thresholds struct {
	Speaking    speaking.Thresholds
	FIRInterval time.Duration
}

// HandleIncomingRTP implements spec §4.5 step 1-3 for the RTP direction.
// Called by Component G (session lifecycle glue) from the host's
// incoming-packet callback, with no switchboard lock held by the
// caller.
func (p *Pool) HandleIncomingRTP(ctx context.Context, sb *switchboard.Switchboard, src switchboard.SessionId, isVideo bool, raw []byte, th Thresholds) {
	state, ok := sb.State(src)
	if !ok {
		return
	}

	switch state.Role {
	case switchboard.RolePublisher:
		p.relayFromPublisher(ctx, sb, src, isVideo, raw, th)
	case switchboard.RoleSubscriber:
		// Publishers are the only legitimate RTP source; a subscriber
		// sending RTP upstream has no destination to route to.
	}
}

func (p *Pool) relayFromPublisher(ctx context.Context, sb *switchboard.Switchboard, src switchboard.SessionId, isVideo bool, raw []byte, th Thresholds) {
	streamID, ok := sb.StreamIDTo(src)
	if !ok {
		return
	}
	wc, _ := sb.WriterConfig(streamID)
	if isVideo && !wc.SendVideo {
		return
	}
	if !isVideo && !wc.SendAudio {
		return
	}

	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		p.log.Error("relay: unmarshal incoming RTP", zap.Error(err))
		return
	}

	// Capture the recorder handle (and everything the recorder write
	// needs) while the lock is held, but send on its command channel
	// only after WithState has returned — no lock is held across a
	// channel send into the recorder (spec §5).
	var recorder switchboard.RecorderHandle
	sb.WithState(src, func(st *switchboard.SessionState) {
		st.LastRTPAt = time.Now()
		recorder = st.Recorder
		if isVideo || !st.HasAudioLevelExtID {
			return
		}
		ext := pkt.GetExtension(st.AudioLevelExtID)
		if len(ext) == 0 {
			return
		}
		level := int64(ext[0] & 0x7f)
		transition := speaking.Process(&st.Speaking, level, th.Speaking)
		if transition != speaking.NoTransition && p.events != nil {
			kind := "speaking_started"
			if transition == speaking.Stopped {
				kind = "speaking_stopped"
			}
			p.events.PushEvent(ctx, hostsfu.Event{SessionID: uint64(src), Kind: kind})
		}
	})
	if recorder != nil {
		recorder.WritePacket(isVideo, raw)
	}

	for _, sub := range sb.SubscribersTo(src) {
		agent, ok := sb.AgentOf(sub)
		if !ok {
			continue
		}
		rc := sb.ReaderConfig(streamID, agent)
		if isVideo && !rc.ReceiveVideo {
			continue
		}
		if !isVideo && !rc.ReceiveAudio {
			continue
		}

		out := pkt
		sb.WithState(sub, func(st *switchboard.SessionState) {
			rewrite := &st.Rewrite.Video
			if !isVideo {
				rewrite = &st.Rewrite.Audio
			}
			rewriteRTP(rewrite, &out)
		})

		data, err := out.Marshal()
		if err != nil {
			p.log.Error("relay: marshal rewritten RTP", zap.Error(err))
			continue
		}
		p.dispatchRTP(sub, data)
	}
}

// HandleIncomingRTCP implements the RTCP direction of spec §4.5: a
// subscriber's feedback (NACK/REMB/PLI) is relayed to the stream's
// publisher; a publisher's own RTCP (sender reports) is fanned out to
// its subscribers.
func (p *Pool) HandleIncomingRTCP(_ context.Context, sb *switchboard.Switchboard, src switchboard.SessionId, raw []byte) {
	state, ok := sb.State(src)
	if !ok {
		return
	}

	switch state.Role {
	case switchboard.RoleSubscriber:
		pub, ok := sb.PublisherTo(src)
		if !ok {
			return
		}
		streamID, ok := sb.StreamIDTo(pub)
		if ok {
			if wc, has := sb.WriterConfig(streamID); has && !wc.SendVideo && !wc.SendAudio {
				return
			}
		}
		p.dispatchRTCP(pub, raw)
	case switchboard.RolePublisher:
		for _, sub := range sb.SubscribersTo(src) {
			p.dispatchRTCP(sub, raw)
		}
	}
}

// SendFIR synthesizes and dispatches an RTCP Full Intra Request toward
// publisher, rate-limited to at most once per th.FIRInterval. Called by
// the control layer when a writer config transition re-enables video
// (spec §4.5's FIR-on-re-enable rule).
func (p *Pool) SendFIR(ctx context.Context, sb *switchboard.Switchboard, publisher switchboard.SessionId, mediaSSRC uint32, th Thresholds) error {
	seq, ok, err := sb.MaybeSendFIR(publisher, th.FIRInterval)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	fir := &rtcp.FullIntraRequest{
		MediaSSRC: mediaSSRC,
		FIR: []rtcp.FIRPair{
			{SSRC: mediaSSRC, SequenceNumber: seq},
		},
	}
	data, err := fir.Marshal()
	if err != nil {
		return err
	}
	p.dispatchRTCP(publisher, data)
	return nil
}

// SendREMB synthesizes and dispatches an RTCP REMB toward publisher
// carrying bitrate as its maximum. The control layer's writer-config
// update does not call it.
func (p *Pool) SendREMB(publisher switchboard.SessionId, mediaSSRC uint32, bitrate uint32) error {
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bitrate),
		SSRCs:   []uint32{mediaSSRC},
	}
	data, err := remb.Marshal()
	if err != nil {
		return err
	}
	p.dispatchRTCP(publisher, data)
	return nil
}

// rewriteRTP hides source discontinuities (a re-publish, a reconnect)
// from one destination by maintaining an independent base/offset per
// media kind. The very first packet a destination receives passes through
// unchanged; the first packet for a new source SSRC after that re-anchors
// the offset so the destination's sequence/timestamp keep advancing
// monotonically instead of jumping.
func rewriteRTP(state *switchboard.MediaRewriteState, pkt *rtp.Packet) {
	if !state.Initialized {
		state.SeqOffset = 0
		state.TSOffset = 0
		state.LastSSRC = pkt.SSRC
		state.Initialized = true
	} else if state.LastSSRC != pkt.SSRC {
		state.SeqOffset = state.LastOutSeq + 1 - pkt.SequenceNumber
		state.TSOffset = state.LastOutTS + 1 - pkt.Timestamp
		state.LastSSRC = pkt.SSRC
		state.Initialized = true
	}
	pkt.SequenceNumber += state.SeqOffset
	pkt.Timestamp += state.TSOffset
	state.LastOutSeq = pkt.SequenceNumber
	state.LastOutTS = pkt.Timestamp
}
