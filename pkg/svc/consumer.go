package svc

import (
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
)

// State is the forwarding state machine spec.md §4.4 defines: Paused,
// Resyncing, Streaming.
type State int

const (
	StatePaused State = iota
	StateResyncing
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "paused"
	case StateResyncing:
		return "resyncing"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Consumer is the orchestrator, spec.md §4.4. It owns a SendStream, an
// EncodingContext, and a SeqManager (via Forwarder), and addresses its
// transport only through the narrow Listener capability — no parent
// pointer, per spec.md §9's redesign notes.
type Consumer struct {
	id   string
	log  logger.Logger
	cfg  Config
	clock Clock

	params RtpParameters

	listener     Listener
	baseDelegate BaseDelegate

	sendStream SendStream
	encCtx     EncodingContext
	forwarder  *Forwarder
	selector   *LayerSelector

	producer ProducerStreamView

	externallyManagedBitrate bool
	activeProbe              *BitrateProbe

	paused         bool
	producerPaused bool
	transportConnected bool

	lastRtcpSentMs int64
	maxRtcpInterval int64
}

// Params bundles NewConsumer's construction inputs.
type Params struct {
	ID                       string
	Logger                   logger.Logger
	Clock                    Clock
	Config                   Config
	RtpParameters            RtpParameters
	ConsumableRtpEncodings   []ConsumableRtpEncoding
	PreferredLayers          *PreferredLayers
	Listener                 Listener
	BaseDelegate             BaseDelegate
	SendStream               SendStream
	EncodingContext          EncodingContext // nil means "no context for this MIME type"
	SupportedPayloadTypes    map[uint8]struct{}
	ExternallyManagedBitrate bool
	MaxRtcpIntervalMs        int64
}

// NewConsumer validates construction data per spec.md §6 and returns a
// ready-to-drive Consumer, or a construction error with no Consumer
// created.
func NewConsumer(p Params) (*Consumer, error) {
	if len(p.ConsumableRtpEncodings) != 1 {
		return nil, ErrInvalidConsumableEncodings
	}

	enc := p.RtpParameters.Encoding
	if enc.SpatialLayers < 1 || enc.TemporalLayers < 1 || enc.SpatialLayers+enc.TemporalLayers < 3 {
		return nil, ErrInvalidLayerCount
	}

	preferredSpatial := enc.SpatialLayers - 1
	preferredTemporal := enc.TemporalLayers - 1

	if p.PreferredLayers != nil {
		// Same range check as SetPreferredLayers: a wire uint16 above
		// int16's range would wrap negative on conversion.
		if p.PreferredLayers.SpatialLayer > 0x7fff {
			return nil, ErrInvalidPreferredLayers
		}
		if p.PreferredLayers.TemporalLayer != nil && *p.PreferredLayers.TemporalLayer > 0x7fff {
			return nil, ErrInvalidPreferredLayers
		}

		ps := int16(p.PreferredLayers.SpatialLayer)
		if ps > enc.SpatialLayers-1 {
			ps = enc.SpatialLayers - 1
		}
		preferredSpatial = ps

		if p.PreferredLayers.TemporalLayer != nil {
			pt := int16(*p.PreferredLayers.TemporalLayer)
			if pt > enc.TemporalLayers-1 {
				pt = enc.TemporalLayers - 1
			}
			preferredTemporal = pt
		} else {
			preferredTemporal = enc.TemporalLayers - 1
		}
	}

	if p.EncodingContext == nil {
		return nil, ErrUnsupportedCodec
	}

	if enc.Rtx != nil {
		p.SendStream.SetRtx(enc.Rtx.PayloadType, enc.Rtx.Ssrc)
	}

	p.SendStream.SetCodecFlags(p.RtpParameters.Codec.UseInbandFEC, p.RtpParameters.Codec.UseDTX)
	p.SendStream.SetRetransmitBufferEnabled(p.RtpParameters.Codec.RtcpFeedback.UseNack)

	c := &Consumer{
		id:                       p.ID,
		log:                      p.Logger,
		cfg:                      p.Config,
		clock:                    p.Clock,
		params:                   p.RtpParameters,
		listener:                 p.Listener,
		baseDelegate:             p.BaseDelegate,
		sendStream:               p.SendStream,
		encCtx:                   p.EncodingContext,
		producer:                 nil,
		externallyManagedBitrate: p.ExternallyManagedBitrate,
		maxRtcpInterval:          p.MaxRtcpIntervalMs,
	}

	c.selector = NewLayerSelector(p.Logger, p.Config, preferredSpatial, preferredTemporal)
	c.forwarder = NewForwarder(p.Logger, NewSeqManager(), p.EncodingContext, p.SendStream, p.Listener, enc.Ssrc, p.SupportedPayloadTypes)

	if p.SendStream.IsPaused() {
		c.paused = true
	}

	return c, nil
}

// IsActive mirrors the original source's RTC::Consumer::IsActive: neither
// paused by user/producer nor disconnected.
func (c *Consumer) IsActive() bool {
	return !c.paused && !c.producerPaused && c.transportConnected
}

// ---- control-plane requests (spec.md §6) ----

// RequestKeyFrame implements consumer.requestKeyFrame. Always accepts.
func (c *Consumer) RequestKeyFrame() {
	if c.IsActive() {
		c.requestKeyFrame()
	}
}

func (c *Consumer) requestKeyFrame() {
	c.listener.RequestKeyFrame(c.params.Encoding.Ssrc)
}

// SetPreferredLayers implements consumer.setPreferredLayers. Returns
// ErrMissingSpatialLayer (state unchanged) when spatialLayer is absent;
// spec.md's "not an unsigned integer" case is handled by the caller
// decoding the control-plane payload before this is reached.
func (c *Consumer) SetPreferredLayers(layers PreferredLayers, spatialGiven bool) error {
	if !spatialGiven {
		return ErrMissingSpatialLayer
	}

	prevSpatial, prevTemporal := c.selector.Preferred()

	// SpatialLayer/TemporalLayer are wire uint16s; a value above int16's
	// range wraps negative on conversion below, which would otherwise be
	// read as a valid (if odd) layer index instead of a malformed request.
	if layers.SpatialLayer > 0x7fff {
		return ErrInvalidPreferredLayers
	}
	if layers.TemporalLayer != nil && *layers.TemporalLayer > 0x7fff {
		return ErrInvalidPreferredLayers
	}

	spatial := int16(layers.SpatialLayer)
	if spatial > c.sendStream.SpatialLayers()-1 {
		spatial = c.sendStream.SpatialLayers() - 1
	}

	var temporal int16
	if layers.TemporalLayer != nil {
		temporal = int16(*layers.TemporalLayer)
		if temporal > c.sendStream.TemporalLayers()-1 {
			temporal = c.sendStream.TemporalLayers() - 1
		}
	} else {
		temporal = c.sendStream.TemporalLayers() - 1
	}

	c.selector.SetPreferred(spatial, temporal)

	if c.IsActive() && (spatial != prevSpatial || temporal != prevTemporal) {
		c.MayChangeLayers(true)
	}

	return nil
}

// HandleUnknownRequest delegates any control-plane method this package
// doesn't implement to the injected BaseDelegate, per spec.md §6: "this
// subsystem must accept delegation on unknown methodIds."
func (c *Consumer) HandleUnknownRequest(methodID string, payload []byte) (bool, []byte, error) {
	return c.baseDelegate.HandleUnknownRequest(methodID, payload)
}

// ---- producer events (spec.md §4.4) ----

// OnProducerStreamBind is the initial stream bind / stream replacement
// event.
func (c *Consumer) OnProducerStreamBind(producer ProducerStreamView) {
	c.producer = producer
	c.emitScore()

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

// OnProducerScoreChange implements ProducerRtpStreamScore: emit score, and
// recompute layers if either locally managed, or the stream just died or
// was reborn (score transitioned to/from 0).
func (c *Consumer) OnProducerScoreChange(score, previousScore uint8) {
	c.emitScore()

	if c.IsActive() {
		if !c.externallyManagedBitrate || score == 0 || previousScore == 0 {
			c.MayChangeLayers(false)
		}
	}
}

// OnProducerSenderReport implements ProducerRtcpSenderReport: only the
// first sender report matters, and only once the producer stream itself
// has an NTP-mapped SR.
func (c *Consumer) OnProducerSenderReport(first bool) {
	if !first {
		return
	}
	if c.producer == nil || !c.producer.HasSenderReport() {
		return
	}
	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

// OnProducerRtcpReceiverReport forwards a receiver report observed on the
// producer side to the send stream, matching
// SvcConsumer::ReceiveRtcpReceiverReport's delegation.
func (c *Consumer) OnProducerRtcpReceiverReport(rr *rtcp.ReceiverReport) {
	c.sendStream.ReceiveRtcpReceiverReport(rr)
}

// ---- transport lifecycle (spec.md §4.4) ----

func (c *Consumer) OnTransportConnected() {
	c.transportConnected = true
	c.forwarder.SetSyncRequired()

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

func (c *Consumer) OnTransportDisconnected() {
	c.transportConnected = false
	c.sendStream.Pause()
	c.UpdateTargetLayers(-1, -1)
}

func (c *Consumer) OnPaused() {
	c.paused = true
	c.sendStream.Pause()
	c.UpdateTargetLayers(-1, -1)

	if c.externallyManagedBitrate {
		c.listener.NotifyNeedBitrateChange()
	}
}

func (c *Consumer) OnResumed() {
	c.paused = false
	c.sendStream.Resume()
	c.forwarder.SetSyncRequired()

	if c.IsActive() {
		c.MayChangeLayers(false)
	}
}

// ---- RTCP receive (spec.md §4.4) ----

func (c *Consumer) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if !c.IsActive() {
		return
	}
	c.sendStream.ReceiveNack(nack)
	c.retransmit(false)
}

// retransmit drains whatever SendStream just queued (from ReceiveNack or
// SendProbationRtpPacket) and hands each packet to
// Listener.RetransmitRtpPacket, completing the feedback loop spec.md §1
// names as in scope.
func (c *Consumer) retransmit(probation bool) {
	for _, pkt := range c.sendStream.DrainRetransmits() {
		rewritten := pkt
		c.listener.RetransmitRtpPacket(&Packet{Packet: &rewritten}, probation)
	}
}

func (c *Consumer) ReceivePLI() {
	c.sendStream.ReceiveKeyFrameRequest()
	if c.IsActive() {
		c.requestKeyFrame()
	}
}

func (c *Consumer) ReceiveFIR() {
	c.sendStream.ReceiveKeyFrameRequest()
	if c.IsActive() {
		c.requestKeyFrame()
	}
}

// ---- RTCP send (spec.md §4.4) ----

// GetRtcp implements the pacing gate: emit when
// (now-lastSent)*RtcpPacingGain >= maxRtcpInterval.
func (c *Consumer) GetRtcp(nowMs int64) (*rtcp.SenderReport, *rtcp.SourceDescriptionChunk) {
	elapsed := float64(nowMs-c.lastRtcpSentMs) * c.cfg.RtcpPacingGain
	if elapsed < float64(c.maxRtcpInterval) {
		return nil, nil
	}

	sr := c.sendStream.GetRtcpSenderReport(nowMs)
	if sr == nil {
		return nil, nil
	}

	sdes := c.sendStream.GetRtcpSdesChunk()
	c.lastRtcpSentMs = nowMs

	return sr, &sdes
}

// ---- probation / stats (spec.md §4.4) ----

func (c *Consumer) SendProbationRtpPacket(seq uint16) {
	c.sendStream.SendProbationRtpPacket(seq)
	c.retransmit(true)
}

// NeedWorstRemoteFractionLost raises the accumulator to this consumer's
// fraction-lost if larger, matching NeedWorstRemoteFractionLost.
func (c *Consumer) NeedWorstRemoteFractionLost(worst uint8) uint8 {
	if !c.IsActive() {
		return worst
	}
	if fl := c.sendStream.FractionLost(); fl > worst {
		return fl
	}
	return worst
}

func (c *Consumer) GetTransmissionRate(nowMs int64) uint32 {
	if !c.IsActive() {
		return 0
	}
	return c.sendStream.GetBitrate(nowMs)
}

// ---- per-packet forwarding entry point ----

func (c *Consumer) SendRtpPacket(pkt *Packet) {
	c.forwarder.SendRtpPacket(c.IsActive(), pkt)
}

// ---- bitrate allocator protocol (spec.md §4.2.2, §5) ----

// UseAvailableBitrate implements the "probe floor" entry point. Must only
// be called on an externally-managed, active consumer, and only as the
// first call of an allocation round (spec.md §5's ordering guarantee).
func (c *Consumer) UseAvailableBitrate(bitrate uint32) uint32 {
	assert(c.externallyManagedBitrate, "UseAvailableBitrate called on a self-managed consumer")

	if !c.IsActive() {
		return 0
	}

	probe, used := c.selector.UseAvailableBitrate(
		c.clock.NowMs(), bitrate, c.sendStream.LossPercentage(), c.producer, c.sendStream.TemporalLayers(),
	)
	c.activeProbe = probe
	return used
}

// IncreaseLayer implements the "ladder up" entry point.
func (c *Consumer) IncreaseLayer(bitrate uint32) uint32 {
	assert(c.externallyManagedBitrate, "IncreaseLayer called on a self-managed consumer")
	assert(c.activeProbe != nil, "IncreaseLayer called outside a UseAvailableBitrate/ApplyLayers round")

	if !c.IsActive() {
		return 0
	}

	return c.selector.IncreaseLayer(
		c.clock.NowMs(), c.activeProbe, bitrate, c.sendStream.LossPercentage(), c.producer, c.sendStream.TemporalLayers(),
	)
}

// ApplyLayers implements the "commit" entry point: promotes the probe into
// the encoding context's target layers if different, then resets the
// active probe — invariant #7 holds because there is no probe to read
// outside this window.
func (c *Consumer) ApplyLayers() {
	assert(c.externallyManagedBitrate, "ApplyLayers called on a self-managed consumer")
	assert(c.activeProbe != nil, "ApplyLayers called outside a UseAvailableBitrate round")

	probe := c.activeProbe
	c.activeProbe = nil

	if !c.IsActive() {
		return
	}

	layer := c.selector.ApplyLayers(probe)
	if layer.Spatial != c.encCtx.TargetSpatialLayer() || layer.Temporal != c.encCtx.TargetTemporalLayer() {
		c.UpdateTargetLayers(layer.Spatial, layer.Temporal)
	}
}

// ---- internal layer machinery (spec.md §4.4) ----

// MayChangeLayers implements spec.md's MayChangeLayers(force). Self-managed
// consumers promote the recalculated target immediately; externally
// managed ones only ask the allocator to re-run, and only when the
// candidate spatial layer changed or force is set (the allocator owns
// temporal promotion).
func (c *Consumer) MayChangeLayers(force bool) {
	candidate := c.selector.RecalculateTargetLayers(c.clock.NowMs(), c.producer)
	candidate = c.selector.ResolveTemporalForBelowPreferred(candidate, c.sendStream.TemporalLayers())

	if candidate.Spatial == c.encCtx.TargetSpatialLayer() && candidate.Temporal == c.encCtx.TargetTemporalLayer() {
		return
	}

	if c.externallyManagedBitrate {
		if candidate.Spatial != c.encCtx.TargetSpatialLayer() || force {
			c.listener.NotifyNeedBitrateChange()
		}
		return
	}

	c.UpdateTargetLayers(candidate.Spatial, candidate.Temporal)
}

// UpdateTargetLayers implements spec.md's UpdateTargetLayers: writes new
// target layers (or clears target+current to -1), and requests a key frame
// on an upward spatial move — invariant #4.
func (c *Consumer) UpdateTargetLayers(spatial, temporal int16) {
	if spatial == -1 {
		c.encCtx.SetTargetLayers(-1, -1)
		c.encCtx.SetCurrentLayers(-1, -1)

		c.log.Debugw("target layers changed", "spatial", -1, "temporal", -1, "consumerId", c.id)
		c.listener.NotifyLayersChange(nil)
		return
	}

	prevCurrentSpatial := c.encCtx.CurrentSpatialLayer()

	c.encCtx.SetTargetLayers(spatial, temporal)

	c.log.Debugw("target layers changed", "spatial", spatial, "temporal", temporal, "consumerId", c.id)

	if spatial > prevCurrentSpatial {
		c.requestKeyFrame()
	}
}

// ---- state machine / introspection ----

// State reports the forwarding state machine position, spec.md §4.4.
func (c *Consumer) State() State {
	if c.encCtx.TargetSpatialLayer() < 0 {
		return StatePaused
	}
	if c.forwarder.SyncRequired() {
		return StateResyncing
	}
	return StateStreaming
}

func (c *Consumer) emitScore() {
	var producerScore uint8
	if c.producer != nil {
		producerScore = c.producer.Score()
	}
	c.listener.NotifyScore(ScoreEvent{
		Score:         c.sendStream.Score(),
		ProducerScore: producerScore,
	})
}

// GetBitratePriority exposes LayerSelector.GetBitratePriority, gated by
// IsActive per spec.md §4.2.3.
func (c *Consumer) GetBitratePriority() int16 {
	return c.selector.GetBitratePriority(c.IsActive(), c.producer)
}

// DebugInfo is operator/test-only introspection distinct from FillJson,
// mirroring ReceiverBase.DebugInfo's role in the teacher.
func (c *Consumer) DebugInfo() map[string]any {
	return map[string]any{
		"id":                 c.id,
		"state":              c.State().String(),
		"paused":             c.paused,
		"producerPaused":     c.producerPaused,
		"transportConnected": c.transportConnected,
		"targetSpatial":      c.encCtx.TargetSpatialLayer(),
		"targetTemporal":     c.encCtx.TargetTemporalLayer(),
		"currentSpatial":     c.encCtx.CurrentSpatialLayer(),
		"currentTemporal":    c.encCtx.CurrentTemporalLayer(),
	}
}

// FillJson implements spec.md §6's JSON introspection contract (minus the
// generic Consumer base fields, out of scope here). rtpStream mirrors the
// original's RtpStreamSend::FillJson: the wire identity of the outbound
// stream, not its counters — those live in FillJsonStats.
func (c *Consumer) FillJson() map[string]any {
	preferredSpatial, preferredTemporal := c.selector.Preferred()
	return map[string]any{
		"preferredSpatialLayer":  preferredSpatial,
		"preferredTemporalLayer": preferredTemporal,
		"targetSpatialLayer":     c.encCtx.TargetSpatialLayer(),
		"currentSpatialLayer":    c.encCtx.CurrentSpatialLayer(),
		"targetTemporalLayer":    c.encCtx.TargetTemporalLayer(),
		"currentTemporalLayer":   c.encCtx.CurrentTemporalLayer(),
		"rtpStream": map[string]any{
			"ssrc":           c.params.Encoding.Ssrc,
			"payloadType":    c.params.Codec.PayloadType,
			"mimeType":       c.params.Codec.MimeType,
			"spatialLayers":  c.sendStream.SpatialLayers(),
			"temporalLayers": c.sendStream.TemporalLayers(),
			"score":          c.sendStream.Score(),
		},
	}
}

// FillJsonStats implements spec.md §6's `[send stats, recv stats?]`
// contract. The receive-side entry would come from the producer's ingest
// pipeline, out of scope here per spec.md §1, so this always returns a
// single-element slice holding the send side.
func (c *Consumer) FillJsonStats() []map[string]any {
	return []map[string]any{c.sendStream.FillJsonStats(c.clock.NowMs())}
}
