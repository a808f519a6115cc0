package svc

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Clock is the external monotonic millisecond timestamp source. Production
// code wires a clock backed by time.Now(); tests wire a fake that can be
// advanced deterministically.
type Clock interface {
	NowMs() int64
}

// Packet wraps a parsed RTP packet together with the codec-level facts the
// forwarding path needs without round-tripping through EncodingContext:
// whether this is a key frame. EncodingContext.ProcessPayload may revise the
// consumer's notion of current layer; IsKeyFrame is fixed once parsed.
type Packet struct {
	*rtp.Packet
	IsKeyFrame bool
}

// ProducerStreamView is a read-only view of the incoming producer stream:
// health score, per-layer bitrate estimates, declared layer counts, and
// sender-report availability. Owned and mutated by the producer-side ingest
// pipeline, which is out of scope for this subsystem (spec.md §1).
type ProducerStreamView interface {
	// Score is 0-10; 0 means the stream is effectively dead.
	Score() uint8
	// SpatialLayers and TemporalLayers are the declared layer counts.
	SpatialLayers() int16
	TemporalLayers() int16
	// GetBitrate returns the estimated bitrate (bps) produced for the given
	// spatial/temporal layer as of now, or 0 if that layer isn't currently
	// being received.
	GetBitrate(nowMs int64, spatial, temporal int16) uint32
	// GetLayerBitrate is the aggregate bitrate across all temporal layers up
	// to and including temporal, at the given spatial layer.
	GetLayerBitrate(nowMs int64, spatial, temporal int16) uint32
	// HasSenderReport reports whether this stream has an NTP-mapped RTCP
	// sender report yet.
	HasSenderReport() bool
}

// EncodingContext is the codec-specific payload inspector. It holds target
// and current layers; ProcessPayload mutates current layers within the
// target envelope and may rewrite the packet payload in place.
// Implementations are codec-specific (see pkg/codecs for a VP8 one); the
// consumer owns exactly one, chosen by the codec's MIME type at
// construction time.
type EncodingContext interface {
	TargetSpatialLayer() int16
	TargetTemporalLayer() int16
	SetTargetLayers(spatial, temporal int16)

	CurrentSpatialLayer() int16
	CurrentTemporalLayer() int16
	SetCurrentLayers(spatial, temporal int16)

	// ProcessPayload inspects (and may rewrite) the packet's payload given
	// the current target envelope. Returns false when the packet should be
	// dropped. May advance current layers, never past the target.
	ProcessPayload(pkt *Packet) (forward bool)
	// RestorePayload undoes any in-place rewrite ProcessPayload performed,
	// called after the send attempt regardless of outcome.
	RestorePayload(pkt *Packet)
}

// SendStream is the reliable outbound RTP leaf: retransmit buffer, RTCP
// SR/SDES, score estimation from receiver reports, NACK handling,
// pause/resume. See pkg/rtpstream for a concrete implementation.
type SendStream interface {
	SpatialLayers() int16
	TemporalLayers() int16

	Score() uint8
	LossPercentage() uint8
	FractionLost() uint8

	Pause()
	Resume()
	IsPaused() bool

	SetRtx(payloadType uint8, ssrc uint32)

	// ReceivePacket hands an already-rewritten outbound packet to the send
	// stream for bookkeeping (retransmit buffer, stats). Returns false on
	// refusal (spec.md §7's "SendStream refusal" — logged as a warning by
	// the caller, never by SendStream itself).
	ReceivePacket(pkt *Packet) bool
	SendProbationRtpPacket(seq uint16)

	ReceiveNack(nack *rtcp.TransportLayerNack)
	ReceiveKeyFrameRequest()
	ReceiveRtcpReceiverReport(rr *rtcp.ReceiverReport)

	// DrainRetransmits pops every sequence number ReceiveNack or
	// SendProbationRtpPacket queued, resolved against the retransmit
	// history. The consumer hands each one to Listener.RetransmitRtpPacket.
	DrainRetransmits() []rtp.Packet

	GetRtcpSenderReport(nowMs int64) *rtcp.SenderReport
	GetRtcpSdesChunk() rtcp.SourceDescriptionChunk

	GetBitrate(nowMs int64) uint32

	// SetCodecFlags records the negotiated inband-FEC/DTX flags for
	// FillJsonStats introspection; read once at construction time.
	SetCodecFlags(useInbandFEC, useDTX bool)
	// SetRetransmitBufferEnabled toggles the retransmit history buffer.
	// NewConsumer calls this once, driven by whether the negotiated codec
	// feedback offers NACK: no NACK support means nothing will ever drain
	// the buffer, so it's dropped entirely rather than kept warm for
	// nothing.
	SetRetransmitBufferEnabled(enabled bool)
	// FillJsonStats is this stream's half of spec.md §6's stats contract.
	FillJsonStats(nowMs int64) map[string]any
}

// Listener is the narrow upward capability the consumer addresses its
// owning transport through — spec.md §9's "non-owning upward reference"
// redesign flag. No cyclic parent<->child pointers.
type Listener interface {
	RequestKeyFrame(mappedSsrc uint32)
	SendRtpPacket(pkt *Packet)
	RetransmitRtpPacket(pkt *Packet, probation bool)
	NotifyScore(event ScoreEvent)
	NotifyLayersChange(event *LayersChangeEvent)
	// NotifyNeedBitrateChange is called when an externally-managed consumer
	// wants the allocator to re-run its allocation round (MayChangeLayers /
	// UserOnPaused), and on pause.
	NotifyNeedBitrateChange()
}

// BaseDelegate handles control-plane method IDs this subsystem doesn't
// know about (getStats, pause, resume, close, ...) — spec.md §6: "this
// subsystem must accept delegation on unknown methodIds." Stands in for
// the generic Consumer base the original subclasses.
type BaseDelegate interface {
	HandleUnknownRequest(methodID string, payload []byte) (accept bool, response []byte, err error)
}
