package svc

import "fmt"

// VideoLayer is a spatial/temporal layer pair. Both fields use the sentinel
// value -1 to mean "no layer selected"; a VideoLayer is either InvalidLayers
// (both -1) or has both fields >= 0 — see the Consumer-level invariant that
// target layers never hold a mixed (-1, >=0) pair.
type VideoLayer struct {
	Spatial  int16
	Temporal int16
}

// InvalidLayers is the paused/unset sentinel.
var InvalidLayers = VideoLayer{Spatial: -1, Temporal: -1}

func (v VideoLayer) String() string {
	return fmt.Sprintf("VideoLayer{s:%d,t:%d}", v.Spatial, v.Temporal)
}

// IsValid reports whether both layer indices are selected.
func (v VideoLayer) IsValid() bool {
	return v.Spatial != -1 && v.Temporal != -1
}

func (v VideoLayer) Equal(o VideoLayer) bool {
	return v.Spatial == o.Spatial && v.Temporal == o.Temporal
}

// RtcpFeedback mirrors the subset of RTP codec feedback negotiation this
// subsystem cares about: whether NACK, PLI and FIR are usable on the
// outbound stream.
type RtcpFeedback struct {
	UseNack bool
	UsePli  bool
	UseFir  bool
}

// Codec describes the single codec carried by the consumer's RtpParameters.
type Codec struct {
	MimeType     string
	PayloadType  uint8
	ClockRate    uint32
	UseInbandFEC bool
	UseDTX       bool
	RtcpFeedback RtcpFeedback
}

// RtxCodec describes an optional retransmission codec/SSRC pairing.
type RtxCodec struct {
	PayloadType uint8
	Ssrc        uint32
}

// Encoding is the single encoding spec.md §3 requires
// ("exactly one encoding with spatialLayers >= 1 and temporalLayers >= 1,
// and spatialLayers + temporalLayers >= 3").
type Encoding struct {
	Ssrc          uint32
	SpatialLayers int16
	TemporalLayers int16
	Dtx           bool
	Rtx           *RtxCodec
}

// RtpParameters is the consumer's configured wire parameters.
type RtpParameters struct {
	Codec    Codec
	Encoding Encoding
	Cname    string
}

// ConsumableRtpEncoding describes the input SSRC/mapping this consumer reads
// from. spec.md requires exactly one.
type ConsumableRtpEncoding struct {
	Ssrc uint32
}

// PreferredLayers is the receiver-supplied layer preference, as carried by
// the consumer.setPreferredLayers control request.
type PreferredLayers struct {
	SpatialLayer  uint16
	TemporalLayer *uint16 // optional; nil means "use max"
}

// ScoreEvent is the payload of the "score" event-bus notification.
type ScoreEvent struct {
	Score         uint8
	ProducerScore uint8
}

// LayersChangeEvent is the payload of the "layerschange" notification. A nil
// *LayersChangeEvent means forwarding has paused at the layer level.
type LayersChangeEvent struct {
	SpatialLayer  int16
	TemporalLayer int16
}
