package svc

// Config groups the tunables the original C++ source hard-codes as literal
// constants scattered across UseAvailableBitrate/IncreaseLayer/GetRtcp. The
// teacher groups this kind of knob into a Params struct passed at
// construction (ReceiverBaseParams, DowntrackParams, PLIThrottleConfig)
// rather than leaving bare constants in the algorithm; this follows the
// same shape.
type Config struct {
	// VirtualBitrateLowLossGain inflates the nominal bitrate when measured
	// loss is below VirtualBitrateLowLossThreshold.
	VirtualBitrateLowLossGain float64
	// VirtualBitrateLowLossThreshold is the loss percentage (0-100) below
	// which the low-loss gain applies.
	VirtualBitrateLowLossThreshold uint8
	// VirtualBitrateHighLossThreshold is the loss percentage (0-100) above
	// which the nominal bitrate is deflated proportionally to loss.
	VirtualBitrateHighLossThreshold uint8

	// RtcpPacingGain implements spec.md §4.4's GetRtcp gate: emit when
	// (now-lastSent) * RtcpPacingGain >= maxRtcpInterval, which skips polls
	// below roughly maxRtcpInterval * 0.87. RtcpPacingSlackMultiplier holds
	// that 0.87 factor; GetRtcp does not read it.
	RtcpPacingGain            float64
	RtcpPacingSlackMultiplier float64

	// MinProducerScoreForFloorUpgrade is the producer score threshold below
	// which UseAvailableBitrate refuses to probe any layer (LayerSelector
	// §4.2.2 phase 1).
	MinProducerScoreForFloorUpgrade uint8
	// MinProducerScoreForLadderSpatialUpgrade is the threshold IncreaseLayer
	// requires before promoting to a higher spatial layer (LayerSelector
	// §4.2.2 phase 2, spatial step).
	MinProducerScoreForLadderSpatialUpgrade uint8
}

// DefaultConfig mirrors the numeric constants in the original source
// (1.08, 2%/10% loss bands, 1.15/0.87 RTCP pacing, score thresholds 7).
func DefaultConfig() Config {
	return Config{
		VirtualBitrateLowLossGain:               1.08,
		VirtualBitrateLowLossThreshold:          2,
		VirtualBitrateHighLossThreshold:         10,
		RtcpPacingGain:                          1.15,
		RtcpPacingSlackMultiplier:                0.87,
		MinProducerScoreForFloorUpgrade:         7,
		MinProducerScoreForLadderSpatialUpgrade: 7,
	}
}
