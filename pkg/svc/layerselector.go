package svc

import "github.com/livekit/protocol/logger"

// LayerSelector is a pure function of its inputs (producer view, preferred
// layers, send-stream layer counts) — it holds no state of its own besides
// the preference the caller updates and a logger. Grounded on
// SvcConsumer::RecalculateTargetLayers / UseAvailableBitrate /
// IncreaseLayer / ApplyLayers / GetBitratePriority in the original C++
// source, restructured per spec.md §9's redesign notes: no goto, and the
// externally-managed protocol's scratch state lives in a BitrateProbe
// transaction object instead of consumer-level mutable fields.
type LayerSelector struct {
	logger logger.Logger
	cfg    Config

	preferredSpatial  int16
	preferredTemporal int16
}

func NewLayerSelector(log logger.Logger, cfg Config, preferredSpatial, preferredTemporal int16) *LayerSelector {
	return &LayerSelector{
		logger:            log,
		cfg:               cfg,
		preferredSpatial:  preferredSpatial,
		preferredTemporal: preferredTemporal,
	}
}

func (l *LayerSelector) SetPreferred(spatial, temporal int16) {
	l.preferredSpatial = spatial
	l.preferredTemporal = temporal
}

func (l *LayerSelector) Preferred() (spatial, temporal int16) {
	return l.preferredSpatial, l.preferredTemporal
}

// RecalculateTargetLayers implements spec.md §4.2.1 (self-managed mode).
// Returns InvalidLayers when forwarding must pause.
func (l *LayerSelector) RecalculateTargetLayers(nowMs int64, producer ProducerStreamView) VideoLayer {
	if producer == nil || producer.Score() == 0 {
		return InvalidLayers
	}

	candidateSpatial := int16(-1)
	for s := int16(0); s < producer.SpatialLayers(); s++ {
		if producer.GetBitrate(nowMs, s, 0) > 0 {
			candidateSpatial = s
		}
		if s >= l.preferredSpatial {
			break
		}
	}

	if candidateSpatial == -1 {
		return InvalidLayers
	}

	var temporal int16
	switch {
	case candidateSpatial == l.preferredSpatial:
		temporal = l.preferredTemporal
	case candidateSpatial < l.preferredSpatial:
		temporal = -1 // filled in by caller from sendStream.TemporalLayers()-1
	default:
		// Cannot occur given the break above, kept for completeness per
		// spec.md §4.2.1 step 4.
		temporal = 0
	}

	return VideoLayer{Spatial: candidateSpatial, Temporal: temporal}
}

// ResolveTemporalForBelowPreferred fills in the "below preferred spatial"
// branch of RecalculateTargetLayers, which needs the send stream's
// temporal-layer count — kept as a separate step so RecalculateTargetLayers
// itself stays a pure function of (now, producer, preferred).
func (l *LayerSelector) ResolveTemporalForBelowPreferred(candidate VideoLayer, sendStreamTemporalLayers int16) VideoLayer {
	if candidate.Spatial >= 0 && candidate.Spatial < l.preferredSpatial {
		candidate.Temporal = sendStreamTemporalLayers - 1
	}
	return candidate
}

// GetBitratePriority implements spec.md §4.2.3. Returns 0 when inactive,
// when the producer is absent, or when producer score is 0; otherwise
// 1 + the maximum spatial layer up to the preferred one.
//
// The original source guards with "prioritySpatialLayer >= -1" before
// breaking out of the loop; for int16 layer values that guard is always
// true (every real spatial index and the -1 sentinel itself satisfy
// >= -1), so it never actually prevents the break. spec.md §9 marks this
// as an intentional no-op to preserve rather than simplify away.
func (l *LayerSelector) GetBitratePriority(active bool, producer ProducerStreamView) int16 {
	if !active || producer == nil || producer.Score() == 0 {
		return 0
	}

	prioritySpatial := int16(0)
	for idx := int16(0); idx < producer.SpatialLayers(); idx++ {
		if idx > l.preferredSpatial && prioritySpatial >= -1 {
			break
		}
		prioritySpatial = idx
	}

	return prioritySpatial + 1
}

// virtualBitrate implements the loss-adjusted inflation/deflation spec.md
// §4.2.2 phase 1 describes: 1.08x under low loss, (1 - 0.5*loss%)x under
// high loss, unchanged in between. Preserved verbatim from the original;
// the in-source TODO about Transport-CC interaction is intentionally not
// resolved here (spec.md §9 Open Questions).
func (l *LayerSelector) virtualBitrate(bitrate uint32, lossPercentage uint8) uint32 {
	switch {
	case lossPercentage < l.cfg.VirtualBitrateLowLossThreshold:
		return uint32(l.cfg.VirtualBitrateLowLossGain * float64(bitrate))
	case lossPercentage > l.cfg.VirtualBitrateHighLossThreshold:
		return uint32((1 - 0.5*(float64(lossPercentage)/100)) * float64(bitrate))
	default:
		return bitrate
	}
}

// clampReturn applies the "return value contract" spec.md §4.2.2 specifies
// for both UseAvailableBitrate and IncreaseLayer: let r be the chosen
// required bitrate; return r if r<=bitrate, else bitrate if r<=virtual,
// else r.
func clampReturn(required, bitrate, virtual uint32) uint32 {
	switch {
	case required <= bitrate:
		return required
	case required <= virtual:
		return bitrate
	default:
		return required
	}
}

// BitrateProbe is the explicit transaction object spec.md §9's redesign
// notes call for in place of consumer-level provisionalTarget* fields: it
// exists only between UseAvailableBitrate and ApplyLayers, so invariant #7
// ("provisional layers are only meaningful between these two calls") is
// enforced by Go's type system rather than by caller discipline.
type BitrateProbe struct {
	layer VideoLayer
}

// Layer returns the probe's current provisional layer pair.
func (p *BitrateProbe) Layer() VideoLayer {
	return p.layer
}

// UseAvailableBitrate implements spec.md §4.2.2 phase 1 ("probe floor").
// Must only be called when the consumer is externally managed and active;
// callers enforce that per spec.md §5's ordering guarantee.
func (l *LayerSelector) UseAvailableBitrate(nowMs int64, bitrate uint32, lossPercentage uint8, producer ProducerStreamView, sendStreamTemporalLayers int16) (*BitrateProbe, uint32) {
	probe := &BitrateProbe{layer: InvalidLayers}

	if producer == nil {
		return probe, 0
	}
	if producer.Score() < l.cfg.MinProducerScoreForFloorUpgrade {
		return probe, 0
	}

	virtual := l.virtualBitrate(bitrate, lossPercentage)
	usedBitrate := uint32(0)

	for s := int16(0); s < producer.SpatialLayers(); s++ {
		for t := int16(0); t < producer.TemporalLayers(); t++ {
			required := producer.GetBitrate(nowMs, s, t)

			if required == 0 {
				l.logger.Debugw("layer not received, stopping probe", "spatial", s, "temporal", t)
				return probe, clampReturn(usedBitrate, bitrate, virtual)
			}
			if required > virtual {
				l.logger.Debugw("layer exceeds virtual bitrate, stopping probe", "spatial", s, "temporal", t, "required", required, "virtual", virtual)
				return probe, clampReturn(usedBitrate, bitrate, virtual)
			}

			probe.layer = VideoLayer{Spatial: s, Temporal: t}
			usedBitrate = required

			if s == l.preferredSpatial && t == l.preferredTemporal {
				return probe, clampReturn(usedBitrate, bitrate, virtual)
			}
		}

		if s >= l.preferredSpatial {
			break
		}
	}

	return probe, clampReturn(usedBitrate, bitrate, virtual)
}

// IncreaseLayer implements spec.md §4.2.2 phase 2 ("ladder up"): upgrades
// the probe's provisional layer by one step and returns the additional
// bitrate cost of that step, or 0 when no upgrade is possible or
// affordable. sendStreamTemporalLayers is the send stream's declared
// temporal-layer count (the ceiling for the temporal++ step).
func (l *LayerSelector) IncreaseLayer(nowMs int64, probe *BitrateProbe, bitrate uint32, lossPercentage uint8, producer ProducerStreamView, sendStreamTemporalLayers int16) uint32 {
	if probe.layer.Spatial == l.preferredSpatial && probe.layer.Temporal == l.preferredTemporal {
		return 0
	}

	spatial := probe.layer.Spatial
	temporal := probe.layer.Temporal

	switch {
	case spatial == -1:
		if producer == nil || producer.Score() == 0 {
			return 0
		}
		spatial, temporal = 0, 0
	case temporal < sendStreamTemporalLayers-1:
		temporal++
	default:
		if producer == nil || producer.Score() < l.cfg.MinProducerScoreForLadderSpatialUpgrade {
			return 0
		}
		spatial++
		temporal = 0
	}

	virtual := l.virtualBitrate(bitrate, lossPercentage)

	// Reproduces the original source's spatial-0 query verbatim: this codec
	// family aggregates bitrate up to a temporal layer at the base spatial
	// layer rather than at the candidate spatial layer. Flagged in spec.md
	// §9 as worth review, not "fixed" here.
	required := producer.GetLayerBitrate(nowMs, 0, temporal)

	if required > virtual {
		return 0
	}

	probe.layer = VideoLayer{Spatial: spatial, Temporal: temporal}

	l.logger.Debugw("probe upgraded", "layer", probe.layer, "required", required, "virtual", virtual)

	return clampReturn(required, bitrate, virtual)
}

// ApplyLayers implements spec.md §4.2.2 phase 3 ("commit"): returns the
// probe's layer. It does not modify the probe; Consumer.ApplyLayers drops
// its reference to the probe before committing, which is how this design
// satisfies invariant #7 without resetting provisional fields.
func (l *LayerSelector) ApplyLayers(probe *BitrateProbe) VideoLayer {
	return probe.layer
}
