// Package codecs provides codec-specific svc.EncodingContext
// implementations. VP8EncodingContext is grounded on the teacher's
// VP8 payload descriptor parser (pkg/sfu/buffer/helpers.go's VP8.Unmarshal)
// and its VP8Munger (pkg/sfu/vp8munger.go) for the "drop packets above the
// target temporal layer" behavior.
package codecs

import (
	"errors"

	"github.com/livekit/protocol/logger"

	"github.com/philipnery/svc-consumer/pkg/svc"
)

var (
	errShortVP8Packet   = errors.New("codecs: vp8 payload too short")
	errInvalidVP8Packet = errors.New("codecs: vp8 descriptor L without T")
)

// vp8Descriptor is the parsed RFC 7741 payload descriptor. VP8 has no
// spatial scalability, so this codec's EncodingContext always reports
// spatial layer 0 — the svc.EncodingContext spatial fields exist purely so
// the interface can serve spatially-scalable codecs too.
type vp8Descriptor struct {
	startOfPartition bool
	tidPresent       bool
	tid              uint8
	isKeyFrame       bool
	headerSize       int
}

func parseVP8Descriptor(payload []byte) (vp8Descriptor, error) {
	var d vp8Descriptor

	if len(payload) < 1 {
		return d, errShortVP8Packet
	}

	idx := 0
	d.startOfPartition = payload[idx]&0x10 > 0

	if payload[idx]&0x80 == 0 {
		idx++
		if len(payload) < idx+1 {
			return d, errShortVP8Packet
		}
		d.isKeyFrame = payload[idx]&0x01 == 0 && d.startOfPartition
		d.headerSize = idx
		return d, nil
	}

	idx++
	if len(payload) < idx+1 {
		return d, errShortVP8Packet
	}
	extI := payload[idx]&0x80 > 0
	extL := payload[idx]&0x40 > 0
	extT := payload[idx]&0x20 > 0
	extK := payload[idx]&0x10 > 0
	if extL && !extT {
		return d, errInvalidVP8Packet
	}

	if extI {
		idx++
		if len(payload) < idx+1 {
			return d, errShortVP8Packet
		}
		if payload[idx]&0x80 > 0 {
			idx++
			if len(payload) < idx+1 {
				return d, errShortVP8Packet
			}
		}
	}

	if extL {
		idx++
		if len(payload) < idx+1 {
			return d, errShortVP8Packet
		}
	}

	if extT || extK {
		idx++
		if len(payload) < idx+1 {
			return d, errShortVP8Packet
		}
		if extT {
			d.tidPresent = true
			d.tid = (payload[idx] & 0xc0) >> 6
		}
	}

	idx++
	if len(payload) < idx+1 {
		return d, errShortVP8Packet
	}
	d.isKeyFrame = payload[idx]&0x01 == 0 && d.startOfPartition
	d.headerSize = idx

	return d, nil
}

// VP8EncodingContext implements svc.EncodingContext for VP8's
// single-spatial-layer, TID-tagged temporal scalability structure.
type VP8EncodingContext struct {
	logger logger.Logger

	targetSpatial  int16
	targetTemporal int16

	currentSpatial  int16
	currentTemporal int16
}

func NewVP8EncodingContext(log logger.Logger) *VP8EncodingContext {
	return &VP8EncodingContext{
		logger:          log,
		targetSpatial:   -1,
		targetTemporal:  -1,
		currentSpatial:  -1,
		currentTemporal: -1,
	}
}

func (v *VP8EncodingContext) TargetSpatialLayer() int16  { return v.targetSpatial }
func (v *VP8EncodingContext) TargetTemporalLayer() int16 { return v.targetTemporal }

func (v *VP8EncodingContext) SetTargetLayers(spatial, temporal int16) {
	v.targetSpatial = spatial
	v.targetTemporal = temporal
}

func (v *VP8EncodingContext) CurrentSpatialLayer() int16  { return v.currentSpatial }
func (v *VP8EncodingContext) CurrentTemporalLayer() int16 { return v.currentTemporal }

func (v *VP8EncodingContext) SetCurrentLayers(spatial, temporal int16) {
	v.currentSpatial = spatial
	v.currentTemporal = temporal
}

// ProcessPayload implements the VP8Munger.UpdateAndGet drop rule: a
// packet whose TID exceeds the target temporal layer is filtered. VP8 has
// only one spatial layer, so current spatial tracks target spatial
// directly once any packet is forwarded.
func (v *VP8EncodingContext) ProcessPayload(pkt *svc.Packet) bool {
	if v.targetTemporal < 0 {
		return false
	}

	desc, err := parseVP8Descriptor(pkt.Payload)
	if err != nil {
		v.logger.Warnw("failed to parse vp8 descriptor", err)
		return false
	}

	if desc.tidPresent && int16(desc.tid) > v.targetTemporal {
		return false
	}

	v.currentSpatial = 0
	if desc.tidPresent {
		v.currentTemporal = int16(desc.tid)
	} else {
		v.currentTemporal = 0
	}

	pkt.IsKeyFrame = desc.isKeyFrame

	return true
}

// RestorePayload is a no-op for VP8: ProcessPayload never rewrites bytes
// in place, it only inspects the descriptor to decide forward/drop.
func (v *VP8EncodingContext) RestorePayload(pkt *svc.Packet) {}
