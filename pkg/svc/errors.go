package svc

import "errors"

// Construction errors, surfaced synchronously from NewConsumer. No Consumer
// is created when one of these is returned.
var (
	ErrInvalidConsumableEncodings = errors.New("svc: consumableRtpEncodings must have exactly one entry")
	ErrInvalidLayerCount          = errors.New("svc: encoding needs spatialLayers >= 1 and temporalLayers >= 1, and spatialLayers+temporalLayers >= 3")
	ErrInvalidPreferredLayers     = errors.New("svc: malformed preferredLayers")
	ErrUnsupportedCodec           = errors.New("svc: no encoding context implementation for this codec MIME type")
)

// Invalid-request error, returned from SetPreferredLayers. State is left
// unchanged when this is returned.
var ErrMissingSpatialLayer = errors.New("svc: missing spatialLayer")

// Internal sentinel used by per-packet drop paths; never surfaced to a
// caller, logged at debug per spec.md §7.
var errPayloadTypeNotSupported = errors.New("svc: payload type not supported")
