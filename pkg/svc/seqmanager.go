package svc

// SeqManager produces a dense outbound sequence-number space across input
// gaps the consumer itself introduces (drops, layer-switch discards,
// re-syncs). Grounded on the shape of the teacher's RTPMunger
// (pkg/sfu/rtpmunger.go) — Sync/offset/Drop — collapsed to the simpler
// two-state contract spec.md §4.1 specifies: unlike RTPMunger, this package
// has no out-of-order lookup table, because spec.md's SendRtpPacket
// contract only ever calls Input in producer order.
//
// Contract: after Sync(b), successive Input calls return b+1, b+2, ...
// modulo 2^16. Drop acknowledges an input that payload inspection already
// consumed but that must not occupy an output slot; it does not advance the
// output counter.
type SeqManager struct {
	base    uint16
	started bool
}

// NewSeqManager returns a SeqManager with no origin set; the first Sync
// call establishes one.
func NewSeqManager() *SeqManager {
	return &SeqManager{}
}

// Sync marks the next input as the new origin: the next Input call returns
// base+1 wrapped.
func (s *SeqManager) Sync(base uint16) {
	s.base = base
	s.started = true
}

// Input consumes one output slot for an accepted input sequence number and
// returns the mapped output sequence number.
func (s *SeqManager) Input(inSeq uint16) uint16 {
	if !s.started {
		// No explicit Sync yet: treat the first Input as establishing the
		// origin one below itself, so the first output is inSeq itself.
		s.base = inSeq - 1
		s.started = true
	}
	s.base++
	return s.base
}

// Drop acknowledges that an input sequence number was discarded after
// payload inspection consumed it, so no output slot is emitted for it.
// Drop is a no-op with respect to the output counter — nothing to undo,
// since Input was never called for this sequence number.
func (s *SeqManager) Drop(_ uint16) {}

// DebugInfo returns a diagnostic snapshot, mirroring RTPMunger.DebugInfo's
// role as an operator/test-only introspection point distinct from the
// protocol-facing FillJson surface.
func (s *SeqManager) DebugInfo() map[string]any {
	return map[string]any{
		"base":    s.base,
		"started": s.started,
	}
}
