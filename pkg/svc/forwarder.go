package svc

import "github.com/livekit/protocol/logger"

// Forwarder is the per-packet filter -> payload inspection -> rewrite ->
// send path, spec.md §4.3. Grounded on SvcConsumer::SendRtpPacket in the
// original source and on the teacher's downtrack.go WriteRTP for the
// "snapshot current layer, delegate to payload processing, detect layer
// change, rewrite header fields, restore on send failure" shape.
type Forwarder struct {
	logger logger.Logger

	seq     *SeqManager
	encCtx  EncodingContext
	send    SendStream
	listener Listener

	outputSsrc uint32

	supportedPayloadTypes map[uint8]struct{}

	syncRequired bool
}

func NewForwarder(log logger.Logger, seq *SeqManager, encCtx EncodingContext, send SendStream, listener Listener, outputSsrc uint32, supportedPayloadTypes map[uint8]struct{}) *Forwarder {
	return &Forwarder{
		logger:                log,
		seq:                   seq,
		encCtx:                encCtx,
		send:                  send,
		listener:              listener,
		outputSsrc:            outputSsrc,
		supportedPayloadTypes: supportedPayloadTypes,
		syncRequired:          true,
	}
}

func (f *Forwarder) SetSyncRequired() {
	f.syncRequired = true
}

func (f *Forwarder) SyncRequired() bool {
	return f.syncRequired
}

// SendRtpPacket implements spec.md §4.3's ten-step contract. active is
// Consumer.IsActive(); the caller (Consumer) is responsible for that gate
// per spec.md step 1, passed in rather than queried back through Listener
// to keep Forwarder decoupled from Consumer's activity bookkeeping.
func (f *Forwarder) SendRtpPacket(active bool, pkt *Packet) {
	if !active {
		return
	}

	payloadType := uint8(pkt.PayloadType)
	if _, ok := f.supportedPayloadTypes[payloadType]; !ok {
		f.logger.Debugw("dropping packet", "error", errPayloadTypeNotSupported, "payloadType", payloadType)
		return
	}

	if f.syncRequired && !pkt.IsKeyFrame {
		return
	}

	isSyncPacket := f.syncRequired
	if isSyncPacket {
		if pkt.IsKeyFrame {
			f.logger.Debugw("sync key frame received")
		}
		f.seq.Sync(pkt.SequenceNumber - 1)
		f.syncRequired = false
	}

	previousSpatial := f.encCtx.CurrentSpatialLayer()
	previousTemporal := f.encCtx.CurrentTemporalLayer()

	if !f.encCtx.ProcessPayload(pkt) {
		f.seq.Drop(pkt.SequenceNumber)
		return
	}

	if previousSpatial != f.encCtx.CurrentSpatialLayer() || previousTemporal != f.encCtx.CurrentTemporalLayer() {
		f.emitLayersChange()
	}

	outSeq := f.seq.Input(pkt.SequenceNumber)

	origSsrc := pkt.SSRC
	origSeq := pkt.SequenceNumber

	pkt.SSRC = f.outputSsrc
	pkt.SequenceNumber = outSeq

	if isSyncPacket {
		f.logger.Debugw("sending sync packet", "ssrc", pkt.SSRC, "seq", pkt.SequenceNumber, "ts", pkt.Timestamp, "originalSeq", origSeq)
	}

	if f.send.ReceivePacket(pkt) {
		f.listener.SendRtpPacket(pkt)
	} else {
		f.logger.Warnw("send stream refused packet", nil, "ssrc", pkt.SSRC, "seq", pkt.SequenceNumber, "originalSsrc", origSsrc, "originalSeq", origSeq)
	}

	pkt.SSRC = origSsrc
	pkt.SequenceNumber = origSeq
	f.encCtx.RestorePayload(pkt)
}

func (f *Forwarder) emitLayersChange() {
	spatial := f.encCtx.CurrentSpatialLayer()
	if spatial < 0 {
		f.listener.NotifyLayersChange(nil)
		return
	}
	f.listener.NotifyLayersChange(&LayersChangeEvent{
		SpatialLayer:  spatial,
		TemporalLayer: f.encCtx.CurrentTemporalLayer(),
	})
}
