// Package rtpstream implements svc.SendStream: the reliable outbound RTP
// leaf a Consumer forwards packets into. Grounded on the teacher's
// DownTrack (pkg/sfu/downtrack.go) for the RTCP SR/SDES and pause/resume
// shape, its sequencer.go for the retransmit-history ring buffer, and its
// nacklist.go for the NACK de-duplication window.
package rtpstream

import (
	"container/list"

	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/atomic"

	"github.com/philipnery/svc-consumer/pkg/svc"
)

const (
	// ignoreRetransmission mirrors nacklist.go: don't re-answer a NACK for a
	// sequence number retransmitted this recently.
	ignoreRetransmissionMs = 500
	maxNackQueue           = 100
	defaultHistorySize      = 1 << 10 // must be a power of two
)

// Config sizes a SendStream's retransmit history ring buffer.
// RetransmitBufferSize must be a power of two; zero means
// defaultHistorySize.
type Config struct {
	RetransmitBufferSize int
}

// ConfigForFeedback derives a Config from the negotiated RTCP feedback:
// with NACK it sets RetransmitBufferSize to defaultHistorySize, without
// NACK it returns the zero Config. It does not disable the buffer:
// NewSendStream sizes a zero Config to defaultHistorySize as well, and only
// SetRetransmitBufferEnabled(false) drops the history.
func ConfigForFeedback(feedback svc.RtcpFeedback) Config {
	if !feedback.UseNack {
		return Config{}
	}
	return Config{RetransmitBufferSize: defaultHistorySize}
}

type historyEntry struct {
	valid     bool
	seq       uint16
	timestamp uint32
	payload   []byte
	marker    bool
}

// nackEntry is a de-duplication record, same shape as the teacher's NACK
// struct.
type nackEntry struct {
	seq          uint16
	lastRetransMs int64
}

// SendStream is the concrete svc.SendStream. One instance per Consumer.
type SendStream struct {
	logger logger.Logger
	ssrc   uint32
	clock  svc.Clock

	spatialLayers  int16
	temporalLayers int16

	paused atomic.Bool

	rtxPayloadType uint8
	rtxSsrc        uint32
	hasRtx         bool

	history []historyEntry

	nackEntries map[uint16]*list.Element
	nackOrder   *list.List

	// retransmitQueue is scratch space SendProbationRtpPacket and
	// ReceiveNack populate for the caller's Listener.RetransmitRtpPacket
	// loop; it is drained on every call so it never grows unbounded.
	retransmitQueue deque.Deque[uint16]

	packetsSent uint32
	octetsSent  uint32
	lastSeq     uint16
	lastTimestamp uint32
	started     bool

	lossPercentage uint8
	fractionLost   uint8
	score          uint8

	cname string

	useInbandFEC bool
	useDTX       bool
}

// Params bundles NewSendStream's construction inputs.
type Params struct {
	Logger         logger.Logger
	Clock          svc.Clock
	Ssrc           uint32
	SpatialLayers  int16
	TemporalLayers int16
	Cname          string
	Config         Config
}

func NewSendStream(p Params) *SendStream {
	size := p.Config.RetransmitBufferSize
	if size == 0 {
		size = defaultHistorySize
	}

	s := &SendStream{
		logger:         p.Logger,
		ssrc:           p.Ssrc,
		clock:          p.Clock,
		spatialLayers:  p.SpatialLayers,
		temporalLayers: p.TemporalLayers,
		history:        make([]historyEntry, size),
		nackEntries:    make(map[uint16]*list.Element),
		nackOrder:      list.New(),
		score:          10,
		cname:          p.Cname,
	}
	return s
}

// SetCodecFlags records the negotiated inband-FEC/DTX flags, read once by
// NewConsumer at construction time and surfaced back out through
// FillJsonStats.
func (s *SendStream) SetCodecFlags(useInbandFEC, useDTX bool) {
	s.useInbandFEC = useInbandFEC
	s.useDTX = useDTX
}

// SetRetransmitBufferEnabled toggles the retransmit history buffer.
// Disabling it drops the buffer entirely: ReceivePacket stops recording
// history and ReceiveNack/SendProbationRtpPacket stop finding anything to
// queue. Re-enabling reallocates defaultHistorySize worth of history.
func (s *SendStream) SetRetransmitBufferEnabled(enabled bool) {
	if !enabled {
		s.history = nil
		return
	}
	if len(s.history) == 0 {
		s.history = make([]historyEntry, defaultHistorySize)
	}
}

func (s *SendStream) SpatialLayers() int16  { return s.spatialLayers }
func (s *SendStream) TemporalLayers() int16 { return s.temporalLayers }

func (s *SendStream) Score() uint8          { return s.score }
func (s *SendStream) LossPercentage() uint8 { return s.lossPercentage }
func (s *SendStream) FractionLost() uint8   { return s.fractionLost }

func (s *SendStream) Pause()        { s.paused.Store(true) }
func (s *SendStream) Resume()       { s.paused.Store(false) }
func (s *SendStream) IsPaused() bool { return s.paused.Load() }

func (s *SendStream) SetRtx(payloadType uint8, ssrc uint32) {
	s.rtxPayloadType = payloadType
	s.rtxSsrc = ssrc
	s.hasRtx = true
}

// ReceivePacket records an already-rewritten outbound packet in the
// retransmit history and updates byte/packet counters. Returns false when
// paused — the Forwarder treats that as a refusal and never calls
// Listener.SendRtpPacket.
func (s *SendStream) ReceivePacket(pkt *svc.Packet) bool {
	if s.paused.Load() {
		return false
	}

	if len(s.history) > 0 {
		idx := int(pkt.SequenceNumber) & (len(s.history) - 1)
		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		s.history[idx] = historyEntry{
			valid:     true,
			seq:       pkt.SequenceNumber,
			timestamp: pkt.Timestamp,
			payload:   payload,
			marker:    pkt.Marker,
		}
	}

	s.packetsSent++
	s.octetsSent += uint32(len(pkt.Payload))
	s.lastSeq = pkt.SequenceNumber
	s.lastTimestamp = pkt.Timestamp
	s.started = true

	return true
}

// SendProbationRtpPacket enqueues a probation retransmit for seq; the
// caller drains DrainRetransmits and hands each entry to
// Listener.RetransmitRtpPacket with probation=true.
func (s *SendStream) SendProbationRtpPacket(seq uint16) {
	s.retransmitQueue.PushBack(seq)
}

// ReceiveNack implements the teacher's getNACKSeqNo de-duplication: a
// sequence number already retransmitted within ignoreRetransmissionMs is
// dropped rather than answered a second time.
func (s *SendStream) ReceiveNack(nack *rtcp.TransportLayerNack) {
	if s.paused.Load() {
		return
	}

	now := s.clock.NowMs()

	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			if el, ok := s.nackEntries[seq]; ok {
				entry := el.Value.(*nackEntry)
				if now-entry.lastRetransMs < ignoreRetransmissionMs {
					continue
				}
				entry.lastRetransMs = now
				s.nackOrder.MoveToBack(el)
			} else {
				entry := &nackEntry{seq: seq, lastRetransMs: now}
				s.nackEntries[seq] = s.nackOrder.PushBack(entry)
			}

			if _, ok := s.lookupHistory(seq); ok {
				s.retransmitQueue.PushBack(seq)
			}
		}
	}

	for len(s.nackEntries) > maxNackQueue {
		front := s.nackOrder.Front()
		delete(s.nackEntries, front.Value.(*nackEntry).seq)
		s.nackOrder.Remove(front)
	}
}

func (s *SendStream) lookupHistory(seq uint16) (historyEntry, bool) {
	if len(s.history) == 0 {
		return historyEntry{}, false
	}
	idx := int(seq) & (len(s.history) - 1)
	entry := s.history[idx]
	if !entry.valid || entry.seq != seq {
		return historyEntry{}, false
	}
	return entry, true
}

// DrainRetransmits pops every sequence number queued by ReceiveNack or
// SendProbationRtpPacket, resolving each against the history ring buffer.
// The caller (Consumer's owning transport) is responsible for turning the
// resolved payload into an RTX-wrapped rtp.Packet and handing it to
// Listener.RetransmitRtpPacket.
func (s *SendStream) DrainRetransmits() []rtp.Packet {
	var out []rtp.Packet
	for s.retransmitQueue.Len() > 0 {
		seq := s.retransmitQueue.PopFront()
		entry, ok := s.lookupHistory(seq)
		if !ok {
			continue
		}
		out = append(out, rtp.Packet{
			Header: rtp.Header{
				SequenceNumber: entry.seq,
				Timestamp:      entry.timestamp,
				SSRC:           s.ssrc,
				Marker:         entry.marker,
			},
			Payload: entry.payload,
		})
	}
	return out
}

// ReceiveKeyFrameRequest is a bookkeeping hook; the actual RequestKeyFrame
// upcall happens on the svc.Consumer side.
func (s *SendStream) ReceiveKeyFrameRequest() {}

// ReceiveRtcpReceiverReport derives loss percentage, fraction lost, and a
// coarse health score from a receiver report, mirroring the teacher's
// connectionquality scoring inputs without pulling in its protobuf-typed
// scorer.
func (s *SendStream) ReceiveRtcpReceiverReport(rr *rtcp.ReceiverReport) {
	for _, report := range rr.Reports {
		if report.SSRC != s.ssrc {
			continue
		}
		s.fractionLost = uint8((uint32(report.FractionLost) * 100) / 256)
		s.lossPercentage = s.fractionLost
		s.score = scoreFromLoss(s.fractionLost)
	}
}

// scoreFromLoss maps fraction-lost percentage to a 0-10 health score: no
// loss keeps a perfect score, total loss bottoms out at 1 (0 is reserved
// for "stream not yet bound", matching svc.ProducerStreamView.Score's
// "0 means dead" contract).
func scoreFromLoss(lossPercentage uint8) uint8 {
	score := 10 - int(lossPercentage)/10
	if score < 1 {
		return 1
	}
	return uint8(score)
}

// GetRtcpSenderReport builds an SR from accumulated send counters, mirroring
// DownTrack.CreateSenderReport. Returns nil before the first packet is
// sent, same as the teacher's bound/rtpStats.IsActive gate.
func (s *SendStream) GetRtcpSenderReport(nowMs int64) *rtcp.SenderReport {
	if !s.started {
		return nil
	}

	ntpSec, ntpFrac := toNtp(nowMs)

	return &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     (ntpSec << 32) | ntpFrac,
		RTPTime:     s.lastTimestamp,
		PacketCount: s.packetsSent,
		OctetCount:  s.octetsSent,
	}
}

// toNtp converts a millisecond epoch timestamp into 64-bit NTP seconds/
// fraction halves, the representation rtcp.SenderReport.NTPTime packs.
func toNtp(nowMs int64) (sec, frac uint64) {
	const ntpEpochOffsetSec = 2208988800 // 1970-01-01 relative to 1900-01-01
	sec = uint64(nowMs/1000) + ntpEpochOffsetSec
	fracMs := nowMs % 1000
	frac = (uint64(fracMs) << 32) / 1000
	return sec, frac
}

// GetRtcpSdesChunk builds an SDES chunk carrying this stream's CNAME,
// mirroring DownTrack.CreateSourceDescriptionChunks.
func (s *SendStream) GetRtcpSdesChunk() rtcp.SourceDescriptionChunk {
	return rtcp.SourceDescriptionChunk{
		Source: s.ssrc,
		Items: []rtcp.SourceDescriptionItem{
			{
				Type: rtcp.SDESCNAME,
				Text: s.cname,
			},
		},
	}
}

// GetBitrate returns the total number of bits sent so far (accumulated
// octets times 8); it is a running counter, not a windowed rate. This subsystem's
// bitrate accounting is explicitly out of scope per spec.md §1 — this is
// the minimal counter an allocator needs to read something non-zero.
func (s *SendStream) GetBitrate(nowMs int64) uint32 {
	if !s.started {
		return 0
	}
	return s.octetsSent * 8
}

// FillJsonStats is this stream's half of spec.md §6's stats contract
// (the consumer side of `[send stats, recv stats?]`; the producer side's
// receive stats are out of scope, spec.md §1), mirroring the counters
// DownTrack.GetSenderStats exposes.
func (s *SendStream) FillJsonStats(nowMs int64) map[string]any {
	return map[string]any{
		"ssrc":           s.ssrc,
		"packetsSent":    s.packetsSent,
		"bytesSent":      s.octetsSent,
		"bitrate":        s.GetBitrate(nowMs),
		"score":          s.score,
		"lossPercentage": s.lossPercentage,
		"fractionLost":   s.fractionLost,
		"useInbandFEC":   s.useInbandFEC,
		"useDTX":         s.useDTX,
	}
}
