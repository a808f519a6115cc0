package svc

import (
	"testing"

	"github.com/livekit/protocol/logger"
	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

type fakeBaseDelegate struct {
	accepted bool
}

func (d *fakeBaseDelegate) HandleUnknownRequest(methodID string, payload []byte) (bool, []byte, error) {
	return d.accepted, nil, nil
}

func newTestConsumer(t *testing.T, externallyManaged bool) (*Consumer, *fakeSendStream, *fakeEncodingContext, *fakeListener, *fakeClockSvc) {
	send := &fakeSendStream{accept: true, spatialLayers: 2, temporalLayers: 2}
	enc := &fakeEncodingContext{targetSpatial: -1, targetTemporal: -1, currentSpatial: -1, currentTemporal: -1}
	listener := &fakeListener{}
	clock := &fakeClockSvc{}

	c, err := NewConsumer(Params{
		ID:     "consumer-1",
		Logger: logger.GetLogger(),
		Clock:  clock,
		Config: DefaultConfig(),
		RtpParameters: RtpParameters{
			Codec: Codec{MimeType: "video/vp8", PayloadType: 96},
			Encoding: Encoding{
				Ssrc:           1000,
				SpatialLayers:  2,
				TemporalLayers: 2,
			},
		},
		ConsumableRtpEncodings:   []ConsumableRtpEncoding{{Ssrc: 2000}},
		Listener:                 listener,
		BaseDelegate:             &fakeBaseDelegate{},
		SendStream:               send,
		EncodingContext:          enc,
		SupportedPayloadTypes:    map[uint8]struct{}{96: {}},
		ExternallyManagedBitrate: externallyManaged,
	})
	require.NoError(t, err)

	c.transportConnected = true

	return c, send, enc, listener, clock
}

type fakeClockSvc struct{ nowMs int64 }

func (c *fakeClockSvc) NowMs() int64 { return c.nowMs }

func TestNewConsumerRejectsMultipleConsumableEncodings(t *testing.T) {
	_, err := NewConsumer(Params{
		ConsumableRtpEncodings: []ConsumableRtpEncoding{{Ssrc: 1}, {Ssrc: 2}},
	})
	require.ErrorIs(t, err, ErrInvalidConsumableEncodings)
}

func TestNewConsumerRejectsInvalidLayerCount(t *testing.T) {
	_, err := NewConsumer(Params{
		ConsumableRtpEncodings: []ConsumableRtpEncoding{{Ssrc: 1}},
		RtpParameters: RtpParameters{
			Encoding: Encoding{SpatialLayers: 1, TemporalLayers: 1}, // sum 2 < 3
		},
	})
	require.ErrorIs(t, err, ErrInvalidLayerCount)
}

func TestNewConsumerRejectsNilEncodingContext(t *testing.T) {
	_, err := NewConsumer(Params{
		ConsumableRtpEncodings: []ConsumableRtpEncoding{{Ssrc: 1}},
		RtpParameters: RtpParameters{
			Encoding: Encoding{SpatialLayers: 1, TemporalLayers: 2},
		},
	})
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestConsumerIsActiveRequiresAllThreeGates(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)
	require.True(t, c.IsActive())

	c.paused = true
	require.False(t, c.IsActive())
	c.paused = false

	c.producerPaused = true
	require.False(t, c.IsActive())
	c.producerPaused = false

	c.transportConnected = false
	require.False(t, c.IsActive())
}

func TestSetPreferredLayersRejectsMissingSpatial(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)

	err := c.SetPreferredLayers(PreferredLayers{}, false)
	require.ErrorIs(t, err, ErrMissingSpatialLayer)
}

func TestSetPreferredLayersClampsToSendStreamLayerCounts(t *testing.T) {
	c, send, _, _, _ := newTestConsumer(t, false)
	send.spatialLayers = 2
	send.temporalLayers = 2

	err := c.SetPreferredLayers(PreferredLayers{SpatialLayer: 99}, true)
	require.NoError(t, err)

	spatial, _ := c.selector.Preferred()
	require.Equal(t, int16(1), spatial)
}

func TestOnPausedClearsTargetLayersAndPausesSendStream(t *testing.T) {
	c, send, enc, _, _ := newTestConsumer(t, false)
	enc.targetSpatial, enc.targetTemporal = 1, 1

	c.OnPaused()

	require.True(t, send.IsPaused())
	require.Equal(t, int16(-1), enc.TargetSpatialLayer())
	require.Equal(t, int16(-1), enc.TargetTemporalLayer())
}

func TestOnPausedNotifiesBitrateChangeWhenExternallyManaged(t *testing.T) {
	c, _, _, listener, _ := newTestConsumer(t, true)

	c.OnPaused()

	require.Equal(t, 1, listener.needBitrateCalls)
}

func TestOnResumedSetsSyncRequiredFlag(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)
	c.OnPaused()
	require.True(t, c.paused)

	c.OnResumed()

	require.False(t, c.paused)
	require.True(t, c.forwarder.SyncRequired())
}

func TestUpdateTargetLayersRequestsKeyFrameOnUpwardSpatialMove(t *testing.T) {
	c, _, enc, listener, _ := newTestConsumer(t, false)
	enc.currentSpatial = 0

	c.UpdateTargetLayers(1, 0)

	require.Equal(t, int16(1), enc.TargetSpatialLayer())
	require.Len(t, listener.keyFrameRequests, 1)
}

func TestUpdateTargetLayersNoKeyFrameOnDownwardMove(t *testing.T) {
	c, _, enc, listener, _ := newTestConsumer(t, false)
	enc.currentSpatial = 1

	c.UpdateTargetLayers(0, 0)

	require.Empty(t, listener.keyFrameRequests)
}

func TestUpdateTargetLayersMinusOneClearsCurrentAndNotifiesNilLayers(t *testing.T) {
	c, _, enc, listener, _ := newTestConsumer(t, false)
	enc.currentSpatial, enc.currentTemporal = 1, 1
	enc.targetSpatial, enc.targetTemporal = 1, 1

	c.UpdateTargetLayers(-1, -1)

	require.Equal(t, int16(-1), enc.CurrentSpatialLayer())
	require.Len(t, listener.layersChanges, 1)
	require.Nil(t, listener.layersChanges[0])
}

func TestMayChangeLayersSelfManagedPromotesImmediately(t *testing.T) {
	c, send, enc, _, clock := newTestConsumer(t, false)
	clock.nowMs = 100

	producer := &fakeProducer{
		score:          8,
		spatialLayers:  2,
		temporalLayers: 2,
		bitrate: map[VideoLayer]uint32{
			{0, 0}: 100_000,
			{1, 0}: 400_000,
		},
	}
	c.OnProducerStreamBind(producer)
	_ = send

	require.Equal(t, int16(1), enc.TargetSpatialLayer())
}

func TestMayChangeLayersExternallyManagedOnlyNotifies(t *testing.T) {
	c, _, enc, listener, clock := newTestConsumer(t, true)
	clock.nowMs = 100

	producer := &fakeProducer{
		score:          8,
		spatialLayers:  2,
		temporalLayers: 2,
		bitrate: map[VideoLayer]uint32{
			{0, 0}: 100_000,
			{1, 0}: 400_000,
		},
	}
	c.OnProducerStreamBind(producer)

	require.Equal(t, int16(-1), enc.TargetSpatialLayer(), "externally managed consumer must not self-promote")
	require.GreaterOrEqual(t, listener.needBitrateCalls, 1)
}

func TestBitrateAllocatorRoundTrip(t *testing.T) {
	c, send, enc, _, clock := newTestConsumer(t, true)
	clock.nowMs = 0
	send.spatialLayers = 2
	send.temporalLayers = 2

	producer := &fakeProducer{
		score:          8,
		spatialLayers:  2,
		temporalLayers: 2,
		bitrate: map[VideoLayer]uint32{
			{0, 0}: 100_000,
			{0, 1}: 200_000,
			{1, 0}: 400_000,
			{1, 1}: 800_000,
		},
	}
	c.producer = producer

	used := c.UseAvailableBitrate(500_000)
	require.Equal(t, uint32(400_000), used)

	c.ApplyLayers()

	require.Equal(t, int16(1), enc.TargetSpatialLayer())
	require.Equal(t, int16(0), enc.TargetTemporalLayer())
}

func TestApplyLayersPanicsWithoutPriorUseAvailableBitrate(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, true)

	require.Panics(t, func() {
		c.ApplyLayers()
	})
}

func TestStateReflectsTargetAndSyncFlag(t *testing.T) {
	c, _, enc, _, _ := newTestConsumer(t, false)

	require.Equal(t, StatePaused, c.State())

	enc.targetSpatial = 0
	require.Equal(t, StateResyncing, c.State())

	c.forwarder.syncRequired = false
	require.Equal(t, StateStreaming, c.State())
}

func TestGetRtcpRespectsPacingGate(t *testing.T) {
	c, send, _, _, _ := newTestConsumer(t, false)
	send.ReceivePacket(testPacket(1, true))
	c.maxRtcpInterval = 1000

	sr, sdes := c.GetRtcp(500)
	require.Nil(t, sr)
	require.Nil(t, sdes)

	sr, sdes = c.GetRtcp(2000)
	require.NotNil(t, sr)
	require.NotNil(t, sdes)
}

func TestNeedWorstRemoteFractionLostInactiveReturnsUnchanged(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)
	c.transportConnected = false

	require.Equal(t, uint8(5), c.NeedWorstRemoteFractionLost(5))
}

// newTestConsumerWithFeedback mirrors newTestConsumer but lets the caller
// negotiate RtcpFeedback, needed for the NACK/retransmit round trip: a
// consumer built through newTestConsumer never enables the retransmit
// buffer, since its codec declares no feedback at all.
func newTestConsumerWithFeedback(t *testing.T, feedback RtcpFeedback) (*Consumer, *fakeSendStream, *fakeListener) {
	send := &fakeSendStream{accept: true, spatialLayers: 2, temporalLayers: 2}
	enc := &fakeEncodingContext{targetSpatial: -1, targetTemporal: -1, currentSpatial: -1, currentTemporal: -1}
	listener := &fakeListener{}

	c, err := NewConsumer(Params{
		ID:     "consumer-feedback",
		Logger: logger.GetLogger(),
		Clock:  &fakeClockSvc{},
		Config: DefaultConfig(),
		RtpParameters: RtpParameters{
			Codec:    Codec{MimeType: "video/vp8", PayloadType: 96, RtcpFeedback: feedback},
			Encoding: Encoding{Ssrc: 1000, SpatialLayers: 2, TemporalLayers: 2},
		},
		ConsumableRtpEncodings: []ConsumableRtpEncoding{{Ssrc: 2000}},
		Listener:               listener,
		BaseDelegate:           &fakeBaseDelegate{},
		SendStream:             send,
		EncodingContext:        enc,
		SupportedPayloadTypes:  map[uint8]struct{}{96: {}},
	})
	require.NoError(t, err)
	c.transportConnected = true

	return c, send, listener
}

func TestNewConsumerEnablesRetransmitBufferOnlyWithNack(t *testing.T) {
	_, send, _ := newTestConsumerWithFeedback(t, RtcpFeedback{UseNack: true})
	require.True(t, send.retransmitBufferEnabled)

	_, send2, _ := newTestConsumerWithFeedback(t, RtcpFeedback{UseNack: false})
	require.False(t, send2.retransmitBufferEnabled)
}

func TestReceiveNackRetransmitsThroughListener(t *testing.T) {
	c, _, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UseNack: true})

	c.ReceiveNack(&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 7}}})

	require.Len(t, listener.retransmits, 1)
	require.Equal(t, uint16(7), listener.retransmits[0].seq)
	require.False(t, listener.retransmits[0].probation)
}

func TestReceiveNackInactiveNeverRetransmits(t *testing.T) {
	c, _, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UseNack: true})
	c.transportConnected = false

	c.ReceiveNack(&rtcp.TransportLayerNack{Nacks: []rtcp.NackPair{{PacketID: 7}}})

	require.Empty(t, listener.retransmits)
}

func TestSendProbationRtpPacketRetransmitsThroughListenerAsProbation(t *testing.T) {
	c, _, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UseNack: true})

	c.SendProbationRtpPacket(42)

	require.Len(t, listener.retransmits, 1)
	require.Equal(t, uint16(42), listener.retransmits[0].seq)
	require.True(t, listener.retransmits[0].probation)
}

func TestReceivePLIRequestsKeyFrameAndForwardsToSendStream(t *testing.T) {
	c, send, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UsePli: true})

	c.ReceivePLI()

	require.Equal(t, 1, send.keyFrameRequests)
	require.Len(t, listener.keyFrameRequests, 1)
}

func TestReceiveFIRRequestsKeyFrameAndForwardsToSendStream(t *testing.T) {
	c, send, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UseFir: true})

	c.ReceiveFIR()

	require.Equal(t, 1, send.keyFrameRequests)
	require.Len(t, listener.keyFrameRequests, 1)
}

func TestReceivePLIInactiveStillNotifiesSendStreamButNotListener(t *testing.T) {
	c, send, listener := newTestConsumerWithFeedback(t, RtcpFeedback{UsePli: true})
	c.transportConnected = false

	c.ReceivePLI()

	require.Equal(t, 1, send.keyFrameRequests)
	require.Empty(t, listener.keyFrameRequests)
}

func TestFillJsonIncludesRtpStream(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)

	out := c.FillJson()

	rtpStream, ok := out["rtpStream"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, uint32(1000), rtpStream["ssrc"])
}

func TestFillJsonStatsReturnsSendSideOnly(t *testing.T) {
	c, send, _, _, _ := newTestConsumer(t, false)
	send.ReceivePacket(testPacket(1, true))

	stats := c.FillJsonStats()

	require.Len(t, stats, 1)
}

func TestSetPreferredLayersRejectsOutOfRangeSpatialLayer(t *testing.T) {
	c, _, _, _, _ := newTestConsumer(t, false)

	err := c.SetPreferredLayers(PreferredLayers{SpatialLayer: 0x8000}, true)
	require.ErrorIs(t, err, ErrInvalidPreferredLayers)
}
