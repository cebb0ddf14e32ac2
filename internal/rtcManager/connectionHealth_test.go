package rtcManager

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

func TestClassifyQuality(t *testing.T) {
	tests := []struct {
		loss float64
		rtt  time.Duration
		want Quality
	}{
		{0, 0, QualityGood},
		{0.05, 150 * time.Millisecond, QualityGood},
		{0.051, 0, QualityFair},
		{0, 151 * time.Millisecond, QualityFair},
		{0.10, 300 * time.Millisecond, QualityFair},
		{0.11, 0, QualityPoor},
		{0, 301 * time.Millisecond, QualityPoor},
		{0.02, time.Second, QualityPoor},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyQuality(tt.loss, tt.rtt), "loss %.3f rtt %s", tt.loss, tt.rtt)
	}
}

func TestQualitySampleUsesDeltas(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)

	first := qualitySample("bob", Stats{}, Stats{Timestamp: t0, PacketsReceived: 90, PacketsLost: 10})
	assert.InDelta(t, 0.10, first.PacketLossRate, 1e-9)
	assert.Equal(t, QualityFair, first.Quality)

	// 189 received and 11 lost in total: 99 and 1 since the first sample.
	second := qualitySample("bob",
		Stats{Timestamp: t0, PacketsReceived: 90, PacketsLost: 10},
		Stats{Timestamp: t0.Add(2 * time.Second), PacketsReceived: 189, PacketsLost: 11, RTT: 40 * time.Millisecond, UsingRelay: true})
	assert.InDelta(t, 0.01, second.PacketLossRate, 1e-9)
	assert.Equal(t, QualityGood, second.Quality)
	assert.True(t, second.UsingRelay)
	assert.Equal(t, "bob", second.ParticipantID)

	idle := qualitySample("bob", Stats{Timestamp: t0}, Stats{Timestamp: t0.Add(time.Second)})
	assert.Zero(t, idle.PacketLossRate)
	assert.Equal(t, QualityGood, idle.Quality)
}

func TestUnhealthyStates(t *testing.T) {
	assert.True(t, unhealthy(webrtc.PeerConnectionStateFailed, webrtc.ICEConnectionStateConnected))
	assert.True(t, unhealthy(webrtc.PeerConnectionStateConnected, webrtc.ICEConnectionStateDisconnected))
	assert.True(t, unhealthy(webrtc.PeerConnectionStateDisconnected, webrtc.ICEConnectionStateChecking))
	assert.False(t, unhealthy(webrtc.PeerConnectionStateConnecting, webrtc.ICEConnectionStateChecking))
	assert.False(t, unhealthy(webrtc.PeerConnectionStateClosed, webrtc.ICEConnectionStateClosed))
}
