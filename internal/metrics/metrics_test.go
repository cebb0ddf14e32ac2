package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetActivePeers(3)
	m.SetSessionState("connected", []string{"connected"})
	m.SignalingReceived("offer")
	m.SignalingMalformed()
	m.CandidateQueued()
	m.CandidatesFlushed(2)
	m.PeerRecovered()
	m.ReconnectAttempt()
	m.TrackSwitched("audio")
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.SetActivePeers(2)
	m.SignalingReceived("offer")
	m.SignalingReceived("offer")
	m.CandidatesFlushed(3)
	m.SetSessionState("reconnecting", []string{"connected", "reconnecting"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.activePeers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.signalingReceived.WithLabelValues("offer")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.candidatesFlushed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionState.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionState.WithLabelValues("reconnecting")))

	_, err = New(reg)
	assert.Error(t, err, "registering twice on one registry must fail")
}
