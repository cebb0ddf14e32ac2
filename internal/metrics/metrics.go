// Package metrics exposes session counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roomcall"

type Metrics struct {
	activePeers        prometheus.Gauge
	sessionState       *prometheus.GaugeVec
	connectionQuality  *prometheus.GaugeVec
	signalingReceived  *prometheus.CounterVec
	signalingSent      *prometheus.CounterVec
	signalingMalformed prometheus.Counter
	candidatesQueued   prometheus.Counter
	candidatesFlushed  prometheus.Counter
	peerRecoveries     prometheus.Counter
	reconnectAttempts  prometheus.Counter
	trackSwitches      *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peers",
			Help:      "Peer connections currently owned by the session.",
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the session's current connection state, 0 otherwise.",
		}, []string{"state"}),
		connectionQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_quality",
			Help:      "1 for the session's current connection quality, 0 otherwise.",
		}, []string{"quality"}),
		signalingReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_received_total",
			Help:      "Inbound signaling messages by type.",
		}, []string{"type"}),
		signalingSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_sent_total",
			Help:      "Outbound signaling messages by type.",
		}, []string{"type"}),
		signalingMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "malformed_total",
			Help:      "Inbound frames dropped because they could not be parsed.",
		}),
		candidatesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ice",
			Name:      "candidates_queued_total",
			Help:      "Remote candidates buffered until a remote description existed.",
		}),
		candidatesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ice",
			Name:      "candidates_flushed_total",
			Help:      "Buffered remote candidates applied after the remote description.",
		}),
		peerRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "peer_recoveries_total",
			Help:      "Individual peer connections torn down and recreated.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "reconnect_attempts_total",
			Help:      "Global reconnection attempts.",
		}),
		trackSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "media",
			Name:      "track_switches_total",
			Help:      "Local track replacements by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{
		m.activePeers, m.sessionState, m.connectionQuality,
		m.signalingReceived, m.signalingSent, m.signalingMalformed,
		m.candidatesQueued, m.candidatesFlushed,
		m.peerRecoveries, m.reconnectAttempts, m.trackSwitches,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SetActivePeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

// SetSessionState flips the state gauge so exactly one label is 1.
func (m *Metrics) SetSessionState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) SetConnectionQuality(current string, all []string) {
	if m == nil {
		return
	}
	for _, q := range all {
		v := 0.0
		if q == current {
			v = 1
		}
		m.connectionQuality.WithLabelValues(q).Set(v)
	}
}

func (m *Metrics) SignalingReceived(msgType string) {
	if m == nil {
		return
	}
	m.signalingReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SignalingSent(msgType string) {
	if m == nil {
		return
	}
	m.signalingSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SignalingMalformed() {
	if m == nil {
		return
	}
	m.signalingMalformed.Inc()
}

func (m *Metrics) CandidateQueued() {
	if m == nil {
		return
	}
	m.candidatesQueued.Inc()
}

func (m *Metrics) CandidatesFlushed(n int) {
	if m == nil {
		return
	}
	m.candidatesFlushed.Add(float64(n))
}

func (m *Metrics) PeerRecovered() {
	if m == nil {
		return
	}
	m.peerRecoveries.Inc()
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) TrackSwitched(kind string) {
	if m == nil {
		return
	}
	m.trackSwitches.WithLabelValues(kind).Inc()
}
