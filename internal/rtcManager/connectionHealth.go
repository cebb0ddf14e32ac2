package rtcManager

import (
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	fairPacketLoss = 0.05 // 5%
	poorPacketLoss = 0.10 // 10%
	fairRTT        = 150 * time.Millisecond
	poorRTT        = 300 * time.Millisecond

	defaultHealthInterval = 2 * time.Second
	defaultQualityHistory = 150
)

// Quality is the coarse connection quality shown to the user.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

// AllQualities lists every quality, for state gauges.
func AllQualities() []string {
	return []string{string(QualityUnknown), string(QualityGood), string(QualityFair), string(QualityPoor)}
}

func (q Quality) rank() int {
	switch q {
	case QualityGood:
		return 1
	case QualityFair:
		return 2
	case QualityPoor:
		return 3
	default:
		return 0
	}
}

// ClassifyQuality maps a loss rate in [0,1] and a round trip to a Quality.
func ClassifyQuality(packetLoss float64, rtt time.Duration) Quality {
	switch {
	case packetLoss > poorPacketLoss || rtt > poorRTT:
		return QualityPoor
	case packetLoss > fairPacketLoss || rtt > fairRTT:
		return QualityFair
	default:
		return QualityGood
	}
}

// QualityMetrics is one quality sample of one peer.
type QualityMetrics struct {
	ParticipantID  string
	Timestamp      time.Time
	PacketLossRate float64
	RTT            time.Duration
	UsingRelay     bool
	Quality        Quality
}

// PeerHealth is the native state of one peer at one instant.
type PeerHealth struct {
	ParticipantID string
	Connection    webrtc.PeerConnectionState
	ICE           webrtc.ICEConnectionState
	Age           time.Duration
}

func (h PeerHealth) Unhealthy() bool {
	return unhealthy(h.Connection, h.ICE)
}

func unhealthy(conn webrtc.PeerConnectionState, ice webrtc.ICEConnectionState) bool {
	switch conn {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		return true
	}
	switch ice {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		return true
	}
	return false
}

// PeerHealth reports every peer, sorted by participant id.
func (m *Manager) PeerHealth() []PeerHealth {
	now := m.clock.Now()
	out := make([]PeerHealth, 0, len(m.peers))
	for _, id := range m.Peers() {
		p := m.peers[id]
		out = append(out, PeerHealth{
			ParticipantID: id,
			Connection:    p.pc.ConnectionState(),
			ICE:           p.pc.ICEConnectionState(),
			Age:           now.Sub(p.createdAt),
		})
	}
	return out
}

type HealthMonitorConfig struct {
	Manager  *Manager
	Loop     *EventLoop
	Clock    Clock
	Logger   *zap.Logger
	Interval time.Duration
	// HistorySize is the number of quality samples kept per peer.
	HistorySize int

	// Escalate asks for a global reconnection.
	Escalate func(reason string)
	// SignalingLost reports an unexpected signaling close.
	SignalingLost func() bool
	// QualityChanged fires when the session-wide quality changes.
	QualityChanged func(Quality)
}

// HealthMonitor inspects every peer on a fixed interval. A minority of
// unhealthy peers is recovered one by one; a majority, or a lost signaling
// channel, escalates to a global reconnection.
type HealthMonitor struct {
	cfg    HealthMonitorConfig
	logger *zap.Logger

	running bool
	gen     uint64
	timer   Timer

	history map[string]*CircularMetricsBuffer
	last    map[string]Stats
	quality Quality
}

func NewHealthMonitor(cfg HealthMonitorConfig) (*HealthMonitor, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("event loop cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("health")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultQualityHistory
	}
	return &HealthMonitor{
		cfg:     cfg,
		logger:  cfg.Logger,
		history: make(map[string]*CircularMetricsBuffer),
		last:    make(map[string]Stats),
		quality: QualityUnknown,
	}, nil
}

// Start begins ticking. It must be called on the loop.
func (h *HealthMonitor) Start() {
	if h.running {
		return
	}
	h.running = true
	h.schedule()
}

// Stop cancels the pending tick. It must be called on the loop.
func (h *HealthMonitor) Stop() {
	h.running = false
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *HealthMonitor) Running() bool { return h.running }

func (h *HealthMonitor) schedule() {
	h.gen++
	gen := h.gen
	h.timer = h.cfg.Clock.AfterFunc(h.cfg.Interval, func() {
		h.cfg.Loop.Post(func() {
			if !h.running || gen != h.gen {
				return
			}
			h.Check()
			if h.running && gen == h.gen {
				h.schedule()
			}
		})
	})
}

// Check runs one health pass.
func (h *HealthMonitor) Check() {
	if h.cfg.SignalingLost != nil && h.cfg.SignalingLost() {
		h.escalate("signaling channel lost")
		return
	}

	health := h.cfg.Manager.PeerHealth()
	var bad []PeerHealth
	for _, ph := range health {
		if ph.Unhealthy() {
			bad = append(bad, ph)
		}
	}

	if len(bad)*2 > len(health) {
		h.escalate(fmt.Sprintf("%d of %d peers unhealthy", len(bad), len(health)))
		return
	}

	for _, ph := range bad {
		h.logger.Warn("peer unhealthy",
			zap.String("participant", ph.ParticipantID),
			zap.Stringer("connection", ph.Connection),
			zap.Stringer("ice", ph.ICE))
		h.cfg.Manager.RecoverPeer(ph.ParticipantID,
			fmt.Errorf("connection %s, ICE %s", ph.Connection, ph.ICE))
	}

	h.sampleQuality()
}

func (h *HealthMonitor) escalate(reason string) {
	h.logger.Warn("escalating to global reconnection", zap.String("reason", reason))
	if h.cfg.Escalate != nil {
		h.cfg.Escalate(reason)
	}
}

func (h *HealthMonitor) sampleQuality() {
	m := h.cfg.Manager
	seen := make(map[string]bool, len(m.peers))
	overall := QualityUnknown

	for _, id := range m.Peers() {
		p := m.peers[id]
		if p.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
			continue
		}
		seen[id] = true

		stats := p.pc.Stats()
		sample := qualitySample(id, h.last[id], stats)
		h.last[id] = stats

		buf, ok := h.history[id]
		if !ok {
			buf = NewCircularMetricsBuffer(h.cfg.HistorySize)
			h.history[id] = buf
		}
		buf.Add(sample)

		if sample.Quality.rank() > overall.rank() {
			overall = sample.Quality
		}
	}

	for id := range h.history {
		if !seen[id] {
			delete(h.history, id)
			delete(h.last, id)
		}
	}

	if overall != h.quality {
		h.logger.Info("connection quality changed",
			zap.String("from", string(h.quality)), zap.String("to", string(overall)))
		h.quality = overall
		if h.cfg.QualityChanged != nil {
			h.cfg.QualityChanged(overall)
		}
	}
}

// qualitySample turns two cumulative snapshots into a loss rate over the
// interval between them. A zero prev means the peer has no earlier sample.
func qualitySample(id string, prev, cur Stats) QualityMetrics {
	received := cur.PacketsReceived
	lost := cur.PacketsLost
	if !prev.Timestamp.IsZero() && cur.PacketsReceived >= prev.PacketsReceived {
		received -= prev.PacketsReceived
		lost -= prev.PacketsLost
	}
	if lost < 0 {
		lost = 0
	}

	var lossRate float64
	if total := received + uint64(lost); total > 0 {
		lossRate = float64(lost) / float64(total)
	}

	return QualityMetrics{
		ParticipantID:  id,
		Timestamp:      cur.Timestamp,
		PacketLossRate: lossRate,
		RTT:            cur.RTT,
		UsingRelay:     cur.UsingRelay,
		Quality:        ClassifyQuality(lossRate, cur.RTT),
	}
}

// Quality is the worst quality across connected peers.
func (h *HealthMonitor) Quality() Quality { return h.quality }

// History returns the samples of one peer, oldest first.
func (h *HealthMonitor) History(participantID string) []QualityMetrics {
	buf, ok := h.history[participantID]
	if !ok {
		return nil
	}
	return buf.GetAll()
}
