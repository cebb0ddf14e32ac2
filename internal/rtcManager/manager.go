package rtcManager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/metrics"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

const (
	defaultRecoveryDelay = time.Second
	defaultRecoveryLimit = 3
)

var (
	ErrUnknownPeer  = errors.New("no peer connection for participant")
	errPeerReplaced = errors.New("peer connection replaced during negotiation")
)

// Signaler is the outbound path for offers, answers and candidates.
type Signaler interface {
	Send(signaling.Outbound) error
}

// Events are raised on the loop goroutine. Nil fields are skipped.
type Events struct {
	RemoteStream        func(participantID string, stream *media.RemoteStream)
	RemoteStreamRemoved func(participantID string)
	PeerStateChanged    func(participantID string, state webrtc.PeerConnectionState)
}

type Config struct {
	LocalID  string
	Factory  Factory
	Signaler Signaler
	Loop     *EventLoop
	Clock    Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Events   Events
	// RecoveryDelay is how long a failed peer stays closed before it is
	// recreated as initiator.
	RecoveryDelay time.Duration
	// RecoveryLimit bounds recoveries of one peer between two successful
	// connections.
	RecoveryLimit int
}

type peer struct {
	id          string
	pc          PeerConnection
	senders     map[webrtc.RTPCodecType]Sender
	remote      *media.RemoteStream
	renegotiate bool
	createdAt   time.Time
}

type recovery struct {
	timer Timer
	gen   uint64
}

// Manager owns one peer connection per remote participant and drives the
// offer/answer/candidate exchange. Every method must be called on the loop.
type Manager struct {
	localID  string
	factory  Factory
	signaler Signaler
	loop     *EventLoop
	clock    Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	events   Events

	recoveryDelay time.Duration
	recoveryLimit int

	servers    []iceservers.Server
	local      *media.Stream
	peers      map[string]*peer
	pending    *PendingQueue
	recoveries map[string]int
	scheduled  map[string]recovery
	recoverGen uint64
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("local participant id cannot be empty")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("peer connection factory cannot be nil")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("signaler cannot be nil")
	}
	if cfg.Loop == nil {
		return nil, fmt.Errorf("event loop cannot be nil")
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("rtc")
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = defaultRecoveryDelay
	}
	if cfg.RecoveryLimit <= 0 {
		cfg.RecoveryLimit = defaultRecoveryLimit
	}

	return &Manager{
		localID:       cfg.LocalID,
		factory:       cfg.Factory,
		signaler:      cfg.Signaler,
		loop:          cfg.Loop,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		events:        cfg.Events,
		recoveryDelay: cfg.RecoveryDelay,
		recoveryLimit: cfg.RecoveryLimit,
		peers:         make(map[string]*peer),
		pending:       NewPendingQueue(),
		recoveries:    make(map[string]int),
		scheduled:     make(map[string]recovery),
	}, nil
}

// SetICEServers replaces the servers used for connections created from now on.
func (m *Manager) SetICEServers(servers []iceservers.Server) {
	m.servers = append([]iceservers.Server(nil), servers...)
}

func (m *Manager) ICEServers() []iceservers.Server {
	return append([]iceservers.Server(nil), m.servers...)
}

func (m *Manager) LocalStream() *media.Stream {
	return m.local
}

// SetLocalStream installs the local stream and attaches its tracks to every
// peer that has no sender for their kind yet.
func (m *Manager) SetLocalStream(stream *media.Stream) {
	m.local = stream
	if stream == nil {
		return
	}
	for _, id := range m.Peers() {
		p := m.peers[id]
		added := false
		for _, track := range stream.Tracks() {
			if p.senders[track.Kind()] != nil {
				continue
			}
			sender, err := p.pc.AddTrack(track)
			if err != nil {
				m.logger.Warn("failed to attach local track",
					zap.String("participant", id), zap.Stringer("kind", track.Kind()), zap.Error(err))
				continue
			}
			p.senders[track.Kind()] = sender
			added = true
		}
		if added {
			m.negotiateOrRecover(p)
		}
	}
}

// CreatePeerConnection returns the existing connection for participantID, or
// builds one with every local track attached. An initiator sends the offer.
func (m *Manager) CreatePeerConnection(participantID string, asInitiator bool) (PeerConnection, error) {
	if p, ok := m.peers[participantID]; ok {
		return p.pc, nil
	}
	if participantID == "" || participantID == m.localID {
		return nil, fmt.Errorf("invalid remote participant id %q", participantID)
	}

	pc, err := m.factory.NewPeerConnection(participantID, m.servers)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection for %s: %w", participantID, err)
	}

	p := &peer{
		id:        participantID,
		pc:        pc,
		senders:   make(map[webrtc.RTPCodecType]Sender),
		remote:    media.NewRemoteStream(participantID),
		createdAt: m.clock.Now(),
	}
	if err := m.attachLocalTracks(p); err != nil {
		pc.Close()
		return nil, err
	}
	m.peers[participantID] = p
	m.registerHandlers(p)
	m.metrics.SetActivePeers(len(m.peers))

	m.logger.Info("peer connection created",
		zap.String("participant", participantID), zap.Bool("initiator", asInitiator))

	if asInitiator {
		m.negotiateOrRecover(p)
	}
	return pc, nil
}

func (m *Manager) attachLocalTracks(p *peer) error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		var track media.Track
		if m.local != nil {
			track = m.local.Track(kind)
		}
		if track == nil {
			if err := p.pc.AddTransceiver(kind, webrtc.RTPTransceiverDirectionRecvonly); err != nil {
				return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
			}
			continue
		}
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		p.senders[kind] = sender
	}
	return nil
}

// registerHandlers wires native callbacks. They only post to the loop, and
// every posted closure drops out if p was replaced in the meantime.
func (m *Manager) registerHandlers(p *peer) {
	id := p.id

	p.pc.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		candidate := *c
		m.loop.Post(func() {
			if !m.isCurrent(p) {
				return
			}
			if err := m.send(signaling.NewCandidate(id, candidate)); err != nil {
				m.logger.Debug("failed to send ICE candidate", zap.String("participant", id), zap.Error(err))
			}
		})
	})

	p.pc.OnTrack(func(track media.RemoteTrack) {
		m.loop.Post(func() {
			if !m.isCurrent(p) {
				return
			}
			m.logger.Info("remote track received",
				zap.String("participant", id), zap.String("track", track.ID), zap.Stringer("kind", track.Kind))
			p.remote.AddTrack(track)
			if m.events.RemoteStream != nil {
				m.events.RemoteStream(id, p.remote)
			}
		})
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.loop.Post(func() {
			if !m.isCurrent(p) {
				return
			}
			m.logger.Info("peer connection state changed",
				zap.String("participant", id), zap.Stringer("state", state))
			if state == webrtc.PeerConnectionStateConnected {
				delete(m.recoveries, id)
			}
			if m.events.PeerStateChanged != nil {
				m.events.PeerStateChanged(id, state)
			}
		})
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.loop.Post(func() {
			if !m.isCurrent(p) {
				return
			}
			m.logger.Debug("ICE connection state changed",
				zap.String("participant", id), zap.Stringer("state", state))
		})
	})
}

func (m *Manager) isCurrent(p *peer) bool {
	return m.peers[p.id] == p
}

func (m *Manager) send(msg signaling.Outbound) error {
	msg.From = m.localID
	return m.signaler.Send(msg)
}

// negotiate sends a fresh offer, or defers it until the connection is stable.
func (m *Manager) negotiate(p *peer) error {
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		p.renegotiate = true
		return nil
	}
	p.renegotiate = false

	offer, err := p.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local offer: %w", err)
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}

	local := p.pc.LocalDescription()
	if local == nil {
		local = &offer
	}
	if err := m.send(signaling.NewDescription(p.id, *local)); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	m.logger.Debug("offer sent", zap.String("participant", p.id))
	return nil
}

func (m *Manager) negotiateOrRecover(p *peer) {
	if err := m.negotiate(p); err != nil && !errors.Is(err, errPeerReplaced) {
		m.logger.Warn("negotiation failed", zap.String("participant", p.id), zap.Error(err))
		m.RecoverPeer(p.id, err)
	}
}

func (m *Manager) maybeRenegotiate(p *peer) {
	if p.renegotiate && m.isCurrent(p) && p.pc.SignalingState() == webrtc.SignalingStateStable {
		m.logger.Debug("stable state reached, processing pending renegotiation", zap.String("participant", p.id))
		m.negotiateOrRecover(p)
	}
}

// HandleOffer answers a remote offer. When both sides offered at once, the
// participant with the lexicographically smaller id keeps its offer and the
// other one yields.
func (m *Manager) HandleOffer(from string, sd webrtc.SessionDescription) error {
	if err := validateSDP(&sd, webrtc.SDPTypeOffer); err != nil {
		m.logger.Warn("discarding invalid offer", zap.String("participant", from), zap.Error(err))
		return err
	}

	if p, ok := m.peers[from]; ok {
		switch {
		case p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer:
			if m.localID < from {
				m.logger.Info("offer collision, keeping local offer", zap.String("participant", from))
				return nil
			}
			m.logger.Info("offer collision, yielding to remote offer", zap.String("participant", from))
			m.replacePeer(p)
		case unhealthy(p.pc.ConnectionState(), p.pc.ICEConnectionState()) ||
			p.pc.ConnectionState() == webrtc.PeerConnectionStateClosed:
			m.logger.Info("replacing broken connection on new offer", zap.String("participant", from))
			m.replacePeer(p)
		}
	}

	if _, err := m.CreatePeerConnection(from, false); err != nil {
		return err
	}
	p := m.peers[from]
	if p == nil {
		return errPeerReplaced
	}

	if err := p.pc.SetRemoteDescription(sd); err != nil {
		err = fmt.Errorf("failed to apply remote offer: %w", err)
		m.RecoverPeer(from, err)
		return err
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}
	m.flushPending(p)

	answer, err := p.pc.CreateAnswer()
	if err != nil {
		err = fmt.Errorf("failed to create answer: %w", err)
		m.RecoverPeer(from, err)
		return err
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		err = fmt.Errorf("failed to set local answer: %w", err)
		m.RecoverPeer(from, err)
		return err
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}

	local := p.pc.LocalDescription()
	if local == nil {
		local = &answer
	}
	if err := m.send(signaling.NewDescription(from, *local)); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	m.logger.Debug("answer sent", zap.String("participant", from))

	m.maybeRenegotiate(p)
	return nil
}

// HandleAnswer applies a remote answer to an outstanding local offer. An
// answer while stable is a duplicate and ignored.
func (m *Manager) HandleAnswer(from string, sd webrtc.SessionDescription) error {
	p, ok := m.peers[from]
	if !ok {
		m.logger.Warn("answer from participant without connection", zap.String("participant", from))
		return fmt.Errorf("%w: %s", ErrUnknownPeer, from)
	}

	switch state := p.pc.SignalingState(); state {
	case webrtc.SignalingStateHaveLocalOffer:
	case webrtc.SignalingStateStable:
		m.logger.Debug("ignoring duplicate answer", zap.String("participant", from))
		return nil
	default:
		m.logger.Warn("ignoring answer in unexpected signaling state",
			zap.String("participant", from), zap.Stringer("state", state))
		return nil
	}

	if err := validateSDP(&sd, webrtc.SDPTypeAnswer); err != nil {
		m.logger.Warn("discarding invalid answer", zap.String("participant", from), zap.Error(err))
		return err
	}

	if err := p.pc.SetRemoteDescription(sd); err != nil {
		err = fmt.Errorf("failed to apply remote answer: %w", err)
		m.RecoverPeer(from, err)
		return err
	}
	if !m.isCurrent(p) {
		return errPeerReplaced
	}
	m.flushPending(p)
	m.maybeRenegotiate(p)
	return nil
}

// HandleIceCandidate applies c, or queues it until the remote description
// of from is known. A nil or empty candidate marks end of gathering.
func (m *Manager) HandleIceCandidate(from string, c *webrtc.ICECandidateInit) error {
	if c == nil || strings.TrimSpace(c.Candidate) == "" {
		return nil
	}
	if err := validateCandidate(*c); err != nil {
		m.logger.Warn("skipping malformed ICE candidate", zap.String("participant", from), zap.Error(err))
		return nil
	}

	p, ok := m.peers[from]
	if !ok || p.pc.RemoteDescription() == nil {
		m.pending.Enqueue(from, *c)
		m.metrics.CandidateQueued()
		m.logger.Debug("queued ICE candidate",
			zap.String("participant", from), zap.Int("queued", m.pending.Len(from)))
		return nil
	}

	if err := p.pc.AddICECandidate(*c); err != nil {
		m.logger.Warn("failed to add ICE candidate", zap.String("participant", from), zap.Error(err))
	}
	return nil
}

// flushPending applies the queue in arrival order. Candidates gathered for a
// session the remote side has since abandoned, such as the connection a glare
// loser tore down, are dropped.
func (m *Manager) flushPending(p *peer) {
	queued := m.pending.Take(p.id)
	if len(queued) == 0 {
		return
	}
	ufrags := iceUfrags(p.pc.RemoteDescription())
	applied, stale := 0, 0
	for _, c := range queued {
		if staleCandidate(c, ufrags) {
			stale++
			continue
		}
		if err := p.pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add queued ICE candidate", zap.String("participant", p.id), zap.Error(err))
			continue
		}
		applied++
	}
	m.metrics.CandidatesFlushed(applied)
	m.logger.Debug("flushed queued ICE candidates",
		zap.String("participant", p.id), zap.Int("applied", applied),
		zap.Int("stale", stale), zap.Int("queued", len(queued)))
}

func (m *Manager) PendingCount(participantID string) int {
	return m.pending.Len(participantID)
}

// SwitchTrack makes track the local track of kind on every peer, replacing
// senders in place and adding one where none exists. The previous track is
// stopped only when every sender let go of it; otherwise it keeps running
// for the peers whose replacement failed and the joined error is returned.
func (m *Manager) SwitchTrack(kind webrtc.RTPCodecType, track media.Track) error {
	if track == nil {
		return fmt.Errorf("track cannot be nil")
	}
	if track.Kind() != kind {
		return fmt.Errorf("track kind %s does not match %s", track.Kind(), kind)
	}

	var old media.Track
	if m.local == nil {
		m.local = media.NewStream("local", track)
	} else {
		old = m.local.Replace(track)
	}
	if old == track {
		return nil
	}

	var errs []error
	carriers := 0
	for _, id := range m.Peers() {
		p := m.peers[id]
		if sender := p.senders[kind]; sender != nil {
			if err := sender.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("participant %s: %w", id, err))
				carriers++
			}
			continue
		}
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			errs = append(errs, fmt.Errorf("participant %s: %w", id, err))
			continue
		}
		p.senders[kind] = sender
		m.negotiateOrRecover(p)
	}

	switch {
	case old == nil:
	case carriers > 0:
		m.logger.Warn("keeping replaced track running for peers that still send it",
			zap.String("track", old.ID()), zap.Int("peers", carriers))
	default:
		if err := old.Stop(); err != nil {
			m.logger.Warn("failed to stop replaced track", zap.String("track", old.ID()), zap.Error(err))
		}
	}
	m.metrics.TrackSwitched(kind.String())
	m.logger.Info("local track switched", zap.Stringer("kind", kind), zap.String("track", track.ID()))
	return errors.Join(errs...)
}

// Senders returns the senders of one peer by kind, for inspection.
func (m *Manager) Senders(participantID string) map[webrtc.RTPCodecType]Sender {
	p, ok := m.peers[participantID]
	if !ok {
		return nil
	}
	out := make(map[webrtc.RTPCodecType]Sender, len(p.senders))
	for k, s := range p.senders {
		out[k] = s
	}
	return out
}

// ClosePeer tears down the participant's connection, cancels any scheduled
// recovery and discards its queued candidates.
func (m *Manager) ClosePeer(participantID string) bool {
	m.cancelRecovery(participantID)
	delete(m.recoveries, participantID)
	m.pending.Discard(participantID)

	p, ok := m.peers[participantID]
	if !ok {
		return false
	}
	m.teardown(p)
	return true
}

// CloseAll closes every peer.
func (m *Manager) CloseAll() {
	for _, id := range m.Peers() {
		m.ClosePeer(id)
	}
	for id := range m.scheduled {
		m.cancelRecovery(id)
	}
	m.recoveries = make(map[string]int)
	m.pending.Clear()
}

// replacePeer closes p so it can be recreated. Queued candidates are kept.
func (m *Manager) replacePeer(p *peer) {
	m.cancelRecovery(p.id)
	m.teardown(p)
}

func (m *Manager) teardown(p *peer) {
	delete(m.peers, p.id)
	m.metrics.SetActivePeers(len(m.peers))

	if err := p.pc.Close(); err != nil {
		m.logger.Debug("error closing peer connection", zap.String("participant", p.id), zap.Error(err))
	}
	if len(p.remote.Tracks()) > 0 && m.events.RemoteStreamRemoved != nil {
		m.events.RemoteStreamRemoved(p.id)
	}
	m.logger.Info("peer connection closed", zap.String("participant", p.id))
}

// RecoverPeer closes the participant's connection and recreates it as
// initiator after the recovery delay. Recoveries stop after the limit until
// the peer connects again.
func (m *Manager) RecoverPeer(participantID string, reason error) {
	if _, ok := m.scheduled[participantID]; ok {
		return
	}

	attempt := m.recoveries[participantID] + 1
	if attempt > m.recoveryLimit {
		m.logger.Warn("giving up on peer after repeated failures",
			zap.String("participant", participantID), zap.Int("attempts", attempt-1), zap.Error(reason))
		m.ClosePeer(participantID)
		return
	}
	m.recoveries[participantID] = attempt

	if p, ok := m.peers[participantID]; ok {
		m.teardown(p)
	}
	m.pending.Discard(participantID)
	m.metrics.PeerRecovered()

	m.logger.Info("recovering peer connection",
		zap.String("participant", participantID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", m.recoveryDelay),
		zap.Error(reason))

	m.recoverGen++
	gen := m.recoverGen
	timer := m.clock.AfterFunc(m.recoveryDelay, func() {
		m.loop.Post(func() {
			r, ok := m.scheduled[participantID]
			if !ok || r.gen != gen {
				return
			}
			delete(m.scheduled, participantID)
			if _, err := m.CreatePeerConnection(participantID, true); err != nil {
				m.logger.Warn("failed to recreate peer connection",
					zap.String("participant", participantID), zap.Error(err))
			}
		})
	})
	m.scheduled[participantID] = recovery{timer: timer, gen: gen}
}

func (m *Manager) cancelRecovery(participantID string) {
	if r, ok := m.scheduled[participantID]; ok {
		r.timer.Stop()
		delete(m.scheduled, participantID)
	}
}

// RecoveryScheduled reports whether participantID is waiting to be recreated.
func (m *Manager) RecoveryScheduled(participantID string) bool {
	_, ok := m.scheduled[participantID]
	return ok
}

// Peers returns the participant ids with a connection, sorted.
func (m *Manager) Peers() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) Peer(participantID string) (PeerConnection, bool) {
	p, ok := m.peers[participantID]
	if !ok {
		return nil, false
	}
	return p.pc, true
}

func (m *Manager) RemoteStream(participantID string) (*media.RemoteStream, bool) {
	p, ok := m.peers[participantID]
	if !ok {
		return nil, false
	}
	return p.remote, true
}
