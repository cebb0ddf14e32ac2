// Package session composes signaling, the participant directory, the peer
// connection manager and the health monitor into one room participation
// with a callback API.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/metrics"
	"github.com/mikeyg42/roomcall/internal/participant"
	"github.com/mikeyg42/roomcall/internal/rtcManager"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// State is the session's connection state.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// AllStates lists every state, for gauges.
func AllStates() []string {
	return []string{
		string(StateNew), string(StateConnecting), string(StateConnected),
		string(StateReconnecting), string(StateDisconnected), string(StateFailed),
	}
}

const defaultDialTimeout = 10 * time.Second

// RoomAPI is the part of the room lifecycle service a session needs.
type RoomAPI interface {
	Join(ctx context.Context, roomID, userID, userName string) error
	Leave(ctx context.Context, roomID, userID string) error
	ICEServers(ctx context.Context, roomID string) ([]iceservers.Server, error)
}

type Options struct {
	RoomID   string
	UserID   string
	UserName string

	Dialer  signaling.Dialer
	Factory rtcManager.Factory
	// Rooms is optional. Without it the fallback ICE servers are used and
	// join/leave are not announced.
	Rooms RoomAPI
	// Media is optional. Without it StartLocalMedia and SwitchDevice fail
	// with ErrNoSource.
	Media media.Source

	FallbackICEServers []iceservers.Server
	ICEFetchTimeout    time.Duration
	DialTimeout        time.Duration
	Health             config.HealthConfig
	Reconnect          config.ReconnectConfig

	Clock   rtcManager.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	defaults := config.NewDefaultConfig()
	if o.UserID == "" {
		o.UserID = uuid.NewString()
	}
	if o.UserName == "" {
		o.UserName = o.UserID
	}
	if o.ICEFetchTimeout <= 0 {
		o.ICEFetchTimeout = defaults.ICE.FetchTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.Health.Interval <= 0 {
		o.Health.Interval = defaults.Health.Interval
	}
	if o.Health.PeerRecoveryDelay <= 0 {
		o.Health.PeerRecoveryDelay = defaults.Health.PeerRecoveryDelay
	}
	if o.Health.PeerRecoveryLimit <= 0 {
		o.Health.PeerRecoveryLimit = defaults.Health.PeerRecoveryLimit
	}
	if o.Health.QualityHistory <= 0 {
		o.Health.QualityHistory = defaults.Health.QualityHistory
	}
	if o.Reconnect.BaseDelay <= 0 {
		o.Reconnect.BaseDelay = defaults.Reconnect.BaseDelay
	}
	if o.Reconnect.MaxDelay <= 0 {
		o.Reconnect.MaxDelay = defaults.Reconnect.MaxDelay
	}
	if o.Reconnect.MaxAttempts <= 0 {
		o.Reconnect.MaxAttempts = defaults.Reconnect.MaxAttempts
	}
	if o.Reconnect.ConfirmTimeout <= 0 {
		o.Reconnect.ConfirmTimeout = defaults.Reconnect.ConfirmTimeout
	}
	if o.Clock == nil {
		o.Clock = rtcManager.RealClock()
	}
	if o.Logger == nil {
		o.Logger = zap.L().Named("session")
	}
}

// Session is one participation in one room. Its state lives on a private
// event loop; callbacks are delivered in order on a second one.
type Session struct {
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   rtcManager.Clock

	ctx      context.Context
	cancel   context.CancelFunc
	loop     *rtcManager.EventLoop
	dispatch *rtcManager.EventLoop

	manager     *rtcManager.Manager
	monitor     *rtcManager.HealthMonitor
	reconnector *rtcManager.Reconnector
	directory   *participant.Directory
	cb          callbacks

	// Owned by the loop.
	conn          signaling.Conn
	connGen       uint64
	signalingLost bool
	closing       bool

	mu       sync.RWMutex
	state    State
	quality  rtcManager.Quality
	servers  []iceservers.Server
	attempts int
}

// New builds a session and starts its loops. Nothing touches the network
// until Connect.
func New(opts Options) (*Session, error) {
	if strings.TrimSpace(opts.RoomID) == "" {
		return nil, errors.New("room id cannot be empty")
	}
	if opts.Dialer == nil {
		return nil, errors.New("signaling dialer cannot be nil")
	}
	if opts.Factory == nil {
		return nil, errors.New("peer connection factory cannot be nil")
	}
	opts.setDefaults()

	logger := opts.Logger.With(zap.String("room", opts.RoomID), zap.String("user", opts.UserID))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		ctx:       ctx,
		cancel:    cancel,
		loop:      rtcManager.NewEventLoop(logger.Named("loop")),
		dispatch:  rtcManager.NewEventLoop(logger.Named("callbacks")),
		directory: participant.NewDirectory(opts.UserID, logger.Named("participants")),
		state:     StateNew,
		quality:   rtcManager.QualityUnknown,
	}

	var err error
	s.manager, err = rtcManager.NewManager(rtcManager.Config{
		LocalID:       opts.UserID,
		Factory:       opts.Factory,
		Signaler:      sessionSignaler{s},
		Loop:          s.loop,
		Clock:         opts.Clock,
		Logger:        logger.Named("rtc"),
		Metrics:       opts.Metrics,
		RecoveryDelay: opts.Health.PeerRecoveryDelay,
		RecoveryLimit: opts.Health.PeerRecoveryLimit,
		Events: rtcManager.Events{
			RemoteStream:        s.emitRemoteStream,
			RemoteStreamRemoved: s.emitRemoteStreamRemoved,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create peer manager: %w", err)
	}

	s.monitor, err = rtcManager.NewHealthMonitor(rtcManager.HealthMonitorConfig{
		Manager:        s.manager,
		Loop:           s.loop,
		Clock:          opts.Clock,
		Logger:         logger.Named("health"),
		Interval:       opts.Health.Interval,
		HistorySize:    opts.Health.QualityHistory,
		Escalate:       s.escalate,
		SignalingLost:  func() bool { return s.signalingLost },
		QualityChanged: s.setQuality,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	s.reconnector, err = rtcManager.NewReconnector(rtcManager.ReconnectConfig{
		Loop:           s.loop,
		Clock:          opts.Clock,
		Logger:         logger.Named("reconnect"),
		Metrics:        opts.Metrics,
		BaseDelay:      opts.Reconnect.BaseDelay,
		MaxDelay:       opts.Reconnect.MaxDelay,
		MaxAttempts:    opts.Reconnect.MaxAttempts,
		ConfirmTimeout: opts.Reconnect.ConfirmTimeout,
		Attempt:        s.reconnectAttempt,
		Exhausted:      s.exhausted,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create reconnector: %w", err)
	}

	go s.loop.Run(ctx)
	go s.dispatch.Run(ctx)
	s.metrics.SetSessionState(string(StateNew), AllStates())
	return s, nil
}

// sessionSignaler routes the manager's messages through the open connection.
type sessionSignaler struct{ s *Session }

func (ss sessionSignaler) Send(msg signaling.Outbound) error { return ss.s.send(msg) }

func (s *Session) RoomID() string   { return s.opts.RoomID }
func (s *Session) UserID() string   { return s.opts.UserID }
func (s *Session) UserName() string { return s.opts.UserName }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Quality() rtcManager.Quality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

// ICEServers returns the normalized servers peer connections use.
func (s *Session) ICEServers() []iceservers.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]iceservers.Server(nil), s.servers...)
}

// ReconnectAttempts counts the attempts of the running reconnection cycle.
// It drops back to zero once a cycle is confirmed.
func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

func (s *Session) Participants() []participant.Participant {
	return s.directory.List()
}

// LocalStream returns the stream currently shared with every peer.
func (s *Session) LocalStream() *media.Stream {
	var stream *media.Stream
	_ = s.loop.Do(s.ctx, func() { stream = s.manager.LocalStream() })
	return stream
}

// Peers returns the ids of participants with a live peer connection.
func (s *Session) Peers() []string {
	var ids []string
	_ = s.loop.Do(s.ctx, func() { ids = s.manager.Peers() })
	return ids
}

// PeerState returns the native connection state toward participantID.
func (s *Session) PeerState(participantID string) (webrtc.PeerConnectionState, bool) {
	var (
		state webrtc.PeerConnectionState
		ok    bool
	)
	_ = s.loop.Do(s.ctx, func() {
		var pc rtcManager.PeerConnection
		if pc, ok = s.manager.Peer(participantID); ok {
			state = pc.ConnectionState()
		}
	})
	return state, ok
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	s.logger.Info("session state changed", zap.String("from", string(prev)), zap.String("to", string(st)))
	s.metrics.SetSessionState(string(st), AllStates())
	s.emitState(st)
}

func (s *Session) setQuality(q rtcManager.Quality) {
	s.mu.Lock()
	s.quality = q
	s.mu.Unlock()
	s.metrics.SetConnectionQuality(string(q), rtcManager.AllQualities())
	s.emitQuality(q)
}

// Connect resolves ICE servers, joins the room and opens signaling. The
// session is connected once the signaling socket is open.
func (s *Session) Connect(ctx context.Context) error {
	var stateErr error
	if err := s.loop.Do(ctx, func() {
		if s.closing || s.State() != StateNew {
			stateErr = fmt.Errorf("cannot connect a session in state %s", s.State())
			return
		}
		s.setState(StateConnecting)
	}); err != nil {
		return err
	}
	if stateErr != nil {
		return stateErr
	}

	servers := s.resolveICEServers(ctx)
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()

	if s.opts.Rooms != nil {
		if err := s.opts.Rooms.Join(ctx, s.opts.RoomID, s.opts.UserID, s.opts.UserName); err != nil {
			_ = s.loop.Do(ctx, func() { s.setState(StateDisconnected) })
			return &Error{Kind: KindTransport, Op: "join", Err: err}
		}
	}

	var openErr error
	if err := s.loop.Do(ctx, func() {
		if s.closing {
			openErr = ErrClosed
			return
		}
		s.manager.SetICEServers(servers)
		if err := s.dial(ctx); err != nil {
			openErr = &Error{Kind: KindTransport, Op: "dial", Err: err}
			s.setState(StateDisconnected)
			return
		}
		s.setState(StateConnected)
		if err := s.send(signaling.NewGetParticipants()); err != nil {
			s.logger.Warn("failed to request participant list", zap.Error(err))
		}
		s.monitor.Start()
	}); err != nil {
		return err
	}
	return openErr
}

// resolveICEServers asks the room API and falls back to the configured
// servers when it fails or returns nothing usable.
func (s *Session) resolveICEServers(ctx context.Context) []iceservers.Server {
	if s.opts.Rooms != nil {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.ICEFetchTimeout)
		fetched, err := s.opts.Rooms.ICEServers(fetchCtx, s.opts.RoomID)
		cancel()
		if err != nil {
			s.logger.Warn("failed to fetch ICE servers, using fallback", zap.Error(err))
		} else if servers := iceservers.Normalize(fetched); len(servers) > 0 {
			return servers
		}
	}
	servers := iceservers.Normalize(s.opts.FallbackICEServers)
	s.logger.Info("using fallback ICE servers", zap.Int("count", len(servers)))
	return servers
}

// dial opens a fresh signaling connection. Must run on the loop.
func (s *Session) dial(ctx context.Context) error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.connGen++
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(dialCtx, s.opts.RoomID, s.opts.UserID, s.opts.UserName,
		connHandler{s: s, gen: s.connGen})
	if err != nil {
		return err
	}
	s.conn = conn
	s.signalingLost = false
	s.logger.Info("signaling connected")
	return nil
}

func (s *Session) send(msg signaling.Outbound) error {
	if s.conn == nil {
		return signaling.ErrClosed
	}
	if msg.From == "" {
		msg.From = s.opts.UserID
	}
	if err := s.conn.Send(msg); err != nil {
		return err
	}
	s.metrics.SignalingSent(string(msg.Type))
	return nil
}

// escalate is the health monitor's request for a global reconnection.
func (s *Session) escalate(reason string) {
	if s.closing {
		return
	}
	switch s.State() {
	case StateReconnecting, StateFailed, StateNew, StateConnecting:
		return
	}
	s.logger.Warn("starting global reconnection", zap.String("reason", reason))
	s.manager.CloseAll()
	s.setState(StateReconnecting)
	s.reconnector.Start()
}

func (s *Session) reconnectAttempt(attempt int) error {
	s.mu.Lock()
	s.attempts = attempt
	s.mu.Unlock()

	if s.conn == nil || s.signalingLost {
		if err := s.dial(s.ctx); err != nil {
			return fmt.Errorf("attempt %d: failed to reopen signaling: %w", attempt, err)
		}
	}
	if err := s.send(signaling.NewGetParticipants()); err != nil {
		return fmt.Errorf("attempt %d: failed to request participants: %w", attempt, err)
	}
	return nil
}

func (s *Session) exhausted(attempts int, lastErr error) {
	err := fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
	if lastErr != nil {
		err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	}
	s.teardown()
	s.setState(StateFailed)
	s.emitError(&Error{Kind: KindExhaustedRecovery, Op: "reconnect", Err: err, Fatal: true})
}

// teardown releases every resource the session holds. Must run on the loop.
func (s *Session) teardown() {
	s.monitor.Stop()
	s.reconnector.Stop()
	s.manager.CloseAll()
	s.directory.Clear()

	s.connGen++
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("error closing signaling", zap.Error(err))
		}
		s.conn = nil
	}

	if local := s.manager.LocalStream(); local != nil {
		if err := local.Stop(); err != nil {
			s.logger.Warn("failed to stop local media", zap.Error(err))
		}
		s.manager.SetLocalStream(nil)
	}
}

// Disconnect leaves the room and releases everything. Calling it again is a
// no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	first := false
	err := s.loop.Do(ctx, func() {
		if s.closing {
			return
		}
		s.closing = true
		first = true
		s.teardown()
		s.setState(StateDisconnected)
	})
	if errors.Is(err, rtcManager.ErrLoopClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	var leaveErr error
	if s.opts.Rooms != nil {
		if err := s.opts.Rooms.Leave(ctx, s.opts.RoomID, s.opts.UserID); err != nil {
			s.logger.Warn("failed to leave room", zap.Error(err))
			leaveErr = &Error{Kind: KindTransport, Op: "leave", Err: err}
		}
	}

	s.loop.Close()
	s.dispatch.Close()
	select {
	case <-s.dispatch.Done():
	case <-ctx.Done():
	}
	s.cancel()
	s.logger.Info("session closed")
	return leaveErr
}

// StartLocalMedia acquires local tracks and shares them with every peer. A
// second call switches each acquired kind in place.
func (s *Session) StartLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if s.opts.Media == nil {
		return nil, s.mediaError("getUserMedia", ErrNoSource)
	}
	stream, err := s.opts.Media.GetUserMedia(ctx, c)
	if err != nil {
		return nil, s.mediaError("getUserMedia", err)
	}

	var (
		current   *media.Stream
		switchErr error
	)
	if err := s.loop.Do(ctx, func() {
		if s.closing {
			switchErr = ErrClosed
			return
		}
		if s.manager.LocalStream() == nil {
			s.manager.SetLocalStream(stream)
		} else {
			var errs []error
			for _, t := range stream.Tracks() {
				errs = append(errs, s.manager.SwitchTrack(t.Kind(), t))
			}
			switchErr = errors.Join(errs...)
		}
		current = s.manager.LocalStream()
		s.emitLocalStream(current)
	}); err != nil {
		_ = stream.Stop()
		return nil, err
	}
	if errors.Is(switchErr, ErrClosed) {
		_ = stream.Stop()
		return nil, switchErr
	}
	if switchErr != nil {
		return current, &Error{Kind: KindMedia, Op: "switchTrack", Err: switchErr}
	}
	return current, nil
}

func (s *Session) mediaError(op string, err error) error {
	s.logger.Warn("media acquisition failed", zap.String("op", op), zap.Error(err))
	e := &Error{Kind: KindMedia, Op: op, Err: err}
	s.emitError(e)
	return e
}

// SwitchTrack replaces the local track of track's kind on every peer without
// renegotiating where a sender already exists.
func (s *Session) SwitchTrack(ctx context.Context, track media.Track) error {
	if track == nil {
		return errors.New("track cannot be nil")
	}
	var switchErr error
	if err := s.loop.Do(ctx, func() {
		if s.closing {
			switchErr = ErrClosed
			return
		}
		switchErr = s.manager.SwitchTrack(track.Kind(), track)
		s.emitLocalStream(s.manager.LocalStream())
	}); err != nil {
		return err
	}
	if switchErr != nil && !errors.Is(switchErr, ErrClosed) {
		return &Error{Kind: KindMedia, Op: "switchTrack", Err: switchErr}
	}
	return switchErr
}

// SwitchDevice acquires deviceID for kind and switches to it.
func (s *Session) SwitchDevice(ctx context.Context, kind webrtc.RTPCodecType, deviceID string) error {
	if s.opts.Media == nil {
		return s.mediaError("switchDevice", ErrNoSource)
	}
	c := media.Constraints{}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		c.Audio, c.AudioDeviceID = true, deviceID
	case webrtc.RTPCodecTypeVideo:
		c.Video, c.VideoDeviceID = true, deviceID
	default:
		return fmt.Errorf("unsupported track kind %s", kind)
	}

	stream, err := s.opts.Media.GetUserMedia(ctx, c)
	if err != nil {
		return s.mediaError("switchDevice", err)
	}
	track := stream.Track(kind)
	if track == nil {
		_ = stream.Stop()
		return s.mediaError("switchDevice", fmt.Errorf("%w: %s", media.ErrNoTrack, kind))
	}
	return s.SwitchTrack(ctx, track)
}

func (s *Session) ToggleAudio(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, webrtc.RTPCodecTypeAudio, enabled)
}

func (s *Session) ToggleVideo(ctx context.Context, enabled bool) error {
	return s.toggle(ctx, webrtc.RTPCodecTypeVideo, enabled)
}

// toggle mutes the local track of kind, when it supports muting, and tells
// the room.
func (s *Session) toggle(ctx context.Context, kind webrtc.RTPCodecType, enabled bool) error {
	var sendErr error
	if err := s.loop.Do(ctx, func() {
		if local := s.manager.LocalStream(); local != nil {
			if m, ok := local.Track(kind).(media.Muter); ok {
				m.SetMuted(!enabled)
			}
		}
		sendErr = s.send(signaling.NewToggle(kind, enabled))
	}); err != nil {
		return err
	}
	if sendErr != nil {
		return &Error{Kind: KindTransport, Op: "toggle-" + kind.String(), Err: sendErr}
	}
	return nil
}

// SendChatMessage broadcasts text to the room and returns the sent message.
func (s *Session) SendChatMessage(ctx context.Context, text string) (signaling.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return signaling.ChatMessage{}, errors.New("chat message cannot be empty")
	}
	msg := signaling.ChatMessage{
		ID:        uuid.NewString(),
		UserID:    s.opts.UserID,
		UserName:  s.opts.UserName,
		Text:      text,
		Timestamp: s.clock.Now().UTC(),
	}

	var sendErr error
	if err := s.loop.Do(ctx, func() { sendErr = s.send(signaling.NewChat(msg)) }); err != nil {
		return signaling.ChatMessage{}, err
	}
	if sendErr != nil {
		return signaling.ChatMessage{}, &Error{Kind: KindTransport, Op: "chat", Err: sendErr}
	}
	return msg, nil
}
