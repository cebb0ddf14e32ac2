package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/participant"
	"github.com/mikeyg42/roomcall/internal/rtcManager"
	"github.com/mikeyg42/roomcall/internal/rtctest"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

type testTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	stopped bool
	muted   bool
}

func (t *testTrack) ID() string                { return t.id }
func (t *testTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *testTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *testTrack) SetMuted(muted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.muted = muted
}

func (t *testTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *testTrack) isMuted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.muted
}

type testSource struct {
	owner string

	mu     sync.Mutex
	n      int
	err    error
	tracks []*testTrack
}

func (s *testSource) GetUserMedia(_ context.Context, c media.Constraints) (*media.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.n++
	var tracks []media.Track
	if c.Audio {
		t := &testTrack{id: fmt.Sprintf("%s-audio-%d", s.owner, s.n), kind: webrtc.RTPCodecTypeAudio}
		s.tracks = append(s.tracks, t)
		tracks = append(tracks, t)
	}
	if c.Video {
		t := &testTrack{id: fmt.Sprintf("%s-video-%d", s.owner, s.n), kind: webrtc.RTPCodecTypeVideo}
		s.tracks = append(s.tracks, t)
		tracks = append(tracks, t)
	}
	return media.NewStream(fmt.Sprintf("%s-%d", s.owner, s.n), tracks...), nil
}

type fakeRooms struct {
	servers []iceservers.Server
	err     error

	mu     sync.Mutex
	joined []string
	left   []string
}

func (r *fakeRooms) Join(_ context.Context, _, userID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = append(r.joined, userID)
	return nil
}

func (r *fakeRooms) Leave(_ context.Context, _, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.left = append(r.left, userID)
	return nil
}

func (r *fakeRooms) ICEServers(context.Context, string) ([]iceservers.Server, error) {
	return r.servers, r.err
}

// events is what a recorder saw.
type events struct {
	states  []State
	joined  []string
	left    []string
	updated []participant.Participant
	remote  []string
	removed []string
	errs    []error
	chat    []signaling.ChatMessage
	local   int
	quality []rtcManager.Quality
}

// recorder captures every callback.
type recorder struct {
	mu sync.Mutex
	ev events
}

func (r *recorder) locked(fn func(*events)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.ev)
}

func (r *recorder) attach(s *Session) {
	s.OnConnectionStateChange(func(st State) {
		r.locked(func(e *events) { e.states = append(e.states, st) })
	})
	s.OnParticipantJoined(func(p participant.Participant) {
		r.locked(func(e *events) { e.joined = append(e.joined, p.ID) })
	})
	s.OnParticipantLeft(func(p participant.Participant) {
		r.locked(func(e *events) { e.left = append(e.left, p.ID) })
	})
	s.OnParticipantUpdated(func(p participant.Participant) {
		r.locked(func(e *events) { e.updated = append(e.updated, p) })
	})
	s.OnRemoteStream(func(id string, _ *media.RemoteStream) {
		r.locked(func(e *events) { e.remote = append(e.remote, id) })
	})
	s.OnRemoteStreamRemoved(func(id string) {
		r.locked(func(e *events) { e.removed = append(e.removed, id) })
	})
	s.OnError(func(err error) {
		r.locked(func(e *events) { e.errs = append(e.errs, err) })
	})
	s.OnChatMessage(func(m signaling.ChatMessage) {
		r.locked(func(e *events) { e.chat = append(e.chat, m) })
	})
	s.OnLocalStream(func(*media.Stream) {
		r.locked(func(e *events) { e.local++ })
	})
	s.OnConnectionQualityChange(func(q rtcManager.Quality) {
		r.locked(func(e *events) { e.quality = append(e.quality, q) })
	})
}

func (r *recorder) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events{
		states:  append([]State(nil), r.ev.states...),
		joined:  append([]string(nil), r.ev.joined...),
		left:    append([]string(nil), r.ev.left...),
		updated: append([]participant.Participant(nil), r.ev.updated...),
		remote:  append([]string(nil), r.ev.remote...),
		removed: append([]string(nil), r.ev.removed...),
		errs:    append([]error(nil), r.ev.errs...),
		chat:    append([]signaling.ChatMessage(nil), r.ev.chat...),
		local:   r.ev.local,
		quality: append([]rtcManager.Quality(nil), r.ev.quality...),
	}
}

type participantHarness struct {
	id      string
	session *Session
	clock   *rtctest.Clock
	factory *rtctest.Factory
	source  *testSource
	events  *recorder
}

type room struct {
	t       *testing.T
	hub     *rtctest.Hub
	network *rtctest.Network
	members []*participantHarness
}

func newRoom(t *testing.T) *room {
	return &room{t: t, hub: rtctest.NewHub(), network: rtctest.NewNetwork()}
}

func (r *room) add(id string, tweak func(*Options)) *participantHarness {
	r.t.Helper()
	h := &participantHarness{
		id:      id,
		clock:   rtctest.NewClock(),
		factory: rtctest.NewFactory(r.network, id),
		source:  &testSource{owner: id},
		events:  &recorder{},
	}
	opts := Options{
		RoomID:   "room-1",
		UserID:   id,
		UserName: "name-" + id,
		Dialer:   r.hub,
		Factory:  h.factory,
		Media:    h.source,
		FallbackICEServers: []iceservers.Server{
			{URLs: iceservers.URLList{"stun.l.google.com:19302"}},
		},
		Health: config.HealthConfig{
			Interval:          2 * time.Second,
			PeerRecoveryDelay: time.Second,
			PeerRecoveryLimit: 3,
		},
		Reconnect: config.ReconnectConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    5,
			ConfirmTimeout: 5 * time.Second,
		},
		Clock:  h.clock,
		Logger: zaptest.NewLogger(r.t).Named(id),
	}
	if tweak != nil {
		tweak(&opts)
	}

	s, err := New(opts)
	require.NoError(r.t, err)
	h.session = s
	h.events.attach(s)
	r.members = append(r.members, h)
	r.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Disconnect(ctx)
	})
	return h
}

func (r *room) join(h *participantHarness, withMedia bool) {
	r.t.Helper()
	ctx := context.Background()
	if withMedia {
		_, err := h.session.StartLocalMedia(ctx, media.Constraints{Audio: true, Video: true})
		require.NoError(r.t, err)
	}
	require.NoError(r.t, h.session.Connect(ctx))
	r.settle()
}

// settle waits until no loop of any session has work left.
func (r *room) settle() {
	r.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var loops []*rtcManager.EventLoop
	for _, m := range r.members {
		loops = append(loops, m.session.loop, m.session.dispatch)
	}

	prev := make([]uint64, len(loops))
	alive := make([]bool, len(loops))
	for i, l := range loops {
		n, err := l.Sync(ctx)
		alive[i] = err == nil
		prev[i] = n
	}
	for {
		require.NoError(r.t, ctx.Err(), "loops did not settle")
		quiet := true
		for i, l := range loops {
			if !alive[i] {
				continue
			}
			n, err := l.Sync(ctx)
			if errors.Is(err, rtcManager.ErrLoopClosed) {
				alive[i] = false
				continue
			}
			require.NoError(r.t, err)
			if n != prev[i]+1 {
				quiet = false
			}
			prev[i] = n
		}
		if quiet {
			return
		}
	}
}

func (r *room) advance(h *participantHarness, d time.Duration) {
	r.t.Helper()
	h.clock.Advance(d)
	r.settle()
}

func connected(t *testing.T, h *participantHarness, remote string) {
	t.Helper()
	state, ok := h.session.PeerState(remote)
	require.True(t, ok, "%s has no connection to %s", h.id, remote)
	assert.Equal(t, webrtc.PeerConnectionStateConnected, state, "%s -> %s", h.id, remote)
}

func TestNewValidatesOptions(t *testing.T) {
	hub := rtctest.NewHub()
	factory := rtctest.NewFactory(rtctest.NewNetwork(), "a")

	_, err := New(Options{Dialer: hub, Factory: factory})
	assert.Error(t, err)
	_, err = New(Options{RoomID: "r", Factory: factory})
	assert.Error(t, err)
	_, err = New(Options{RoomID: "r", Dialer: hub})
	assert.Error(t, err)

	s, err := New(Options{RoomID: "r", Dialer: hub, Factory: factory, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.NotEmpty(t, s.UserID(), "a user id is generated")
	assert.Equal(t, StateNew, s.State())
	require.NoError(t, s.Disconnect(context.Background()))
}

func TestTwoParticipantsConnect(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)

	r.join(alice, true)
	assert.Equal(t, StateConnected, alice.session.State())

	r.join(bob, true)

	connected(t, alice, "bob")
	connected(t, bob, "alice")
	assert.Equal(t, 1, alice.factory.CountFor("bob"))
	assert.Equal(t, 1, bob.factory.CountFor("alice"))

	a := alice.events.snapshot()
	b := bob.events.snapshot()
	assert.Equal(t, []State{StateConnecting, StateConnected}, a.states)
	assert.Equal(t, []string{"bob"}, a.joined)
	assert.Equal(t, []string{"alice"}, b.joined)
	assert.Contains(t, a.remote, "bob")
	assert.Contains(t, b.remote, "alice")
	assert.Empty(t, a.errs)
	assert.Empty(t, b.errs)

	// The newcomer offers; the existing member only answers.
	assert.Equal(t, 1, bob.factory.Latest("alice").Offers())
	assert.Zero(t, alice.factory.Latest("bob").Offers())

	ps := alice.session.Participants()
	require.Len(t, ps, 1)
	assert.Equal(t, "bob", ps[0].ID)
	assert.Equal(t, "name-bob", ps[0].DisplayName)
}

func TestFallbackICEServers(t *testing.T) {
	r := newRoom(t)
	rooms := &fakeRooms{err: errors.New("room api unavailable")}
	alice := r.add("alice", func(o *Options) { o.Rooms = rooms })
	bob := r.add("bob", nil)

	r.join(alice, false)
	r.join(bob, false)

	want := []iceservers.Server{{URLs: iceservers.URLList{"stun:stun.l.google.com:19302"}}}
	assert.Equal(t, want, alice.session.ICEServers())
	assert.Equal(t, want, alice.factory.Servers())
	assert.Equal(t, []string{"alice"}, rooms.joined)
}

func TestRoomAPIICEServers(t *testing.T) {
	r := newRoom(t)
	rooms := &fakeRooms{servers: []iceservers.Server{
		{URLs: iceservers.URLList{"turn.example.com"}, Username: "u", Credential: "p"},
	}}
	alice := r.add("alice", func(o *Options) { o.Rooms = rooms })
	r.join(alice, false)

	assert.Equal(t, []iceservers.Server{
		{URLs: iceservers.URLList{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}, alice.session.ICEServers())

	ctx := context.Background()
	require.NoError(t, alice.session.Disconnect(ctx))
	assert.Equal(t, []string{"alice"}, rooms.left)
}

func TestCandidateBeforeOfferIsQueued(t *testing.T) {
	r := newRoom(t)
	bob := r.add("bob", nil)
	r.join(bob, false)

	early := "candidate:2 1 udp 2130706431 192.0.2.9 6000 typ host"
	msg := signaling.NewCandidate("bob", webrtc.ICECandidateInit{Candidate: early})
	msg.From = "alice"
	require.True(t, r.hub.Inject("bob", msg))
	r.settle()

	var queued int
	require.NoError(t, bob.session.loop.Do(context.Background(), func() {
		queued = bob.session.manager.PendingCount("alice")
	}))
	assert.Equal(t, 1, queued)

	alice := r.add("alice", nil)
	r.join(alice, false)

	connected(t, bob, "alice")
	applied := bob.factory.Latest("alice").Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, early, applied[0].Candidate, "queued candidate is applied first")
	assert.Equal(t, rtctest.HostCandidate, applied[1].Candidate)
}

func TestOnePeerOfThreeFailsIsRecoveredAlone(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	r.join(alice, true)
	others := []*participantHarness{r.add("bob", nil), r.add("carol", nil), r.add("dave", nil)}
	for _, o := range others {
		r.join(o, true)
	}
	for _, o := range others {
		connected(t, alice, o.id)
	}

	alice.factory.Latest("dave").Fail()
	r.settle()
	r.advance(alice, 2*time.Second)

	assert.Equal(t, StateConnected, alice.session.State())
	assert.Equal(t, []string{"bob", "carol"}, alice.session.Peers(), "dave waits for recovery")
	assert.Equal(t, []string{"dave"}, alice.events.snapshot().removed)

	r.advance(alice, time.Second)

	connected(t, alice, "dave")
	assert.Equal(t, 2, alice.factory.CountFor("dave"))
	assert.Equal(t, 1, alice.factory.CountFor("bob"))
	assert.Equal(t, 1, alice.factory.CountFor("carol"))
	assert.Equal(t, StateConnected, alice.session.State())
	assert.NotContains(t, alice.events.snapshot().states, StateReconnecting)
}

func TestAllPeersFailExhaustsReconnection(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", func(o *Options) {
		o.Health.Interval = 10 * time.Second
		o.Reconnect = config.ReconnectConfig{
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    3,
			ConfirmTimeout: 500 * time.Millisecond,
		}
	})
	r.join(alice, true)
	bob := r.add("bob", nil)
	carol := r.add("carol", nil)
	r.join(bob, false)
	r.join(carol, false)
	connected(t, alice, "bob")
	connected(t, alice, "carol")

	r.hub.SetMute(true)
	alice.factory.Latest("bob").Fail()
	alice.factory.Latest("carol").Fail()
	r.settle()

	r.advance(alice, 10*time.Second)
	assert.Equal(t, StateReconnecting, alice.session.State())
	assert.Empty(t, alice.session.Peers())

	for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		r.advance(alice, d)
		assert.Equal(t, StateReconnecting, alice.session.State())
		r.advance(alice, 500*time.Millisecond)
	}

	assert.Equal(t, StateFailed, alice.session.State())

	var backoff []time.Duration
	for _, d := range alice.clock.Scheduled() {
		if d != 10*time.Second && d != 500*time.Millisecond {
			backoff = append(backoff, d)
		}
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, backoff)
	assert.Empty(t, alice.clock.Pending(), "no timers survive the failure")

	ev := alice.events.snapshot()
	require.Len(t, ev.errs, 1)
	var se *Error
	require.ErrorAs(t, ev.errs[0], &se)
	assert.True(t, se.Fatal)
	assert.Equal(t, KindExhaustedRecovery, se.Kind)
	assert.ErrorIs(t, se, ErrExhausted)
	assert.ErrorIs(t, se, rtcManager.ErrConfirmTimeout)
	assert.Equal(t, StateFailed, ev.states[len(ev.states)-1])

	for _, track := range alice.source.tracks {
		assert.True(t, track.isStopped(), "local track %s released", track.id)
	}
}

func TestSignalingLossReconnects(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)
	r.join(alice, false)
	r.join(bob, false)

	r.hub.Drop("alice")
	r.settle()
	assert.Equal(t, StateDisconnected, alice.session.State())

	r.hub.SetDown(true)
	r.advance(alice, 2*time.Second)
	assert.Equal(t, StateReconnecting, alice.session.State())

	r.advance(alice, time.Second)
	assert.Equal(t, 1, alice.session.ReconnectAttempts())
	assert.Equal(t, StateReconnecting, alice.session.State())

	r.hub.SetDown(false)
	r.advance(alice, 2*time.Second)

	assert.Equal(t, StateConnected, alice.session.State())
	assert.Zero(t, alice.session.ReconnectAttempts())
	connected(t, alice, "bob")
	assert.Equal(t, []string{"alice", "bob"}, r.hub.Members())
	assert.Equal(t,
		[]State{StateConnecting, StateConnected, StateDisconnected, StateReconnecting, StateConnected},
		alice.events.snapshot().states)
}

func TestParticipantLeft(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)
	r.join(alice, true)
	r.join(bob, true)
	connected(t, alice, "bob")

	require.NoError(t, bob.session.Disconnect(context.Background()))
	r.settle()

	ev := alice.events.snapshot()
	assert.Equal(t, []string{"bob"}, ev.left)
	assert.Equal(t, []string{"bob"}, ev.removed)
	assert.Empty(t, alice.session.Peers())
	assert.Empty(t, alice.session.Participants())
	assert.True(t, alice.factory.Latest("bob").Closed())
	assert.Equal(t, StateDisconnected, bob.session.State())

	// A second disconnect is a no-op.
	require.NoError(t, bob.session.Disconnect(context.Background()))
}

func TestChatMessage(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)
	r.join(alice, false)
	r.join(bob, false)

	ctx := context.Background()
	_, err := alice.session.SendChatMessage(ctx, "   ")
	assert.Error(t, err)

	sent, err := alice.session.SendChatMessage(ctx, " hello ")
	require.NoError(t, err)
	r.settle()

	got := bob.events.snapshot().chat
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Empty(t, alice.events.snapshot().chat)

	bob.session.OnChatMessage(nil)
	_, err = alice.session.SendChatMessage(ctx, "again")
	require.NoError(t, err)
	r.settle()
	assert.Len(t, bob.events.snapshot().chat, 1, "cleared callback is not invoked")
}

func TestToggleAudio(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)
	r.join(alice, true)
	r.join(bob, false)

	require.NoError(t, alice.session.ToggleAudio(context.Background(), false))
	r.settle()

	audio := alice.source.tracks[0]
	require.Equal(t, webrtc.RTPCodecTypeAudio, audio.kind)
	assert.True(t, audio.isMuted())

	updated := bob.events.snapshot().updated
	require.Len(t, updated, 1)
	assert.Equal(t, "alice", updated[0].ID)
	require.NotNil(t, updated[0].AudioEnabled)
	assert.False(t, *updated[0].AudioEnabled)
}

func TestSwitchDeviceKeepsSenders(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	bob := r.add("bob", nil)
	r.join(alice, true)
	r.join(bob, true)
	connected(t, alice, "bob")

	pc := alice.factory.Latest("bob")
	offersBefore := pc.Offers()
	oldVideo := alice.source.tracks[1]

	require.NoError(t, alice.session.SwitchDevice(context.Background(), webrtc.RTPCodecTypeVideo, "cam-2"))
	r.settle()

	assert.True(t, oldVideo.isStopped())
	assert.Equal(t, offersBefore, pc.Offers(), "no renegotiation")
	senders := pc.Senders()
	require.Len(t, senders, 2)
	newVideo := alice.source.tracks[len(alice.source.tracks)-1]
	assert.Same(t, newVideo, senders[1].Track())
	assert.Equal(t, 1, senders[1].Replaced())
	assert.Same(t, newVideo, alice.session.LocalStream().VideoTrack())
}

func TestMediaFailureIsReported(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	alice.source.err = errors.New("permission denied")

	_, err := alice.session.StartLocalMedia(context.Background(), media.Constraints{Audio: true})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindMedia, se.Kind)
	assert.False(t, se.Fatal)
	assert.False(t, IsFatal(err))

	r.settle()
	errs := alice.events.snapshot().errs
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], err)
	assert.Equal(t, StateNew, alice.session.State())
}

func TestConnectTwiceFails(t *testing.T) {
	r := newRoom(t)
	alice := r.add("alice", nil)
	r.join(alice, false)
	assert.Error(t, alice.session.Connect(context.Background()))
}

func TestDialFailure(t *testing.T) {
	r := newRoom(t)
	r.hub.SetDown(true)
	alice := r.add("alice", nil)

	err := alice.session.Connect(context.Background())
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTransport, se.Kind)
	assert.ErrorIs(t, err, rtctest.ErrHubDown)
	assert.Equal(t, StateDisconnected, alice.session.State())
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindNegotiation, Op: "offer", Participant: "bob", Err: errors.New("boom")}
	assert.Equal(t, "negotiation offer (participant bob): boom", err.Error())
	assert.Equal(t, "media", (&Error{Kind: KindMedia}).Error())
}
