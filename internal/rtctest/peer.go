package rtctest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/rtcManager"
)

// HostCandidate is the one candidate every fake gathers.
const HostCandidate = "candidate:1 1 udp 2130706431 192.0.2.1 5000 typ host"

// SDP returns a minimal session description that passes validation.
func SDP(ufrag string, kinds ...string) string {
	if len(kinds) == 0 {
		kinds = []string{"audio"}
	}
	var b strings.Builder
	b.WriteString("v=0\r\n")
	b.WriteString("o=- 1 2 IN IP4 127.0.0.1\r\n")
	b.WriteString("s=-\r\n")
	b.WriteString("t=0 0\r\n")
	b.WriteString("a=fingerprint:sha-256 4A:AD:B9:B1:3F:82:18:3B:54:02:12:DF:3E:5D:49:6B:19:E5:7C:AB:3B:AF:27:6B:2A:9D:B4:C6:05:D1:56:77\r\n")
	for i, kind := range kinds {
		pt := "111"
		codec := "opus/48000/2"
		if kind == "video" {
			pt = "96"
			codec = "VP8/90000"
		}
		fmt.Fprintf(&b, "m=%s 9 UDP/TLS/RTP/SAVPF %s\r\n", kind, pt)
		b.WriteString("c=IN IP4 0.0.0.0\r\n")
		fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", ufrag)
		b.WriteString("a=ice-pwd:0123456789abcdef0123456789\r\n")
		fmt.Fprintf(&b, "a=mid:%d\r\n", i)
		b.WriteString("a=sendrecv\r\n")
		fmt.Fprintf(&b, "a=rtpmap:%s %s\r\n", pt, codec)
	}
	return b.String()
}

// Factory hands out PeerConnections attached to a Network.
type Factory struct {
	network *Network
	localID string

	mu      sync.Mutex
	created []*PeerConnection
	servers []iceservers.Server
	err     error
}

func NewFactory(network *Network, localID string) *Factory {
	return &Factory{network: network, localID: localID}
}

func (f *Factory) NewPeerConnection(participantID string, servers []iceservers.Server) (rtcManager.PeerConnection, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return nil, err
	}
	pc := newPeerConnection(f.network, f.localID, participantID)
	f.created = append(f.created, pc)
	f.servers = servers
	f.mu.Unlock()

	f.network.register(pc)
	return pc, nil
}

// FailWith makes every later NewPeerConnection return err. Nil clears it.
func (f *Factory) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Created returns every connection built so far, oldest first.
func (f *Factory) Created() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.created...)
}

// Latest returns the newest connection to participantID.
func (f *Factory) Latest(participantID string) *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].Remote == participantID {
			return f.created[i]
		}
	}
	return nil
}

// CountFor returns how many connections were built for participantID.
func (f *Factory) CountFor(participantID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pc := range f.created {
		if pc.Remote == participantID {
			n++
		}
	}
	return n
}

// Servers returns the ICE servers of the latest connection.
func (f *Factory) Servers() []iceservers.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers
}

// Sender is a fake outbound slot.
type Sender struct {
	mu       sync.Mutex
	track    media.Track
	replaced int
	failNext error
}

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.track = t
	s.replaced++
	return nil
}

// FailNext makes the next ReplaceTrack return err and keep the current track.
func (s *Sender) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Replaced counts successful ReplaceTrack calls.
func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// PeerConnection is an in-memory rtcManager.PeerConnection. It follows the
// offer/answer signaling states and reports connected once it and its
// counterpart on the Network are both stable with both descriptions set.
type PeerConnection struct {
	Owner  string
	Remote string

	network *Network

	mu           sync.Mutex
	signaling    webrtc.SignalingState
	conn         webrtc.PeerConnectionState
	ice          webrtc.ICEConnectionState
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	senders      []*Sender
	transceivers []webrtc.RTPCodecType
	applied      []webrtc.ICECandidateInit
	delivered    map[*Sender]bool
	gathered     bool
	closed       bool
	offers       int
	stats        rtcManager.Stats
	failNext     map[string]error

	onTrack     func(media.RemoteTrack)
	onCandidate func(*webrtc.ICECandidateInit)
	onConn      func(webrtc.PeerConnectionState)
	onICE       func(webrtc.ICEConnectionState)
}

func newPeerConnection(network *Network, owner, remote string) *PeerConnection {
	return &PeerConnection{
		Owner:     owner,
		Remote:    remote,
		network:   network,
		signaling: webrtc.SignalingStateStable,
		conn:      webrtc.PeerConnectionStateNew,
		ice:       webrtc.ICEConnectionStateNew,
		delivered: make(map[*Sender]bool),
		failNext:  make(map[string]error),
	}
}

// FailNext makes the next call of method return err.
func (pc *PeerConnection) FailNext(method string, err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.failNext[method] = err
}

func (pc *PeerConnection) injected(method string) error {
	if err, ok := pc.failNext[method]; ok {
		delete(pc.failNext, method)
		return err
	}
	return nil
}

func (pc *PeerConnection) kindsLocked() []string {
	seen := map[string]bool{}
	var kinds []string
	add := func(k webrtc.RTPCodecType) {
		if !seen[k.String()] {
			seen[k.String()] = true
			kinds = append(kinds, k.String())
		}
	}
	for _, s := range pc.senders {
		add(s.track.Kind())
	}
	for _, k := range pc.transceivers {
		add(k)
	}
	return kinds
}

func (pc *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.injected("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if pc.closed {
		return webrtc.SessionDescription{}, errClosed
	}
	pc.offers++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  SDP(pc.Owner, pc.kindsLocked()...),
	}, nil
}

func (pc *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.injected("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if pc.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s", pc.signaling)
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  SDP(pc.Owner, pc.kindsLocked()...),
	}, nil
}

var errClosed = errors.New("peer connection closed")

func (pc *PeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	pc.mu.Lock()
	if err := pc.injected("SetLocalDescription"); err != nil {
		pc.mu.Unlock()
		return err
	}
	if pc.closed {
		pc.mu.Unlock()
		return errClosed
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && pc.signaling == webrtc.SignalingStateStable:
		pc.signaling = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && pc.signaling == webrtc.SignalingStateHaveRemoteOffer:
		pc.signaling = webrtc.SignalingStateStable
	default:
		state := pc.signaling
		pc.mu.Unlock()
		return fmt.Errorf("set local %s in %s", sd.Type, state)
	}
	pc.local = &sd
	gather := !pc.gathered
	pc.gathered = true
	onCandidate := pc.onCandidate
	pc.mu.Unlock()

	if gather && onCandidate != nil {
		onCandidate(&webrtc.ICECandidateInit{Candidate: HostCandidate})
		onCandidate(nil)
	}
	pc.network.update(pc)
	return nil
}

func (pc *PeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	pc.mu.Lock()
	if err := pc.injected("SetRemoteDescription"); err != nil {
		pc.mu.Unlock()
		return err
	}
	if pc.closed {
		pc.mu.Unlock()
		return errClosed
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && pc.signaling == webrtc.SignalingStateStable:
		pc.signaling = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeAnswer && pc.signaling == webrtc.SignalingStateHaveLocalOffer:
		pc.signaling = webrtc.SignalingStateStable
	default:
		state := pc.signaling
		pc.mu.Unlock()
		return fmt.Errorf("set remote %s in %s", sd.Type, state)
	}
	pc.remote = &sd
	pc.mu.Unlock()

	pc.network.update(pc)
	return nil
}

func (pc *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.local
}

func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.remote
}

func (pc *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.injected("AddICECandidate"); err != nil {
		return err
	}
	if pc.remote == nil {
		return errors.New("remote description not set")
	}
	pc.applied = append(pc.applied, c)
	return nil
}

func (pc *PeerConnection) AddTrack(t media.Track) (rtcManager.Sender, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.injected("AddTrack"); err != nil {
		return nil, err
	}
	if pc.closed {
		return nil, errClosed
	}
	s := &Sender{track: t}
	pc.senders = append(pc.senders, s)
	return s, nil
}

func (pc *PeerConnection) AddTransceiver(kind webrtc.RTPCodecType, _ webrtc.RTPTransceiverDirection) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.transceivers = append(pc.transceivers, kind)
	return nil
}

func (pc *PeerConnection) SignalingState() webrtc.SignalingState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.signaling
}

func (pc *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn
}

func (pc *PeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.ice
}

func (pc *PeerConnection) OnTrack(fn func(media.RemoteTrack)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onTrack = fn
}

func (pc *PeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onCandidate = fn
}

func (pc *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onConn = fn
}

func (pc *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.onICE = fn
}

func (pc *PeerConnection) Stats() rtcManager.Stats {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	s := pc.stats
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	return s
}

// SetStats sets what Stats returns.
func (pc *PeerConnection) SetStats(s rtcManager.Stats) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.stats = s
}

func (pc *PeerConnection) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.closed {
		return nil
	}
	pc.closed = true
	pc.signaling = webrtc.SignalingStateClosed
	pc.conn = webrtc.PeerConnectionStateClosed
	pc.ice = webrtc.ICEConnectionStateClosed
	return nil
}

// Fail moves the connection and ICE state to failed and reports both.
func (pc *PeerConnection) Fail() {
	pc.SetICEState(webrtc.ICEConnectionStateFailed)
	pc.SetConnectionState(webrtc.PeerConnectionStateFailed)
}

func (pc *PeerConnection) SetConnectionState(state webrtc.PeerConnectionState) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.conn = state
	fn := pc.onConn
	pc.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (pc *PeerConnection) SetICEState(state webrtc.ICEConnectionState) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return
	}
	pc.ice = state
	fn := pc.onICE
	pc.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitTrack reports an inbound track as if the remote had sent it.
func (pc *PeerConnection) EmitTrack(t media.RemoteTrack) {
	pc.mu.Lock()
	fn := pc.onTrack
	pc.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// Applied returns the candidates added so far, in order.
func (pc *PeerConnection) Applied() []webrtc.ICECandidateInit {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), pc.applied...)
}

// Senders returns every sender, in creation order.
func (pc *PeerConnection) Senders() []*Sender {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]*Sender(nil), pc.senders...)
}

// Transceivers returns the kinds added without a track.
func (pc *PeerConnection) Transceivers() []webrtc.RTPCodecType {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), pc.transceivers...)
}

// Offers counts CreateOffer calls that succeeded.
func (pc *PeerConnection) Offers() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.offers
}

func (pc *PeerConnection) Closed() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.closed
}

func (pc *PeerConnection) ready() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.closed &&
		pc.signaling == webrtc.SignalingStateStable &&
		pc.local != nil && pc.remote != nil &&
		pc.conn != webrtc.PeerConnectionStateFailed
}

// undelivered returns the tracks of senders of from that pc has not reported
// yet and marks them reported. A replaced track keeps its sender and is not
// reported again.
func (pc *PeerConnection) undelivered(from *PeerConnection) []media.RemoteTrack {
	senders := from.Senders()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	var out []media.RemoteTrack
	for _, s := range senders {
		if pc.delivered[s] {
			continue
		}
		pc.delivered[s] = true
		t := s.Track()
		out = append(out, media.RemoteTrack{ID: t.ID(), StreamID: from.Owner, Kind: t.Kind()})
	}
	return out
}

type pairKey struct{ owner, remote string }

// Network pairs fake connections by (owner, remote).
type Network struct {
	mu  sync.Mutex
	pcs map[pairKey]*PeerConnection
}

func NewNetwork() *Network {
	return &Network{pcs: make(map[pairKey]*PeerConnection)}
}

func (n *Network) register(pc *PeerConnection) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pcs[pairKey{pc.Owner, pc.Remote}] = pc
}

// Lookup returns the newest connection owner holds toward remote.
func (n *Network) Lookup(owner, remote string) *PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pcs[pairKey{owner, remote}]
}

// update connects pc and its counterpart once both finished negotiating,
// and reports tracks either side has not seen yet.
func (n *Network) update(pc *PeerConnection) {
	n.mu.Lock()
	other := n.pcs[pairKey{pc.Remote, pc.Owner}]
	current := n.pcs[pairKey{pc.Owner, pc.Remote}] == pc
	n.mu.Unlock()

	if other == nil || !current || !pc.ready() || !other.ready() {
		return
	}

	for _, side := range []*PeerConnection{pc, other} {
		if side.ConnectionState() != webrtc.PeerConnectionStateConnected {
			side.SetICEState(webrtc.ICEConnectionStateConnected)
			side.SetConnectionState(webrtc.PeerConnectionStateConnected)
		}
	}
	for _, t := range pc.undelivered(other) {
		pc.EmitTrack(t)
	}
	for _, t := range other.undelivered(pc) {
		other.EmitTrack(t)
	}
}
