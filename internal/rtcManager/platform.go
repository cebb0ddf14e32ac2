package rtcManager

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
)

// PeerConnection is the native transport to one remote participant. The
// Manager only talks to peers through this interface; pion backs it in
// production and rtctest fakes it in tests.
//
// Callbacks may fire on any goroutine.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error

	// AddTrack attaches t on a new or reusable sender.
	AddTrack(t media.Track) (Sender, error)
	// AddTransceiver negotiates a slot for kind without a local track.
	AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	OnTrack(func(media.RemoteTrack))
	// OnICECandidate is called with nil when gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))

	Stats() Stats
	Close() error
}

// Sender carries one local track to a peer.
type Sender interface {
	Track() media.Track
	// ReplaceTrack swaps the outgoing track without renegotiation.
	ReplaceTrack(t media.Track) error
}

// Factory builds peer connections for one session.
type Factory interface {
	NewPeerConnection(participantID string, servers []iceservers.Server) (PeerConnection, error)
}

// Stats is a cumulative transport snapshot of one peer.
type Stats struct {
	Timestamp       time.Time
	PacketsReceived uint64
	PacketsLost     int64
	// RTT is zero when no round trip has been measured yet.
	RTT        time.Duration
	UsingRelay bool
}
