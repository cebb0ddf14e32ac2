package rtcManager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
)

var errNotSendable = errors.New("track cannot be sent over pion")

// PionFactory builds peer connections on pion/webrtc.
type PionFactory struct {
	api    *webrtc.API
	logger *zap.Logger
}

func NewPionFactory(logger *zap.Logger) (*PionFactory, error) {
	if logger == nil {
		logger = zap.L().Named("pion")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		2*time.Second,  // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &PionFactory{api: api, logger: logger}, nil
}

func (f *PionFactory) NewPeerConnection(participantID string, servers []iceservers.Server) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceservers.ToWebRTC(servers),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		SDPSemantics:       webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{
		pc:     pc,
		logger: f.logger.With(zap.String("participant", participantID)),
	}, nil
}

type pionPeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger
}

func (p *pionPeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *pionPeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *pionPeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeerConnection) AddTrack(t media.Track) (Sender, error) {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return nil, fmt.Errorf("%w: %T", errNotSendable, t)
	}
	sender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}

	// RTCP has to be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return &pionSender{sender: sender, track: t}, nil
}

func (p *pionPeerConnection) AddTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection) error {
	_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: direction})
	return err
}

func (p *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) ICEConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

func (p *pionPeerConnection) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(media.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Remote:   track,
		})
	})
}

func (p *pionPeerConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (p *pionPeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

// Stats folds the pion stats report into one cumulative snapshot.
func (p *pionPeerConnection) Stats() Stats {
	report := p.pc.GetStats()
	out := Stats{Timestamp: time.Now()}

	var remoteRTT time.Duration
	for _, s := range report {
		switch stat := s.(type) {
		case webrtc.InboundRTPStreamStats:
			out.PacketsReceived += uint64(stat.PacketsReceived)
			out.PacketsLost += int64(stat.PacketsLost)

		case webrtc.RemoteInboundRTPStreamStats:
			if rtt := time.Duration(stat.RoundTripTime * float64(time.Second)); rtt > remoteRTT {
				remoteRTT = rtt
			}

		case webrtc.ICECandidatePairStats:
			if !stat.Nominated || stat.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			out.RTT = time.Duration(stat.CurrentRoundTripTime * float64(time.Second))
			if local, ok := report[stat.LocalCandidateID].(webrtc.ICECandidateStats); ok {
				out.UsingRelay = local.CandidateType == webrtc.ICECandidateTypeRelay
			}
		}
	}
	if out.RTT == 0 {
		out.RTT = remoteRTT
	}
	return out
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	sender *webrtc.RTPSender

	mu    sync.Mutex
	track media.Track
}

func (s *pionSender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *pionSender) ReplaceTrack(t media.Track) error {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("%w: %T", errNotSendable, t)
	}
	if err := s.sender.ReplaceTrack(local); err != nil {
		return err
	}
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}
