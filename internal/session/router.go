package session

import (
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/participant"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// connHandler binds inbound traffic to the connection it came from. Events
// of a connection that was replaced or closed are dropped.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h connHandler) HandleMessage(msg signaling.Message) {
	s := h.s
	s.loop.Post(func() {
		if h.gen != s.connGen || s.closing {
			return
		}
		s.metrics.SignalingReceived(string(msg.Type))
		s.route(msg)
	})
}

func (h connHandler) HandleClose(err error) {
	s := h.s
	s.loop.Post(func() {
		if h.gen != s.connGen || s.closing {
			return
		}
		s.signalingClosed(err)
	})
}

func (s *Session) signalingClosed(err error) {
	s.conn = nil
	s.signalingLost = true
	s.logger.Warn("signaling connection lost", zap.Error(err))
	if s.State() == StateConnected {
		s.setState(StateDisconnected)
	}
}

// route dispatches one inbound message. Must run on the loop.
func (s *Session) route(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeOffer:
		if msg.SDP == nil {
			return
		}
		if err := s.manager.HandleOffer(msg.From, *msg.SDP); err != nil {
			s.logger.Debug("offer not answered", zap.String("participant", msg.From), zap.Error(err))
		}

	case signaling.TypeAnswer:
		if msg.SDP == nil {
			return
		}
		if err := s.manager.HandleAnswer(msg.From, *msg.SDP); err != nil {
			s.logger.Debug("answer not applied", zap.String("participant", msg.From), zap.Error(err))
		}

	case signaling.TypeICECandidate:
		if err := s.manager.HandleIceCandidate(msg.From, msg.Candidate); err != nil {
			s.logger.Debug("candidate not applied", zap.String("participant", msg.From), zap.Error(err))
		}

	case signaling.TypeParticipantsList:
		s.applySnapshot(msg.Participants)

	case signaling.TypeParticipantJoined:
		s.participantJoined(msg.Participant)

	case signaling.TypeParticipantLeft:
		if p, ok := s.directory.Resolve(msg.Participant); ok {
			s.removeParticipant(p.ID)
		}

	case signaling.TypeParticipantUpdated:
		s.participantUpdated(msg.Participant)

	case signaling.TypeChatMessage:
		if msg.Chat != nil {
			s.emitChat(*msg.Chat)
		}

	case signaling.TypeConnected:
		s.logger.Debug("signaling server acknowledged connection")

	case signaling.TypeError:
		s.logger.Warn("signaling server reported an error", zap.String("error", msg.Error))

	default:
		s.logger.Debug("ignoring signaling message", zap.String("type", string(msg.Type)))
	}
}

// applySnapshot reconciles the directory with a participants-list: unknown
// participants join and get an offer from us, missing ones leave. A snapshot
// also confirms a pending reconnection.
func (s *Session) applySnapshot(raws []json.RawMessage) {
	present := make(map[string]participant.Participant, len(raws))
	for _, raw := range raws {
		if p, ok := s.directory.Resolve(raw); ok {
			present[p.ID] = p
		}
	}

	for _, known := range s.directory.List() {
		if _, ok := present[known.ID]; !ok {
			s.removeParticipant(known.ID)
		}
	}

	ids := make([]string, 0, len(present))
	for id := range present {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s.upsert(present[id])
		if _, exists := s.manager.Peer(id); exists || s.manager.RecoveryScheduled(id) {
			continue
		}
		if _, err := s.manager.CreatePeerConnection(id, true); err != nil {
			s.logger.Warn("failed to connect to participant", zap.String("participant", id), zap.Error(err))
		}
	}

	if s.reconnector.Confirm() {
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.setState(StateConnected)
	}
}

// participantJoined records a newcomer and prepares a connection for the
// offer it is about to send.
func (s *Session) participantJoined(raw json.RawMessage) {
	p, ok := s.directory.Resolve(raw)
	if !ok {
		return
	}
	s.upsert(p)
	if _, err := s.manager.CreatePeerConnection(p.ID, false); err != nil {
		s.logger.Warn("failed to prepare connection", zap.String("participant", p.ID), zap.Error(err))
	}
}

func (s *Session) participantUpdated(raw json.RawMessage) {
	p, ok := s.directory.Resolve(raw)
	if !ok {
		return
	}
	s.upsert(p)
}

func (s *Session) upsert(p participant.Participant) {
	merged, change := s.directory.Upsert(p)
	switch change {
	case participant.Added:
		s.logger.Info("participant joined", zap.String("participant", merged.ID))
		s.emitJoined(merged)
	case participant.Updated:
		s.emitUpdated(merged)
	}
}

func (s *Session) removeParticipant(id string) {
	s.manager.ClosePeer(id)
	if p, ok := s.directory.Remove(id); ok {
		s.logger.Info("participant left", zap.String("participant", id))
		s.emitLeft(p)
	}
}
