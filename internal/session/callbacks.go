package session

import (
	"sync"

	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/participant"
	"github.com/mikeyg42/roomcall/internal/rtcManager"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// callbacks holds what the application registered. Dispatch reads the
// current value when the event is delivered, so a callback cleared before
// delivery is never invoked.
type callbacks struct {
	mu sync.RWMutex

	localStream         func(*media.Stream)
	remoteStream        func(participantID string, stream *media.RemoteStream)
	remoteStreamRemoved func(participantID string)
	participantJoined   func(participant.Participant)
	participantLeft     func(participant.Participant)
	participantUpdated  func(participant.Participant)
	stateChange         func(State)
	err                 func(error)
	chat                func(signaling.ChatMessage)
	quality             func(rtcManager.Quality)
}

func (s *Session) OnLocalStream(fn func(*media.Stream)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.localStream = fn
}

func (s *Session) OnRemoteStream(fn func(participantID string, stream *media.RemoteStream)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.remoteStream = fn
}

func (s *Session) OnRemoteStreamRemoved(fn func(participantID string)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.remoteStreamRemoved = fn
}

func (s *Session) OnParticipantJoined(fn func(participant.Participant)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.participantJoined = fn
}

func (s *Session) OnParticipantLeft(fn func(participant.Participant)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.participantLeft = fn
}

func (s *Session) OnParticipantUpdated(fn func(participant.Participant)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.participantUpdated = fn
}

func (s *Session) OnConnectionStateChange(fn func(State)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.stateChange = fn
}

// OnError receives *Error values. Only exhausted recovery is fatal.
func (s *Session) OnError(fn func(error)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.err = fn
}

func (s *Session) OnChatMessage(fn func(signaling.ChatMessage)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.chat = fn
}

func (s *Session) OnConnectionQualityChange(fn func(rtcManager.Quality)) {
	s.cb.mu.Lock()
	defer s.cb.mu.Unlock()
	s.cb.quality = fn
}

func (s *Session) emitLocalStream(stream *media.Stream) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.localStream
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(stream)
		}
	})
}

func (s *Session) emitRemoteStream(id string, stream *media.RemoteStream) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.remoteStream
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(id, stream)
		}
	})
}

func (s *Session) emitRemoteStreamRemoved(id string) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.remoteStreamRemoved
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(id)
		}
	})
}

func (s *Session) emitParticipant(get func(*callbacks) func(participant.Participant), p participant.Participant) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := get(&s.cb)
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(p)
		}
	})
}

func (s *Session) emitJoined(p participant.Participant) {
	s.emitParticipant(func(c *callbacks) func(participant.Participant) { return c.participantJoined }, p)
}

func (s *Session) emitLeft(p participant.Participant) {
	s.emitParticipant(func(c *callbacks) func(participant.Participant) { return c.participantLeft }, p)
}

func (s *Session) emitUpdated(p participant.Participant) {
	s.emitParticipant(func(c *callbacks) func(participant.Participant) { return c.participantUpdated }, p)
}

func (s *Session) emitState(st State) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.stateChange
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(st)
		}
	})
}

func (s *Session) emitError(err error) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.err
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
}

func (s *Session) emitChat(msg signaling.ChatMessage) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.chat
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	})
}

func (s *Session) emitQuality(q rtcManager.Quality) {
	s.dispatch.Post(func() {
		s.cb.mu.RLock()
		fn := s.cb.quality
		s.cb.mu.RUnlock()
		if fn != nil {
			fn(q)
		}
	})
}
