// Package signaling carries offers, answers, candidates and room events
// between a participant and the room's signaling server.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"
)

// Type tags a signaling message.
type Type string

const (
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice-candidate"
	TypeParticipantJoined  Type = "participant-joined"
	TypeParticipantLeft    Type = "participant-left"
	TypeParticipantsList   Type = "participants-list"
	TypeParticipantUpdated Type = "participant-updated"
	TypeChatMessage        Type = "chat-message"
	TypeConnected          Type = "connected"
	TypeError              Type = "error"
	TypeGetParticipants    Type = "get-participants"
	TypeToggleAudio        Type = "toggle-audio"
	TypeToggleVideo        Type = "toggle-video"
)

// ErrMalformed wraps every parse failure.
var ErrMalformed = errors.New("malformed signaling message")

// Message is an inbound message after ingress normalization. Only the fields
// belonging to Type are set.
type Message struct {
	Type Type
	From string

	// SDP is set for offer and answer.
	SDP *webrtc.SessionDescription
	// Candidate is set for ice-candidate; nil means end of gathering.
	Candidate *webrtc.ICECandidateInit
	// Participant is the raw descriptor of participant-joined, -left and
	// -updated. The participant package normalizes it.
	Participant json.RawMessage
	// Participants is the raw snapshot of participants-list.
	Participants []json.RawMessage
	Chat         *ChatMessage
	// Error is the server's text for type error.
	Error string
	// Data is the untouched payload, kept for connected and for logging.
	Data json.RawMessage
}

// ChatMessage is a room chat line.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type envelope struct {
	Type          Type            `json:"type"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Participant   json.RawMessage `json:"participant,omitempty"`
	ParticipantID json.RawMessage `json:"participantId,omitempty"`
	Participants  json.RawMessage `json:"participants,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Parse decodes one inbound frame. Every failure wraps ErrMalformed.
func Parse(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, malformed("invalid JSON: %v", err)
	}
	if env.Type == "" {
		return Message{}, malformed("missing type")
	}

	data := env.Data
	if isEmpty(data) {
		data = env.Payload
	}
	fields := objectFields(data)

	msg := Message{
		Type: env.Type,
		From: env.From,
		Data: data,
	}
	if msg.From == "" {
		msg.From = stringField(fields, "from")
	}

	switch env.Type {
	case TypeOffer, TypeAnswer:
		expected := webrtc.SDPTypeOffer
		if env.Type == TypeAnswer {
			expected = webrtc.SDPTypeAnswer
		}
		sdp, err := parseSDP(data, expected)
		if err != nil {
			return Message{}, err
		}
		msg.SDP = sdp
		if msg.From == "" {
			return Message{}, malformed("%s without sender", env.Type)
		}

	case TypeICECandidate:
		candidate, err := parseCandidate(data)
		if err != nil {
			return Message{}, err
		}
		msg.Candidate = candidate
		if msg.From == "" {
			return Message{}, malformed("%s without sender", env.Type)
		}

	case TypeParticipantJoined, TypeParticipantUpdated, TypeParticipantLeft:
		switch {
		case !isEmpty(env.Participant):
			msg.Participant = env.Participant
		case !isEmpty(env.ParticipantID):
			msg.Participant = env.ParticipantID
		case !isEmpty(data):
			msg.Participant = data
		default:
			return Message{}, malformed("%s without participant", env.Type)
		}

	case TypeParticipantsList:
		raw := env.Participants
		if isEmpty(raw) {
			if inner, ok := fields["participants"]; ok {
				raw = inner
			} else {
				raw = data
			}
		}
		if isEmpty(raw) {
			msg.Participants = nil
			break
		}
		if err := json.Unmarshal(raw, &msg.Participants); err != nil {
			return Message{}, malformed("participants is not a list: %v", err)
		}

	case TypeChatMessage:
		chat, err := parseChat(data)
		if err != nil {
			return Message{}, err
		}
		if chat.UserID == "" {
			chat.UserID = msg.From
		}
		msg.Chat = chat

	case TypeError:
		msg.Error = env.Message
		if msg.Error == "" && !isEmpty(env.Error) {
			msg.Error = textOf(env.Error)
		}
		if msg.Error == "" {
			msg.Error = stringField(fields, "message")
		}
		if msg.Error == "" && !isEmpty(data) {
			msg.Error = textOf(data)
		}

	case TypeConnected:

	default:
		return Message{}, malformed("unknown type %q", env.Type)
	}

	return msg, nil
}

type wireSDP struct {
	Type string          `json:"type"`
	SDP  json.RawMessage `json:"sdp"`
}

func parseSDP(raw json.RawMessage, expected webrtc.SDPType) (*webrtc.SessionDescription, error) {
	raw = bytes.TrimSpace(raw)
	if isEmpty(raw) {
		return nil, malformed("%s without SDP", expected)
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, malformed("invalid SDP string: %v", err)
		}
		if text == "" {
			return nil, malformed("empty SDP")
		}
		return &webrtc.SessionDescription{Type: expected, SDP: text}, nil
	}

	fields := objectFields(raw)
	if fields == nil {
		return nil, malformed("SDP payload is neither an object nor a string")
	}
	for _, key := range []string{"signal", expected.String()} {
		if inner, ok := fields[key]; ok && !isEmpty(inner) {
			return parseSDP(inner, expected)
		}
	}

	var wire wireSDP
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, malformed("invalid SDP object: %v", err)
	}
	if len(bytes.TrimSpace(wire.SDP)) > 0 && bytes.TrimSpace(wire.SDP)[0] == '{' {
		return parseSDP(wire.SDP, expected)
	}

	var text string
	if err := json.Unmarshal(wire.SDP, &text); err != nil || text == "" {
		return nil, malformed("SDP object without sdp text")
	}

	sdpType := expected
	if wire.Type != "" {
		sdpType = webrtc.NewSDPType(wire.Type)
		if sdpType != expected {
			return nil, malformed("%s message carries SDP of type %q", expected, wire.Type)
		}
	}
	return &webrtc.SessionDescription{Type: sdpType, SDP: text}, nil
}

type wireCandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment"`
}

func parseCandidate(raw json.RawMessage) (*webrtc.ICECandidateInit, error) {
	raw = bytes.TrimSpace(raw)
	if isEmpty(raw) {
		return nil, nil
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, malformed("invalid candidate string: %v", err)
		}
		if text == "" {
			return nil, nil
		}
		return &webrtc.ICECandidateInit{Candidate: text}, nil
	}

	fields := objectFields(raw)
	if fields == nil {
		return nil, malformed("candidate payload is neither an object nor a string")
	}
	if inner, ok := fields["signal"]; ok {
		return parseCandidate(inner)
	}
	if inner, ok := fields["candidate"]; ok {
		if trimmed := bytes.TrimSpace(inner); len(trimmed) > 0 && trimmed[0] == '{' {
			return parseCandidate(trimmed)
		}
		if isEmpty(inner) {
			return nil, nil
		}
	}

	var wire wireCandidate
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, malformed("invalid candidate object: %v", err)
	}
	if wire.Candidate == "" {
		return nil, nil
	}
	return &webrtc.ICECandidateInit{
		Candidate:        wire.Candidate,
		SDPMid:           wire.SDPMid,
		SDPMLineIndex:    wire.SDPMLineIndex,
		UsernameFragment: wire.UsernameFragment,
	}, nil
}

type wireChat struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Text      string          `json:"text"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func parseChat(raw json.RawMessage) (*ChatMessage, error) {
	var wire wireChat
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, malformed("invalid chat payload: %v", err)
	}

	text := wire.Text
	if text == "" {
		text = wire.Message
	}
	if text == "" {
		return nil, malformed("chat message without text")
	}

	return &ChatMessage{
		ID:        wire.ID,
		UserID:    wire.UserID,
		UserName:  wire.UserName,
		Text:      text,
		Timestamp: parseTimestamp(wire.Timestamp),
	}, nil
}

// parseTimestamp accepts RFC 3339 strings or unix milliseconds and falls back
// to the receive time.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if isEmpty(raw) {
		return time.Now()
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return ts
		}
		if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Now()
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms))
	}
	return time.Now()
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func objectFields(raw json.RawMessage) map[string]json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil
	}
	return fields
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func textOf(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if msg := stringField(objectFields(raw), "message"); msg != "" {
		return msg
	}
	return string(bytes.TrimSpace(raw))
}

// Outbound is the envelope every sent message uses.
type Outbound struct {
	Type Type   `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Data any    `json:"data,omitempty"`
}

type sdpPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type togglePayload struct {
	Enabled bool `json:"enabled"`
}

// NewDescription builds an offer or answer addressed to one participant.
func NewDescription(to string, sd webrtc.SessionDescription) Outbound {
	t := TypeOffer
	if sd.Type == webrtc.SDPTypeAnswer {
		t = TypeAnswer
	}
	return Outbound{Type: t, To: to, Data: sdpPayload{SDP: sd}}
}

func NewCandidate(to string, candidate webrtc.ICECandidateInit) Outbound {
	return Outbound{Type: TypeICECandidate, To: to, Data: candidatePayload{Candidate: candidate}}
}

func NewGetParticipants() Outbound {
	return Outbound{Type: TypeGetParticipants}
}

func NewChat(chat ChatMessage) Outbound {
	return Outbound{Type: TypeChatMessage, Data: chat}
}

// NewToggle announces a local audio or video mute change.
func NewToggle(kind webrtc.RTPCodecType, enabled bool) Outbound {
	t := TypeToggleAudio
	if kind == webrtc.RTPCodecTypeVideo {
		t = TypeToggleVideo
	}
	return Outbound{Type: t, Data: togglePayload{Enabled: enabled}}
}
