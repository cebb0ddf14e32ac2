package rtctest

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/mikeyg42/roomcall/internal/signaling"
)

// ErrHubDown is returned by Dial while the hub is down.
var ErrHubDown = errors.New("signaling hub unavailable")

// Hub is an in-memory signaling server for one room. It routes addressed
// messages, broadcasts joins and leaves, and answers get-participants.
// Deliveries run synchronously on the sender's goroutine.
type Hub struct {
	mu      sync.Mutex
	members map[string]*hubConn
	down    bool
	mute    bool
	sent    []signaling.Outbound
}

func NewHub() *Hub {
	return &Hub{members: make(map[string]*hubConn)}
}

type hubConn struct {
	hub     *Hub
	id      string
	name    string
	handler signaling.Handler

	mu     sync.Mutex
	closed bool
}

type member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

func (h *Hub) Dial(_ context.Context, _ string, userID, userName string, handler signaling.Handler) (signaling.Conn, error) {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return nil, ErrHubDown
	}
	c := &hubConn{hub: h, id: userID, name: userName, handler: handler}
	h.members[userID] = c
	others := h.othersLocked(userID)
	h.mu.Unlock()

	c.deliver(signaling.Outbound{Type: signaling.TypeConnected, Data: member{UserID: userID}})
	joined := signaling.Outbound{Type: signaling.TypeParticipantJoined, Data: member{UserID: userID, UserName: userName}}
	for _, o := range others {
		o.deliver(joined)
	}
	return c, nil
}

func (h *Hub) othersLocked(id string) []*hubConn {
	var out []*hubConn
	for mid, m := range h.members {
		if mid != id {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetDown makes later dials fail.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

// SetMute makes the hub ignore get-participants.
func (h *Hub) SetMute(mute bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mute = mute
}

// Drop ends userID's connection as if the socket broke.
func (h *Hub) Drop(userID string) {
	h.mu.Lock()
	c, ok := h.members[userID]
	if ok {
		delete(h.members, userID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.handler.HandleClose(errors.New("connection reset by hub"))
}

// Members returns the connected user ids, sorted.
func (h *Hub) Members() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.members))
	for id := range h.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sent returns every message any member sent, in order.
func (h *Hub) Sent() []signaling.Outbound {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]signaling.Outbound(nil), h.sent...)
}

// SentOfType filters Sent by type.
func (h *Hub) SentOfType(t signaling.Type) []signaling.Outbound {
	var out []signaling.Outbound
	for _, m := range h.Sent() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// Inject delivers msg to userID as if the server had sent it.
func (h *Hub) Inject(userID string, msg signaling.Outbound) bool {
	h.mu.Lock()
	c, ok := h.members[userID]
	h.mu.Unlock()
	if !ok {
		return false
	}
	c.deliver(msg)
	return true
}

func (c *hubConn) Send(msg signaling.Outbound) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return signaling.ErrClosed
	}

	h := c.hub
	h.mu.Lock()
	h.sent = append(h.sent, msg)
	mute := h.mute
	others := h.othersLocked(c.id)
	target := h.members[msg.To]
	h.mu.Unlock()

	msg.From = c.id
	switch msg.Type {
	case signaling.TypeGetParticipants:
		if mute {
			return nil
		}
		list := make([]member, 0, len(others)+1)
		list = append(list, member{UserID: c.id, UserName: c.name})
		for _, o := range others {
			list = append(list, member{UserID: o.id, UserName: o.name})
		}
		c.deliver(signaling.Outbound{
			Type: signaling.TypeParticipantsList,
			Data: map[string]any{"participants": list},
		})

	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		if target != nil && target != c {
			target.deliver(msg)
		}

	case signaling.TypeChatMessage:
		for _, o := range others {
			o.deliver(msg)
		}

	case signaling.TypeToggleAudio, signaling.TypeToggleVideo:
		var toggle struct {
			Enabled bool `json:"enabled"`
		}
		raw, _ := json.Marshal(msg.Data)
		_ = json.Unmarshal(raw, &toggle)

		update := map[string]any{"userId": c.id}
		if msg.Type == signaling.TypeToggleAudio {
			update["audioEnabled"] = toggle.Enabled
		} else {
			update["videoEnabled"] = toggle.Enabled
		}
		for _, o := range others {
			o.deliver(signaling.Outbound{Type: signaling.TypeParticipantUpdated, Data: update})
		}
	}
	return nil
}

func (c *hubConn) Close() error {
	h := c.hub
	h.mu.Lock()
	if h.members[c.id] == c {
		delete(h.members, c.id)
	}
	others := h.othersLocked(c.id)
	h.mu.Unlock()

	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if wasClosed {
		return nil
	}

	left := signaling.Outbound{Type: signaling.TypeParticipantLeft, Data: member{UserID: c.id}}
	for _, o := range others {
		o.deliver(left)
	}
	return nil
}

// deliver round-trips msg through JSON and the real parser.
func (c *hubConn) deliver(msg signaling.Outbound) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	parsed, err := signaling.Parse(frame)
	if err != nil {
		return
	}
	c.handler.HandleMessage(parsed)
}
