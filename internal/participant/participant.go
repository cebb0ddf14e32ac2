// Package participant normalizes the many shapes a remote participant is
// announced in and tracks who is in the room.
package participant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrInvalid = errors.New("invalid participant payload")

// Participant is the canonical record of one remote peer.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName,omitempty"`
	AudioEnabled *bool  `json:"audioEnabled,omitempty"`
	VideoEnabled *bool  `json:"videoEnabled,omitempty"`
}

type wireParticipant struct {
	ID            json.RawMessage `json:"id"`
	UserID        json.RawMessage `json:"userId"`
	ParticipantID json.RawMessage `json:"participantId"`
	UserName      string          `json:"userName"`
	DisplayName   string          `json:"displayName"`
	Name          string          `json:"name"`
	AudioEnabled  *bool           `json:"audioEnabled"`
	VideoEnabled  *bool           `json:"videoEnabled"`
	Participant   json.RawMessage `json:"participant"`
}

// Normalize accepts "user-1", {"id":"user-1"}, {"userId":"user-1"},
// {"participantId":"user-1"}, or any of them under a "participant" key.
func Normalize(raw json.RawMessage) (Participant, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Participant{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	switch raw[0] {
	case '"':
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return Participant{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return fromID(id, "")

	case '{':
		var wire wireParticipant
		if err := json.Unmarshal(raw, &wire); err != nil {
			return Participant{}, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if len(bytes.TrimSpace(wire.Participant)) > 0 && !bytes.Equal(bytes.TrimSpace(wire.Participant), []byte("null")) {
			return Normalize(wire.Participant)
		}

		id := ""
		for _, candidate := range []json.RawMessage{wire.ID, wire.UserID, wire.ParticipantID} {
			if id = scalarString(candidate); id != "" {
				break
			}
		}
		name := wire.UserName
		if name == "" {
			name = wire.DisplayName
		}
		if name == "" {
			name = wire.Name
		}

		p, err := fromID(id, name)
		if err != nil {
			return Participant{}, err
		}
		p.AudioEnabled = wire.AudioEnabled
		p.VideoEnabled = wire.VideoEnabled
		return p, nil

	default:
		// numeric ids
		if id := scalarString(raw); id != "" {
			return fromID(id, "")
		}
		return Participant{}, fmt.Errorf("%w: unsupported shape %q", ErrInvalid, truncate(raw))
	}
}

func fromID(id, name string) (Participant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Participant{}, fmt.Errorf("%w: missing identifier", ErrInvalid)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = id
	}
	return Participant{ID: id, DisplayName: name}, nil
}

// scalarString reads a JSON string or number as text.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func truncate(raw []byte) string {
	const limit = 64
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}

// Change describes what an Upsert did.
type Change int

const (
	Unchanged Change = iota
	Added
	Updated
)

// Directory tracks the remote participants of one session. It is safe for
// concurrent use.
type Directory struct {
	localID string
	logger  *zap.Logger

	mu           sync.RWMutex
	participants map[string]Participant
}

func NewDirectory(localID string, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.L().Named("participants")
	}
	return &Directory{
		localID:      localID,
		logger:       logger,
		participants: make(map[string]Participant),
	}
}

// Resolve normalizes raw and filters the local user. ok is false for invalid
// payloads and self notifications, both of which are logged.
func (d *Directory) Resolve(raw json.RawMessage) (Participant, bool) {
	p, err := Normalize(raw)
	if err != nil {
		d.logger.Warn("ignoring participant payload", zap.Error(err))
		return Participant{}, false
	}
	if p.ID == d.localID {
		d.logger.Debug("ignoring self notification", zap.String("participant", p.ID))
		return Participant{}, false
	}
	return p, true
}

// Upsert records p. Flags missing from p keep their previous values.
func (d *Directory) Upsert(p Participant) (Participant, Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.participants[p.ID]
	if !ok {
		d.participants[p.ID] = p
		return p, Added
	}

	merged := existing
	if p.DisplayName != "" && p.DisplayName != p.ID {
		merged.DisplayName = p.DisplayName
	}
	if p.AudioEnabled != nil {
		merged.AudioEnabled = p.AudioEnabled
	}
	if p.VideoEnabled != nil {
		merged.VideoEnabled = p.VideoEnabled
	}
	if equal(existing, merged) {
		return existing, Unchanged
	}
	d.participants[p.ID] = merged
	return merged, Updated
}

// Remove deletes id and reports whether it was present.
func (d *Directory) Remove(id string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.participants[id]
	if ok {
		delete(d.participants, id)
	}
	return p, ok
}

func (d *Directory) Get(id string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[id]
	return p, ok
}

// List returns participants sorted by id.
func (d *Directory) List() []Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Participant, 0, len(d.participants))
	for _, p := range d.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}

// Clear forgets everyone.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.participants = make(map[string]Participant)
}

func equal(a, b Participant) bool {
	return a.ID == b.ID &&
		a.DisplayName == b.DisplayName &&
		boolPtrEqual(a.AudioEnabled, b.AudioEnabled) &&
		boolPtrEqual(a.VideoEnabled, b.VideoEnabled)
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
