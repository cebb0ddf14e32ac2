// Package media holds the local and remote track abstractions the session
// moves between peer connections.
package media

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
)

// ErrNoTrack is returned by a Source that could not produce a requested kind.
var ErrNoTrack = errors.New("no track available")

// Track is a local media track. Implementations that can be sent over pion
// also implement webrtc.TrackLocal.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Stop releases the underlying device or generator.
	Stop() error
}

// Muter is implemented by tracks that can go silent/black without being
// removed from their senders.
type Muter interface {
	SetMuted(muted bool)
}

// Constraints selects what GetUserMedia acquires.
type Constraints struct {
	Audio         bool
	Video         bool
	AudioDeviceID string
	VideoDeviceID string
	Width         int
	Height        int
	FrameRate     int
}

// Source acquires local tracks.
type Source interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream holds at most one local track per kind.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks map[webrtc.RTPCodecType]Track
}

func NewStream(id string, tracks ...Track) *Stream {
	s := &Stream{id: id, tracks: make(map[webrtc.RTPCodecType]Track)}
	for _, t := range tracks {
		if t != nil {
			s.tracks[t.Kind()] = t
		}
	}
	return s
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Track(kind webrtc.RTPCodecType) Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks[kind]
}

func (s *Stream) AudioTrack() Track { return s.Track(webrtc.RTPCodecTypeAudio) }

func (s *Stream) VideoTrack() Track { return s.Track(webrtc.RTPCodecTypeVideo) }

// Tracks returns audio before video.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind() < out[j].Kind() })
	return out
}

// Replace installs t for its kind and returns the previous track, if any.
// The previous track is not stopped.
func (s *Stream) Replace(t Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.tracks[t.Kind()]
	s.tracks[t.Kind()] = t
	return old
}

// Stop stops every track and empties the stream.
func (s *Stream) Stop() error {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = make(map[webrtc.RTPCodecType]Track)
	s.mu.Unlock()

	var errs []error
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalTrack adapts a webrtc.TrackLocal with a release function to Track.
type LocalTrack struct {
	webrtc.TrackLocal

	once sync.Once
	stop func() error
	err  error
}

func NewLocalTrack(t webrtc.TrackLocal, stop func() error) *LocalTrack {
	return &LocalTrack{TrackLocal: t, stop: stop}
}

func (t *LocalTrack) Stop() error {
	t.once.Do(func() {
		if t.stop != nil {
			t.err = t.stop()
		}
	})
	return t.err
}

// RemoteTrack is one inbound track of a remote participant.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     webrtc.RTPCodecType
	// Remote is set when the track comes from pion.
	Remote *webrtc.TrackRemote
}

// RemoteStream groups the inbound tracks of one participant.
type RemoteStream struct {
	ParticipantID string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func NewRemoteStream(participantID string) *RemoteStream {
	return &RemoteStream{ParticipantID: participantID}
}

// AddTrack appends t, replacing an earlier track with the same id.
func (s *RemoteStream) AddTrack(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tracks {
		if s.tracks[i].ID == t.ID {
			s.tracks[i] = t
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}
