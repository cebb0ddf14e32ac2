// Package synthetic generates local tracks without capture devices, for
// headless participants and tests.
package synthetic

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/media"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
	opusPayloadType   = 111
)

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source hands out silent audio and idle video tracks.
type Source struct {
	logger *zap.Logger
}

func NewSource(logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.L().Named("synthetic-media")
	}
	return &Source{logger: logger}
}

// GetUserMedia never fails for an enabled kind.
func (s *Source) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: neither audio nor video requested", media.ErrNoTrack)
	}

	streamID := "synthetic-" + uuid.NewString()
	var tracks []media.Track
	if c.Audio {
		t, err := NewAudioTrack(streamID, s.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := NewVideoTrack(streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return media.NewStream(streamID, tracks...), nil
}

// AudioTrack writes one silent Opus frame every 20ms until stopped.
type AudioTrack struct {
	*webrtc.TrackLocalStaticRTP

	logger *zap.Logger
	muted  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewAudioTrack(streamID string, logger *zap.Logger) (*AudioTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  2,
	}, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthetic audio track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &AudioTrack{
		TrackLocalStaticRTP: local,
		logger:              logger,
		cancel:              cancel,
		done:                make(chan struct{}),
	}
	go t.generate(ctx)
	return t, nil
}

func (t *AudioTrack) generate(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: opusPayloadType,
		},
		Payload: opusSilence,
	}
	samplesPerFrame := uint32(opusClockRate / int(time.Second/opusFrameDuration))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			packet.SequenceNumber++
			packet.Timestamp += samplesPerFrame
			if t.muted.Load() {
				continue
			}
			if err := t.WriteRTP(packet); err != nil {
				t.logger.Debug("synthetic audio write failed", zap.Error(err))
			}
		}
	}
}

func (t *AudioTrack) SetMuted(muted bool) { t.muted.Store(muted) }

func (t *AudioTrack) Stop() error {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
	return nil
}

// VideoTrack negotiates a VP8 sender slot but carries no frames.
type VideoTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func NewVideoTrack(streamID string) (*VideoTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create synthetic video track: %w", err)
	}
	return &VideoTrack{TrackLocalStaticRTP: local}, nil
}

func (t *VideoTrack) SetMuted(bool) {}

func (t *VideoTrack) Stop() error { return nil }
