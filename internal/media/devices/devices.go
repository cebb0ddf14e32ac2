// Package devices acquires camera and microphone tracks through
// pion/mediadevices. Drivers are registered by the binary with blank imports.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/media"
)

// Source implements media.Source over local capture devices.
type Source struct {
	codecSelector *mediadevices.CodecSelector
	logger        *zap.Logger
}

func NewSource(codecSelector *mediadevices.CodecSelector, logger *zap.Logger) (*Source, error) {
	if codecSelector == nil {
		return nil, errors.New("codec selector cannot be nil")
	}
	if logger == nil {
		logger = zap.L().Named("devices")
	}
	return &Source{codecSelector: codecSelector, logger: logger}, nil
}

// NewDefaultCodecSelector encodes VP8 video and Opus audio with real-time
// settings.
func NewDefaultCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = 500_000
	vpxParams.KeyFrameInterval = 60
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// GetUserMedia opens the requested devices. Failures are returned as-is and
// never retried here.
func (s *Source) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: neither audio nor video requested", media.ErrNoTrack)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: s.codecSelector}
	if c.Video {
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.VideoDeviceID != "" {
				mtc.DeviceID = prop.String(c.VideoDeviceID)
			}
			if c.Width > 0 {
				mtc.Width = prop.Int(c.Width)
			}
			if c.Height > 0 {
				mtc.Height = prop.Int(c.Height)
			}
			if c.FrameRate > 0 {
				mtc.FrameRate = prop.Float(float32(c.FrameRate))
			}
		}
	}
	if c.Audio {
		constraints.Audio = func(mtc *mediadevices.MediaTrackConstraints) {
			if c.AudioDeviceID != "" {
				mtc.DeviceID = prop.String(c.AudioDeviceID)
			}
			mtc.SampleRate = prop.Int(48000)
			mtc.ChannelCount = prop.Int(1)
			mtc.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	var tracks []media.Track
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			s.logger.Warn("capture track ended", zap.String("track", t.ID()), zap.Error(err))
		})
		tracks = append(tracks, media.NewLocalTrack(t, t.Close))
	}
	if len(tracks) == 0 {
		return nil, media.ErrNoTrack
	}

	s.logger.Info("acquired capture devices", zap.Int("tracks", len(tracks)))
	return media.NewStream("devices-"+uuid.NewString(), tracks...), nil
}

// Device is one capture device.
type Device struct {
	ID    string
	Label string
	Kind  string
}

// List enumerates cameras and microphones.
func List() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		kind := ""
		switch d.Kind {
		case mediadevices.VideoInput:
			kind = "video"
		case mediadevices.AudioInput:
			kind = "audio"
		default:
			continue
		}
		out = append(out, Device{ID: d.DeviceID, Label: d.Label, Kind: kind})
	}
	return out
}
