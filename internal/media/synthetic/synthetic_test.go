package synthetic

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/roomcall/internal/media"
)

var (
	_ media.Track       = (*AudioTrack)(nil)
	_ media.Muter       = (*AudioTrack)(nil)
	_ webrtc.TrackLocal = (*AudioTrack)(nil)
	_ media.Track       = (*VideoTrack)(nil)
	_ webrtc.TrackLocal = (*VideoTrack)(nil)
)

func TestGetUserMedia(t *testing.T) {
	src := NewSource(zaptest.NewLogger(t))

	stream, err := src.GetUserMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	defer stream.Stop()

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	assert.NotEqual(t, tracks[0].ID(), tracks[1].ID())

	audioOnly, err := src.GetUserMedia(context.Background(), media.Constraints{Audio: true})
	require.NoError(t, err)
	assert.Nil(t, audioOnly.VideoTrack())
	require.NoError(t, audioOnly.Stop())
	assert.Empty(t, audioOnly.Tracks())
}

func TestGetUserMediaErrors(t *testing.T) {
	src := NewSource(zaptest.NewLogger(t))

	_, err := src.GetUserMedia(context.Background(), media.Constraints{})
	assert.True(t, errors.Is(err, media.ErrNoTrack))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.GetUserMedia(ctx, media.Constraints{Audio: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAudioTrackStopIsIdempotent(t *testing.T) {
	track, err := NewAudioTrack("s1", zaptest.NewLogger(t))
	require.NoError(t, err)

	track.SetMuted(true)
	require.NoError(t, track.Stop())
	require.NoError(t, track.Stop())
}
