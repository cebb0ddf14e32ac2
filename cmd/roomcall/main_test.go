package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
)

type recordingJoiner struct {
	calls      []string
	mediaErr   error
	connectErr error
}

func (j *recordingJoiner) StartLocalMedia(_ context.Context, _ media.Constraints) (*media.Stream, error) {
	j.calls = append(j.calls, "media")
	if j.mediaErr != nil {
		return nil, j.mediaErr
	}
	return media.NewStream("local"), nil
}

func (j *recordingJoiner) Connect(context.Context) error {
	j.calls = append(j.calls, "connect")
	return j.connectErr
}

func TestJoinRoomStartsMediaBeforeConnecting(t *testing.T) {
	tests := []struct {
		name   string
		c      media.Constraints
		joiner *recordingJoiner
		calls  []string
	}{
		{"audio and video", media.Constraints{Audio: true, Video: true}, &recordingJoiner{}, []string{"media", "connect"}},
		{"media failure still connects", media.Constraints{Audio: true}, &recordingJoiner{mediaErr: errors.New("no device")}, []string{"media", "connect"}},
		{"receive only", media.Constraints{}, &recordingJoiner{}, []string{"connect"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, joinRoom(context.Background(), tt.joiner, tt.c, zaptest.NewLogger(t)))
			assert.Equal(t, tt.calls, tt.joiner.calls)
		})
	}
}

func TestJoinRoomConnectFailure(t *testing.T) {
	refused := errors.New("refused")
	err := joinRoom(context.Background(), &recordingJoiner{connectErr: refused}, media.Constraints{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, refused)
	assert.ErrorContains(t, err, "failed to connect")
}

func TestFallbackServers(t *testing.T) {
	got := fallbackServers([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn.example.com"}, Username: "u", Credential: "p"},
	})
	assert.Equal(t, []iceservers.Server{
		{URLs: iceservers.URLList{"stun:stun.example.com:3478"}},
		{URLs: iceservers.URLList{"turn.example.com"}, Username: "u", Credential: "p"},
	}, got)
}
