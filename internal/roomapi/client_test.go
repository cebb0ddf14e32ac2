package roomapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/roomcall/internal/iceservers"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:      srv.URL + "/api/v1/room/",
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	for _, base := range []string{"", "ws://host/room", "://bad"} {
		_, err := New(Config{BaseURL: base})
		assert.Error(t, err, base)
	}
}

func TestCreate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/room/create", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body CreateOptions
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, CreateOptions{RoomType: "audio", MaxParticipants: 4}, body)

		_ = json.NewEncoder(w).Encode(map[string]any{"roomId": "r-1", "roomType": "audio", "maxParticipants": 4})
	}))

	room, err := c.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, Room{RoomID: "r-1", RoomType: "audio", MaxParticipants: 4}, room)
}

func TestJoinAndLeave(t *testing.T) {
	var paths []string
	var bodies []map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))

	require.NoError(t, c.Join(context.Background(), "r-1", "u-1", ""))
	require.NoError(t, c.Leave(context.Background(), "r-1", "u-1"))

	assert.Equal(t, []string{"POST /api/v1/room/r-1/join", "POST /api/v1/room/r-1/leave"}, paths)
	assert.Equal(t, []map[string]string{
		{"userId": "u-1", "userName": "Anonymous"},
		{"userId": "u-1"},
	}, bodies)
}

func TestJoinErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"room is full"}`))
	}))

	err := c.Join(context.Background(), "r-1", "u-1", "Ana")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "room is full", apiErr.Message)
	assert.Equal(t, "room api join: status 503: room is full", apiErr.Error())
	assert.EqualValues(t, 1, calls.Load())
}

func TestICEServers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/room/r-1/ice-servers", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"stunServers": ["stun:stun.example.com:3478", {"urls": ["stun:a.example.com", "stun:b.example.com"]}],
			"turnServers": [{"urls": "turn:turn.example.com:3478", "username": "u", "credential": "p"}]
		}`))
	}))

	servers, err := c.ICEServers(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, []iceservers.Server{
		{URLs: iceservers.URLList{"stun:stun.example.com:3478"}},
		{URLs: iceservers.URLList{"stun:a.example.com", "stun:b.example.com"}},
		{URLs: iceservers.URLList{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
	}, servers)
}

func TestICEServersRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"stunServers":["stun:stun.example.com"],"turnServers":[]}`))
	}))

	servers, err := c.ICEServers(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Len(t, servers, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestICEServersGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))

	_, err := c.ICEServers(context.Background(), "r-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.EqualValues(t, 3, calls.Load(), "one call plus two retries")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.Info(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, apiErr.Temporary())
	assert.EqualValues(t, 1, calls.Load())
}

func TestInfo(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/room/r-1/info", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"roomType": "video",
			"maxParticipants": 4,
			"participants": ["u-1", {"userId": "u-2", "userName": "Bo"}, {}]
		}`))
	}))

	info, err := c.Info(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, "r-1", info.RoomID)
	assert.Equal(t, "video", info.RoomType)
	require.Len(t, info.Participants, 2)
	assert.Equal(t, "u-1", info.Participants[0].ID)
	assert.Equal(t, "u-2", info.Participants[1].ID)
	assert.Equal(t, "Bo", info.Participants[1].DisplayName)
}

func TestMalformedResponse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))

	_, err := c.ICEServers(context.Background(), "r-1")
	assert.ErrorContains(t, err, "failed to decode response")
}

func TestCancelledContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ICEServers(ctx, "r-1")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
