// Package roomapi is a client for the HTTP room lifecycle service: creating,
// joining and leaving rooms and fetching their ICE servers.
package roomapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/participant"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
	maxErrorBody        = 4 << 10
)

// APIError is a non-2xx answer from the room service.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("room api %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("room api %s: status %d", e.Op, e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	// BaseURL is the room collection, e.g. http://host/api/v1/room.
	BaseURL    string
	HTTPClient *http.Client
	// MaxRetries bounds retries of idempotent requests.
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

type Client struct {
	base         *url.URL
	http         *http.Client
	maxRetries   int
	retryBackoff time.Duration
	logger       *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("room api base url cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid room api base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("room api base url %q must be http or https", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultTimeout}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("roomapi")
	}
	return &Client{
		base:         base,
		http:         cfg.HTTPClient,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
	}, nil
}

type CreateOptions struct {
	// RoomType is "audio" or "video". Empty means audio.
	RoomType        string `json:"roomType"`
	MaxParticipants int    `json:"maxParticipants"`
}

type Room struct {
	RoomID          string `json:"roomId"`
	RoomType        string `json:"roomType,omitempty"`
	MaxParticipants int    `json:"maxParticipants,omitempty"`
}

// RoomInfo is the service's view of one room.
type RoomInfo struct {
	Room
	Participants []participant.Participant
}

type roomInfoWire struct {
	Room
	Participants []json.RawMessage `json:"participants"`
}

// Create makes a new room.
func (c *Client) Create(ctx context.Context, opts CreateOptions) (Room, error) {
	if opts.RoomType == "" {
		opts.RoomType = "audio"
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 4
	}

	var room Room
	if err := c.do(ctx, "create", http.MethodPost, c.endpoint("create"), opts, &room, false); err != nil {
		return Room{}, err
	}
	if room.RoomID == "" {
		return Room{}, fmt.Errorf("room api create: response has no roomId")
	}
	c.logger.Info("room created", zap.String("room", room.RoomID), zap.String("type", room.RoomType))
	return room, nil
}

// Join registers userID as a member of roomID.
func (c *Client) Join(ctx context.Context, roomID, userID, userName string) error {
	if userName == "" {
		userName = "Anonymous"
	}
	body := map[string]string{"userId": userID, "userName": userName}
	return c.do(ctx, "join", http.MethodPost, c.endpoint(roomID, "join"), body, nil, false)
}

func (c *Client) Leave(ctx context.Context, roomID, userID string) error {
	body := map[string]string{"userId": userID}
	return c.do(ctx, "leave", http.MethodPost, c.endpoint(roomID, "leave"), body, nil, false)
}

// Info fetches the room with its current participants. Participant entries
// that cannot be understood are skipped.
func (c *Client) Info(ctx context.Context, roomID string) (RoomInfo, error) {
	var wire roomInfoWire
	if err := c.do(ctx, "info", http.MethodGet, c.endpoint(roomID, "info"), nil, &wire, true); err != nil {
		return RoomInfo{}, err
	}

	info := RoomInfo{Room: wire.Room}
	if info.RoomID == "" {
		info.RoomID = roomID
	}
	for _, raw := range wire.Participants {
		p, err := participant.Normalize(raw)
		if err != nil {
			c.logger.Debug("skipping participant in room info", zap.Error(err))
			continue
		}
		info.Participants = append(info.Participants, p)
	}
	return info, nil
}

// ICEServers returns the STUN servers followed by the TURN servers the
// service hands out for roomID. Entries may be bare URL strings.
func (c *Client) ICEServers(ctx context.Context, roomID string) ([]iceservers.Server, error) {
	var resp struct {
		STUN []serverEntry `json:"stunServers"`
		TURN []serverEntry `json:"turnServers"`
	}
	if err := c.do(ctx, "ice-servers", http.MethodGet, c.endpoint(roomID, "ice-servers"), nil, &resp, true); err != nil {
		return nil, err
	}

	servers := make([]iceservers.Server, 0, len(resp.STUN)+len(resp.TURN))
	for _, e := range resp.STUN {
		servers = append(servers, iceservers.Server(e))
	}
	for _, e := range resp.TURN {
		servers = append(servers, iceservers.Server(e))
	}
	c.logger.Debug("fetched ICE servers",
		zap.String("room", roomID), zap.Int("stun", len(resp.STUN)), zap.Int("turn", len(resp.TURN)))
	return servers, nil
}

type serverEntry iceservers.Server

func (e *serverEntry) UnmarshalJSON(data []byte) error {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		*e = serverEntry{URLs: iceservers.URLList{bare}}
		return nil
	}
	var s iceservers.Server
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*e = serverEntry(s)
	return nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	for _, p := range parts {
		u.Path += "/" + p
	}
	return u.String()
}

// do sends one JSON request and decodes a JSON answer into out when out is
// not nil. Idempotent requests are retried on transport errors and on 5xx
// or 429 answers.
func (c *Client) do(ctx context.Context, op, method, target string, in, out any, idempotent bool) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("room api %s: failed to encode request: %w", op, err)
		}
	}

	attempt := 0
	call := func() error {
		attempt++
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
			if apiErr.Temporary() {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("room api %s: failed to decode response: %w", op, err))
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if idempotent {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = c.retryBackoff
		ebo.Reset()
		b = backoff.WithMaxRetries(ebo, uint64(c.maxRetries))
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("room api request failed, retrying",
			zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(call, backoff.WithContext(b, ctx), notify); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return fmt.Errorf("room api %s: %w", op, err)
	}
	return nil
}

// errorMessage extracts {"error": "..."} or falls back to the raw body.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
