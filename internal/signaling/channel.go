package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/metrics"
)

var (
	ErrClosed         = errors.New("signaling channel closed")
	ErrSendBufferFull = errors.New("signaling send buffer full")
)

// Handler receives parsed inbound messages and the channel's end. Both are
// called from the read goroutine.
type Handler interface {
	HandleMessage(Message)
	// HandleClose is called once when the socket ends without Close having
	// been called.
	HandleClose(err error)
}

// Conn is an open signaling connection.
type Conn interface {
	Send(Outbound) error
	Close() error
}

// Dialer opens the signaling connection of one participant in one room.
type Dialer interface {
	Dial(ctx context.Context, roomID, userID, userName string, handler Handler) (Conn, error)
}

// WebsocketDialer dials {BaseURL}/{roomID}/ws.
type WebsocketDialer struct {
	BaseURL string
	Config  Config
}

func (d WebsocketDialer) Dial(ctx context.Context, roomID, userID, userName string, handler Handler) (Conn, error) {
	u, err := RoomURL(d.BaseURL, roomID, userID, userName)
	if err != nil {
		return nil, err
	}
	c, err := Dial(ctx, u, handler, d.Config)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config tunes the websocket pumps. Zero fields take defaults.
type Config struct {
	WriteTimeout time.Duration
	PongWait     time.Duration
	PingInterval time.Duration
	SendBuffer   int
	Header       http.Header
	Dialer       *websocket.Dialer
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

func (c *Config) setDefaults() {
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongWait == 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval == 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = zap.L().Named("signaling")
	}
}

// Channel is one websocket to the signaling server.
type Channel struct {
	conn    *websocket.Conn
	cfg     Config
	handler Handler
	logger  *zap.Logger
	send    chan []byte
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	explicit  bool
}

// RoomURL builds the websocket URL for one participant of one room.
func RoomURL(base, roomID, userID, userName string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid signaling base URL: %w", err)
	}
	if roomID == "" {
		return "", errors.New("room id cannot be empty")
	}
	u = u.JoinPath(roomID, "ws")
	q := u.Query()
	q.Set("userId", userID)
	if userName != "" {
		q.Set("userName", userName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the socket and starts the read and write pumps.
func Dial(ctx context.Context, rawURL string, handler Handler, cfg Config) (*Channel, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	cfg.setDefaults()

	conn, resp, err := cfg.Dialer.DialContext(ctx, rawURL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &Channel{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
	}

	c.logger.Info("signaling channel open", zap.String("url", redact(rawURL)))

	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues one message. It never blocks.
func (c *Channel) Send(msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

// Close ends the channel without notifying the handler.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.explicit = true
	c.mu.Unlock()

	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the channel stops, for whatever reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Channel) readPump() {
	var readErr error
	defer func() {
		c.shutdown()

		c.mu.Lock()
		explicit := c.explicit
		c.mu.Unlock()
		if explicit {
			return
		}
		c.logger.Warn("signaling channel closed unexpectedly", zap.Error(readErr))
		c.handler.HandleClose(readErr)
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			readErr = err
			return
		}

		msg, err := Parse(frame)
		if err != nil {
			c.cfg.Metrics.SignalingMalformed()
			c.logger.Warn("dropping malformed signaling frame", zap.Error(err), zap.Int("bytes", len(frame)))
			continue
		}
		c.handler.HandleMessage(msg)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write signaling message", zap.Error(err))
				c.shutdown()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("failed to ping signaling server", zap.Error(err))
				c.shutdown()
				return
			}
		}
	}
}

// redact drops the query so user names stay out of logs.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
