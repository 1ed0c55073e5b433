// Package client provides a reusable WebSocket load test client for the
// Whisper messenger. It connects using gobwas/ws (the same library the server
// uses), records the session id from sessionCreated, optionally announces as a
// user, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAnnounce  = "announce"
	TypeJoinRoom  = "joinRoom"
	TypeLeaveRoom = "leaveRoom"
	TypeTyping    = "typing"
	TypePing      = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "sessionCreated"
	TypePresenceUpdate = "presenceUpdate"
	TypeChatUpdated    = "chatUpdated"
	TypeRateLimited    = "rateLimited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration // dial start to sessionCreated
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the messenger.
// It manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers.
type Client struct {
	conn      net.Conn
	dialStart time.Time

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	userID    string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	sessionReady chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:         conn,
		dialStart:    start,
		handlers:     make(map[string]func(json.RawMessage)),
		sessionReady: make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Announce binds the session to userID.
func (c *Client) Announce(userID string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return c.Send(map[string]string{"type": TypeAnnounce, "user_id": userID})
}

// AnnounceWithToken binds the session to userID, proving it with a bearer
// token. Servers with socket auth enabled reject an announce without one.
func (c *Client) AnnounceWithToken(userID, token string) error {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return c.Send(map[string]string{"type": TypeAnnounce, "user_id": userID, "token": token})
}

// JoinRoom subscribes the session to a room such as chat:12.
func (c *Client) JoinRoom(room string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "room": room})
}

// Ping sends an application-level ping.
func (c *Client) Ping() error {
	return c.Send(map[string]string{"type": TypePing})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message. Handlers run on the read loop
// goroutine and should not block. Register handlers before the messages they
// expect can arrive.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-c.sessionReady:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UserID returns the user the client announced as.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeSessionCreated && c.sessionID == "" && envelope.SessionID != "" {
			c.sessionID = envelope.SessionID
			c.metrics.SessionLatency = time.Since(c.dialStart)
			close(c.sessionReady)
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
