package ws

import (
	"log"

	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.AnnounceMsg, protocol.SeenMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// Throttle reports whether a session may send another event. When it may not,
// retryAfter is the number of seconds the client should wait.
type Throttle func(sessionID string) (allowed bool, retryAfter int)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	throttle Throttle
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// SetThrottle installs a per-session rate check applied to every message
// except ping.
func (d *MessageDispatcher) SetThrottle(t Throttle) {
	d.throttle = t
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	// Built-in ping handler: answer immediately without registration or throttling.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	if d.throttle != nil {
		if allowed, retryAfter := d.throttle(conn.ID); !allowed {
			log.Printf("ws: rate limited type=%q session=%s", msgType, conn.ID)
			metrics.EventsTotal.WithLabelValues(msgType, metrics.OutcomeLimited).Inc()
			d.sendRateLimited(conn, retryAfter)
			return
		}
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	if err := conn.WriteMessage(protocol.NewErrorMessage(code, message)); err != nil {
		log.Printf("ws: failed to send error message session=%s: %v", conn.ID, err)
	}
}

func (d *MessageDispatcher) sendRateLimited(conn *Connection, retryAfter int) {
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: retryAfter,
	})
	if err != nil {
		log.Printf("ws: failed to build rateLimited message session=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send rateLimited message session=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message and marks the
// connection as alive.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message session=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message session=%s: %v", conn.ID, err)
	}
}
