// Package messaging provides a NATS client wrapper that publishes durable
// conversation events (committed messages, seen receipts) for consumers
// outside this process, such as push notification or search indexers.
package messaging

import (
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConversation is the subject root for conversation events:
// conversation.<conversation_id>.<event>.
const SubjectConversation = "conversation"

// ConversationSubject builds the subject for an event of a conversation.
func ConversationSubject(conversationID int64, event string) string {
	return SubjectConversation + "." + strconv.FormatInt(conversationID, 10) + "." + event
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "whisper-messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishConversationEvent publishes data on conversation.<id>.<event>.
func (c *NATSClient) PublishConversationEvent(conversationID int64, event string, data []byte) error {
	return c.Publish(ConversationSubject(conversationID, event), data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeConversationEvents subscribes to every event of every
// conversation. The handler receives the conversation id, the event name and
// the payload. Subjects that do not parse are skipped.
func (c *NATSClient) SubscribeConversationEvents(handler func(conversationID int64, event string, data []byte)) error {
	return c.Subscribe(SubjectConversation+".*.*", func(msg *nats.Msg) {
		id, event, ok := ParseConversationSubject(msg.Subject)
		if !ok {
			log.Printf("[nats] skipping malformed subject %q", msg.Subject)
			return
		}
		handler(id, event, msg.Data)
	})
}

// ParseConversationSubject splits conversation.<id>.<event>.
func ParseConversationSubject(subject string) (int64, string, bool) {
	prefix := SubjectConversation + "."
	if len(subject) <= len(prefix) || subject[:len(prefix)] != prefix {
		return 0, "", false
	}
	rest := subject[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] != '.' {
			continue
		}
		id, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil || id <= 0 || i == len(rest)-1 {
			return 0, "", false
		}
		return id, rest[i+1:], true
	}
	return 0, "", false
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
