package delivery

import (
	"context"
	"log"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/metrics"
	"github.com/whisper/messenger/internal/protocol"
)

// SendMessage validates and persists a message, then fans it out: newMessage
// (direct) or newGroupMessage (group) to the room, chatUpdated to everyone.
// Persistence and room fan-out of one conversation are serialized, so room
// members observe messages in commit order. The global chatUpdated and the
// NATS publish happen after the lock is released.
func (c *Coordinator) SendMessage(ctx context.Context, req chat.SendRequest) (*chat.Message, error) {
	if err := chat.ValidateSend(&req); err != nil {
		return nil, err
	}

	msg, err := c.persistAndFanOut(ctx, req)
	if err != nil {
		return nil, err
	}

	c.ConversationUpdated(msg.ConversationID, msg.Kind)
	c.publish(msg.ConversationID, PublishMessage, msg)
	return msg, nil
}

func (c *Coordinator) persistAndFanOut(ctx context.Context, req chat.SendRequest) (*chat.Message, error) {
	unlock := c.locks.Lock(req.ConversationID)
	defer unlock()

	storeCtx, cancel := c.storeContext(ctx)
	defer cancel()
	msg, err := c.store.InsertMessage(storeCtx, req)
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()
	log.Printf("[delivery] message id=%d conversation=%d kind=%s sender=%s", msg.ID, msg.ConversationID, msg.Kind, msg.SenderID)

	msgType := protocol.TypeNewMessage
	if msg.Kind == chat.KindGroup {
		msgType = protocol.TypeNewGroupMessage
	}
	payload := protocol.NewMessageMsg{Message: msg}
	c.broadcastRoom(roomKey(msg.Kind, msg.ConversationID), "", msgType, payload)
	return msg, nil
}
