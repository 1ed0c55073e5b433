package api

import (
	"net/http"

	"github.com/whisper/messenger/internal/chat"
)

func (h *Handler) handleStartChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ReceiverID string `json:"receiver_id"`
	}
	if !decode(w, r, &payload) {
		return
	}

	conv, created, err := h.store.FindOrCreateDirect(r.Context(), UserID(r.Context()), payload.ReceiverID)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.messenger.ConversationUpdated(conv.ID, conv.Kind)
	}
	respondJSON(w, status, conv)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListConversations(r.Context(), UserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	for i := range list {
		if list[i].Kind == chat.KindDirect && list[i].PeerID != "" {
			list[i].Online = h.presence.IsOnline(list[i].PeerID)
		}
	}
	if list == nil {
		list = []chat.ConversationSummary{}
	}
	respondJSON(w, http.StatusOK, list)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	before, err := queryInt(r, "before")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondErr(w, r, err)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), id, UserID(r.Context()), before, int(limit))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// handleSend serves both /chat/send and /group/send; the conversation itself
// decides which namespace the message fans out on.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConversationID int64  `json:"conversation_id"`
		Body           string `json:"body"`
		ContentType    string `json:"content_type"`
		MediaURL       string `json:"media_url"`
	}
	if !decode(w, r, &payload) {
		return
	}

	userID := UserID(r.Context())
	if !h.allowSend(w, r, userID) {
		return
	}

	msg, err := h.messenger.SendMessage(r.Context(), chat.SendRequest{
		ConversationID: payload.ConversationID,
		SenderID:       userID,
		Body:           payload.Body,
		ContentType:    payload.ContentType,
		MediaURL:       payload.MediaURL,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleSeen(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConversationID int64   `json:"conversation_id"`
		MessageIDs     []int64 `json:"message_ids"`
	}
	if !decode(w, r, &payload) {
		return
	}

	res, err := h.messenger.MarkSeen(r.Context(), payload.ConversationID, payload.MessageIDs, UserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
