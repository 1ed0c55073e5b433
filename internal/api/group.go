package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/messenger/internal/chat"
)

type memberView struct {
	chat.Member
	Online bool `json:"online"`
}

func (h *Handler) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name    string   `json:"name"`
		Avatar  string   `json:"avatar"`
		Members []string `json:"members"`
	}
	if !decode(w, r, &payload) {
		return
	}

	conv, err := h.store.CreateGroup(r.Context(), UserID(r.Context()), payload.Name, payload.Avatar, payload.Members)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	h.messenger.ConversationUpdated(conv.ID, chat.KindGroup)
	respondJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if conv.Kind != chat.KindGroup || !conv.IsMember(UserID(r.Context())) {
		respondErr(w, r, &chat.NotFoundError{Entity: "group", ID: id})
		return
	}

	out := make([]memberView, 0, len(conv.Members))
	for _, m := range conv.Members {
		out = append(out, memberView{Member: m, Online: h.presence.IsOnline(m.UserID)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &payload) {
		return
	}

	if err := h.store.AddMember(r.Context(), id, UserID(r.Context()), payload.UserID); err != nil {
		respondErr(w, r, err)
		return
	}
	h.messenger.ConversationUpdated(id, chat.KindGroup)
	respondJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := h.store.RemoveMember(r.Context(), id, UserID(r.Context()), userID); err != nil {
		respondErr(w, r, err)
		return
	}
	h.messenger.MemberRemoved(id, userID)
	h.messenger.ConversationUpdated(id, chat.KindGroup)
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *Handler) handleRenameGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var payload struct {
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	}
	if !decode(w, r, &payload) {
		return
	}

	if err := h.store.UpdateGroup(r.Context(), id, UserID(r.Context()), payload.Name, payload.Avatar); err != nil {
		respondErr(w, r, err)
		return
	}
	h.messenger.ConversationUpdated(id, chat.KindGroup)
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
