package api

import (
	"net/http"

	"github.com/whisper/messenger/internal/chat"
)

// userView is a directory entry with the caller-visible online flag.
type userView struct {
	chat.User
	Online bool `json:"online"`
}

func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), UserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

func (h *Handler) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Avatar string `json:"avatar"`
		Phone  string `json:"phone"`
		Bio    string `json:"bio"`
		Gender string `json:"gender"`
		DOB    string `json:"dob"`
	}
	if !decode(w, r, &payload) {
		return
	}

	u := chat.User{
		ID:     UserID(r.Context()),
		Name:   payload.Name,
		Email:  payload.Email,
		Avatar: payload.Avatar,
		Phone:  payload.Phone,
		Bio:    payload.Bio,
		Gender: payload.Gender,
		DOB:    payload.DOB,
	}
	if err := chat.ValidateProfile(&u); err != nil {
		respondErr(w, r, err)
		return
	}
	if err := h.store.UpsertUser(r.Context(), u); err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// handleListUsers is the directory used to pick someone to chat with. The
// caller is left out.
func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context(), UserID(r.Context()))
	if err != nil {
		respondErr(w, r, err)
		return
	}

	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{User: u, Online: h.presence.IsOnline(u.ID)})
	}
	respondJSON(w, http.StatusOK, out)
}
