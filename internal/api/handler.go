// Package api serves the authenticated REST surface of the messenger:
// profiles, starting chats, history, sending, read receipts, and group
// management.
// Every mutation goes through the same core the socket layer uses, so REST
// and socket clients observe the same fan-out.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whisper/messenger/internal/chat"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/ratelimit"
)

// Store is the durable-store surface the handlers read and manage groups with.
type Store interface {
	GetConversation(ctx context.Context, id int64) (*chat.Conversation, error)
	FindOrCreateDirect(ctx context.Context, a, b string) (*chat.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string) ([]chat.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID int64, userID string, beforeID int64, limit int) ([]chat.Message, error)
	CreateGroup(ctx context.Context, creatorID, name, avatar string, members []string) (*chat.Conversation, error)
	AddMember(ctx context.Context, groupID int64, actorID, userID string) error
	RemoveMember(ctx context.Context, groupID int64, actorID, userID string) error
	UpdateGroup(ctx context.Context, groupID int64, actorID, name, avatar string) error
	UpsertUser(ctx context.Context, u chat.User) error
	GetUser(ctx context.Context, id string) (*chat.User, error)
	ListUsers(ctx context.Context, exceptID string) ([]chat.User, error)
}

// Messenger sends messages and receipts with real-time fan-out.
type Messenger interface {
	SendMessage(ctx context.Context, req chat.SendRequest) (*chat.Message, error)
	MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID string) (*chat.SeenResult, error)
	ConversationUpdated(conversationID int64, kind chat.Kind)
	MemberRemoved(conversationID int64, userID string)
}

// Presence answers online queries.
type Presence interface {
	IsOnline(userID string) bool
	Snapshot(userID string) presence.Snapshot
}

// Limiter throttles message sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Handler holds the dependencies of the REST endpoints.
type Handler struct {
	store     Store
	messenger Messenger
	presence  Presence
	limiter   Limiter
	sendRule  ratelimit.Rule
}

// New creates a Handler. The limiter may be nil.
func New(store Store, messenger Messenger, presence Presence, limiter Limiter, sendRule ratelimit.Rule) *Handler {
	return &Handler{
		store:     store,
		messenger: messenger,
		presence:  presence,
		limiter:   limiter,
		sendRule:  sendRule,
	}
}

// NewRouter builds the /api router with request logging and bearer auth.
func NewRouter(h *Handler, auth *Authenticator) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Use(auth.Middleware)
		h.RegisterRoutes(api)
	})
	return r
}

// RegisterRoutes mounts every endpoint on r. Callers install authentication.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/users/profile", h.handleGetProfile)
	r.Put("/users/profile", h.handleUpsertProfile)
	r.Get("/users/all", h.handleListUsers)

	r.Post("/chat/start", h.handleStartChat)
	r.Get("/chat/list", h.handleListChats)
	r.Get("/chat/{id}/messages", h.handleListMessages)
	r.Post("/chat/send", h.handleSend)
	r.Post("/chat/seen", h.handleSeen)

	r.Post("/group/create", h.handleCreateGroup)
	r.Post("/group/send", h.handleSend)
	r.Get("/group/{id}/members", h.handleGroupMembers)
	r.Post("/group/{id}/members", h.handleAddMember)
	r.Delete("/group/{id}/members/{userID}", h.handleRemoveMember)
	r.Post("/group/{id}/rename", h.handleRenameGroup)

	r.Get("/presence/{userID}", h.handlePresence)
}

// allowSend applies the per-user send limit. It answers 429 itself when the
// user is over the limit.
func (h *Handler) allowSend(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.limiter == nil {
		return true
	}
	ok, err := h.limiter.Allow(r.Context(), userID, h.sendRule)
	if err != nil {
		log.Printf("[api] rate limit check user=%s: %v", userID, err)
	}
	if ok {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(h.sendRule.RetryAfter()))
	respondError(w, http.StatusTooManyRequests, "too many messages")
	return false
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

type presenceResponse struct {
	UserID     string     `json:"user_id"`
	Online     bool       `json:"online"`
	LastActive *time.Time `json:"last_active"`
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	snap := h.presence.Snapshot(chi.URLParam(r, "userID"))
	resp := presenceResponse{UserID: snap.UserID, Online: snap.Online}
	if !snap.LastActive.IsZero() {
		t := snap.LastActive.UTC()
		resp.LastActive = &t
	}
	respondJSON(w, http.StatusOK, resp)
}
