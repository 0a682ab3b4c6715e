// Package api exposes the daemon's local HTTP control surface. Reads are
// served from the cache through the repositories; mutations follow each
// repository's offline policy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/questlog/questlog/internal/connectivity"
	"github.com/questlog/questlog/internal/domain"
	"github.com/questlog/questlog/internal/repo"
	"github.com/questlog/questlog/internal/session"
	"github.com/questlog/questlog/internal/store"
	"github.com/questlog/questlog/internal/sync"
	"go.uber.org/zap"
)

// Handler provides the HTTP handlers for the daemon API.
type Handler struct {
	profiles    *repo.ProfileRepository
	friendships *repo.FriendshipRepository
	messages    *repo.MessageRepository
	db          *store.DB
	monitor     connectivity.Monitor
	machine     *sync.Machine
	sess        *session.Session
	logger      *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(profiles *repo.ProfileRepository, friendships *repo.FriendshipRepository, messages *repo.MessageRepository, db *store.DB, mon connectivity.Monitor, machine *sync.Machine, sess *session.Session, logger *zap.Logger) *Handler {
	return &Handler{
		profiles:    profiles,
		friendships: friendships,
		messages:    messages,
		db:          db,
		monitor:     mon,
		machine:     machine,
		sess:        sess,
		logger:      logger,
	}
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router builds the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/profile/{id}", h.GetProfile)
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/rank/{id}", h.GetRank)

		r.Route("/friends", func(r chi.Router) {
			r.Get("/", h.ListFriends)
			r.Delete("/{id}", h.RemoveFriend)
			r.Route("/requests", func(r chi.Router) {
				r.Get("/", h.ListRequests)
				r.Post("/", h.SendRequest)
				r.Post("/{from}/accept", h.AcceptRequest)
				r.Post("/{from}/decline", h.DeclineRequest)
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Post("/", h.CreateConversation)
			r.Get("/{id}/messages", h.ListMessages)
			r.Post("/{id}/messages", h.SendMessage)
			r.Post("/{id}/read", h.MarkRead)
		})

		r.Post("/messages/{id}/retry", h.RetryMessage)
		r.Delete("/messages/{id}", h.DiscardMessage)

		r.Post("/quests/complete", h.CompleteQuest)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Get("/sync/status", h.SyncStatus)
	})

	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.writeJSON(w, status, APIResponse{Success: false, Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidUser):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOffline):
		return http.StatusServiceUnavailable
	}
	switch domain.Classify(err) {
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Health reports daemon liveness plus the connectivity and engine state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"status": "ok",
		"online": h.monitor.Online(),
		"sync":   string(h.machine.Current()),
	})
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, p)
}

func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	top, err := h.profiles.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, top)
}

func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	rank, err := h.profiles.GetUserRank(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]int64{"rank": rank})
}

func (h *Handler) ListFriends(w http.ResponseWriter, r *http.Request) {
	friends, err := h.friendships.Friends(r.Context(), h.sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, friends)
}

func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	incoming, err := h.friendships.IncomingRequests(r.Context(), h.sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	outgoing, err := h.friendships.OutgoingRequests(r.Context(), h.sess.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]any{"incoming": incoming, "outgoing": outgoing})
}

func (h *Handler) SendRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidUser)
		return
	}
	if err := h.friendships.SendRequest(r.Context(), h.sess.UserID, req.To); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "pending"})
}

func (h *Handler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	if err := h.friendships.AcceptRequest(r.Context(), from, h.sess.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "accepted"})
}

func (h *Handler) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	from := chi.URLParam(r, "from")
	if err := h.friendships.DeclineRequest(r.Context(), from, h.sess.UserID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "declined"})
}

func (h *Handler) RemoveFriend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.friendships.RemoveFriend(r.Context(), h.sess.UserID, id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "removed"})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.messages.Conversations(r.Context(), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, convs)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		With string `json:"with"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidUser)
		return
	}
	conv, err := h.messages.GetOrCreateConversation(r.Context(), req.With)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, conv)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	var before int64
	if s := r.URL.Query().Get("before"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			before = n
		}
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	msgs, err := h.messages.Messages(r.Context(), chi.URLParam(r, "id"), before, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Receiver string `json:"receiver"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.ErrInvalidUser)
		return
	}
	m, err := h.messages.SendMessage(r.Context(), req.Receiver, req.Content)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, m)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.MarkMessagesAsRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "read"})
}

func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.RetryMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "queued"})
}

func (h *Handler) DiscardMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.DiscardMessage(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "discarded"})
}

func (h *Handler) CompleteQuest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		XP int64 `json:"xp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.XP <= 0 {
		h.writeError(w, domain.ErrInvalidUser)
		return
	}
	p, err := h.profiles.CompleteQuest(r.Context(), req.XP)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, p)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.profiles.Settings(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, s)
}

func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var s store.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(w, domain.ErrInvalidUser)
		return
	}
	if err := h.profiles.UpdateSettings(r.Context(), &s); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, s)
}

func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	pending, failed, err := h.db.QueueDepth()
	if err != nil {
		h.writeError(w, err)
		return
	}
	lastReplay, err := h.db.GetSyncState("last_replay_at")
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSuccess(w, map[string]any{
		"online":       h.monitor.Online(),
		"state":        string(h.machine.Current()),
		"pending":      pending,
		"failed":       failed,
		"lastReplayAt": lastReplay,
	})
}

// Server wraps the HTTP listener lifecycle.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates an HTTP server for the handler on addr.
func NewServer(addr string, h *Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start begins serving in the background. The listener is bound before
// returning so startup failures surface immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
