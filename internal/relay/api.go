// ABOUTME: REST endpoints for session bootstrap, history pagination, and token refresh
// ABOUTME: All /api routes require a bearer token; history is only served to participants

package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/pulse-relay/internal/auth"
	"github.com/2389/pulse-relay/internal/session"
	"github.com/2389/pulse-relay/internal/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// TokenIssuer mints fresh tokens for the refresh endpoint.
type TokenIssuer interface {
	Generate(identity, contact string, expiresIn time.Duration) (string, error)
}

// API serves the REST surface next to the websocket endpoint.
type API struct {
	store    store.Store
	resolver SessionResolver
	verifier auth.TokenVerifier
	issuer   TokenIssuer
	tokenTTL time.Duration
	logger   *slog.Logger
}

// NewAPI creates the REST handler set.
func NewAPI(st store.Store, resolver SessionResolver, verifier auth.TokenVerifier, issuer TokenIssuer, tokenTTL time.Duration, logger *slog.Logger) *API {
	return &API{
		store:    st,
		resolver: resolver,
		verifier: verifier,
		issuer:   issuer,
		tokenTTL: tokenTTL,
		logger:   logger.With("component", "api"),
	}
}

// Routes returns the API routes mounted under /api plus the public
// health endpoint.
func (a *API) Routes() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/sessions", a.handleCreateSession)
	authed.HandleFunc("GET /api/sessions", a.handleListSessions)
	authed.HandleFunc("GET /api/sessions/{id}/messages", a.handleListMessages)
	authed.HandleFunc("POST /api/token", a.handleRefreshToken)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("/api/", auth.HTTPMiddleware(a.verifier)(authed))
	return mux
}

type sessionResponse struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	Assistant    bool      `json:"assistant,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

func sessionToResponse(s *store.Session) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		Participants: []string{s.ParticipantA, s.ParticipantB},
		Assistant:    s.Assistant,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
	}
}

// handleCreateSession resolves (or creates) the session between the caller
// and the named participant. Idempotent: repeated calls return the same
// session.
func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
		a.writeError(w, http.StatusBadRequest, "participantId is required")
		return
	}

	sess, err := a.resolver.Resolve(r.Context(), identity.ID, req.ParticipantID)
	if err != nil {
		if errors.Is(err, session.ErrSelfPair) {
			a.writeError(w, http.StatusBadRequest, "cannot open a session with yourself")
			return
		}
		if errors.Is(err, session.ErrEmptyIdentity) {
			a.writeError(w, http.StatusBadRequest, "participantId is required")
			return
		}
		a.logger.Error("session resolution failed", "user_id", identity.ID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to resolve session")
		return
	}

	a.writeJSON(w, http.StatusOK, sessionToResponse(sess))
}

// handleListSessions returns the caller's sessions, most recently active
// first.
func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	sessions, err := a.store.ListSessions(r.Context(), identity.ID)
	if err != nil {
		a.logger.Error("failed to list sessions", "user_id", identity.ID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionToResponse(s))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// handleListMessages serves one page of a session's history. Pages count
// from the oldest end so an already-fetched page never shifts when new
// messages arrive.
func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	sessionID := r.PathValue("id")

	sess, err := a.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			a.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error("failed to load session", "session_id", sessionID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if !sess.Has(identity.ID) {
		// Non-participants get the same answer as a missing session.
		a.writeError(w, http.StatusNotFound, "session not found")
		return
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultPageLimit)
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, total, err := a.store.ListMessages(r.Context(), sessionID, page, limit)
	if err != nil {
		a.logger.Error("failed to list messages", "session_id", sessionID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	wire := make([]*WireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, wireFromMessage(msg, ""))
	}

	totalPages := (total + limit - 1) / limit
	a.writeJSON(w, http.StatusOK, map[string]any{
		"messages": wire,
		"pagination": map[string]int{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

// handleRefreshToken mints a fresh token for the already-authenticated
// caller, preserving the identity claims of the presented token.
func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	token, err := a.issuer.Generate(identity.ID, identity.Contact, a.tokenTTL)
	if err != nil {
		a.logger.Error("failed to mint token", "user_id", identity.ID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to mint token")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
