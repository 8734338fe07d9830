// ABOUTME: Message routing state machine: validate, resolve, persist, deliver, ack
// ABOUTME: Persistence always precedes delivery; the sender is acked exactly once per accepted message

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/pulse-relay/internal/ai"
	"github.com/2389/pulse-relay/internal/presence"
	"github.com/2389/pulse-relay/internal/session"
	"github.com/2389/pulse-relay/internal/store"
)

const assistantHistoryLimit = 20

// MessageStore is the subset of the store the router needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *store.Message) error
	ListRecentMessages(ctx context.Context, sessionID string, limit int) ([]*store.Message, error)
}

// SessionResolver maps an unordered identity pair to its session.
type SessionResolver interface {
	Resolve(ctx context.Context, idA, idB string) (*store.Session, error)
}

// clientConn is the view of a connection the router and broadcaster need.
// *Conn satisfies it; tests substitute fakes.
type clientConn interface {
	Identity() string
	Contact() string
	Send(eventType string, payload any)
}

// Router handles inbound message:send events. Each event moves through
// validation, session resolution, persistence, best-effort delivery, and
// finally acknowledgment back to the sender.
type Router struct {
	resolver  SessionResolver
	store     MessageStore
	registry  *presence.Registry
	assistant string // assistant identity, empty when disabled
	responder ai.Responder
	logger    *slog.Logger
}

// NewRouter creates a message router. responder may be nil when the
// assistant is disabled.
func NewRouter(resolver SessionResolver, messageStore MessageStore, registry *presence.Registry, assistant string, responder ai.Responder, logger *slog.Logger) *Router {
	return &Router{
		resolver:  resolver,
		store:     messageStore,
		registry:  registry,
		assistant: assistant,
		responder: responder,
		logger:    logger.With("component", "router"),
	}
}

// HandleSend processes one message:send event from sender. Errors are
// reported back on the sender's connection as message:error; nothing is
// ever surfaced to the recipient on failure.
func (rt *Router) HandleSend(ctx context.Context, sender clientConn, raw json.RawMessage) {
	var req SendPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		sender.Send(EventMessageError, ErrorPayload{Error: "missing required fields"})
		return
	}
	if req.RecipientID == "" || req.Content == "" {
		sender.Send(EventMessageError, ErrorPayload{Error: "missing required fields"})
		return
	}

	sess, err := rt.resolver.Resolve(ctx, sender.Identity(), req.RecipientID)
	if err != nil {
		rt.logger.Warn("session resolution failed",
			"sender", sender.Identity(),
			"recipient", req.RecipientID,
			"error", err)
		if errors.Is(err, session.ErrSelfPair) {
			sender.Send(EventMessageError, ErrorPayload{Error: "cannot message yourself"})
			return
		}
		if errors.Is(err, session.ErrEmptyIdentity) {
			sender.Send(EventMessageError, ErrorPayload{Error: "missing required fields"})
			return
		}
		sender.Send(EventMessageError, ErrorPayload{
			Error:   "failed to resolve session",
			Details: err.Error(),
		})
		return
	}

	msg := &store.Message{
		ID:          uuid.New().String(),
		SessionID:   sess.ID,
		SenderID:    sender.Identity(),
		RecipientID: req.RecipientID,
		Content:     req.Content,
		CreatedAt:   time.Now(),
	}

	if err := rt.store.AppendMessage(ctx, msg); err != nil {
		rt.logger.Error("failed to persist message",
			"session_id", sess.ID,
			"sender", sender.Identity(),
			"error", err)
		sender.Send(EventMessageError, ErrorPayload{
			Error:   "failed to store message",
			Details: err.Error(),
		})
		return
	}

	wire := wireFromMessage(msg, sender.Contact())

	// Best-effort delivery: an offline recipient just skips this step,
	// they will read the message from history later.
	if recipient, ok := rt.registry.Get(req.RecipientID); ok {
		recipient.Send(EventMessageReceive, wire)
	}

	// The ack always fires once the message is durable, delivered or not.
	sender.Send(EventMessageSent, wire)

	if rt.assistant != "" && req.RecipientID == rt.assistant && rt.responder != nil {
		go rt.respondAsAssistant(sess.ID, sender.Identity(), req.Content)
	}
}

// respondAsAssistant generates and persists the assistant's reply, then
// pushes it to the original sender if they are still online. Runs outside
// the sender's read loop so a slow model never blocks the connection.
func (rt *Router) respondAsAssistant(sessionID, senderID, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger := rt.logger.With("session_id", sessionID, "assistant", rt.assistant)

	recent, err := rt.store.ListRecentMessages(ctx, sessionID, assistantHistoryLimit)
	if err != nil {
		logger.Error("failed to load assistant history", "error", err)
		return
	}

	// The triggering message is already persisted and sits at the end of
	// the history; it is passed separately to the responder.
	if n := len(recent); n > 0 && recent[n-1].Content == content && !recent[n-1].FromAssistant {
		recent = recent[:n-1]
	}

	history := make([]ai.HistoryMessage, 0, len(recent))
	for _, m := range recent {
		history = append(history, ai.HistoryMessage{
			FromAssistant: m.FromAssistant,
			Content:       m.Content,
		})
	}

	reply, err := rt.responder.Respond(ctx, history, content)
	if err != nil {
		logger.Error("assistant response failed", "error", err)
		return
	}

	msg := &store.Message{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		SenderID:      rt.assistant,
		RecipientID:   senderID,
		Content:       reply,
		FromAssistant: true,
		CreatedAt:     time.Now(),
	}

	if err := rt.store.AppendMessage(ctx, msg); err != nil {
		logger.Error("failed to persist assistant reply", "error", err)
		return
	}

	if conn, ok := rt.registry.Get(senderID); ok {
		conn.Send(EventMessageReceive, wireFromMessage(msg, ""))
	}
}

// HandleStatusRequest answers a status:request with the current presence
// snapshot, sent only to the asking connection.
func (rt *Router) HandleStatusRequest(sender clientConn) {
	sender.Send(EventUsersOnline, OnlineUsers{UserIDs: rt.registry.AllOnline()})
}
