// ABOUTME: Wire event envelope and typed payloads for the relay protocol
// ABOUTME: Bidirectional JSON events exchanged over the websocket

package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/pulse-relay/internal/store"
)

// Event type names. Clients send message:send, typing:*, and status:request;
// the server sends everything else (typing:* is relayed in both directions).
const (
	EventMessageSend    = "message:send"
	EventMessageSent    = "message:sent"
	EventMessageReceive = "message:receive"
	EventMessageError   = "message:error"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventStatusRequest  = "status:request"
	EventUsersOnline    = "users:online"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
)

// Envelope is the outer frame for every event on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload value in an envelope, marshaling it to JSON.
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	env := &Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// SendPayload is the client's message:send request.
type SendPayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
	SessionID   string `json:"sessionId,omitempty"`
}

// WireMessage is the full persisted message record as sent to clients,
// with the sender's contact attribute joined in when known.
type WireMessage struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	SenderID      string    `json:"senderId"`
	SenderContact string    `json:"senderContact,omitempty"`
	RecipientID   string    `json:"recipientId"`
	Content       string    `json:"content"`
	FromAssistant bool      `json:"fromAssistant,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// wireFromMessage converts a stored message for the wire.
func wireFromMessage(msg *store.Message, senderContact string) *WireMessage {
	return &WireMessage{
		ID:            msg.ID,
		SessionID:     msg.SessionID,
		SenderID:      msg.SenderID,
		SenderContact: senderContact,
		RecipientID:   msg.RecipientID,
		Content:       msg.Content,
		FromAssistant: msg.FromAssistant,
		CreatedAt:     msg.CreatedAt,
	}
}

// ErrorPayload is a message:error report, sent only to the originating
// connection.
type ErrorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TypingPayload is the client's typing:start/typing:stop signal.
type TypingPayload struct {
	RecipientID string `json:"recipientId"`
	SessionID   string `json:"sessionId"`
}

// TypingEvent is the relayed form delivered to the recipient.
type TypingEvent struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
}

// PresenceEvent is a user:online/user:offline delta.
type PresenceEvent struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the users:online presence snapshot.
type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}
