// ABOUTME: Responder interface for the virtual assistant recipient
// ABOUTME: Replies are generated from recent session history, persistence handled by the router

package ai

import "context"

// HistoryMessage is one turn of prior conversation passed to a responder,
// oldest first.
type HistoryMessage struct {
	FromAssistant bool
	Content       string
}

// Responder generates the assistant's reply to a message. Implementations
// must be safe for concurrent use; the router invokes one call per inbound
// assistant-bound message.
type Responder interface {
	Respond(ctx context.Context, history []HistoryMessage, content string) (string, error)
}

// Static is a deterministic responder used in tests and when no model is
// configured but the assistant identity is enabled.
type Static struct {
	Reply string
}

// Respond returns the fixed reply regardless of input.
func (s Static) Respond(ctx context.Context, history []HistoryMessage, content string) (string, error) {
	return s.Reply, nil
}
