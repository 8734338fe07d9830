// ABOUTME: Fan-out of presence deltas and point-to-point typing signals
// ABOUTME: Typing indicators are fire-and-forget; offline recipients drop silently

package relay

import (
	"encoding/json"
	"log/slog"

	"github.com/2389/pulse-relay/internal/presence"
)

// Broadcaster pushes presence changes to every online connection and relays
// typing signals between session peers.
type Broadcaster struct {
	registry *presence.Registry
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over the given presence registry.
func NewBroadcaster(registry *presence.Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logger.With("component", "broadcaster"),
	}
}

// AnnounceOnline broadcasts a user:online delta to every connection except
// the one that just came online.
func (b *Broadcaster) AnnounceOnline(userID string) {
	b.broadcastPresence(EventUserOnline, userID)
}

// AnnounceOffline broadcasts a user:offline delta to every remaining
// connection.
func (b *Broadcaster) AnnounceOffline(userID string) {
	b.broadcastPresence(EventUserOffline, userID)
}

func (b *Broadcaster) broadcastPresence(eventType, userID string) {
	b.registry.Each(func(conn presence.Conn) {
		if conn.Identity() == userID {
			return
		}
		conn.Send(eventType, PresenceEvent{UserID: userID})
	})
}

// SendSnapshot delivers the full users:online roster to a single connection.
// Used on connect and in response to status:request.
func (b *Broadcaster) SendSnapshot(conn presence.Conn) {
	conn.Send(EventUsersOnline, OnlineUsers{UserIDs: b.registry.AllOnline()})
}

// RelayTyping forwards a typing:start or typing:stop signal to the named
// recipient, rewriting the payload so the recipient sees who is typing.
// Signals to offline or missing recipients are dropped without error.
func (b *Broadcaster) RelayTyping(eventType string, from presence.Conn, raw json.RawMessage) {
	var signal TypingPayload
	if err := json.Unmarshal(raw, &signal); err != nil || signal.RecipientID == "" {
		b.logger.Debug("ignoring malformed typing signal", "from", from.Identity())
		return
	}

	recipient, ok := b.registry.Get(signal.RecipientID)
	if !ok {
		return
	}

	recipient.Send(eventType, TypingEvent{
		UserID:    from.Identity(),
		SessionID: signal.SessionID,
	})
}
