// ABOUTME: Websocket client with optimistic send tracking and automatic reconnect
// ABOUTME: Mirrors server state: presence roster, per-session unread counts, outbox reconciliation

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/pulse-relay/internal/dedupe"
	"github.com/2389/pulse-relay/internal/relay"
)

// Outgoing message states.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// Outgoing tracks one optimistically-sent message from local send until the
// server's ack (or failure) resolves it.
type Outgoing struct {
	LocalID     string
	RecipientID string
	Content     string
	Status      string
	FailReason  string
	Message     *relay.WireMessage // set once confirmed
	sentAt      time.Time
}

// Options configures a Client.
type Options struct {
	URL   string // websocket endpoint, e.g. ws://host:port/ws
	Token string

	AckTimeout    time.Duration // pending sends fail after this (default 10s)
	ReconnectBase time.Duration // first retry delay (default 500ms)
	ReconnectMax  time.Duration // retry delay cap (default 30s)

	// OnOutgoing is invoked whenever an outgoing message changes state.
	// Called from the client's internal goroutines; must not block.
	OnOutgoing func(*Outgoing)

	Logger *slog.Logger
}

// Handler receives one inbound event.
type Handler func(env relay.Envelope)

// Client maintains a relay connection, reconnecting with exponential
// backoff when it drops. Presence, unread counts, and the outbox are kept
// consistent with the event stream.
type Client struct {
	opts Options

	mu       sync.Mutex
	ws       *websocket.Conn
	handlers map[string]map[int]Handler
	nextSub  int
	outbox   []*Outgoing // FIFO, oldest un-acked first
	online   map[string]bool
	unread   map[string]int
	closed   bool

	seen   *dedupe.Cache
	done   chan struct{}
	logger *slog.Logger
}

// Dial connects to the relay and starts the read loop. The returned client
// keeps itself connected until Close is called.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		opts:     opts,
		handlers: make(map[string]map[int]Handler),
		online:   make(map[string]bool),
		unread:   make(map[string]int),
		seen:     dedupe.New(5*time.Minute, 4096),
		done:     make(chan struct{}),
		logger:   opts.Logger.With("component", "client"),
	}

	ws, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws

	go c.readLoop()
	go c.expirePending()
	return c, nil
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	url := c.opts.URL + "?token=" + c.opts.Token
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	return ws, nil
}

// Subscribe registers a handler for an event type and returns a cancel
// function that removes it.
func (c *Client) Subscribe(eventType string, fn Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlers[eventType] == nil {
		c.handlers[eventType] = make(map[int]Handler)
	}
	id := c.nextSub
	c.nextSub++
	c.handlers[eventType][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[eventType], id)
	}
}

// SendMessage sends content to recipientID and returns the optimistic
// outbox entry, already in pending state. The entry is resolved to
// confirmed or failed when the server answers (or the ack times out).
func (c *Client) SendMessage(recipientID, content string) (*Outgoing, error) {
	out := &Outgoing{
		LocalID:     uuid.New().String(),
		RecipientID: recipientID,
		Content:     content,
		Status:      StatusPending,
		sentAt:      time.Now(),
	}

	c.mu.Lock()
	ws := c.ws
	c.outbox = append(c.outbox, out)
	c.mu.Unlock()

	if err := c.writeEvent(ws, relay.EventMessageSend, relay.SendPayload{
		RecipientID: recipientID,
		Content:     content,
	}); err != nil {
		c.removeFromOutbox(out)
		c.resolveOutgoing(out, StatusFailed, err.Error(), nil)
		return out, err
	}
	return out, nil
}

// SendTyping emits a typing:start or typing:stop signal.
func (c *Client) SendTyping(recipientID, sessionID string, typing bool) error {
	eventType := relay.EventTypingStop
	if typing {
		eventType = relay.EventTypingStart
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	return c.writeEvent(ws, eventType, relay.TypingPayload{
		RecipientID: recipientID,
		SessionID:   sessionID,
	})
}

// RequestStatus asks the server for a fresh presence snapshot.
func (c *Client) RequestStatus() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	return c.writeEvent(ws, relay.EventStatusRequest, nil)
}

func (c *Client) writeEvent(ws *websocket.Conn, eventType string, payload any) error {
	if ws == nil {
		return fmt.Errorf("not connected")
	}
	env, err := relay.NewEnvelope(eventType, payload)
	if err != nil {
		return err
	}

	// gorilla allows one concurrent writer
	c.mu.Lock()
	defer c.mu.Unlock()
	return ws.WriteJSON(env)
}

// IsOnline reports the last known presence of a user.
func (c *Client) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[userID]
}

// Unread returns the unread count for a session.
func (c *Client) Unread(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread[sessionID]
}

// MarkRead resets a session's unread count, e.g. when its view gains focus.
func (c *Client) MarkRead(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unread, sessionID)
}

// Close shuts the client down permanently; no reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		return ws.Close()
	}
	return nil
}

// readLoop dispatches inbound events and reconnects on failure.
func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		ws := c.ws
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		var env relay.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			c.logger.Warn("connection lost, reconnecting", "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		c.handleEvent(env)
	}
}

func (c *Client) handleEvent(env relay.Envelope) {
	switch env.Type {
	case relay.EventMessageSent:
		var msg relay.WireMessage
		if err := json.Unmarshal(env.Payload, &msg); err == nil {
			c.confirmOldest(&msg)
		}
	case relay.EventMessageError:
		var ep relay.ErrorPayload
		if err := json.Unmarshal(env.Payload, &ep); err == nil {
			c.failOldest(ep.Error)
		}
	case relay.EventMessageReceive:
		var msg relay.WireMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		// A redelivery after reconnect must not double-count or
		// re-notify.
		if c.seen.Seen(msg.ID) {
			return
		}
		c.mu.Lock()
		c.unread[msg.SessionID]++
		c.mu.Unlock()
	case relay.EventUserOnline:
		var ev relay.PresenceEvent
		if err := json.Unmarshal(env.Payload, &ev); err == nil {
			c.mu.Lock()
			c.online[ev.UserID] = true
			c.mu.Unlock()
		}
	case relay.EventUserOffline:
		var ev relay.PresenceEvent
		if err := json.Unmarshal(env.Payload, &ev); err == nil {
			c.mu.Lock()
			delete(c.online, ev.UserID)
			c.mu.Unlock()
		}
	case relay.EventUsersOnline:
		var snapshot relay.OnlineUsers
		if err := json.Unmarshal(env.Payload, &snapshot); err == nil {
			c.mu.Lock()
			c.online = make(map[string]bool, len(snapshot.UserIDs))
			for _, id := range snapshot.UserIDs {
				c.online[id] = true
			}
			c.mu.Unlock()
		}
	}

	c.dispatch(env)
}

func (c *Client) dispatch(env relay.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers[env.Type]))
	for _, fn := range c.handlers[env.Type] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// confirmOldest resolves the oldest pending entry for the acked message's
// recipient. The server processes one connection's sends in order, so acks
// arrive in send order per recipient and the FIFO match is exact.
func (c *Client) confirmOldest(msg *relay.WireMessage) {
	c.mu.Lock()
	var match *Outgoing
	for i, out := range c.outbox {
		if out.RecipientID == msg.RecipientID {
			match = out
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if match != nil {
		c.resolveOutgoing(match, StatusConfirmed, "", msg)
	}
}

// failOldest resolves the oldest pending entry as failed. Errors carry no
// recipient, but the server answers sends in order, so the oldest entry is
// the one that failed.
func (c *Client) failOldest(reason string) {
	c.mu.Lock()
	var match *Outgoing
	if len(c.outbox) > 0 {
		match = c.outbox[0]
		c.outbox = c.outbox[1:]
	}
	c.mu.Unlock()

	if match != nil {
		c.resolveOutgoing(match, StatusFailed, reason, nil)
	}
}

func (c *Client) removeFromOutbox(out *Outgoing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, o := range c.outbox {
		if o == out {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

func (c *Client) resolveOutgoing(out *Outgoing, status, reason string, msg *relay.WireMessage) {
	c.mu.Lock()
	out.Status = status
	out.FailReason = reason
	out.Message = msg
	cb := c.opts.OnOutgoing
	c.mu.Unlock()

	if cb != nil {
		cb(out)
	}
}

// expirePending fails outbox entries whose ack never arrived.
func (c *Client) expirePending() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-c.opts.AckTimeout)
		c.mu.Lock()
		var expired []*Outgoing
		remaining := c.outbox[:0]
		for _, out := range c.outbox {
			if out.sentAt.Before(cutoff) {
				expired = append(expired, out)
			} else {
				remaining = append(remaining, out)
			}
		}
		c.outbox = remaining
		c.mu.Unlock()

		for _, out := range expired {
			c.resolveOutgoing(out, StatusFailed, "ack timeout", nil)
		}
	}
}

// reconnect re-dials with exponential backoff and jitter until it succeeds
// or the client is closed. Returns false if the client was closed.
func (c *Client) reconnect() bool {
	delay := c.opts.ReconnectBase
	for attempt := 1; ; attempt++ {
		jittered := jitter(delay)
		select {
		case <-c.done:
			return false
		case <-time.After(jittered):
		}

		ws, err := c.connect(context.Background())
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				ws.Close()
				return false
			}
			c.ws = ws
			c.mu.Unlock()
			c.logger.Info("reconnected", "attempts", attempt)
			return true
		}

		c.logger.Debug("reconnect attempt failed", "attempt", attempt, "error", err)
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

// jitter spreads a delay by +/-20% so reconnecting clients don't stampede.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
