// ABOUTME: Websocket connection wrapper with a buffered outbound queue
// ABOUTME: Single writer goroutine owns the socket; Send never blocks the caller

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pulse-relay/internal/auth"
)

// Conn wraps a websocket connection for one authenticated user. All writes
// go through the outbound channel and are serialized by writePump; reads
// happen in the gateway's read loop.
type Conn struct {
	ws       *websocket.Conn
	identity *auth.Identity
	outbound chan *Envelope

	pingInterval time.Duration
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConn(ws *websocket.Conn, identity *auth.Identity, bufferSize int, pingInterval, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		identity:     identity,
		outbound:     make(chan *Envelope, bufferSize),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
		logger:       logger.With("component", "conn", "user_id", identity.ID),
	}
}

// Identity returns the authenticated user ID for this connection.
func (c *Conn) Identity() string {
	return c.identity.ID
}

// Contact returns the contact attribute carried in the connection's token.
func (c *Conn) Contact() string {
	return c.identity.Contact
}

// Send enqueues an event for delivery. If the outbound buffer is full the
// event is dropped with a warning rather than blocking the router.
func (c *Conn) Send(eventType string, payload any) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		c.logger.Error("failed to encode event", "event_type", eventType, "error", err)
		return
	}

	select {
	case c.outbound <- env:
	case <-c.done:
	default:
		c.logger.Warn("outbound buffer full, dropping event", "event_type", eventType)
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. It exits when Close is called or a
// write fails.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed, closing connection", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close shuts the connection down. Safe to call more than once; the read
// loop unblocks because the underlying socket is closed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
