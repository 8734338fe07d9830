// ABOUTME: Websocket handshake endpoint and per-connection read loop
// ABOUTME: Authenticates the upgrade, manages presence lifecycle, dispatches inbound events

package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/pulse-relay/internal/auth"
	"github.com/2389/pulse-relay/internal/presence"
)

// GatewayOptions carries the per-connection tuning knobs.
type GatewayOptions struct {
	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Gateway accepts websocket connections at the relay endpoint. Each
// accepted connection is authenticated before the upgrade completes,
// registered in the presence registry, and served by a read loop that
// dispatches events until the socket closes.
type Gateway struct {
	verifier    auth.TokenVerifier
	registry    *presence.Registry
	router      *Router
	broadcaster *Broadcaster
	opts        GatewayOptions
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewGateway creates the websocket gateway.
func NewGateway(verifier auth.TokenVerifier, registry *presence.Registry, router *Router, broadcaster *Broadcaster, opts GatewayOptions, logger *slog.Logger) *Gateway {
	return &Gateway{
		verifier:    verifier,
		registry:    registry,
		router:      router,
		broadcaster: broadcaster,
		opts:        opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}
}

// ServeHTTP handles the websocket upgrade. Authentication failures are
// rejected before the upgrade so the client sees a plain HTTP status:
// 401 for a missing or invalid token, 503 when the server has no signing
// secret configured.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "missing authentication token", http.StatusUnauthorized)
		return
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, auth.ErrNoSecret) {
			g.logger.Error("rejecting connection: no signing secret configured")
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}
		g.logger.Debug("rejecting connection: invalid token", "error", err)
		http.Error(w, "invalid authentication token", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user_id", identity.ID, "error", err)
		return
	}

	conn := newConn(ws, identity, g.opts.SendBuffer, g.opts.PingInterval, g.opts.WriteTimeout, g.logger)
	go conn.writePump()

	// Last connection wins: a previous socket for the same identity is
	// superseded and closed.
	if prev := g.registry.SetOnline(identity.ID, conn); prev != nil {
		if pc, ok := prev.(*Conn); ok {
			pc.Close()
		}
	}

	g.logger.Info("user connected", "user_id", identity.ID)
	g.broadcaster.AnnounceOnline(identity.ID)
	g.broadcaster.SendSnapshot(conn)

	g.readLoop(conn)

	conn.Close()
	if g.registry.SetOffline(identity.ID, conn) {
		g.logger.Info("user disconnected", "user_id", identity.ID)
		g.broadcaster.AnnounceOffline(identity.ID)
	}
}

// readLoop reads and dispatches events until the socket errors out.
// Events are handled synchronously so each connection's sends are
// processed in arrival order.
func (g *Gateway) readLoop(conn *Conn) {
	ctx := auth.WithIdentity(context.Background(), conn.identity)

	for {
		var env Envelope
		if err := conn.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("read error", "user_id", conn.Identity(), "error", err)
			}
			return
		}

		switch env.Type {
		case EventMessageSend:
			g.router.HandleSend(ctx, conn, env.Payload)
		case EventTypingStart, EventTypingStop:
			g.broadcaster.RelayTyping(env.Type, conn, env.Payload)
		case EventStatusRequest:
			g.router.HandleStatusRequest(conn)
		default:
			g.logger.Debug("ignoring unknown event type",
				"user_id", conn.Identity(), "event_type", env.Type)
		}
	}
}
