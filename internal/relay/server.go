// ABOUTME: Top-level server assembly: store, auth, presence, router, gateway, API
// ABOUTME: Owns the http.Server lifecycle including graceful shutdown

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/pulse-relay/internal/ai"
	"github.com/2389/pulse-relay/internal/auth"
	"github.com/2389/pulse-relay/internal/config"
	"github.com/2389/pulse-relay/internal/presence"
	"github.com/2389/pulse-relay/internal/session"
	"github.com/2389/pulse-relay/internal/store"
)

// Server wires the relay components together behind a single HTTP listener:
// the websocket endpoint at /ws, the REST API under /api, and /health.
type Server struct {
	cfg      *config.Config
	store    store.Store
	registry *presence.Registry
	httpSrv  *http.Server
	logger   *slog.Logger
}

// NewServer builds the full component graph from configuration. The caller
// owns the store's lifetime via Close.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	registry := presence.NewRegistry(logger)

	assistantID := ""
	var responder ai.Responder
	if cfg.Assistant.Enabled {
		assistantID = cfg.Assistant.Identity
		responder = ai.NewAnthropic(func(o *ai.Options) {
			if cfg.Assistant.Model != "" {
				o.Model = cfg.Assistant.Model
			}
			o.APIKey = cfg.Assistant.APIKey
		})
		logger.Info("assistant enabled", "identity", assistantID, "model", cfg.Assistant.Model)
	}

	resolver := session.NewResolver(st, assistantID, logger)
	router := NewRouter(resolver, st, registry, assistantID, responder, logger)
	broadcaster := NewBroadcaster(registry, logger)

	gateway := NewGateway(verifier, registry, router, broadcaster, GatewayOptions{
		SendBuffer:   cfg.Relay.SendBuffer,
		PingInterval: cfg.Relay.PingInterval,
		WriteTimeout: cfg.Relay.WriteTimeout,
	}, logger)

	api := NewAPI(st, resolver, verifier, verifier, cfg.Auth.TokenTTL, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/", api.Routes())

	return &Server{
		cfg:      cfg,
		store:    st,
		registry: registry,
		httpSrv: &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "server"),
	}, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Server.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.store.Close()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
	}

	// Close every live websocket so read loops unblock.
	s.registry.Each(func(conn presence.Conn) {
		if c, ok := conn.(*Conn); ok {
			c.Close()
		}
	})

	return s.store.Close()
}
