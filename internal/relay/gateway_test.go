// ABOUTME: End-to-end websocket tests for the gateway handshake and event flow
// ABOUTME: Covers auth rejection, presence lifecycle, supersession, and message delivery

package relay

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/pulse-relay/internal/auth"
	"github.com/2389/pulse-relay/internal/presence"
	"github.com/2389/pulse-relay/internal/session"
	"github.com/2389/pulse-relay/internal/store"
)

const testSecret = "gateway-test-secret"

type gatewayFixture struct {
	server   *httptest.Server
	verifier *auth.JWTVerifier
	registry *presence.Registry
}

func newGatewayFixture(t *testing.T, secret string) *gatewayFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	verifier := auth.NewJWTVerifier([]byte(secret))
	registry := presence.NewRegistry(logger)
	resolver := session.NewResolver(st, "", logger)
	router := NewRouter(resolver, st, registry, "", nil, logger)
	broadcaster := NewBroadcaster(registry, logger)

	gateway := NewGateway(verifier, registry, router, broadcaster, GatewayOptions{
		SendBuffer:   16,
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
	}, logger)

	server := httptest.NewServer(gateway)
	t.Cleanup(server.Close)

	return &gatewayFixture{server: server, verifier: verifier, registry: registry}
}

func (fx *gatewayFixture) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	token, err := fx.verifier.Generate(identity, identity+"@example.com", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// waitForEvent reads frames until one of the wanted type arrives.
func waitForEvent(t *testing.T, ws *websocket.Conn, eventType string) Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	ws.SetReadDeadline(deadline)
	for {
		var env Envelope
		require.NoError(t, ws.ReadJSON(&env), "waiting for %s", eventType)
		if env.Type == eventType {
			return env
		}
		require.True(t, time.Now().Before(deadline), "timed out waiting for %s", eventType)
	}
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGateway_RejectsInvalidToken(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestGateway_NoSecretIsServerFault(t *testing.T) {
	fx := newGatewayFixture(t, "")

	// Mint a token with some other secret; the server must answer 503,
	// not 401, because the misconfiguration is on its side.
	other := auth.NewJWTVerifier([]byte("other"))
	token, err := other.Generate("alice", "", time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestGateway_SnapshotOnConnect(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	ws := fx.dial(t, "alice")

	env := waitForEvent(t, ws, EventUsersOnline)
	var snapshot OnlineUsers
	require.NoError(t, json.Unmarshal(env.Payload, &snapshot))
	assert.Equal(t, []string{"alice"}, snapshot.UserIDs)
}

func TestGateway_PresenceLifecycle(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	alice := fx.dial(t, "alice")
	waitForEvent(t, alice, EventUsersOnline)

	bob := fx.dial(t, "bob")

	// Alice hears about bob coming online.
	env := waitForEvent(t, alice, EventUserOnline)
	var online PresenceEvent
	require.NoError(t, json.Unmarshal(env.Payload, &online))
	assert.Equal(t, "bob", online.UserID)

	// Bob's snapshot includes both.
	env = waitForEvent(t, bob, EventUsersOnline)
	var snapshot OnlineUsers
	require.NoError(t, json.Unmarshal(env.Payload, &snapshot))
	assert.ElementsMatch(t, []string{"alice", "bob"}, snapshot.UserIDs)

	// Bob disconnects; alice hears about it.
	bob.Close()
	env = waitForEvent(t, alice, EventUserOffline)
	var offline PresenceEvent
	require.NoError(t, json.Unmarshal(env.Payload, &offline))
	assert.Equal(t, "bob", offline.UserID)
}

func TestGateway_MessageRoundTrip(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	alice := fx.dial(t, "alice")
	bob := fx.dial(t, "bob")
	waitForEvent(t, alice, EventUsersOnline)
	waitForEvent(t, bob, EventUsersOnline)

	send, err := NewEnvelope(EventMessageSend, SendPayload{RecipientID: "bob", Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(send))

	env := waitForEvent(t, bob, EventMessageReceive)
	var received WireMessage
	require.NoError(t, json.Unmarshal(env.Payload, &received))
	assert.Equal(t, "alice", received.SenderID)
	assert.Equal(t, "hello", received.Content)

	env = waitForEvent(t, alice, EventMessageSent)
	var ack WireMessage
	require.NoError(t, json.Unmarshal(env.Payload, &ack))
	assert.Equal(t, received.ID, ack.ID)
}

func TestGateway_Supersession(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	first := fx.dial(t, "alice")
	waitForEvent(t, first, EventUsersOnline)

	second := fx.dial(t, "alice")
	waitForEvent(t, second, EventUsersOnline)

	// The first socket is closed by the server; reads eventually fail.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		if err := first.ReadJSON(&env); err != nil {
			break
		}
	}

	// The identity is still online through the second socket.
	assert.True(t, fx.registry.IsOnline("alice"))

	// And the second socket still works.
	send, err := NewEnvelope(EventStatusRequest, nil)
	require.NoError(t, err)
	require.NoError(t, second.WriteJSON(send))
	waitForEvent(t, second, EventUsersOnline)
}

func TestGateway_UnknownEventIgnored(t *testing.T) {
	fx := newGatewayFixture(t, testSecret)

	ws := fx.dial(t, "alice")
	waitForEvent(t, ws, EventUsersOnline)

	require.NoError(t, ws.WriteJSON(Envelope{Type: "bogus:event"}))

	// The connection survives; status:request still answers.
	require.NoError(t, ws.WriteJSON(Envelope{Type: EventStatusRequest}))
	waitForEvent(t, ws, EventUsersOnline)
}
