package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, maxUsers int, cfg GatewayConfig) (*httptest.Server, *Relay, *InMemoryStore) {
	t.Helper()

	r, store := newTestRelay(t, maxUsers)
	gw, err := NewWSGateway(discardLogger(), r, cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, r, store
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env := envelopeOf(t, typ, payload)
	b, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

// readUntil reads envelopes until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) v1.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err, "waiting for %s", typ)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		require.Equal(t, v1.Version, env.V)
		if env.Type == typ {
			return env
		}
	}
}

func openGatewayConfig() GatewayConfig {
	cfg := DefaultGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func TestWSGateway_RegisterAndPrivateMessage(t *testing.T) {
	req := require.New(t)
	srv, _, store := newTestGateway(t, 10, openGatewayConfig())

	u1 := dialWS(t, srv)
	u2 := dialWS(t, srv)

	sendEvent(t, u1, v1.TypeRegisterUser, "u1")
	status := decodePayload[v1.RegistrationStatusPayload](t, readUntil(t, u1, v1.TypeRegistrationStatus))
	req.True(status.Success)

	sendEvent(t, u2, v1.TypeRegisterUser, "u2")
	req.True(decodePayload[v1.RegistrationStatusPayload](t, readUntil(t, u2, v1.TypeRegistrationStatus)).Success)
	online := decodePayload[v1.OnlineUsersPayload](t, readUntil(t, u2, v1.TypeOnlineUsers))
	req.Equal([]string{"u1", "u2"}, []string(online))

	sendEvent(t, u1, v1.TypePrivateMessage, v1.PrivateMessagePayload{From: "u1", To: "u2", Text: "hi"})

	hint := decodePayload[v1.NewMessagePayload](t, readUntil(t, u2, v1.TypeNewMessage))
	req.Equal(v1.NewMessagePayload{From: "u1", To: "u2"}, hint)
	got := decodePayload[v1.ReceivePrivateMessagePayload](t, readUntil(t, u2, v1.TypeReceivePrivateMessage))
	req.Equal("u1", got.From)
	req.Equal("hi", got.Text)
	req.False(got.Timestamp.IsZero())

	echo := decodePayload[v1.ReceivePrivateMessagePayload](t, readUntil(t, u1, v1.TypeReceivePrivateMessage))
	req.Equal(got.ID, echo.ID)

	conv, err := store.FindConversation(context.Background(), "u2", "u1")
	req.NoError(err)
	req.Len(store.Messages(conv.ID), 1)
}

func TestWSGateway_CapacityRejectionThenClose(t *testing.T) {
	req := require.New(t)
	srv, r, _ := newTestGateway(t, 1, openGatewayConfig())

	alice := dialWS(t, srv)
	sendEvent(t, alice, v1.TypeRegisterUser, "alice")
	req.True(decodePayload[v1.RegistrationStatusPayload](t, readUntil(t, alice, v1.TypeRegistrationStatus)).Success)

	bob := dialWS(t, srv)
	sendEvent(t, bob, v1.TypeRegisterUser, "bob")
	rej := decodePayload[v1.RegistrationStatusPayload](t, readUntil(t, bob, v1.TypeRegistrationStatus))
	req.False(rej.Success)
	req.Equal(v1.CodeUserLimitExceeded, rej.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := bob.Read(ctx)
	req.Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(err))

	snap := r.Snapshot()
	req.Equal([]string{"alice"}, snap.Identities)
}

func TestWSGateway_DisconnectUnregisters(t *testing.T) {
	req := require.New(t)
	srv, r, _ := newTestGateway(t, 10, openGatewayConfig())

	a := dialWS(t, srv)
	b := dialWS(t, srv)
	sendEvent(t, a, v1.TypeRegisterUser, "a")
	readUntil(t, a, v1.TypeRegistrationStatus)
	sendEvent(t, b, v1.TypeRegisterUser, "b")
	readUntil(t, b, v1.TypeRegistrationStatus)

	req.NoError(a.Close(websocket.StatusNormalClosure, "done"))

	req.Eventually(func() bool {
		_, ok := r.Registry.Lookup("a")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)

	for {
		online := decodePayload[v1.OnlineUsersPayload](t, readUntil(t, b, v1.TypeOnlineUsers))
		if len(online) == 1 {
			req.Equal("b", online[0])
			break
		}
	}
}

func TestWSGateway_ListenerSurvivesReadIdleTimeout(t *testing.T) {
	req := require.New(t)
	cfg := openGatewayConfig()
	cfg.ReadIdleTimeout = 400 * time.Millisecond
	cfg.HeartbeatEvery = 100 * time.Millisecond
	srv, r, _ := newTestGateway(t, 10, cfg)

	listener := dialWS(t, srv)
	sendEvent(t, listener, v1.TypeRegisterUser, "listener")
	req.True(decodePayload[v1.RegistrationStatusPayload](t, readUntil(t, listener, v1.TypeRegistrationStatus)).Success)

	// The listener only reads from here on, which is what answers the server's pings.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan v1.Envelope, 16)
	go func() {
		for {
			_, data, err := listener.Read(ctx)
			if err != nil {
				return
			}
			var env v1.Envelope
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			select {
			case received <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	time.Sleep(1500 * time.Millisecond)
	_, ok := r.Registry.Lookup("listener")
	req.True(ok, "listener dropped while answering heartbeats")

	sender := dialWS(t, srv)
	sendEvent(t, sender, v1.TypeRegisterUser, "sender")
	readUntil(t, sender, v1.TypeRegistrationStatus)
	sendEvent(t, sender, v1.TypePrivateMessage, v1.PrivateMessagePayload{From: "sender", To: "listener", Text: "still there?"})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-received:
			if env.Type != v1.TypeReceivePrivateMessage {
				continue
			}
			got := decodePayload[v1.ReceivePrivateMessagePayload](t, env)
			req.Equal("still there?", got.Text)
			return
		case <-deadline:
			t.Fatal("listener never received the private message")
		}
	}
}

func TestWSGateway_ProtocolErrorsAreReported(t *testing.T) {
	req := require.New(t)
	srv, _, _ := newTestGateway(t, 10, openGatewayConfig())
	conn := dialWS(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`{not json`)))
	e := decodePayload[v1.ErrorPayload](t, readUntil(t, conn, v1.TypeError))
	req.Equal(v1.ErrCodeBadJSON, e.Code)

	req.NoError(conn.Write(ctx, websocket.MessageText, []byte(`{"v":"v0","type":"registerUser"}`)))
	e = decodePayload[v1.ErrorPayload](t, readUntil(t, conn, v1.TypeError))
	req.Equal(v1.ErrCodeBadEnvelope, e.Code)

	sendEvent(t, conn, v1.TypeOnlineUsers, []string{})
	e = decodePayload[v1.ErrorPayload](t, readUntil(t, conn, v1.TypeError))
	req.Equal(v1.ErrCodeUnsupported, e.Code)

	sendEvent(t, conn, v1.TypePrivateMessage, v1.PrivateMessagePayload{From: "x", To: "y", Text: "hi"})
	e = decodePayload[v1.ErrorPayload](t, readUntil(t, conn, v1.TypeError))
	req.Equal(v1.ErrCodeNotRegistered, e.Code)
}

func TestWSGateway_RateLimitClosesConnection(t *testing.T) {
	req := require.New(t)
	cfg := openGatewayConfig()
	cfg.RateEvents = 2
	cfg.RateWindow = time.Minute
	srv, _, _ := newTestGateway(t, 10, cfg)
	conn := dialWS(t, srv)

	for i := 0; i < 3; i++ {
		sendEvent(t, conn, v1.TypeJoinGroup, "g1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var err error
	for err == nil {
		_, _, err = conn.Read(ctx)
	}
	req.Equal(websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestWSGateway_RejectsMissingSubprotocol(t *testing.T) {
	srv, _, _ := newTestGateway(t, 10, openGatewayConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	cfg := DefaultGatewayConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv, _, _ := newTestGateway(t, 10, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{"https://evil.example.net"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	require.Error(t, err, "origin is required by default")
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   http.Header{"Origin": []string{"https://app.example.com"}},
	})
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestOriginPatterns(t *testing.T) {
	require.Equal(t, []string{"127.0.0.1", "localhost"},
		originPatterns([]string{"http://localhost:5173", "http://127.0.0.1", "localhost", ""}))
	require.Equal(t, []string{"*"}, originPatterns([]string{"http://a.example", "*"}))
	require.Equal(t, "example.com", originHost("HTTPS://Example.com:8443"))
	require.Equal(t, "", originHost("http://"))
}
