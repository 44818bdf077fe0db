package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relay/cmd/internal/realtime"
	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *httptest.Server) {
	t.Helper()

	cfg := Config{
		MaxConcurrentUsers: 2,
		WSOriginRequired:   false,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.db.Close() })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func getServerStatus(t *testing.T, srv *httptest.Server) serverStatusResponse {
	t.Helper()

	resp, err := http.Get(srv.URL + "/server-status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out serverStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func postJSON(t *testing.T, srv *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()

	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestServerStatus_Empty(t *testing.T) {
	_, srv := newTestApp(t, nil)

	got := getServerStatus(t, srv)
	require.Equal(t, serverStatusResponse{
		CurrentUsers: 0,
		MaxUsers:     2,
		Available:    true,
		OnlineUsers:  []string{},
	}, got)
}

func TestServerStatus_ReflectsRegisteredSocket(t *testing.T) {
	_, srv := newTestApp(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	payload, err := json.Marshal("alice")
	require.NoError(t, err)
	b, err := json.Marshal(v1.Envelope{V: v1.Version, Type: v1.TypeRegisterUser, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))

	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var env v1.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Type == v1.TypeRegistrationStatus {
			var st v1.RegistrationStatusPayload
			require.NoError(t, json.Unmarshal(env.Payload, &st))
			require.True(t, st.Success)
			break
		}
	}

	got := getServerStatus(t, srv)
	require.Equal(t, 1, got.CurrentUsers)
	require.True(t, got.Available)
	require.Equal(t, []string{"alice"}, got.OnlineUsers)
}

func TestPostGroupMessage_Stored(t *testing.T) {
	a, srv := newTestApp(t, nil)

	status, body := postJSON(t, srv, "/group-messages",
		`{"groupId": 7, "from": "alice", "text": "hi all", "timestamp": "2024-05-01T10:00:00Z"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])
	require.EqualValues(t, 1, body["id"])

	mem, ok := a.db.store.(*realtime.InMemoryStore)
	require.True(t, ok)
	rows := mem.GroupMessages("7")
	require.Len(t, rows, 1)
	require.Equal(t, "alice", rows[0].Sender)
	require.NotNil(t, rows[0].ClientTS)
	require.True(t, rows[0].ClientTS.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))
	require.False(t, rows[0].Timestamp.Equal(*rows[0].ClientTS))
}

func TestPostGroupMessage_Rejections(t *testing.T) {
	_, srv := newTestApp(t, nil)

	cases := []struct {
		name string
		body string
	}{
		{name: "bad json", body: `{"groupId":`},
		{name: "missing sender", body: `{"groupId": "g1", "text": "x"}`},
		{name: "missing group", body: `{"from": "alice", "text": "x"}`},
		{name: "no content", body: `{"groupId": "g1", "from": "alice"}`},
		{name: "bad attachment", body: `{"groupId": "g1", "from": "alice", "attachment_url": "not a url"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := postJSON(t, srv, "/group-messages", tc.body)
			require.Equal(t, http.StatusBadRequest, status)
			require.NotEmpty(t, body["error"])
		})
	}
}

func TestPostGroupMessage_UnknownGroupWhenEnforced(t *testing.T) {
	a, srv := newTestApp(t, func(c *Config) { c.EnforceGroups = true })

	mem := a.db.store.(*realtime.InMemoryStore)
	mem.PutGroup("g1")

	status, _ := postJSON(t, srv, "/group-messages", `{"groupId": "g1", "from": "alice", "text": "ok"}`)
	require.Equal(t, http.StatusOK, status)

	status, body := postJSON(t, srv, "/group-messages", `{"groupId": "g2", "from": "alice", "text": "nope"}`)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "group not found", body["error"])
}

func TestReadyz(t *testing.T) {
	_, srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, strict := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })
	resp, err = http.Get(strict.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestReadyz_SQLite(t *testing.T) {
	path := t.TempDir() + "/relay.db"
	a, srv := newTestApp(t, func(c *Config) {
		c.SQLitePath = path
		c.ReadinessRequireDB = true
	})
	require.Equal(t, "sqlite", a.db.backend)

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "relay_online_connections")
	require.Contains(t, buf.String(), "go_goroutines")
}

func TestHandler_SecurityHeaders(t *testing.T) {
	_, srv := newTestApp(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}
