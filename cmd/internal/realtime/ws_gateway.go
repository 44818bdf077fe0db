package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/samber/lo"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig tunes the websocket transport. Zero fields fall back to defaults.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header.
	OriginRequired bool
	// AllowedOrigins is the origin allowlist; "*" allows any origin.
	AllowedOrigins []string
	// DevInsecure disables coder/websocket's own origin verification.
	DevInsecure bool

	WriteTimeout time.Duration
	// ReadIdleTimeout closes a session that has shown no sign of life (an inbound frame
	// or an answered ping) for this long.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig is secure by default: Origin required, localhost only.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint of the relay.
//
// It enforces origin policy, subprotocol selection, rate limits and heartbeats, then feeds each
// connection's envelopes to the Relay one at a time, in arrival order.
type WSGateway struct {
	log   *slog.Logger
	relay *Relay
	cfg   GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway in front of relay.
func NewWSGateway(log *slog.Logger, relay *Relay, cfg GatewayConfig) (*WSGateway, error) {
	if relay == nil {
		return nil, errors.New("realtime: nil relay")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	cfg.AllowedOrigins = lo.Compact(lo.Map(cfg.AllowedOrigins, func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))

	return &WSGateway{
		log:   log,
		relay: relay,
		cfg:   cfg,

		// websocket.Accept runs its own origin check; derive its patterns from the same
		// allowlist so the two layers agree.
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the session until either side closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}
	client := NewClient(sessionID, g.cfg.SendQueueSize)
	client.Remote = r.RemoteAddr

	g.serve(r.Context(), conn, client)
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, client *Client) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := g.log.With("session_id", client.SessionID)
	log.Info("ws.session.open", "remote", client.Remote)
	g.relay.Attach(client)

	var closeOnce sync.Once
	alive := newLiveness(time.Now())

	// shutdown is idempotent. Disconnect unbinds the identity and room memberships before
	// the transport goes away, and never closes client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.relay.Disconnect(client)
			_ = conn.Close(code, reason)
			cancel()
			log.Info("ws.session.close", "code", code, "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, client, log, shutdown)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeatLoop(ctx, conn, client, alive, log, shutdown)
	}()

	g.readLoop(ctx, conn, client, alive, log, shutdown)

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case env := <-client.Send:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (g *WSGateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, client *Client, alive *liveness, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	t := time.NewTicker(g.cfg.HeartbeatEvery)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			now := time.Now()
			if err == nil {
				failures = 0
				alive.touch(now)
				continue
			}

			failures++
			log.Info("ws.ping.fail", "failures", failures, "err", err)
			if failures >= wsMaxPingFailures {
				shutdown(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
			if idle := alive.idleFor(now); idle > g.cfg.ReadIdleTimeout {
				log.Info("ws.idle.timeout", "idle", idle)
				shutdown(websocket.StatusGoingAway, "idle timeout")
				return
			}
		}
	}
}

// readLoop blocks on the session context only; heartbeatLoop owns idle detection.
func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, client *Client, alive *liveness, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		env, err := readEnvelope(ctx, conn)
		if err == nil || classifyReadErr(err) == readErrBadJSON {
			alive.touch(time.Now())
		}

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				g.sendError(client, v1.ErrCodeBadJSON, "invalid JSON")
				continue
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !rl.Allow(time.Now()) {
			g.writeNow(ctx, conn, log, v1.TypeError, v1.ErrorPayload{Code: v1.ErrCodeRateLimited, Message: "too many events"})
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, v1.ErrCodeBadEnvelope, err.Error())
			continue
		}
		if !env.IsInbound() {
			g.sendError(client, v1.ErrCodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
			continue
		}

		err = g.dispatch(ctx, client, env, log)
		if err == nil {
			continue
		}

		var ee *EventError
		switch {
		case IsCapacityExceeded(err):
			g.rejectRegistration(ctx, conn, err, log)
			shutdown(websocket.StatusPolicyViolation, "user limit exceeded")
			return
		case errors.As(err, &ee):
			log.Info("ws.event.fail", "type", env.Type, "code", ee.Code, "err", err)
			g.sendError(client, ee.Code, ee.Message)
		case errors.Is(err, ErrInvalidIdentity):
			// registrationStatus already carries the reason.
		default:
			log.Error("ws.event.fail", "type", env.Type, "err", err)
		}
	}
}

// liveness records the last time the peer proved it was there.
type liveness struct {
	last atomic.Int64
}

func newLiveness(now time.Time) *liveness {
	l := &liveness{}
	l.touch(now)
	return l
}

func (l *liveness) touch(now time.Time) { l.last.Store(now.UnixNano()) }

func (l *liveness) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, l.last.Load()))
}

// dispatch runs one event with panic containment so a handler bug only costs that event.
func (g *WSGateway) dispatch(ctx context.Context, client *Client, env v1.Envelope, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("ws.handler.panic", "type", env.Type, "panic", rec)
			err = eventErr("internal", "internal error", fmt.Errorf("panic: %v", rec))
		}
	}()
	return g.relay.Handle(ctx, client, env)
}

// rejectRegistration writes the rejection straight to the socket so it precedes the close frame.
func (g *WSGateway) rejectRegistration(ctx context.Context, conn *websocket.Conn, cause error, log *slog.Logger) {
	env, err := RegistrationRejection(cause)
	if err != nil {
		log.Error("ws.reject.encode.fail", "err", err)
		return
	}
	if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
		log.Info("ws.reject.write.fail", "err", err)
	}
}

// writeNow bypasses the send queue for a last event written right before a close.
func (g *WSGateway) writeNow(ctx context.Context, conn *websocket.Conn, log *slog.Logger, typ string, payload any) {
	env, err := buildEnvelope(typ, payload, time.Now())
	if err != nil {
		log.Error("ws.write.encode.fail", "type", typ, "err", err)
		return
	}
	if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
		log.Info("ws.write.fail", "type", typ, "err", err)
	}
}

func (g *WSGateway) sendError(client *Client, code, msg string) {
	_ = g.relay.Broadcaster.Reply(client, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// ---- envelope IO ----

var errBadJSON = errors.New("bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		if a == "*" || a == origin {
			return nil
		}
		// Host match ignores scheme and port.
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lowercase host of "scheme://host[:port]" or "host[:port]".
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns turns the allowlist into websocket.AcceptOptions.OriginPatterns host patterns.
func originPatterns(allowed []string) []string {
	if lo.Contains(allowed, "*") {
		return []string{"*"}
	}
	hosts := lo.Uniq(lo.FilterMap(allowed, func(a string, _ int) (string, bool) {
		h := originHost(a)
		return h, h != "" && h != "*"
	}))
	slices.Sort(hosts)
	return hosts
}
