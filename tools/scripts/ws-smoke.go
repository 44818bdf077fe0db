// Package main provides a CI-friendly WebSocket smoke test for the relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - registerUser for two identities
//   - group join and groupMessage fanout to the other member
//   - privateMessage delivery (receivePrivateMessage) and the newMessage hint
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// Presence traffic may interleave with anything; the smoke steps skip it.
var presenceTypes = map[string]struct{}{
	v1.TypeOnlineUsers: {},
	v1.TypeUserCount:   {},
	v1.TypeNewMessage:  {},
}

type smokeClient struct {
	name     string
	identity string
	conn     *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:3000/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		group   = flag.String("group", "", "Group id to join (default: generated)")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	run := time.Now().UnixNano()
	groupID := *group
	if groupID == "" {
		groupID = fmt.Sprintf("smoke-%d", run)
	}

	a := mustConnect(root, "A", fmt.Sprintf("smoke-a-%d", run), *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", fmt.Sprintf("smoke-b-%d", run), *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("registered: A=%s B=%s origin=%q\n", a.identity, b.identity, *origin)
	}

	mustJoin(root, a, groupID, *timeout)
	mustJoin(root, b, groupID, *timeout)

	mustGroupFanout(root, a, b, groupID, *text, *timeout)
	mustPrivateDelivery(root, a, b, *text, *timeout)

	fmt.Printf("OK: A=%s B=%s group=%s\n", a.identity, b.identity, groupID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, identity, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:     name,
		identity: identity,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	c.mustSend(parent, v1.TypeRegisterUser, v1.RegisterUserPayload{Identity: identity}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeRegistrationStatus, stepTimeout)

	var p v1.RegistrationStatusPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal registrationStatus payload (%s): %v", name, err)
	}
	if !p.Success {
		fatalf("registration rejected (%s): code=%q msg=%q", name, p.Code, p.Message)
	}
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustJoin has no acknowledgement on the wire; a short pause lets the server apply it
// before the first group message.
func mustJoin(parent context.Context, c *smokeClient, groupID string, stepTimeout time.Duration) {
	c.mustSend(parent, v1.TypeJoinGroup, v1.JoinGroupPayload{GroupID: v1.GroupID(groupID)}, stepTimeout)
	c.mustAssertNoType(parent, v1.TypeError, 300*time.Millisecond)
}

func mustGroupFanout(parent context.Context, from, to *smokeClient, groupID, text string, stepTimeout time.Duration) {
	marker := fmt.Sprintf("g-%d", time.Now().UnixNano())
	from.mustSend(parent, v1.TypeGroupMessage, map[string]any{
		"groupId": groupID,
		"from":    from.identity,
		"text":    text,
		"marker":  marker,
	}, stepTimeout)

	env := to.mustReadUntilType(parent, v1.TypeReceiveGroupMessage, stepTimeout)

	var p map[string]any
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receiveGroupMessage payload (%s): %v", to.name, err)
	}
	if p["groupId"] != groupID || p["from"] != from.identity || p["text"] != text || p["marker"] != marker {
		fatalf("receiveGroupMessage payload not echoed verbatim (%s): %v", to.name, p)
	}

	from.mustAssertNoType(parent, v1.TypeReceiveGroupMessage, 500*time.Millisecond)
}

func mustPrivateDelivery(parent context.Context, from, to *smokeClient, text string, stepTimeout time.Duration) {
	from.mustSend(parent, v1.TypePrivateMessage, v1.PrivateMessagePayload{
		From: from.identity,
		To:   to.identity,
		Text: text,
	}, stepTimeout)

	seen := to.mustCollect(parent, []string{v1.TypeNewMessage, v1.TypeReceivePrivateMessage}, stepTimeout)

	var hint v1.NewMessagePayload
	if err := json.Unmarshal(seen[v1.TypeNewMessage].Payload, &hint); err != nil {
		fatalf("unmarshal newMessage payload (%s): %v", to.name, err)
	}
	if hint.From != from.identity || hint.To != to.identity {
		fatalf("newMessage mismatch (%s): got=%+v", to.name, hint)
	}

	var msg v1.ReceivePrivateMessagePayload
	if err := json.Unmarshal(seen[v1.TypeReceivePrivateMessage].Payload, &msg); err != nil {
		fatalf("unmarshal receivePrivateMessage payload (%s): %v", to.name, err)
	}
	if msg.From != from.identity || msg.To != to.identity || msg.Text != text {
		fatalf("receivePrivateMessage mismatch (%s): got=%+v", to.name, msg)
	}
	if msg.Timestamp.IsZero() {
		fatalf("receivePrivateMessage timestamp missing/zero (%s)", to.name)
	}

	// The sender gets its own copy with the same canonical timestamp.
	echo := from.mustReadUntilType(parent, v1.TypeReceivePrivateMessage, stepTimeout)
	var mine v1.ReceivePrivateMessagePayload
	if err := json.Unmarshal(echo.Payload, &mine); err != nil {
		fatalf("unmarshal sender copy (%s): %v", from.name, err)
	}
	if !mine.Timestamp.Equal(msg.Timestamp) {
		fatalf("timestamp mismatch: sender=%s recipient=%s", mine.Timestamp, msg.Timestamp)
	}
}

func (c *smokeClient) mustSend(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustCollect waits until one envelope of every wanted type arrived.
func (c *smokeClient) mustCollect(parent context.Context, want []string, stepTimeout time.Duration) map[string]v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	seen := make(map[string]v1.Envelope, len(want))
	for len(seen) < len(want) {
		env := c.next(ctx, strings.Join(want, ","))
		for _, w := range want {
			if env.Type == w {
				if _, dup := seen[w]; !dup {
					seen[w] = env
				}
			}
		}
	}
	return seen
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.next(ctx, wantType)
		if env.Type == wantType {
			return env
		}
		if _, ok := presenceTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

func (c *smokeClient) mustAssertNoType(parent context.Context, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

// next returns the next envelope, failing on errors, close or timeout.
func (c *smokeClient) next(ctx context.Context, waitingFor string) v1.Envelope {
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		return env
	}
	panic("unreachable")
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
