package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	v1 "relay/shared/contracts/realtime/v1"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(id string) *Client {
	return NewClient(id, 64)
}

// drain returns every envelope queued for c without blocking.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func envelopeTypes(envs []v1.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.Type)
	}
	return out
}

func findEnvelope(envs []v1.Envelope, typ string) (v1.Envelope, bool) {
	for _, e := range envs {
		if e.Type == typ {
			return e, true
		}
	}
	return v1.Envelope{}, false
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Payload, &out))
	return out
}
