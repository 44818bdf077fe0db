package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Client is the transport handle of one live websocket session.
//
// Design notes:
// - Send is never closed by the server so concurrent broadcasters cannot panic.
// - done is closed once the transport is gone; a closed handle swallows sends.
// - Identity is not stored here; the Registry owns the identity<->handle mapping.
type Client struct {
	SessionID string
	Remote    string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Enqueue hands env to the writer without blocking.
// It returns false when the client is closed or its queue is full; neither is an error.
func (c *Client) Enqueue(env v1.Envelope) bool {
	if c == nil || c.Closed() {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}
