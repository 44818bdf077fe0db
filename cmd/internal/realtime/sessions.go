package realtime

import (
	"sync"

	"github.com/samber/lo"
)

// Sessions is the set of every open websocket, registered or not.
// Global notifications (presence, newMessage) go to this audience.
type Sessions struct {
	mu  sync.RWMutex
	set map[*Client]struct{}
}

// NewSessions constructs an empty session set.
func NewSessions() *Sessions {
	return &Sessions{set: make(map[*Client]struct{})}
}

// Add tracks c until Remove.
func (s *Sessions) Add(c *Client) {
	if c == nil {
		return
	}
	s.mu.Lock()
	s.set[c] = struct{}{}
	s.mu.Unlock()
}

// Remove stops tracking c.
func (s *Sessions) Remove(c *Client) {
	s.mu.Lock()
	delete(s.set, c)
	s.mu.Unlock()
}

// Clients returns the tracked handles in no particular order.
func (s *Sessions) Clients() []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.set)
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.set)
}
