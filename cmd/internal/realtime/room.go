package realtime

import (
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Room is the transient fan-out set of one group.
//
// Concurrency guarantees:
// - Join/Release are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Members whose transport has closed are pruned on the next broadcast.
type Room struct {
	GroupID v1.GroupID

	mu      sync.RWMutex
	members map[*Client]struct{}
}

func newRoom(groupID v1.GroupID) *Room {
	return &Room{
		GroupID: groupID,
		members: make(map[*Client]struct{}),
	}
}

// join adds c and reports whether it was not already a member.
func (r *Room) join(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c]; ok {
		return false
	}
	r.members[c] = struct{}{}
	return true
}

// release removes c and reports whether it was a member.
func (r *Room) release(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c]; !ok {
		return false
	}
	delete(r.members, c)
	return true
}

// Has reports whether c is subscribed.
func (r *Room) Has(c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.members[c]
	return ok
}

// Len returns the member count, closed handles included.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}

// broadcast sends env to every member except origin.
// It returns how many queues accepted the envelope and which members were found closed.
func (r *Room) broadcast(env v1.Envelope, origin *Client) (int, []*Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		sent  int
		stale []*Client
	)
	for m := range r.members {
		if m == origin {
			continue
		}
		if m.Closed() {
			stale = append(stale, m)
			continue
		}
		if m.Enqueue(env) {
			sent++
		}
	}
	return sent, stale
}
