package realtime

import (
	"log/slog"
	"strings"
	"sync"

	v1 "relay/shared/contracts/realtime/v1"
)

// Rooms owns the group rooms and each handle's subscriptions.
// Rooms have no persistent form; a reconnecting client rebuilds its set by joining again.
type Rooms struct {
	log     *slog.Logger
	metrics *Metrics

	mu          sync.Mutex
	rooms       map[v1.GroupID]*Room
	memberships map[*Client]map[v1.GroupID]struct{}
	total       int
}

// NewRooms constructs an empty room manager.
func NewRooms(log *slog.Logger, metrics *Metrics) *Rooms {
	if log == nil {
		log = slog.Default()
	}
	return &Rooms{
		log:         log,
		metrics:     metrics,
		rooms:       make(map[v1.GroupID]*Room),
		memberships: make(map[*Client]map[v1.GroupID]struct{}),
	}
}

// NormalizeGroupID trims a group id; the empty id is invalid.
func NormalizeGroupID(groupID v1.GroupID) (v1.GroupID, bool) {
	g := v1.GroupID(strings.TrimSpace(string(groupID)))
	if g == "" || len(g) > maxIdentityLen {
		return "", false
	}
	return g, true
}

// Join subscribes c to groupID. It is idempotent and has no size limit.
func (m *Rooms) Join(c *Client, groupID v1.GroupID) bool {
	if c == nil {
		return false
	}
	groupID, ok := NormalizeGroupID(groupID)
	if !ok {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[groupID]
	if room == nil {
		room = newRoom(groupID)
		m.rooms[groupID] = room
	}
	if !room.join(c) {
		return false
	}

	set := m.memberships[c]
	if set == nil {
		set = make(map[v1.GroupID]struct{})
		m.memberships[c] = set
	}
	set[groupID] = struct{}{}
	m.total++
	m.metrics.setRoomMembers(m.total)

	m.log.Info("rooms.member.join", "group_id", groupID, "session_id", c.SessionID)
	return true
}

// Room returns the room for groupID, if any handle ever joined it.
func (m *Rooms) Room(groupID v1.GroupID) (*Room, bool) {
	groupID, ok := NormalizeGroupID(groupID)
	if !ok {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[groupID]
	return r, ok
}

// Broadcast sends env to every subscriber of groupID except origin.
// Closed handles are skipped and pruned; broadcasting to an unknown room is a no-op.
func (m *Rooms) Broadcast(groupID v1.GroupID, env v1.Envelope, origin *Client) int {
	room, ok := m.Room(groupID)
	if !ok {
		return 0
	}

	sent, stale := room.broadcast(env, origin)
	for _, c := range stale {
		m.Release(c)
	}
	return sent
}

// Release drops every subscription held by c.
// It is driven by the transport lifecycle, not by a client request.
func (m *Rooms) Release(c *Client) int {
	if c == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.memberships[c]
	delete(m.memberships, c)

	released := 0
	for groupID := range set {
		room := m.rooms[groupID]
		if room == nil {
			continue
		}
		if room.release(c) {
			released++
		}
		if room.Len() == 0 {
			delete(m.rooms, groupID)
		}
	}
	m.total -= released
	m.metrics.setRoomMembers(m.total)

	if released > 0 {
		m.log.Info("rooms.member.release", "session_id", c.SessionID, "rooms", released)
	}
	return released
}
