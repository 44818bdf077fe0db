package realtime

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// RegistrationStatus is the success flavor of a registration.
type RegistrationStatus string

const (
	StatusConnected   RegistrationStatus = "connected"
	StatusReconnected RegistrationStatus = "reconnected"
)

// RegistrationResult describes a successful Register call.
type RegistrationResult struct {
	Identity string
	Status   RegistrationStatus
	Current  int
	Max      int

	// Replaced is the handle that previously held Identity, if a different one did.
	// It is unbound from the registry but its transport is left to its own lifecycle.
	Replaced *Client
}

// Snapshot is a read-only view of registry occupancy.
type Snapshot struct {
	Identities []string
	Count      int
	Max        int
}

// Available reports whether a new identity could register right now.
func (s Snapshot) Available() bool { return s.Count < s.Max }

type registryEntry struct {
	client *Client
	seq    uint64
}

// Registry maps each identity to exactly one live Client.
//
// Invariants:
//   - byIdentity and byHandle are always mutated together under mu, so a handle maps to at
//     most one identity and vice versa.
//   - len(byIdentity) never exceeds max; reconnections bypass the ceiling because they do not
//     add an entry.
//   - seq is assigned on first registration and kept across reconnects, which orders snapshots.
type Registry struct {
	mu         sync.RWMutex
	max        int
	seq        uint64
	byIdentity map[string]*registryEntry
	byHandle   map[*Client]string

	metrics *Metrics
}

// NewRegistry constructs a registry with a fixed capacity ceiling.
func NewRegistry(maxConcurrent int, metrics *Metrics) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentUsers
	}
	return &Registry{
		max:        maxConcurrent,
		byIdentity: make(map[string]*registryEntry),
		byHandle:   make(map[*Client]string),
		metrics:    metrics,
	}
}

// Max returns the configured ceiling.
func (r *Registry) Max() int { return r.max }

// Register binds identity to c.
//
// If identity is already live the stored handle is replaced in place (reconnection) without a
// capacity check. If c was bound to another identity, that identity is released first.
// A new identity on a full registry fails with CapacityError.
func (r *Registry) Register(identity string, c *Client) (RegistrationResult, error) {
	if c == nil {
		return RegistrationResult{}, errors.New("realtime: nil client")
	}
	identity, err := NormalizeIdentity(identity)
	if err != nil {
		r.metrics.registration("invalid")
		return RegistrationResult{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byHandle[c]; ok && prev != identity {
		delete(r.byIdentity, prev)
		delete(r.byHandle, c)
	}

	if e, ok := r.byIdentity[identity]; ok {
		var replaced *Client
		if e.client != c {
			replaced = e.client
			delete(r.byHandle, e.client)
			e.client = c
			r.byHandle[c] = identity
		}
		r.metrics.registration(string(StatusReconnected))
		r.metrics.setOnline(len(r.byIdentity))
		return RegistrationResult{
			Identity: identity,
			Status:   StatusReconnected,
			Current:  len(r.byIdentity),
			Max:      r.max,
			Replaced: replaced,
		}, nil
	}

	if len(r.byIdentity) >= r.max {
		r.metrics.registration("capacity_exceeded")
		return RegistrationResult{}, CapacityError{Current: len(r.byIdentity), Max: r.max}
	}

	r.seq++
	r.byIdentity[identity] = &registryEntry{client: c, seq: r.seq}
	r.byHandle[c] = identity

	r.metrics.registration(string(StatusConnected))
	r.metrics.setOnline(len(r.byIdentity))
	return RegistrationResult{
		Identity: identity,
		Status:   StatusConnected,
		Current:  len(r.byIdentity),
		Max:      r.max,
	}, nil
}

// Unregister removes the connection bound to c.
// It is a no-op for handles that were never registered or were replaced by a reconnect.
func (r *Registry) Unregister(c *Client) (string, bool) {
	if c == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byHandle[c]
	if !ok {
		return "", false
	}
	delete(r.byHandle, c)
	if e, ok := r.byIdentity[identity]; ok && e.client == c {
		delete(r.byIdentity, identity)
	}

	r.metrics.setOnline(len(r.byIdentity))
	return identity, true
}

// Lookup returns the live handle for identity.
func (r *Registry) Lookup(identity string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byIdentity[strings.TrimSpace(identity)]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// IdentityOf returns the identity currently bound to c.
func (r *Registry) IdentityOf(c *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identity, ok := r.byHandle[c]
	return identity, ok
}

// Clients returns every registered handle.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.byHandle)
}

// Snapshot returns the identities ordered by first registration.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	type row struct {
		identity string
		seq      uint64
	}
	rows := make([]row, 0, len(r.byIdentity))
	for id, e := range r.byIdentity {
		rows = append(rows, row{identity: id, seq: e.seq})
	}
	r.mu.RUnlock()

	slices.SortFunc(rows, func(a, b row) int { return cmp.Compare(a.seq, b.seq) })

	return Snapshot{
		Identities: lo.Map(rows, func(x row, _ int) string { return x.identity }),
		Count:      len(rows),
		Max:        r.max,
	}
}

// NormalizeIdentity trims and validates an identity string.
func NormalizeIdentity(identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(identity) > maxIdentityLen {
		return "", fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, maxIdentityLen)
	}
	return identity, nil
}
