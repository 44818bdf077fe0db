package realtime

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// ConversationResolver maps an unordered identity pair to its one conversation id.
//
// Concurrent resolutions of the same pair, in either direction, share a single flight, so
// only one find-or-create sequence per pair runs in this process at a time. The store's
// conflict-safe CreateConversation covers writers outside the process.
type ConversationResolver struct {
	store   Store
	log     *slog.Logger
	metrics *Metrics

	flights singleflight.Group
}

// NewConversationResolver constructs a resolver over store.
func NewConversationResolver(store Store, log *slog.Logger, metrics *Metrics) *ConversationResolver {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationResolver{store: store, log: log, metrics: metrics}
}

// Resolve returns the id of the conversation between a and b, creating it (stored as (a, b))
// if none exists. a == b is a valid pair.
func (r *ConversationResolver) Resolve(ctx context.Context, a, b string) (int64, error) {
	if r == nil || r.store == nil {
		return 0, persistenceErr("resolver.Resolve", errors.New("nil store"))
	}

	// The flight outlives any single caller; a cancelled waiter must not fail the others.
	flightCtx := context.WithoutCancel(ctx)

	v, err, shared := r.flights.Do(pairKey(a, b), func() (any, error) {
		return r.findOrCreate(flightCtx, a, b)
	})
	if err != nil {
		r.metrics.persistenceFailed("resolve")
		return 0, err
	}
	if shared {
		r.metrics.resolved("shared")
	}
	return v.(int64), nil
}

func (r *ConversationResolver) findOrCreate(ctx context.Context, a, b string) (int64, error) {
	c, err := r.store.FindConversation(ctx, a, b)
	if err == nil {
		r.metrics.resolved("found")
		return c.ID, nil
	}
	if !IsNotFound(err) {
		return 0, persistenceErr("resolver.FindConversation", err)
	}

	c, err = r.store.CreateConversation(ctx, a, b)
	if err != nil {
		return 0, persistenceErr("resolver.CreateConversation", err)
	}
	r.metrics.resolved("created")
	r.log.Info("resolver.conversation.created",
		"conversation_id", c.ID,
		"participant_a", c.ParticipantA,
		"participant_b", c.ParticipantB,
	)
	return c.ID, nil
}
