package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// slowStore widens the find-then-create window so racing resolutions overlap.
type slowStore struct {
	*InMemoryStore
	finds   atomic.Int32
	creates atomic.Int32
	delay   time.Duration
}

func (s *slowStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	s.finds.Add(1)
	time.Sleep(s.delay)
	return s.InMemoryStore.FindConversation(ctx, a, b)
}

func (s *slowStore) CreateConversation(ctx context.Context, a, b string) (Conversation, error) {
	s.creates.Add(1)
	time.Sleep(s.delay)
	return s.InMemoryStore.CreateConversation(ctx, a, b)
}

type failingStore struct{ *InMemoryStore }

func (failingStore) FindConversation(context.Context, string, string) (Conversation, error) {
	return Conversation{}, persistenceErr("test.FindConversation", errors.New("connection refused"))
}

func TestResolver_SamePairEitherDirection(t *testing.T) {
	req := require.New(t)
	store := NewInMemoryStore()
	r := NewConversationResolver(store, discardLogger(), nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "u1", "u2")
	req.NoError(err)
	second, err := r.Resolve(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal(first, second)

	c, err := store.FindConversation(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal("u1", c.ParticipantA, "pair is stored in the order of the first message")
	req.Equal("u2", c.ParticipantB)
}

func TestResolver_ConcurrentOppositeDirectionsShareOneConversation(t *testing.T) {
	req := require.New(t)
	store := &slowStore{InMemoryStore: NewInMemoryStore(), delay: 20 * time.Millisecond}
	metrics := NewMetrics(nil)
	r := NewConversationResolver(store, discardLogger(), metrics)

	const workers = 20
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		ids   = make(map[int64]int)
		start = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		a, b := "alice", "bob"
		if i%2 == 1 {
			a, b = b, a
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			id, err := r.Resolve(context.Background(), a, b)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			mu.Lock()
			ids[id]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	req.Len(ids, 1)
	req.Equal(1, store.ConversationCount())
	req.Equal(int32(1), store.creates.Load())
	req.Equal(1.0, testutil.ToFloat64(metrics.ConversationsResolved.WithLabelValues("created")))
}

func TestResolver_SelfConversation(t *testing.T) {
	req := require.New(t)
	r := NewConversationResolver(NewInMemoryStore(), discardLogger(), nil)

	a, err := r.Resolve(context.Background(), "alice", "alice")
	req.NoError(err)
	b, err := r.Resolve(context.Background(), "alice", "alice")
	req.NoError(err)
	req.Equal(a, b)
}

func TestResolver_StoreFailureIsPersistenceError(t *testing.T) {
	req := require.New(t)
	metrics := NewMetrics(nil)
	r := NewConversationResolver(failingStore{NewInMemoryStore()}, discardLogger(), metrics)

	_, err := r.Resolve(context.Background(), "u1", "u2")
	req.True(IsPersistence(err))
	req.ErrorContains(err, "connection refused")
	req.Equal(1.0, testutil.ToFloat64(metrics.PersistenceFailures.WithLabelValues("resolve")))
}

func TestResolver_CancelledCallerDoesNotFailTheFlight(t *testing.T) {
	req := require.New(t)
	store := &slowStore{InMemoryStore: NewInMemoryStore(), delay: 30 * time.Millisecond}
	r := NewConversationResolver(store, discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := r.Resolve(ctx, "u1", "u2")
	req.NoError(err)
	req.Positive(id)
}
