package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_InsertMessageChecksConversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := NewInMemoryStore()

	_, err := store.InsertMessage(ctx, InsertMessageInput{ConversationID: 1, Sender: "u1", Timestamp: time.Now()})
	req.True(IsPersistence(err), "no conversation exists yet")

	c1, err := store.CreateConversation(ctx, "u1", "u2")
	req.NoError(err)
	c2, err := store.CreateConversation(ctx, "u3", "u1")
	req.NoError(err)

	again, err := store.CreateConversation(ctx, "u2", "u1")
	req.NoError(err)
	req.Equal(c1.ID, again.ID)

	for _, c := range []Conversation{c1, c2} {
		id, err := store.InsertMessage(ctx, InsertMessageInput{ConversationID: c.ID, Sender: "u1", Text: "hi", Timestamp: time.Now()})
		req.NoError(err)
		req.Positive(id)
		req.Len(store.Messages(c.ID), 1)
	}

	_, err = store.InsertMessage(ctx, InsertMessageInput{ConversationID: c2.ID + 1, Sender: "u1", Timestamp: time.Now()})
	req.True(IsPersistence(err))
}
