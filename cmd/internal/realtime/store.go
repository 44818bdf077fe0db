package realtime

import (
	"context"
	"strings"
	"time"
)

// Conversation is the canonical thread between an unordered pair of identities.
// ParticipantA/B keep the order of the message that created it.
type Conversation struct {
	ID           int64
	ParticipantA string
	ParticipantB string
}

// InsertMessageInput describes a direct message row.
type InsertMessageInput struct {
	ConversationID int64
	Sender         string
	Text           string
	Timestamp      time.Time
	AttachmentURL  *string
}

// InsertGroupMessageInput describes a group message row.
// Timestamp is the server clock; ClientTS is whatever the caller claimed, kept for reference only.
type InsertGroupMessageInput struct {
	GroupID       string
	Sender        string
	Text          string
	AttachmentURL *string
	Timestamp     time.Time
	ClientTS      *time.Time
}

// Store is the persistence gateway consumed by the relay core.
//
// Requirements:
//   - FindConversation treats (a, b) and (b, a) as the same pair and returns ErrNotFound when absent.
//   - CreateConversation is conflict-safe: if the pair already exists (for example created by a
//     concurrent writer) it returns the existing id instead of inserting a duplicate.
//   - Messages are append-only.
//   - Every failure other than ErrNotFound is reported as a PersistenceError.
type Store interface {
	FindConversation(ctx context.Context, a, b string) (Conversation, error)
	CreateConversation(ctx context.Context, a, b string) (Conversation, error)
	InsertMessage(ctx context.Context, in InsertMessageInput) (int64, error)
	InsertGroupMessage(ctx context.Context, in InsertGroupMessageInput) (int64, error)
	Close() error
}

// GroupDirectory answers whether a group exists. Groups themselves are managed elsewhere.
type GroupDirectory interface {
	GroupExists(ctx context.Context, groupID string) (bool, error)
}

// normalizePair orders a pair so (a, b) and (b, a) share one key.
func normalizePair(a, b string) (low, high string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// pairKey is the single-flight key of an unordered pair.
func pairKey(a, b string) string {
	low, high := normalizePair(a, b)
	return low + "\x00" + high
}
