package realtime

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	memMaxMessages = 100_000
)

// StoredMessage is a direct message row as kept by InMemoryStore.
type StoredMessage struct {
	ID             int64
	ConversationID int64
	Sender         string
	Text           string
	Timestamp      time.Time
	AttachmentURL  *string
}

// StoredGroupMessage is a group message row as kept by InMemoryStore.
type StoredGroupMessage struct {
	ID            int64
	GroupID       string
	Sender        string
	Text          string
	AttachmentURL *string
	Timestamp     time.Time
	ClientTS      *time.Time
}

// InMemoryStore is a dev-only fallback when no database is configured.
// The pair map plays the role of the unique (pair_low, pair_high) constraint.
type InMemoryStore struct {
	mu sync.Mutex

	nextConvID  int64
	nextMsgID   int64
	nextGroupID int64

	convs     map[string]Conversation // pairKey -> conversation
	convIDs   map[int64]struct{}
	msgs      []StoredMessage
	groupMsgs []StoredGroupMessage
	groups    map[string]struct{}
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:   make(map[string]Conversation),
		convIDs: make(map[int64]struct{}),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// FindConversation returns the conversation for the unordered pair.
func (s *InMemoryStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, persistenceErr("memory.FindConversation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[pairKey(a, b)]
	if !ok {
		return Conversation{}, NotFoundError{Resource: "conversation"}
	}
	return c, nil
}

// CreateConversation inserts the pair in the given order, or returns the existing row.
func (s *InMemoryStore) CreateConversation(ctx context.Context, a, b string) (Conversation, error) {
	if a == "" || b == "" {
		return Conversation{}, persistenceErr("memory.CreateConversation", errors.New("invalid input"))
	}
	if err := ctx.Err(); err != nil {
		return Conversation{}, persistenceErr("memory.CreateConversation", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(a, b)
	if c, ok := s.convs[key]; ok {
		return c, nil
	}
	s.nextConvID++
	c := Conversation{ID: s.nextConvID, ParticipantA: a, ParticipantB: b}
	s.convs[key] = c
	s.convIDs[c.ID] = struct{}{}
	return c, nil
}

// InsertMessage appends a direct message.
func (s *InMemoryStore) InsertMessage(ctx context.Context, in InsertMessageInput) (int64, error) {
	if in.ConversationID <= 0 || in.Sender == "" {
		return 0, persistenceErr("memory.InsertMessage", errors.New("invalid input"))
	}
	if err := ctx.Err(); err != nil {
		return 0, persistenceErr("memory.InsertMessage", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convIDs[in.ConversationID]; !ok {
		return 0, persistenceErr("memory.InsertMessage", errors.New("unknown conversation_id"))
	}

	s.nextMsgID++
	s.msgs = append(s.msgs, StoredMessage{
		ID:             s.nextMsgID,
		ConversationID: in.ConversationID,
		Sender:         in.Sender,
		Text:           in.Text,
		Timestamp:      in.Timestamp,
		AttachmentURL:  in.AttachmentURL,
	})

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs) > memMaxMessages {
		s.msgs = s.msgs[len(s.msgs)-memMaxMessages:]
	}
	return s.nextMsgID, nil
}

// InsertGroupMessage appends a group message.
func (s *InMemoryStore) InsertGroupMessage(ctx context.Context, in InsertGroupMessageInput) (int64, error) {
	if in.GroupID == "" || in.Sender == "" {
		return 0, persistenceErr("memory.InsertGroupMessage", errors.New("invalid input"))
	}
	if err := ctx.Err(); err != nil {
		return 0, persistenceErr("memory.InsertGroupMessage", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextGroupID++
	s.groupMsgs = append(s.groupMsgs, StoredGroupMessage{
		ID:            s.nextGroupID,
		GroupID:       in.GroupID,
		Sender:        in.Sender,
		Text:          in.Text,
		AttachmentURL: in.AttachmentURL,
		Timestamp:     in.Timestamp,
		ClientTS:      in.ClientTS,
	})
	if len(s.groupMsgs) > memMaxMessages {
		s.groupMsgs = s.groupMsgs[len(s.groupMsgs)-memMaxMessages:]
	}
	return s.nextGroupID, nil
}

// PutGroup declares a group as existing. Until the first call every group id is accepted.
func (s *InMemoryStore) PutGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups == nil {
		s.groups = make(map[string]struct{})
	}
	s.groups[groupID] = struct{}{}
}

// GroupExists implements GroupDirectory.
func (s *InMemoryStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, persistenceErr("memory.GroupExists", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.groups == nil {
		return true, nil
	}
	_, ok := s.groups[groupID]
	return ok, nil
}

// Messages returns the direct messages of a conversation in insertion order.
func (s *InMemoryStore) Messages(conversationID int64) []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StoredMessage
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}

// GroupMessages returns the group messages of groupID in insertion order.
func (s *InMemoryStore) GroupMessages(groupID string) []StoredGroupMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StoredGroupMessage
	for _, m := range s.groupMsgs {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out
}

// ConversationCount returns the number of conversations.
func (s *InMemoryStore) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.convs)
}

var (
	_ Store          = (*InMemoryStore)(nil)
	_ GroupDirectory = (*InMemoryStore)(nil)
)
