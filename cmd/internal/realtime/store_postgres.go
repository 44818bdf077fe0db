// Package realtime contains the relay core: connection registry, group rooms, conversation
// resolution, the message pipeline and its delivery broadcaster, plus the websocket gateway
// and persistence gateways that carry them.
package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgCreateConversationAttempts = 3

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Conversation uniqueness is enforced by UNIQUE (pair_low, pair_high). Creation inserts with
//     ON CONFLICT DO NOTHING and falls back to a fresh SELECT, so concurrent creators for the
//     same pair all observe one id, across processes too.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "relay").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema this store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

// EnsureSchema creates the relay tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, renderPostgresSchema(s.schema)); err != nil {
		return persistenceErr("postgres.EnsureSchema", err)
	}
	return nil
}

// FindConversation looks the pair up by its normalized key.
func (s *PostgresStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, persistenceErr("postgres.FindConversation", errors.New("nil store"))
	}

	c, err := s.selectConversation(ctx, a, b)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, NotFoundError{Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, persistenceErr("postgres.FindConversation", err)
	}
	return c, nil
}

// CreateConversation inserts the pair in the given order or returns the row that won the race.
func (s *PostgresStore) CreateConversation(ctx context.Context, a, b string) (Conversation, error) {
	if s == nil || s.pool == nil {
		return Conversation{}, persistenceErr("postgres.CreateConversation", errors.New("nil store"))
	}
	if a == "" || b == "" {
		return Conversation{}, persistenceErr("postgres.CreateConversation", errors.New("invalid input"))
	}

	conversations := pgIdent(s.schema, "conversations")
	low, high := normalizePair(a, b)

	// A conflicting insert returns no row. The follow-up SELECT is a new statement with a
	// fresh snapshot, so it sees the winner's committed row. The loop only repeats if that row
	// vanished in between, which nothing in the relay does.
	for i := 0; i < pgCreateConversationAttempts; i++ {
		var id int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO `+conversations+` (participant_a, participant_b, pair_low, pair_high)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (pair_low, pair_high) DO NOTHING
			 RETURNING id`,
			a, b, low, high,
		).Scan(&id)
		if err == nil {
			return Conversation{ID: id, ParticipantA: a, ParticipantB: b}, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, persistenceErr("postgres.CreateConversation", err)
		}

		c, err := s.selectConversation(ctx, a, b)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, persistenceErr("postgres.CreateConversation", err)
		}
	}
	return Conversation{}, persistenceErr("postgres.CreateConversation", errors.New("conversation insert kept conflicting"))
}

// InsertMessage appends a direct message row.
func (s *PostgresStore) InsertMessage(ctx context.Context, in InsertMessageInput) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, persistenceErr("postgres.InsertMessage", errors.New("nil store"))
	}
	if in.ConversationID <= 0 || in.Sender == "" {
		return 0, persistenceErr("postgres.InsertMessage", errors.New("invalid input"))
	}

	messages := pgIdent(s.schema, "messages")

	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO `+messages+` (conversation_id, sender, text, sent_at, attachment_url)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		in.ConversationID, in.Sender, in.Text, in.Timestamp, in.AttachmentURL,
	).Scan(&id); err != nil {
		return 0, persistenceErr("postgres.InsertMessage", err)
	}
	return id, nil
}

// InsertGroupMessage appends a group message row.
func (s *PostgresStore) InsertGroupMessage(ctx context.Context, in InsertGroupMessageInput) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, persistenceErr("postgres.InsertGroupMessage", errors.New("nil store"))
	}
	if in.GroupID == "" || in.Sender == "" {
		return 0, persistenceErr("postgres.InsertGroupMessage", errors.New("invalid input"))
	}

	groupMessages := pgIdent(s.schema, "group_messages")

	var id int64
	if err := s.pool.QueryRow(ctx,
		`INSERT INTO `+groupMessages+` (group_id, sender, text, attachment_url, sent_at, client_ts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		in.GroupID, in.Sender, in.Text, in.AttachmentURL, in.Timestamp, in.ClientTS,
	).Scan(&id); err != nil {
		return 0, persistenceErr("postgres.InsertGroupMessage", err)
	}
	return id, nil
}

func (s *PostgresStore) selectConversation(ctx context.Context, a, b string) (Conversation, error) {
	conversations := pgIdent(s.schema, "conversations")
	low, high := normalizePair(a, b)

	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, participant_a, participant_b
		   FROM `+conversations+`
		  WHERE pair_low = $1 AND pair_high = $2`,
		low, high,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	return c, err
}

var _ Store = (*PostgresStore)(nil)
