package realtime

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const sqliteDSNParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// SQLiteStore is a single-node Store backed by an embedded SQLite file.
// It owns its *sql.DB; Close releases it.
//
// SQLite allows one writer at a time, so the pool is pinned to a single connection and every
// statement is serialized. That also makes the insert-or-select in CreateConversation race-free
// inside the process; the UNIQUE (pair_low, pair_high) constraint covers everything else.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
// path may be ":memory:" for throwaway stores.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("realtime: empty sqlite path")
	}

	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, persistenceErr("sqlite.Open", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, persistenceErr("sqlite.Open", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, persistenceErr("sqlite.EnsureSchema", err)
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + path + sep + sqliteDSNParams
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for readiness checks and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// FindConversation looks the pair up by its normalized key.
func (s *SQLiteStore) FindConversation(ctx context.Context, a, b string) (Conversation, error) {
	c, err := s.selectConversation(ctx, a, b)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, NotFoundError{Resource: "conversation"}
	}
	if err != nil {
		return Conversation{}, persistenceErr("sqlite.FindConversation", err)
	}
	return c, nil
}

// CreateConversation inserts the pair in the given order or returns the existing row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, a, b string) (Conversation, error) {
	if a == "" || b == "" {
		return Conversation{}, persistenceErr("sqlite.CreateConversation", errors.New("invalid input"))
	}
	low, high := normalizePair(a, b)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (participant_a, participant_b, pair_low, pair_high)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (pair_low, pair_high) DO NOTHING`,
		a, b, low, high,
	)
	if err != nil {
		return Conversation{}, persistenceErr("sqlite.CreateConversation", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Conversation{}, persistenceErr("sqlite.CreateConversation", err)
	}
	if n == 1 {
		id, err := res.LastInsertId()
		if err != nil {
			return Conversation{}, persistenceErr("sqlite.CreateConversation", err)
		}
		return Conversation{ID: id, ParticipantA: a, ParticipantB: b}, nil
	}

	c, err := s.selectConversation(ctx, a, b)
	if err != nil {
		return Conversation{}, persistenceErr("sqlite.CreateConversation", err)
	}
	return c, nil
}

// InsertMessage appends a direct message row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, in InsertMessageInput) (int64, error) {
	if in.ConversationID <= 0 || in.Sender == "" {
		return 0, persistenceErr("sqlite.InsertMessage", errors.New("invalid input"))
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, text, sent_at, attachment_url)
		 VALUES (?, ?, ?, ?, ?)`,
		in.ConversationID, in.Sender, in.Text, in.Timestamp.UTC(), nullString(in.AttachmentURL),
	)
	if err != nil {
		return 0, persistenceErr("sqlite.InsertMessage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistenceErr("sqlite.InsertMessage", err)
	}
	return id, nil
}

// InsertGroupMessage appends a group message row.
func (s *SQLiteStore) InsertGroupMessage(ctx context.Context, in InsertGroupMessageInput) (int64, error) {
	if in.GroupID == "" || in.Sender == "" {
		return 0, persistenceErr("sqlite.InsertGroupMessage", errors.New("invalid input"))
	}

	var clientTS sql.NullTime
	if in.ClientTS != nil {
		clientTS = sql.NullTime{Time: in.ClientTS.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO group_messages (group_id, sender, text, attachment_url, sent_at, client_ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.GroupID, in.Sender, in.Text, nullString(in.AttachmentURL), in.Timestamp.UTC(), clientTS,
	)
	if err != nil {
		return 0, persistenceErr("sqlite.InsertGroupMessage", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, persistenceErr("sqlite.InsertGroupMessage", err)
	}
	return id, nil
}

// GroupExists implements GroupDirectory.
func (s *SQLiteStore) GroupExists(ctx context.Context, groupID string) (bool, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return false, nil
	}

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE id = ?`, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistenceErr("sqlite.GroupExists", err)
	}
	return true, nil
}

// PutGroup registers a group row, leaving an existing one untouched.
func (s *SQLiteStore) PutGroup(ctx context.Context, groupID, name, admin string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (id, name, admin) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		groupID, name, admin,
	); err != nil {
		return persistenceErr("sqlite.PutGroup", err)
	}
	return nil
}

func (s *SQLiteStore) selectConversation(ctx context.Context, a, b string) (Conversation, error) {
	low, high := normalizePair(a, b)

	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b
		   FROM conversations
		  WHERE pair_low = ? AND pair_high = ?`,
		low, high,
	).Scan(&c.ID, &c.ParticipantA, &c.ParticipantB)
	return c, err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ GroupDirectory = (*SQLiteStore)(nil)
)
