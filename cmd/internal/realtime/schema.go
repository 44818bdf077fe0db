package realtime

import (
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Postgres schema used by PostgresStore and PostgresGroupDirectory.
// Production schemas are provisioned out of band; EnsureSchema applies this for dev and tests.
const postgresSchemaSQL = `
CREATE SCHEMA IF NOT EXISTS {{schema}};

CREATE TABLE IF NOT EXISTS {{conversations}} (
  id            BIGSERIAL PRIMARY KEY,
  participant_a TEXT NOT NULL,
  participant_b TEXT NOT NULL,
  pair_low      TEXT NOT NULL,
  pair_high     TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT uq_conversations_pair UNIQUE (pair_low, pair_high)
);

CREATE TABLE IF NOT EXISTS {{messages}} (
  id              BIGSERIAL PRIMARY KEY,
  conversation_id BIGINT NOT NULL REFERENCES {{conversations}}(id),
  sender          TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  sent_at         TIMESTAMPTZ NOT NULL,
  attachment_url  TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
  ON {{messages}} (conversation_id, id);

CREATE TABLE IF NOT EXISTS {{groups}} (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  admin      TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS {{group_messages}} (
  id             BIGSERIAL PRIMARY KEY,
  group_id       TEXT NOT NULL,
  sender         TEXT NOT NULL,
  text           TEXT NOT NULL DEFAULT '',
  attachment_url TEXT,
  sent_at        TIMESTAMPTZ NOT NULL,
  client_ts      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_group_messages_group_sent
  ON {{group_messages}} (group_id, sent_at);
`

// SQLite schema bootstrapped by SQLiteStore on open.
const sqliteSchemaSQL = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS conversations (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_a TEXT NOT NULL,
  participant_b TEXT NOT NULL,
  pair_low      TEXT NOT NULL,
  pair_high     TEXT NOT NULL,
  created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE (pair_low, pair_high)
);

CREATE TABLE IF NOT EXISTS messages (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  conversation_id INTEGER NOT NULL REFERENCES conversations(id),
  sender          TEXT NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  sent_at         TIMESTAMP NOT NULL,
  attachment_url  TEXT
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages (conversation_id, id);

CREATE TABLE IF NOT EXISTS groups (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  admin      TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS group_messages (
  id             INTEGER PRIMARY KEY AUTOINCREMENT,
  group_id       TEXT NOT NULL,
  sender         TEXT NOT NULL,
  text           TEXT NOT NULL DEFAULT '',
  attachment_url TEXT,
  sent_at        TIMESTAMP NOT NULL,
  client_ts      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_group_messages_group_sent ON group_messages (group_id, sent_at);
`

func renderPostgresSchema(schema string) string {
	return strings.NewReplacer(
		"{{schema}}", pgx.Identifier{schema}.Sanitize(),
		"{{conversations}}", pgIdent(schema, "conversations"),
		"{{messages}}", pgIdent(schema, "messages"),
		"{{groups}}", pgIdent(schema, "groups"),
		"{{group_messages}}", pgIdent(schema, "group_messages"),
	).Replace(postgresSchemaSQL)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
