package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGroupDirectory answers group existence from the groups table.
// Groups are created and administered outside the relay; this is a read-only view.
type PostgresGroupDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// GroupDirectoryOption configures PostgresGroupDirectory behavior.
type GroupDirectoryOption func(*PostgresGroupDirectory) error

// WithGroupSchema sets the DB schema used by the directory (default: "relay").
func WithGroupSchema(schema string) GroupDirectoryOption {
	return func(d *PostgresGroupDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresGroupDirectory constructs a GroupDirectory backed by PostgreSQL.
func NewPostgresGroupDirectory(pool *pgxpool.Pool, opts ...GroupDirectoryOption) (*PostgresGroupDirectory, error) {
	d := &PostgresGroupDirectory{
		pool:   pool,
		schema: "relay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return d, nil
}

// GroupExists reports whether groupID names a known group.
func (d *PostgresGroupDirectory) GroupExists(ctx context.Context, groupID string) (bool, error) {
	if d == nil || d.pool == nil {
		return false, persistenceErr("postgres.GroupExists", errors.New("nil directory"))
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return false, nil
	}

	groups := pgIdent(d.schema, "groups")

	var one int
	err := d.pool.QueryRow(ctx,
		`SELECT 1 FROM `+groups+` WHERE id = $1`,
		groupID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, persistenceErr("postgres.GroupExists", err)
	}
	return true, nil
}

// PutGroup registers a group row, leaving an existing one untouched.
func (d *PostgresGroupDirectory) PutGroup(ctx context.Context, groupID, name, admin string) error {
	groups := pgIdent(d.schema, "groups")
	if _, err := d.pool.Exec(ctx,
		`INSERT INTO `+groups+` (id, name, admin) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		groupID, name, admin,
	); err != nil {
		return persistenceErr("postgres.PutGroup", err)
	}
	return nil
}

var _ GroupDirectory = (*PostgresGroupDirectory)(nil)
