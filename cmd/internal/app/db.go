package app

import (
	"context"
	"errors"
	"time"

	"relay/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbConnectTimeout = 3 * time.Second
	dbReadyTimeout   = 2 * time.Second
)

// persistence is the message store picked at start-up plus its lifecycle hooks.
// Ownership model:
// - app owns the pgx pool / sqlite handle
// - PostgresStore.Close() is a no-op, SQLiteStore.Close() closes its handle
type persistence struct {
	backend string // postgres | sqlite | memory

	store  realtime.Store
	groups realtime.GroupDirectory

	pool *pgxpool.Pool
	ping func(ctx context.Context) error
}

func (p *persistence) durable() bool { return p.backend != "memory" }

// Ready reports whether the backing database answers within dbReadyTimeout.
func (p *persistence) Ready(ctx context.Context) error {
	if p.ping == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, dbReadyTimeout)
	defer cancel()
	return p.ping(ctx)
}

func (p *persistence) Close() error {
	var errs []error
	if p.store != nil {
		errs = append(errs, p.store.Close())
	}
	if p.pool != nil {
		p.pool.Close()
	}
	return errors.Join(errs...)
}

// openPersistence selects Postgres when RELAY_DATABASE_URL is set, else SQLite when
// RELAY_SQLITE_PATH is set, else the in-memory dev store.
func openPersistence(ctx context.Context, cfg Config, log Logger) (*persistence, error) {
	switch {
	case cfg.DatabaseURL != "":
		return openPostgres(ctx, cfg, log)
	case cfg.SQLitePath != "":
		return openSQLite(ctx, cfg, log)
	default:
		log.Info("db.disabled.inmemory_store")
		mem := realtime.NewInMemoryStore()
		return &persistence{backend: "memory", store: mem, groups: mem}, nil
	}
}

func openPostgres(ctx context.Context, cfg Config, log Logger) (*persistence, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	groups, err := realtime.NewPostgresGroupDirectory(pool, realtime.WithGroupSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.DBBootstrap {
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.schema.ensured", "schema", st.Schema())
	}

	log.Info("db.enabled.postgres_store", "schema", st.Schema())
	return &persistence{
		backend: "postgres",
		store:   st,
		groups:  groups,
		pool:    pool,
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, dbReadyTimeout)
		},
	}, nil
}

func openSQLite(ctx context.Context, cfg Config, log Logger) (*persistence, error) {
	st, err := realtime.OpenSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
	return &persistence{
		backend: "sqlite",
		store:   st,
		groups:  st,
		ping:    st.DB().PingContext,
	}, nil
}

// NewDBPool builds a pgxpool tagged with the relay application name and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}
	if pcfg.ConnConfig.RuntimeParams["application_name"] == "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = "relay"
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, dbConnectTimeout); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
