package wiring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	apperrors "github.com/spounge-ai/keypool/internal/errors"
	infra_config "github.com/spounge-ai/keypool/internal/infra/config"
	"github.com/spounge-ai/keypool/internal/infra/persistence"
	"github.com/spounge-ai/keypool/internal/infra/stats"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/memstore"
	"github.com/spounge-ai/keypool/pkg/keypool/pgstore"
	"github.com/spounge-ai/keypool/pkg/keypool/sqlitestore"
)

// Container builds the pool's dependencies from configuration on first use
// and closes whatever it opened.
type Container struct {
	cfg    *infra_config.Config
	logger *slog.Logger

	mu       sync.Mutex
	storage  keypool.Storage
	recorder keypool.Recorder
	pgPool   *pgxpool.Pool
	sqliteDB *sql.DB
	rdb      *redis.Client
	checks   map[string]persistence.Pinger
}

func NewContainer(cfg *infra_config.Config, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		cfg:    cfg,
		logger: logger,
		checks: make(map[string]persistence.Pinger),
	}
}

func (c *Container) Config() *infra_config.Config { return c.cfg }

func (c *Container) Logger() *slog.Logger { return c.logger }

// Storage returns the configured key storage, wrapped in a circuit breaker
// when enabled.
func (c *Container) Storage(ctx context.Context) (keypool.Storage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.storage != nil {
		return c.storage, nil
	}

	storage, err := c.provideStorage(ctx)
	if err != nil {
		return nil, err
	}
	if cb := c.cfg.Storage.CircuitBreaker; cb.Enabled {
		storage = keypool.WithCircuitBreaker(storage, cb.MaxFailures, cb.ResetTimeout)
	}
	c.storage = storage
	return storage, nil
}

func (c *Container) provideStorage(ctx context.Context) (keypool.Storage, error) {
	hierarchy, err := c.cfg.Domains.Hierarchy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfig, err)
	}
	limit := c.cfg.Pool.Limit

	switch c.cfg.Storage.Backend {
	case infra_config.BackendPostgres:
		pool, err := c.providePgxPool(ctx)
		if err != nil {
			return nil, err
		}
		return pgstore.New(pool, limit,
			pgstore.WithNamespace(c.cfg.Storage.Namespace),
			pgstore.WithHierarchy(hierarchy),
			pgstore.WithLogger(c.logger),
		), nil
	case infra_config.BackendSQLite:
		db, err := c.provideSQLite(ctx)
		if err != nil {
			return nil, err
		}
		return sqlitestore.New(db, limit,
			sqlitestore.WithHierarchy(hierarchy),
			sqlitestore.WithLogger(c.logger),
		), nil
	case infra_config.BackendMemory:
		return memstore.New(limit,
			memstore.WithHierarchy(hierarchy),
			memstore.WithLogger(c.logger),
		), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", apperrors.ErrConfig, c.cfg.Storage.Backend)
	}
}

func (c *Container) providePgxPool(ctx context.Context) (*pgxpool.Pool, error) {
	if c.pgPool != nil {
		return c.pgPool, nil
	}
	pool, err := persistence.NewConnectionPool(ctx, c.cfg.Storage.Postgres, c.logger)
	if err != nil {
		return nil, err
	}
	c.pgPool = pool
	c.checks["postgres"] = pool
	return pool, nil
}

func (c *Container) provideSQLite(ctx context.Context) (*sql.DB, error) {
	if c.sqliteDB != nil {
		return c.sqliteDB, nil
	}
	db, err := sqlitestore.Open(ctx, c.cfg.Storage.SQLite.Path, c.logger)
	if err != nil {
		return nil, err
	}
	c.sqliteDB = db
	c.checks["sqlite"] = persistence.PingFunc(db.PingContext)
	return db, nil
}

// Recorder returns the Redis recorder when stats are enabled and an
// in-memory one otherwise.
func (c *Container) Recorder(ctx context.Context) (keypool.Recorder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder != nil {
		return c.recorder, nil
	}

	if !c.cfg.Stats.Enabled {
		c.recorder = stats.NewMemoryRecorder()
		return c.recorder, nil
	}

	rc := c.cfg.Stats.Redis
	c.rdb = redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	recorder := stats.NewRedisRecorder(c.rdb, stats.WithPrefix(rc.Prefix), stats.WithTTL(rc.TTL))
	if err := recorder.Ping(ctx); err != nil {
		c.logger.WarnContext(ctx, "stats backend not reachable, events will be dropped", "addr", rc.Addr, "error", err)
	}
	c.checks["redis"] = recorder
	c.recorder = recorder
	return recorder, nil
}

// Options builds the pool options from configuration. extra is applied
// last and may register hooks.
func (c *Container) Options(ctx context.Context, extra ...keypool.Option) (*keypool.Options, error) {
	actions, err := c.cfg.Pool.Actions()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrConfig, err)
	}
	recorder, err := c.Recorder(ctx)
	if err != nil {
		return nil, err
	}

	opts := []keypool.Option{
		keypool.WithErrorActions(actions),
		keypool.WithComment(c.cfg.Pool.Comment),
		keypool.WithMaxAttempts(c.cfg.Pool.MaxAttempts),
		keypool.WithThrottle(c.cfg.Throttle.Interval, c.cfg.Throttle.Concurrency),
		keypool.WithLogger(c.logger),
		keypool.WithRecorder(recorder),
	}
	return keypool.NewOptions(append(opts, extra...)...), nil
}

// Pool builds a key pool over the configured storage for transport.
func (c *Container) Pool(ctx context.Context, transport keypool.Transport, extra ...keypool.Option) (*keypool.KeyPool, error) {
	storage, err := c.Storage(ctx)
	if err != nil {
		return nil, err
	}
	options, err := c.Options(ctx, extra...)
	if err != nil {
		return nil, err
	}
	return keypool.New(storage, transport, options), nil
}

// Migrate applies the schema migrations of the configured backend.
func (c *Container) Migrate(ctx context.Context) error {
	switch c.cfg.Storage.Backend {
	case infra_config.BackendPostgres:
		return pgstore.Migrate(ctx, c.cfg.Storage.Postgres.URL, c.cfg.Storage.Namespace, c.logger)
	case infra_config.BackendSQLite:
		// Open migrates.
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.provideSQLite(ctx)
		return err
	default:
		c.logger.InfoContext(ctx, "nothing to migrate", "backend", c.cfg.Storage.Backend)
		return nil
	}
}

// Health checks every backend opened so far.
func (c *Container) Health(ctx context.Context) map[string]persistence.Status {
	c.mu.Lock()
	checks := make(map[string]persistence.Pinger, len(c.checks))
	for name, p := range c.checks {
		checks[name] = p
	}
	c.mu.Unlock()

	out := make(map[string]persistence.Status, len(checks))
	for name, p := range checks {
		out[name] = persistence.NewConnectionMonitor(p, 0, nil).Check(ctx)
	}
	return out
}

func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.pgPool != nil {
		c.pgPool.Close()
		c.pgPool = nil
	}
	if c.sqliteDB != nil {
		errs = append(errs, c.sqliteDB.Close())
		c.sqliteDB = nil
	}
	if c.rdb != nil {
		errs = append(errs, c.rdb.Close())
		c.rdb = nil
	}
	c.storage = nil
	c.recorder = nil
	clear(c.checks)
	return errors.Join(errs...)
}
