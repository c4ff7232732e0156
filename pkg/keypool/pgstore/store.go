// Package pgstore is a PostgreSQL keypool.Storage. Acquisitions run in
// serializable transactions so that two callers can never both spend the
// last use of a key; the loser of a race is retried after a short jittered
// delay. Usage windows follow the database clock.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spounge-ai/keypool/pkg/execution"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/allocation"
)

type Store struct {
	db        *pgxpool.Pool
	tm        *TransactionManager
	q         queries
	limit     int
	hierarchy *keypool.Hierarchy
	logger    *slog.Logger
}

type config struct {
	namespace string
	hierarchy *keypool.Hierarchy
	jitter    execution.Jitter
	logger    *slog.Logger
}

type Option func(*config)

// WithNamespace keeps the tables in the given Postgres schema.
func WithNamespace(namespace string) Option {
	return func(c *config) { c.namespace = namespace }
}

func WithHierarchy(h *keypool.Hierarchy) Option {
	return func(c *config) { c.hierarchy = h }
}

// WithConflictJitter overrides the delay between conflict retries.
func WithConflictJitter(j execution.Jitter) Option {
	return func(c *config) { c.jitter = j }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New returns a store over db allowing limit uses per key per minute. The
// schema must already be migrated, see Migrate.
func New(db *pgxpool.Pool, limit int, opts ...Option) *Store {
	cfg := config{
		jitter: execution.ConflictJitter,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger.With("component", "pgstore")
	return &Store{
		db:        db,
		tm:        NewTransactionManager(db, cfg.jitter, logger),
		q:         newQueries(cfg.namespace),
		limit:     limit,
		hierarchy: cfg.hierarchy,
		logger:    logger,
	}
}

var _ keypool.Storage = (*Store)(nil)

func (s *Store) AcquireKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	key, err := keypool.WithFallback(ctx, s.hierarchy, selector, s.acquireOne)
	return key, keypool.StorageFailure("acquire key", err)
}

func (s *Store) acquireOne(ctx context.Context, selector keypool.Selector) (*keypool.Key, bool, error) {
	var key *keypool.Key
	sql, args := s.q.acquireOne(selector, s.limit)

	err := s.tm.Run(ctx, "acquire key", func(ctx context.Context, tx pgx.Tx) error {
		k, err := scanKey(tx.QueryRow(ctx, sql, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			key = nil
			return nil
		}
		key = k
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return key, key != nil, nil
}

func (s *Store) AcquireManyKeys(ctx context.Context, selector keypool.Selector, n int) ([]*keypool.Key, error) {
	if n <= 0 {
		return []*keypool.Key{}, nil
	}
	keys, err := keypool.WithFallback(ctx, s.hierarchy, selector, func(ctx context.Context, sel keypool.Selector) ([]*keypool.Key, bool, error) {
		return s.acquireMany(ctx, sel, n)
	})
	return keys, keypool.StorageFailure("acquire keys", err)
}

func (s *Store) acquireMany(ctx context.Context, selector keypool.Selector, n int) ([]*keypool.Key, bool, error) {
	var keys []*keypool.Key
	sql, args := s.q.candidates(selector)

	err := s.tm.Run(ctx, "acquire keys", func(ctx context.Context, tx pgx.Tx) error {
		keys = nil

		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		var (
			ids    []string
			usages []int
			id     string
			usage  int
		)
		_, err = pgx.ForEachRow(rows, []any{&id, &usage}, func() error {
			ids = append(ids, id)
			usages = append(usages, usage)
			return nil
		})
		if err != nil {
			return err
		}

		slots, final := allocation.Plan(usages, s.limit, n)
		if len(slots) == 0 {
			return nil
		}

		var (
			chargeIDs  []string
			chargeUses []int
		)
		for i := range ids {
			if final[i] != usages[i] {
				chargeIDs = append(chargeIDs, ids[i])
				chargeUses = append(chargeUses, final[i])
			}
		}

		rows, err = tx.Query(ctx, s.q.chargeMany(), chargeIDs, chargeUses)
		if err != nil {
			return err
		}
		charged, err := pgx.CollectRows(rows, collectKey)
		if err != nil {
			return err
		}
		byID := make(map[string]*keypool.Key, len(charged))
		for _, k := range charged {
			byID[k.ID.String()] = k
		}

		keys = make([]*keypool.Key, len(slots))
		for j, i := range slots {
			key, ok := byID[ids[i]]
			if !ok {
				return fmt.Errorf("charged key %s missing from update", ids[i])
			}
			keys[j] = key.Clone()
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return keys, len(keys) > 0, nil
}

func (s *Store) StoreKey(ctx context.Context, ownerID int64, secret string, domains []keypool.Domain) (*keypool.Key, error) {
	var key *keypool.Key
	err := s.tm.Run(ctx, "store key", func(ctx context.Context, tx pgx.Tx) error {
		var err error
		key, err = scanKey(tx.QueryRow(ctx, s.q.upsert(), keypool.NewKeyID().UUID(), ownerID, secret, domainList(domains)))
		return err
	})
	if err != nil {
		return nil, keypool.StorageFailure("store key", err)
	}
	s.logger.DebugContext(ctx, "stored key", "key", key)
	return key, nil
}

func (s *Store) ReadKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	sql, args := s.q.readKeys(selector, 1)
	key, err := scanKey(s.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, keypool.StorageFailure("read key", err)
	}
	return key, nil
}

func (s *Store) ReadKeys(ctx context.Context, selector keypool.Selector) ([]*keypool.Key, error) {
	sql, args := s.q.readKeys(selector, 0)
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, keypool.StorageFailure("read keys", err)
	}
	keys, err := pgx.CollectRows(rows, collectKey)
	if err != nil {
		return nil, keypool.StorageFailure("read keys", fmt.Errorf("failed to scan key rows: %w", err))
	}
	if keys == nil {
		keys = []*keypool.Key{}
	}
	return keys, nil
}

func (s *Store) RemoveKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	sql, args := s.q.removeKey(selector)
	key, err := s.mutateOne(ctx, "remove key", selector, sql, args)
	if err == nil {
		s.logger.InfoContext(ctx, "removed key", "key", key)
	}
	return key, err
}

func (s *Store) AddDomainToKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	sql, args := s.q.addDomain(selector, domain)
	return s.mutateOne(ctx, "add domain", selector, sql, args)
}

func (s *Store) RemoveDomainFromKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	sql, args := s.q.removeDomain(selector, domain)
	return s.mutateOne(ctx, "remove domain", selector, sql, args)
}

func (s *Store) SetDomainsForKey(ctx context.Context, selector keypool.Selector, domains []keypool.Domain) (*keypool.Key, error) {
	sql, args := s.q.replaceDomains(selector, domains)
	return s.mutateOne(ctx, "set domains", selector, sql, args)
}

// mutateOne runs a statement returning at most one key row.
func (s *Store) mutateOne(ctx context.Context, op string, selector keypool.Selector, sql string, args []any) (*keypool.Key, error) {
	var key *keypool.Key
	err := s.tm.Run(ctx, op, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		key, err = scanKey(tx.QueryRow(ctx, sql, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return &keypool.KeyNotFoundError{Selector: selector}
		}
		return err
	})
	if err != nil {
		return nil, keypool.StorageFailure(op, err)
	}
	return key, nil
}

// TimeoutKey cools down every matching key. Matching nothing is not an error.
func (s *Store) TimeoutKey(ctx context.Context, selector keypool.Selector, d time.Duration) error {
	sql, args := s.q.timeout(selector, d.Seconds())
	err := s.tm.Run(ctx, "timeout key", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sql, args...)
		return err
	})
	return keypool.StorageFailure("timeout key", err)
}

func (s *Store) FlagKey(ctx context.Context, selector keypool.Selector, code int) error {
	sql, args := s.q.flag(selector, code)
	err := s.tm.Run(ctx, "flag key", func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return &keypool.KeyNotFoundError{Selector: selector}
		}
		return nil
	})
	return keypool.StorageFailure("flag key", err)
}
