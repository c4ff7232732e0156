// Package sqlitestore is a keypool.Storage backed by a SQLite file. Every
// mutation runs in an immediate transaction, which takes the database write
// lock up front; a transaction that cannot get the lock within the busy
// timeout is retried from scratch.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spounge-ai/keypool/pkg/execution"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/allocation"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const keyColumns = "id, owner_id, secret, uses, domains, last_used, cooldown_until, flag, created_at"

type Store struct {
	db        *sql.DB
	limit     int
	hierarchy *keypool.Hierarchy
	clock     keypool.Clock
	jitter    execution.Jitter
	logger    *slog.Logger
}

type Option func(*Store)

func WithHierarchy(h *keypool.Hierarchy) Option {
	return func(s *Store) { s.hierarchy = h }
}

func WithClock(clock keypool.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a store over an opened and migrated database, see Open.
func New(db *sql.DB, limit int, opts ...Option) *Store {
	s := &Store{
		db:     db,
		limit:  limit,
		jitter: execution.ConflictJitter,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sqlitestore")
	return s
}

var _ keypool.Storage = (*Store)(nil)

func isBusy(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

func (s *Store) run(ctx context.Context, op string, fn func(context.Context, *sql.Tx) error) error {
	_, err := execution.Do(ctx, s.jitter,
		func(ctx context.Context) (struct{}, execution.Outcome, error) {
			err := s.attempt(ctx, fn)
			switch {
			case err == nil:
				return struct{}{}, execution.Ok, nil
			case isBusy(err):
				return struct{}{}, execution.Retry, err
			default:
				return struct{}{}, execution.Fatal, err
			}
		},
		func(attempt int, err error) {
			s.logger.WarnContext(ctx, "database busy, retrying", "op", op, "attempt", attempt, "error", err)
		},
	)
	return err
}

func (s *Store) attempt(ctx context.Context, fn func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type candidate struct {
	id    string
	usage int
}

// candidates lists the keys matching selector that are not cooling down, in
// storage order, with their effective usage at now.
func candidates(ctx context.Context, tx *sql.Tx, selector keypool.Selector, now time.Time) ([]candidate, []int, error) {
	var a args
	where := predicate(selector, &a)
	query := "SELECT id, uses, last_used FROM api_keys WHERE " + where +
		" AND (cooldown_until IS NULL OR cooldown_until <= " + a.add(now.UnixNano()) + ") ORDER BY seq"

	rows, err := tx.QueryContext(ctx, query, a...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		out    []candidate
		usages []int
	)
	for rows.Next() {
		var (
			c        candidate
			uses     int
			lastUsed int64
		)
		if err := rows.Scan(&c.id, &uses, &lastUsed); err != nil {
			return nil, nil, err
		}
		c.usage = allocation.EffectiveUsage(uses, time.Unix(0, lastUsed), now)
		out = append(out, c)
		usages = append(usages, c.usage)
	}
	return out, usages, rows.Err()
}

func charge(ctx context.Context, tx *sql.Tx, id string, uses int, now time.Time) (*keypool.Key, error) {
	row := tx.QueryRowContext(ctx,
		"UPDATE api_keys SET uses = ?, last_used = ?, cooldown_until = NULL, flag = NULL WHERE id = ? RETURNING "+keyColumns,
		uses, now.UnixNano(), id)
	return scanKey(row)
}

func (s *Store) AcquireKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	key, err := keypool.WithFallback(ctx, s.hierarchy, selector, s.acquireOne)
	return key, keypool.StorageFailure("acquire key", err)
}

func (s *Store) acquireOne(ctx context.Context, selector keypool.Selector) (*keypool.Key, bool, error) {
	var key *keypool.Key
	err := s.run(ctx, "acquire key", func(ctx context.Context, tx *sql.Tx) error {
		key = nil
		now := s.clock.Now()

		cands, usages, err := candidates(ctx, tx, selector, now)
		if err != nil {
			return err
		}
		i, ok := allocation.PickOne(usages, s.limit)
		if !ok {
			return nil
		}
		key, err = charge(ctx, tx, cands[i].id, usages[i]+1, now)
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
	err := s.run(ctx, "acquire keys", func(ctx context.Context, tx *sql.Tx) error {
		keys = nil
		now := s.clock.Now()

		cands, usages, err := candidates(ctx, tx, selector, now)
		if err != nil {
			return err
		}
		slots, final := allocation.Plan(usages, s.limit, n)
		if len(slots) == 0 {
			return nil
		}

		charged := make(map[int]*keypool.Key)
		for i, c := range cands {
			if final[i] == usages[i] {
				continue
			}
			if charged[i], err = charge(ctx, tx, c.id, final[i], now); err != nil {
				return err
			}
		}

		keys = make([]*keypool.Key, len(slots))
		for j, i := range slots {
			keys[j] = charged[i].Clone()
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
	err := s.run(ctx, "store key", func(ctx context.Context, tx *sql.Tx) error {
		existing, err := scanKey(tx.QueryRowContext(ctx, "SELECT "+keyColumns+" FROM api_keys WHERE secret = ?", secret))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			raw, err := encodeDomains(keypool.MergeDomains(nil, domains))
			if err != nil {
				return err
			}
			key, err = scanKey(tx.QueryRowContext(ctx,
				"INSERT INTO api_keys (id, owner_id, secret, domains, created_at) VALUES (?, ?, ?, ?, ?) RETURNING "+keyColumns,
				keypool.NewKeyID().String(), ownerID, secret, raw, s.clock.Now().UnixNano()))
			return err
		case err != nil:
			return err
		}

		key, err = setDomains(ctx, tx, existing.ID, keypool.MergeDomains(existing.Domains, domains))
		return err
	})
	if err != nil {
		return nil, keypool.StorageFailure("store key", err)
	}
	return key, nil
}

func setDomains(ctx context.Context, tx *sql.Tx, id keypool.KeyID, domains []keypool.Domain) (*keypool.Key, error) {
	raw, err := encodeDomains(domains)
	if err != nil {
		return nil, err
	}
	return scanKey(tx.QueryRowContext(ctx,
		"UPDATE api_keys SET domains = ? WHERE id = ? RETURNING "+keyColumns, raw, id.String()))
}

func (s *Store) ReadKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	var a args
	key, err := scanKey(s.db.QueryRowContext(ctx,
		"SELECT "+keyColumns+" FROM api_keys WHERE "+predicate(selector, &a)+" ORDER BY seq LIMIT 1", a...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, keypool.StorageFailure("read key", err)
	}
	return key, nil
}

func (s *Store) ReadKeys(ctx context.Context, selector keypool.Selector) ([]*keypool.Key, error) {
	var a args
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+keyColumns+" FROM api_keys WHERE "+predicate(selector, &a)+" ORDER BY seq", a...)
	if err != nil {
		return nil, keypool.StorageFailure("read keys", err)
	}
	defer rows.Close()

	keys := []*keypool.Key{}
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, keypool.StorageFailure("read keys", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, keypool.StorageFailure("read keys", err)
	}
	return keys, nil
}

func (s *Store) RemoveKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	var key *keypool.Key
	err := s.run(ctx, "remove key", func(ctx context.Context, tx *sql.Tx) error {
		var a args
		var err error
		key, err = scanKey(tx.QueryRowContext(ctx,
			"DELETE FROM api_keys WHERE id = (SELECT id FROM api_keys WHERE "+predicate(selector, &a)+" ORDER BY seq LIMIT 1) RETURNING "+keyColumns,
			a...))
		if errors.Is(err, sql.ErrNoRows) {
			return &keypool.KeyNotFoundError{Selector: selector}
		}
		return err
	})
	if err != nil {
		return nil, keypool.StorageFailure("remove key", err)
	}
	s.logger.InfoContext(ctx, "removed key", "key", key)
	return key, nil
}

func (s *Store) AddDomainToKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(ctx, "add domain", selector, func(ds []keypool.Domain) []keypool.Domain {
		return keypool.MergeDomains(ds, []keypool.Domain{domain})
	})
}

func (s *Store) RemoveDomainFromKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(ctx, "remove domain", selector, func(ds []keypool.Domain) []keypool.Domain {
		return keypool.WithoutDomain(ds, domain)
	})
}

func (s *Store) SetDomainsForKey(ctx context.Context, selector keypool.Selector, domains []keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(ctx, "set domains", selector, func([]keypool.Domain) []keypool.Domain {
		return keypool.MergeDomains(nil, domains)
	})
}

func (s *Store) updateDomains(ctx context.Context, op string, selector keypool.Selector, update func([]keypool.Domain) []keypool.Domain) (*keypool.Key, error) {
	var key *keypool.Key
	err := s.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var a args
		current, err := scanKey(tx.QueryRowContext(ctx,
			"SELECT "+keyColumns+" FROM api_keys WHERE "+predicate(selector, &a)+" ORDER BY seq LIMIT 1", a...))
		if errors.Is(err, sql.ErrNoRows) {
			return &keypool.KeyNotFoundError{Selector: selector}
		}
		if err != nil {
			return err
		}
		key, err = setDomains(ctx, tx, current.ID, update(current.Domains))
		return err
	})
	if err != nil {
		return nil, keypool.StorageFailure(op, err)
	}
	return key, nil
}

// TimeoutKey cools down every matching key. Matching nothing is not an error.
func (s *Store) TimeoutKey(ctx context.Context, selector keypool.Selector, d time.Duration) error {
	err := s.run(ctx, "timeout key", func(ctx context.Context, tx *sql.Tx) error {
		a := args{s.clock.Now().Add(d).UnixNano()}
		_, err := tx.ExecContext(ctx, "UPDATE api_keys SET cooldown_until = ? WHERE "+predicate(selector, &a), a...)
		return err
	})
	return keypool.StorageFailure("timeout key", err)
}

func (s *Store) FlagKey(ctx context.Context, selector keypool.Selector, code int) error {
	err := s.run(ctx, "flag key", func(ctx context.Context, tx *sql.Tx) error {
		a := args{code}
		res, err := tx.ExecContext(ctx, "UPDATE api_keys SET flag = ? WHERE "+predicate(selector, &a), a...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &keypool.KeyNotFoundError{Selector: selector}
		}
		return nil
	})
	return keypool.StorageFailure("flag key", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*keypool.Key, error) {
	var (
		key           keypool.Key
		id            string
		rawDomains    string
		lastUsed      int64
		cooldownUntil sql.NullInt64
		flag          sql.NullInt64
		createdAt     int64
	)
	if err := row.Scan(&id, &key.OwnerID, &key.Secret, &key.Uses, &rawDomains, &lastUsed, &cooldownUntil, &flag, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if key.ID, err = keypool.KeyIDFromString(id); err != nil {
		return nil, fmt.Errorf("invalid key id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rawDomains), &key.Domains); err != nil {
		return nil, fmt.Errorf("invalid domains for key %s: %w", id, err)
	}
	if key.Domains == nil {
		key.Domains = []keypool.Domain{}
	}
	key.LastUsed = time.Unix(0, lastUsed).UTC()
	key.CreatedAt = time.Unix(0, createdAt).UTC()
	if cooldownUntil.Valid {
		until := time.Unix(0, cooldownUntil.Int64).UTC()
		key.CooldownUntil = &until
	}
	if flag.Valid {
		code := int(flag.Int64)
		key.Flag = &code
	}
	return &key, nil
}

func encodeDomains(domains []keypool.Domain) (string, error) {
	if domains == nil {
		domains = []keypool.Domain{}
	}
	raw, err := json.Marshal(domains)
	if err != nil {
		return "", fmt.Errorf("encode domains: %w", err)
	}
	return string(raw), nil
}
