// Package memstore is an in-process keypool.Storage. Every operation holds
// one mutex for its whole read-decide-write cycle, so acquisitions are
// serialised and never conflict.
package memstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/allocation"
)

type Store struct {
	mu   sync.Mutex
	keys []*keypool.Key // storage order

	limit     int
	hierarchy *keypool.Hierarchy
	clock     keypool.Clock
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

// New returns an empty store allowing limit uses per key per minute.
func New(limit int, opts ...Option) *Store {
	s := &Store{
		limit:  limit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ keypool.Storage = (*Store)(nil)

func (s *Store) AcquireKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	return keypool.WithFallback(ctx, s.hierarchy, selector, s.acquireOne)
}

func (s *Store) acquireOne(ctx context.Context, selector keypool.Selector) (*keypool.Key, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, keypool.StorageFailure("acquire key", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	candidates, usages := s.candidates(selector, now)
	i, ok := allocation.PickOne(usages, s.limit)
	if !ok {
		return nil, false, nil
	}

	key := candidates[i]
	charge(key, usages[i]+1, now)
	return key.Clone(), true, nil
}

func (s *Store) AcquireManyKeys(ctx context.Context, selector keypool.Selector, n int) ([]*keypool.Key, error) {
	if n <= 0 {
		return []*keypool.Key{}, nil
	}
	return keypool.WithFallback(ctx, s.hierarchy, selector, func(ctx context.Context, sel keypool.Selector) ([]*keypool.Key, bool, error) {
		return s.acquireMany(ctx, sel, n)
	})
}

func (s *Store) acquireMany(ctx context.Context, selector keypool.Selector, n int) ([]*keypool.Key, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, keypool.StorageFailure("acquire keys", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	candidates, usages := s.candidates(selector, now)
	slots, final := allocation.Plan(usages, s.limit, n)
	if len(slots) == 0 {
		return nil, false, nil
	}

	for i, key := range candidates {
		if final[i] != usages[i] {
			charge(key, final[i], now)
		}
	}

	keys := make([]*keypool.Key, len(slots))
	for j, i := range slots {
		keys[j] = candidates[i].Clone()
	}
	return keys, true, nil
}

// candidates returns the keys matching selector that are not cooling down,
// in storage order, with their effective usage at now. Callers hold s.mu.
func (s *Store) candidates(selector keypool.Selector, now time.Time) ([]*keypool.Key, []int) {
	var (
		keys   []*keypool.Key
		usages []int
	)
	for _, k := range s.keys {
		if !selector.Matches(k) || k.CoolingDown(now) {
			continue
		}
		keys = append(keys, k)
		usages = append(usages, k.EffectiveUses(now))
	}
	return keys, usages
}

func charge(k *keypool.Key, uses int, now time.Time) {
	k.Uses = uses
	k.LastUsed = now
	k.CooldownUntil = nil
	k.Flag = nil
}

func (s *Store) StoreKey(ctx context.Context, ownerID int64, secret string, domains []keypool.Domain) (*keypool.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.Secret == secret {
			k.Domains = keypool.MergeDomains(k.Domains, domains)
			return k.Clone(), nil
		}
	}

	key := &keypool.Key{
		ID:        keypool.NewKeyID(),
		OwnerID:   ownerID,
		Secret:    secret,
		Domains:   keypool.MergeDomains(nil, domains),
		CreatedAt: s.clock.Now(),
	}
	s.keys = append(s.keys, key)
	s.logger.DebugContext(ctx, "stored key", "key", key)
	return key.Clone(), nil
}

func (s *Store) ReadKey(_ context.Context, selector keypool.Selector) (*keypool.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.first(selector); i >= 0 {
		return s.keys[i].Clone(), nil
	}
	return nil, nil
}

func (s *Store) ReadKeys(_ context.Context, selector keypool.Selector) ([]*keypool.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []*keypool.Key{}
	for _, k := range s.keys {
		if selector.Matches(k) {
			keys = append(keys, k.Clone())
		}
	}
	return keys, nil
}

func (s *Store) RemoveKey(ctx context.Context, selector keypool.Selector) (*keypool.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.first(selector)
	if i < 0 {
		return nil, &keypool.KeyNotFoundError{Selector: selector}
	}
	removed := s.keys[i]
	s.keys = slices.Delete(s.keys, i, i+1)
	s.logger.InfoContext(ctx, "removed key", "key", removed)
	return removed, nil
}

func (s *Store) AddDomainToKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(selector, func(ds []keypool.Domain) []keypool.Domain {
		return keypool.MergeDomains(ds, []keypool.Domain{domain})
	})
}

func (s *Store) RemoveDomainFromKey(ctx context.Context, selector keypool.Selector, domain keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(selector, func(ds []keypool.Domain) []keypool.Domain {
		return keypool.WithoutDomain(ds, domain)
	})
}

func (s *Store) SetDomainsForKey(ctx context.Context, selector keypool.Selector, domains []keypool.Domain) (*keypool.Key, error) {
	return s.updateDomains(selector, func([]keypool.Domain) []keypool.Domain {
		return keypool.MergeDomains(nil, domains)
	})
}

func (s *Store) updateDomains(selector keypool.Selector, update func([]keypool.Domain) []keypool.Domain) (*keypool.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.first(selector)
	if i < 0 {
		return nil, &keypool.KeyNotFoundError{Selector: selector}
	}
	s.keys[i].Domains = update(s.keys[i].Domains)
	return s.keys[i].Clone(), nil
}

// TimeoutKey cools down every matching key. Matching nothing is not an error.
func (s *Store) TimeoutKey(ctx context.Context, selector keypool.Selector, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.clock.Now().Add(d)
	for _, k := range s.keys {
		if selector.Matches(k) {
			k.CooldownUntil = &until
		}
	}
	return nil
}

func (s *Store) FlagKey(ctx context.Context, selector keypool.Selector, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	for _, k := range s.keys {
		if selector.Matches(k) {
			flag := code
			k.Flag = &flag
			found = true
		}
	}
	if !found {
		return &keypool.KeyNotFoundError{Selector: selector}
	}
	return nil
}

func (s *Store) first(selector keypool.Selector) int {
	return slices.IndexFunc(s.keys, selector.Matches)
}
