package keypool

import (
	"context"
	"errors"
	"time"

	"github.com/spounge-ai/keypool/pkg/patterns/circuitbreaker"
)

// breakerStorage guards a Storage with circuit breakers. Only storage
// failures count against a breaker; an exhausted pool or a missing key is a
// normal answer from a healthy backend.
type breakerStorage struct {
	storage     Storage
	keyBreaker  *circuitbreaker.Breaker[*Key]
	keysBreaker *circuitbreaker.Breaker[[]*Key]
	voidBreaker *circuitbreaker.Breaker[struct{}]
}

// WithCircuitBreaker wraps storage so that, after maxFailures consecutive
// storage failures, calls fail fast with a *StorageError until resetTimeout
// has passed.
func WithCircuitBreaker(storage Storage, maxFailures int, resetTimeout time.Duration) Storage {
	isFailure := func(err error) bool { return errors.Is(err, ErrStorage) }

	return &breakerStorage{
		storage: storage,
		keyBreaker: circuitbreaker.New(maxFailures,
			circuitbreaker.WithResetTimeout[*Key](resetTimeout),
			circuitbreaker.WithFailurePredicate[*Key](isFailure),
		),
		keysBreaker: circuitbreaker.New(maxFailures,
			circuitbreaker.WithResetTimeout[[]*Key](resetTimeout),
			circuitbreaker.WithFailurePredicate[[]*Key](isFailure),
		),
		voidBreaker: circuitbreaker.New(maxFailures,
			circuitbreaker.WithResetTimeout[struct{}](resetTimeout),
			circuitbreaker.WithFailurePredicate[struct{}](isFailure),
		),
	}
}

func guardKey(ctx context.Context, b *circuitbreaker.Breaker[*Key], op string, fn func(ctx context.Context) (*Key, error)) (*Key, error) {
	key, err := b.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &StorageError{Op: op, Err: err}
	}
	return key, err
}

func guardKeys(ctx context.Context, b *circuitbreaker.Breaker[[]*Key], op string, fn func(ctx context.Context) ([]*Key, error)) ([]*Key, error) {
	keys, err := b.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, &StorageError{Op: op, Err: err}
	}
	return keys, err
}

func (s *breakerStorage) guardVoid(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := s.voidBreaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &StorageError{Op: op, Err: err}
	}
	return err
}

func (s *breakerStorage) AcquireKey(ctx context.Context, selector Selector) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "acquire key", func(ctx context.Context) (*Key, error) {
		return s.storage.AcquireKey(ctx, selector)
	})
}

func (s *breakerStorage) AcquireManyKeys(ctx context.Context, selector Selector, n int) ([]*Key, error) {
	return guardKeys(ctx, s.keysBreaker, "acquire keys", func(ctx context.Context) ([]*Key, error) {
		return s.storage.AcquireManyKeys(ctx, selector, n)
	})
}

func (s *breakerStorage) StoreKey(ctx context.Context, ownerID int64, secret string, domains []Domain) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "store key", func(ctx context.Context) (*Key, error) {
		return s.storage.StoreKey(ctx, ownerID, secret, domains)
	})
}

func (s *breakerStorage) ReadKey(ctx context.Context, selector Selector) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "read key", func(ctx context.Context) (*Key, error) {
		return s.storage.ReadKey(ctx, selector)
	})
}

func (s *breakerStorage) ReadKeys(ctx context.Context, selector Selector) ([]*Key, error) {
	return guardKeys(ctx, s.keysBreaker, "read keys", func(ctx context.Context) ([]*Key, error) {
		return s.storage.ReadKeys(ctx, selector)
	})
}

func (s *breakerStorage) RemoveKey(ctx context.Context, selector Selector) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "remove key", func(ctx context.Context) (*Key, error) {
		return s.storage.RemoveKey(ctx, selector)
	})
}

func (s *breakerStorage) AddDomainToKey(ctx context.Context, selector Selector, domain Domain) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "add domain", func(ctx context.Context) (*Key, error) {
		return s.storage.AddDomainToKey(ctx, selector, domain)
	})
}

func (s *breakerStorage) RemoveDomainFromKey(ctx context.Context, selector Selector, domain Domain) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "remove domain", func(ctx context.Context) (*Key, error) {
		return s.storage.RemoveDomainFromKey(ctx, selector, domain)
	})
}

func (s *breakerStorage) SetDomainsForKey(ctx context.Context, selector Selector, domains []Domain) (*Key, error) {
	return guardKey(ctx, s.keyBreaker, "set domains", func(ctx context.Context) (*Key, error) {
		return s.storage.SetDomainsForKey(ctx, selector, domains)
	})
}

func (s *breakerStorage) TimeoutKey(ctx context.Context, selector Selector, d time.Duration) error {
	return s.guardVoid(ctx, "timeout key", func(ctx context.Context) error {
		return s.storage.TimeoutKey(ctx, selector, d)
	})
}

func (s *breakerStorage) FlagKey(ctx context.Context, selector Selector, code int) error {
	return s.guardVoid(ctx, "flag key", func(ctx context.Context) error {
		return s.storage.FlagKey(ctx, selector, code)
	})
}
