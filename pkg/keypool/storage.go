package keypool

import (
	"context"
	"time"
)

// Storage persists keys and performs acquisition atomically. Implementations
// run each acquisition as a single read-decide-write transaction that is
// retried from scratch on a serialization conflict; conflicts never reach
// the caller.
//
// Acquisition errors are *UnavailableError; administrative mutations that
// match nothing return *KeyNotFoundError; anything else is a *StorageError.
type Storage interface {
	// AcquireKey charges one use to the least-used eligible key, walking the
	// selector's fallbacks when nothing under the selector has capacity.
	AcquireKey(ctx context.Context, selector Selector) (*Key, error)

	// AcquireManyKeys charges up to n uses across the eligible keys, keeping
	// their usage level. The result may be shorter than n, and may contain
	// the same key more than once.
	AcquireManyKeys(ctx context.Context, selector Selector, n int) ([]*Key, error)

	// StoreKey inserts a key, or merges domains into the key already holding secret.
	StoreKey(ctx context.Context, ownerID int64, secret string, domains []Domain) (*Key, error)

	// ReadKey returns the first matching key, or nil when none matches.
	ReadKey(ctx context.Context, selector Selector) (*Key, error)
	ReadKeys(ctx context.Context, selector Selector) ([]*Key, error)

	RemoveKey(ctx context.Context, selector Selector) (*Key, error)

	AddDomainToKey(ctx context.Context, selector Selector, domain Domain) (*Key, error)
	RemoveDomainFromKey(ctx context.Context, selector Selector, domain Domain) (*Key, error)
	SetDomainsForKey(ctx context.Context, selector Selector, domains []Domain) (*Key, error)

	// TimeoutKey excludes matching keys from allocation for d.
	TimeoutKey(ctx context.Context, selector Selector, d time.Duration) error

	// FlagKey records the last upstream error code seen on a key.
	FlagKey(ctx context.Context, selector Selector, code int) error
}

// Clock lets stores and the pool agree on "now" in tests.
type Clock func() time.Time

func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
