package keypool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStorage struct {
	keypool.Storage
	err   error
	calls int
}

func (s *failingStorage) AcquireKey(context.Context, keypool.Selector) (*keypool.Key, error) {
	s.calls++
	return nil, s.err
}

func TestCircuitBreakerOpensOnStorageErrors(t *testing.T) {
	backend := &failingStorage{
		Storage: memstore.New(1),
		err:     &keypool.StorageError{Op: "acquire key", Err: errors.New("connection refused")},
	}
	storage := keypool.WithCircuitBreaker(backend, 2, time.Hour)
	ctx := context.Background()

	for range 2 {
		_, err := storage.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
		require.ErrorIs(t, err, keypool.ErrStorage)
	}

	_, err := storage.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
	require.ErrorIs(t, err, keypool.ErrStorage)
	assert.Equal(t, 2, backend.calls, "open breaker must not reach the backend")
}

func TestCircuitBreakerIgnoresPoolErrors(t *testing.T) {
	backend := &failingStorage{
		Storage: memstore.New(1),
		err:     &keypool.UnavailableError{Selector: keypool.Has(keypool.DomainAll)},
	}
	storage := keypool.WithCircuitBreaker(backend, 1, time.Hour)
	ctx := context.Background()

	for range 3 {
		_, err := storage.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
		require.ErrorIs(t, err, keypool.ErrUnavailable)
	}
	assert.Equal(t, 3, backend.calls)

	_, err := storage.RemoveKey(ctx, keypool.BySecret("missing"))
	assert.ErrorIs(t, err, keypool.ErrKeyNotFound)

	key, err := storage.StoreKey(ctx, 1, "secret", []keypool.Domain{keypool.DomainAll})
	require.NoError(t, err)
	assert.Equal(t, "secret", key.Secret)
}
