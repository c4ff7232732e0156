//go:build integration

package pgstore_test

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/spounge-ai/keypool/pkg/keypool/pgstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const namespace = "keypool_test"

var dbpool *pgxpool.Pool

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not construct pool: %s", err)
	}
	if err := pool.Client.Ping(); err != nil {
		log.Fatalf("Could not connect to Docker: %s", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "postgres",
		Tag:        "16",
		Env: []string{
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_USER=user",
			"POSTGRES_DB=keypool",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Could not start resource: %s", err)
	}
	if err := resource.Expire(120); err != nil {
		log.Fatalf("Could not set resource expiration: %s", err)
	}

	databaseURL := fmt.Sprintf("postgres://user:secret@%s/keypool?sslmode=disable", resource.GetHostPort("5432/tcp"))

	if err := pool.Retry(func() error {
		var err error
		dbpool, err = pgxpool.New(context.Background(), databaseURL)
		if err != nil {
			return err
		}
		return dbpool.Ping(context.Background())
	}); err != nil {
		log.Fatalf("Could not connect to docker: %s", err)
	}

	if err := pgstore.Migrate(context.Background(), databaseURL, namespace, slog.Default()); err != nil {
		log.Fatalf("Could not run migrations: %s", err)
	}
	// A second run must be a no-op.
	if err := pgstore.Migrate(context.Background(), databaseURL, namespace, slog.Default()); err != nil {
		log.Fatalf("Could not rerun migrations: %s", err)
	}

	code := m.Run()

	dbpool.Close()
	if err := pool.Purge(resource); err != nil {
		log.Fatalf("Could not purge resource: %s", err)
	}
	os.Exit(code)
}

func newStore(t *testing.T, limit int, opts ...pgstore.Option) *pgstore.Store {
	t.Helper()
	_, err := dbpool.Exec(context.Background(), "TRUNCATE "+namespace+".api_keys")
	require.NoError(t, err)
	opts = append([]pgstore.Option{pgstore.WithNamespace(namespace)}, opts...)
	return pgstore.New(dbpool, limit, opts...)
}

func TestAcquireWithinMinuteLimit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 2)

	_, err := store.StoreKey(ctx, 1, "secret-1", []keypool.Domain{keypool.DomainAll})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		key, err := store.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
		require.NoError(t, err)
		assert.Equal(t, i, key.Uses)
	}

	_, err = store.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
	require.ErrorIs(t, err, keypool.ErrUnavailable)

	// Move the last use into the previous minute.
	_, err = dbpool.Exec(ctx, "UPDATE "+namespace+".api_keys SET last_used = last_used - interval '1 minute'")
	require.NoError(t, err)

	key, err := store.AcquireKey(ctx, keypool.Has(keypool.DomainAll))
	require.NoError(t, err)
	assert.Equal(t, 1, key.Uses)
}

func TestAcquireFallsBack(t *testing.T) {
	ctx := context.Background()
	h, err := keypool.NewHierarchy(map[string]keypool.Domain{"guild:*": keypool.DomainAll})
	require.NoError(t, err)
	store := newStore(t, 5, pgstore.WithHierarchy(h))

	k2, err := store.StoreKey(ctx, 2, "secret-2", []keypool.Domain{keypool.DomainAll})
	require.NoError(t, err)

	key, err := store.AcquireKey(ctx, keypool.Has(keypool.NewDomain("guild", 7)))
	require.NoError(t, err)
	assert.Equal(t, k2.ID, key.ID)

	got, err := store.AcquireKey(ctx, keypool.OneOf([]keypool.Domain{"faction:1"}, []keypool.Domain{"all"}))
	require.NoError(t, err)
	assert.Equal(t, k2.ID, got.ID)
}

func TestStoreKeyMergesDomains(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 5)

	first, err := store.StoreKey(ctx, 1, "secret-1", []keypool.Domain{"faction:1", "all"})
	require.NoError(t, err)
	second, err := store.StoreKey(ctx, 1, "secret-1", []keypool.Domain{"all", "guild:2"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []keypool.Domain{"faction:1", "all", "guild:2"}, second.Domains)
}

func TestDomainMutationsAndRemoval(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 5)

	key, err := store.StoreKey(ctx, 1, "secret-1", []keypool.Domain{"all"})
	require.NoError(t, err)

	key, err = store.AddDomainToKey(ctx, key.Selector(), "faction:3")
	require.NoError(t, err)
	assert.Equal(t, []keypool.Domain{"all", "faction:3"}, key.Domains)

	key, err = store.RemoveDomainFromKey(ctx, key.Selector(), "all")
	require.NoError(t, err)
	assert.Equal(t, []keypool.Domain{"faction:3"}, key.Domains)

	key, err = store.SetDomainsForKey(ctx, key.Selector(), []keypool.Domain{"guild:1", "guild:1"})
	require.NoError(t, err)
	assert.Equal(t, []keypool.Domain{"guild:1"}, key.Domains)

	removed, err := store.RemoveKey(ctx, keypool.ByOwner(1))
	require.NoError(t, err)
	assert.Equal(t, key.ID, removed.ID)

	_, err = store.RemoveKey(ctx, keypool.ByOwner(1))
	assert.ErrorIs(t, err, keypool.ErrKeyNotFound)
	assert.ErrorIs(t, store.FlagKey(ctx, keypool.ByOwner(1), 2), keypool.ErrKeyNotFound)
}

func TestTimeoutAndFlag(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 5)

	key, err := store.StoreKey(ctx, 1, "secret-1", []keypool.Domain{"all"})
	require.NoError(t, err)
	require.NoError(t, store.FlagKey(ctx, key.Selector(), 5))
	require.NoError(t, store.TimeoutKey(ctx, key.Selector(), time.Hour))

	read, err := store.ReadKey(ctx, key.Selector())
	require.NoError(t, err)
	require.NotNil(t, read.Flag)
	assert.Equal(t, 5, *read.Flag)
	require.NotNil(t, read.CooldownUntil)

	_, err = store.AcquireKey(ctx, keypool.Has("all"))
	require.ErrorIs(t, err, keypool.ErrUnavailable)

	require.NoError(t, store.TimeoutKey(ctx, key.Selector(), -time.Second))
	got, err := store.AcquireKey(ctx, keypool.Has("all"))
	require.NoError(t, err)
	assert.Nil(t, got.Flag)
	assert.Nil(t, got.CooldownUntil)
}

func TestConcurrentAcquireNeverOverruns(t *testing.T) {
	ctx := context.Background()
	const limit, keys, callers = 5, 3, 40
	store := newStore(t, limit)

	for i := range keys {
		_, err := store.StoreKey(ctx, int64(i), fmt.Sprintf("secret-%d", i), []keypool.Domain{"all"})
		require.NoError(t, err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AcquireKey(ctx, keypool.Has("all"))
			if err == nil {
				successes.Add(1)
				return
			}
			assert.ErrorIs(t, err, keypool.ErrUnavailable)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit*keys), successes.Load())
	stored, err := store.ReadKeys(ctx, keypool.Has("all"))
	require.NoError(t, err)
	for _, k := range stored {
		assert.LessOrEqual(t, k.Uses, limit)
	}
}

func TestAcquireManyKeysIsFair(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 10)

	for i := range 4 {
		_, err := store.StoreKey(ctx, int64(i), fmt.Sprintf("secret-%d", i), []keypool.Domain{"all"})
		require.NoError(t, err)
	}
	_, err := store.AcquireKey(ctx, keypool.Has("all"))
	require.NoError(t, err)

	keys, err := store.AcquireManyKeys(ctx, keypool.Has("all"), 9)
	require.NoError(t, err)
	assert.Len(t, keys, 9)

	stored, err := store.ReadKeys(ctx, keypool.Has("all"))
	require.NoError(t, err)
	lo, hi := stored[0].Uses, stored[0].Uses
	for _, k := range stored {
		lo, hi = min(lo, k.Uses), max(hi, k.Uses)
	}
	assert.LessOrEqual(t, hi-lo, 1)

	keys, err = store.AcquireManyKeys(ctx, keypool.Has("all"), 100)
	require.NoError(t, err)
	assert.Len(t, keys, 30, "truncated at remaining capacity")
}
