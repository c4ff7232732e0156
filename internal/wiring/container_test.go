package wiring

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	infra_config "github.com/spounge-ai/keypool/internal/infra/config"
	"github.com/spounge-ai/keypool/internal/infra/stats"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend string) *infra_config.Config {
	return &infra_config.Config{
		Pool: infra_config.PoolConfig{Limit: 2, Comment: "wiring", MaxAttempts: 5},
		Domains: infra_config.DomainsConfig{
			Fallbacks: map[string]string{"guild:*": "all"},
		},
		Storage: infra_config.StorageConfig{
			Backend: backend,
			CircuitBreaker: infra_config.CircuitBreakerConfig{
				Enabled:      true,
				MaxFailures:  3,
				ResetTimeout: time.Second,
			},
		},
		Throttle: infra_config.ThrottleConfig{Concurrency: 2},
	}
}

func TestContainerMemoryPool(t *testing.T) {
	ctx := context.Background()
	c := NewContainer(testConfig(infra_config.BackendMemory), nil)
	defer c.Close()

	storage, err := c.Storage(ctx)
	require.NoError(t, err)
	again, err := c.Storage(ctx)
	require.NoError(t, err)
	assert.Same(t, storage, again)

	_, err = storage.StoreKey(ctx, 1, "secret-1", []keypool.Domain{"all"})
	require.NoError(t, err)

	var seen []string
	transport := keypool.TransportFunc(func(ctx context.Context, secret string, req *keypool.Request) (any, error) {
		comment, _ := req.Param("comment")
		seen = append(seen, secret+"/"+comment)
		return "ok", nil
	})
	pool, err := c.Pool(ctx, transport)
	require.NoError(t, err)

	resp, err := pool.Executor(keypool.Has(keypool.NewDomain("guild", 9))).Execute(ctx, keypool.NewRequest("user", "/user"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, []string{"secret-1/wiring"}, seen)

	recorder, err := c.Recorder(ctx)
	require.NoError(t, err)
	mem, ok := recorder.(*stats.MemoryRecorder)
	require.True(t, ok)
	assert.Equal(t, int64(1), mem.Total()["acquired"])
}

func TestContainerSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(infra_config.BackendSQLite)
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "keys.db")
	c := NewContainer(cfg, nil)
	defer c.Close()

	require.NoError(t, c.Migrate(ctx))
	storage, err := c.Storage(ctx)
	require.NoError(t, err)

	key, err := storage.StoreKey(ctx, 7, "secret-7", []keypool.Domain{"all"})
	require.NoError(t, err)
	got, err := storage.AcquireKey(ctx, keypool.Has("guild:1"))
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	health := c.Health(ctx)
	require.Contains(t, health, "sqlite")
	assert.True(t, health["sqlite"].Healthy)
}

func TestContainerRejectsFallbackCycle(t *testing.T) {
	cfg := testConfig(infra_config.BackendMemory)
	cfg.Domains.Fallbacks = map[string]string{"a": "b", "b": "a"}
	c := NewContainer(cfg, nil)

	_, err := c.Storage(context.Background())
	assert.ErrorIs(t, err, keypool.ErrFallbackCycle)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(infra_config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key_id", "k1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"key_id":"k1"`)
}
