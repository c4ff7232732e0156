//go:build integration

package stats

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/redis/go-redis/v9"
	"github.com/spounge-ai/keypool/pkg/keypool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var rdb *redis.Client

func TestMain(m *testing.M) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		log.Fatalf("Could not construct pool: %s", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "redis",
		Tag:        "7-alpine",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		log.Fatalf("Could not start resource: %s", err)
	}
	if err := resource.Expire(60); err != nil {
		log.Fatalf("Could not set resource expiration: %s", err)
	}

	rdb = redis.NewClient(&redis.Options{Addr: resource.GetHostPort("6379/tcp")})
	if err := pool.Retry(func() error {
		return rdb.Ping(context.Background()).Err()
	}); err != nil {
		log.Fatalf("Could not connect to redis: %s", err)
	}

	code := m.Run()

	_ = rdb.Close()
	if err := pool.Purge(resource); err != nil {
		log.Fatalf("Could not purge resource: %s", err)
	}
	os.Exit(code)
}

func TestRedisRecorder(t *testing.T) {
	ctx := context.Background()
	prefix := fmt.Sprintf("test:%d", time.Now().UnixNano())
	r := NewRedisRecorder(rdb, WithPrefix(prefix), WithTTL(time.Minute))

	at := time.Date(2024, 5, 1, 12, 0, 10, 0, time.UTC)
	id := keypool.NewKeyID()

	require.NoError(t, r.Ping(ctx))
	require.NoError(t, r.Record(ctx, keypool.Event{Kind: keypool.EventAcquired, KeyID: id, At: at}))
	require.NoError(t, r.Record(ctx, keypool.Event{Kind: keypool.EventAcquired, Count: 3, At: at}))
	require.NoError(t, r.Record(ctx, keypool.Event{Kind: keypool.EventUpstreamError, KeyID: id, Code: 14, At: at.Add(time.Minute)}))

	total, err := r.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counters{"acquired": 4, "upstream_error": 1, "upstream_error:14": 1}, total)

	minute, err := r.Minute(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, Counters{"acquired": 4}, minute)

	perKey, err := r.ForKey(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), perKey["acquired"])

	ttl, err := rdb.TTL(ctx, r.minuteKey(at)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	ttl, err = rdb.TTL(ctx, r.totalKey()).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}
