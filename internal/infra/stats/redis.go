package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spounge-ai/keypool/pkg/keypool"
)

const minuteLayout = "200601021504"

// RedisRecorder writes every event into three hashes: a cumulative total, a
// per-minute bucket and a per-key hash. Buckets and per-key hashes expire
// after ttl; the total never does.
type RedisRecorder struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisRecorder)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			r.prefix = p
		}
	}
}

func WithTTL(d time.Duration) RedisOption {
	return func(r *RedisRecorder) { r.ttl = d }
}

func NewRedisRecorder(rdb redis.UniversalClient, opts ...RedisOption) *RedisRecorder {
	r := &RedisRecorder{
		rdb:    rdb,
		prefix: "keypool",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ keypool.Recorder = (*RedisRecorder)(nil)

func (r *RedisRecorder) totalKey() string { return r.prefix + ":total" }

func (r *RedisRecorder) minuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", r.prefix, at.UTC().Format(minuteLayout))
}

func (r *RedisRecorder) keyKey(id keypool.KeyID) string {
	return r.prefix + ":key:" + id.String()
}

func (r *RedisRecorder) Record(ctx context.Context, ev keypool.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	n := weight(ev)
	bucket := r.minuteKey(at)

	pipe := r.rdb.Pipeline()
	for _, f := range fields(ev) {
		pipe.HIncrBy(ctx, r.totalKey(), f, n)
		pipe.HIncrBy(ctx, bucket, f, n)
		if !ev.KeyID.IsZero() {
			pipe.HIncrBy(ctx, r.keyKey(ev.KeyID), f, n)
		}
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, bucket, r.ttl)
		if !ev.KeyID.IsZero() {
			pipe.Expire(ctx, r.keyKey(ev.KeyID), r.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return nil
}

func (r *RedisRecorder) Total(ctx context.Context) (Counters, error) {
	return r.read(ctx, r.totalKey())
}

// Minute returns the counters of the minute containing at.
func (r *RedisRecorder) Minute(ctx context.Context, at time.Time) (Counters, error) {
	return r.read(ctx, r.minuteKey(at))
}

func (r *RedisRecorder) ForKey(ctx context.Context, id keypool.KeyID) (Counters, error) {
	return r.read(ctx, r.keyKey(id))
}

func (r *RedisRecorder) read(ctx context.Context, key string) (Counters, error) {
	raw, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	out := make(Counters, len(raw))
	for field, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("read %s: field %s: %w", key, field, err)
		}
		out[field] = n
	}
	return out, nil
}

// Ping checks that the Redis server is reachable.
func (r *RedisRecorder) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
