package keypool

import "context"

// ExecuteManyThrottled behaves like ExecuteMany, but spaces out dispatches by
// the pool's throttle interval and caps the number of requests in flight.
// The spacing is shared with every other throttled batch of the same pool.
func (e *Executor) ExecuteManyThrottled(ctx context.Context, ids []string, build RequestBuilder) map[string]Result {
	return e.executeMany(ctx, ids, build, e.pool.options.throttleConcurrency, true)
}
