package keypool

import (
	"context"

	"github.com/spounge-ai/keypool/pkg/patterns/batch"
)

// Result is the outcome of one id of a bulk execution.
type Result struct {
	Value any
	Err   error
}

// RequestBuilder builds the request sent for one id of a bulk execution.
type RequestBuilder func(id string) *Request

type boundRequest struct {
	id  string
	key *Key
	req *Request
}

// ExecuteMany sends one request per id concurrently, taking the keys from a
// single bulk acquisition. Ids left without a key because the pool ran out
// of capacity get an *UnavailableError. Duplicate ids share one result entry.
func (e *Executor) ExecuteMany(ctx context.Context, ids []string, build RequestBuilder) map[string]Result {
	return e.executeMany(ctx, ids, build, 0, false)
}

func (e *Executor) executeMany(
	ctx context.Context,
	ids []string,
	build RequestBuilder,
	concurrency int,
	paced bool,
) map[string]Result {
	results := make(map[string]Result, len(ids))
	if len(ids) == 0 {
		return results
	}

	p := e.pool
	keys, err := p.storage.AcquireManyKeys(ctx, e.selector, len(ids))
	if err != nil {
		for _, id := range ids {
			results[id] = Result{Err: err}
		}
		return results
	}
	p.record(ctx, Event{Kind: EventAcquired, Selector: e.selector.String(), Count: len(keys)})

	bound := make([]boundRequest, 0, len(keys))
	for i, id := range ids {
		if i >= len(keys) {
			results[id] = Result{Err: &UnavailableError{Selector: e.selector}}
			continue
		}
		bound = append(bound, boundRequest{id: id, key: keys[i], req: build(id)})
	}
	if short := len(ids) - len(bound); short > 0 {
		p.logger.WarnContext(ctx, "bulk acquisition fell short", "selector", e.selector, "requested", len(ids), "short", short)
		p.record(ctx, Event{Kind: EventUnavailable, Selector: e.selector.String(), Count: short})
	}

	processor := &batch.BatchProcessor[boundRequest, any]{
		MaxConcurrency: concurrency,
		Process: func(ctx context.Context, b boundRequest) (any, error) {
			if paced {
				if err := p.pacer.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return e.run(ctx, b.key, b.req)
		},
	}

	out, _ := processor.ProcessBatch(ctx, bound, true)
	for i, item := range out.Items {
		results[bound[i].id] = Result{Value: item.Result, Err: item.Error}
	}
	return results
}
