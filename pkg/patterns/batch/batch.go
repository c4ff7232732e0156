package batch

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// BatchItem holds the outcome of one request of a batch, at the same index
// as the request.
type BatchItem[TResult any] struct {
	Result TResult
	Error  error
}

// BatchResult contains the results of a batch operation in request order.
type BatchResult[TResult any] struct {
	Items []BatchItem[TResult]
}

// Errors returns the number of failed items.
func (r *BatchResult[TResult]) Errors() int {
	n := 0
	for _, item := range r.Items {
		if item.Error != nil {
			n++
		}
	}
	return n
}

// BatchProcessor processes batches of requests concurrently.
// MaxConcurrency caps the number of requests in flight; zero means no cap.
// Validate is optional and runs before Process for each request.
type BatchProcessor[TRequest, TResult any] struct {
	MaxConcurrency int
	Validate       func(TRequest) error
	Process        func(context.Context, TRequest) (TResult, error)
}

// ProcessBatch runs every request and waits for all of them. When
// continueOnError is false, the first failure cancels the context seen by
// requests that have not started yet, and is returned as the batch error.
func (bp *BatchProcessor[TRequest, TResult]) ProcessBatch(
	ctx context.Context,
	requests []TRequest,
	continueOnError bool,
) (*BatchResult[TResult], error) {
	results := make([]BatchItem[TResult], len(requests))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		if continueOnError {
			return
		}
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	p := pool.New()
	if bp.MaxConcurrency > 0 {
		p = p.WithMaxGoroutines(bp.MaxConcurrency)
	}

	for i, req := range requests {
		p.Go(func() {
			if err := ctx.Err(); err != nil {
				results[i] = BatchItem[TResult]{Error: err}
				return
			}

			if bp.Validate != nil {
				if err := bp.Validate(req); err != nil {
					results[i] = BatchItem[TResult]{Error: err}
					fail(err)
					return
				}
			}

			result, err := bp.Process(ctx, req)
			results[i] = BatchItem[TResult]{Result: result, Error: err}
			if err != nil {
				fail(err)
			}
		})
	}

	p.Wait()
	return &BatchResult[TResult]{Items: results}, firstErr
}
