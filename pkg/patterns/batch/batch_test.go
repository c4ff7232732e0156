package batch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spounge-ai/keypool/pkg/patterns/batch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBatchKeepsOrder(t *testing.T) {
	bp := &batch.BatchProcessor[int, int]{
		MaxConcurrency: 3,
		Process: func(_ context.Context, n int) (int, error) {
			return n * n, nil
		},
	}

	res, err := bp.ProcessBatch(context.Background(), []int{1, 2, 3, 4, 5}, true)
	require.NoError(t, err)
	require.Len(t, res.Items, 5)
	for i, item := range res.Items {
		assert.NoError(t, item.Error)
		assert.Equal(t, (i+1)*(i+1), item.Result)
	}
}

func TestProcessBatchBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	bp := &batch.BatchProcessor[int, struct{}]{
		MaxConcurrency: 2,
		Process: func(_ context.Context, _ int) (struct{}, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return struct{}{}, nil
		},
	}

	_, err := bp.ProcessBatch(context.Background(), make([]int, 10), true)
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessBatchValidation(t *testing.T) {
	errOdd := errors.New("odd")
	bp := &batch.BatchProcessor[int, int]{
		Validate: func(n int) error {
			if n%2 == 1 {
				return errOdd
			}
			return nil
		},
		Process: func(_ context.Context, n int) (int, error) { return n, nil },
	}

	res, err := bp.ProcessBatch(context.Background(), []int{1, 2, 3}, true)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Items[0].Error, errOdd)
	assert.NoError(t, res.Items[1].Error)
	assert.Equal(t, 2, res.Errors())
}

func TestProcessBatchStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	bp := &batch.BatchProcessor[int, int]{
		MaxConcurrency: 1,
		Process: func(_ context.Context, n int) (int, error) {
			if n == 0 {
				return 0, boom
			}
			return n, nil
		},
	}

	res, err := bp.ProcessBatch(context.Background(), []int{0, 1, 2}, false)
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, res.Items[0].Error, boom)
	assert.Equal(t, 3, res.Errors())
}
