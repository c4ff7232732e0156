package circuitbreaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spounge-ai/keypool/pkg/patterns/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fail(context.Context) (int, error) { return 0, errBoom }

func succeed(context.Context) (int, error) { return 1, nil }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := circuitbreaker.New[int](2, circuitbreaker.WithResetTimeout[int](time.Hour))
	ctx := context.Background()

	_, err := cb.Execute(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())

	_, err = cb.Execute(ctx, fail)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	_, err = cb.Execute(ctx, succeed)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var transitions []circuitbreaker.State
	cb := circuitbreaker.New[int](1,
		circuitbreaker.WithResetTimeout[int](time.Millisecond),
		circuitbreaker.WithStateChange[int](func(_, to circuitbreaker.State) {
			transitions = append(transitions, to)
		}),
	)
	ctx := context.Background()

	_, _ = cb.Execute(ctx, fail)
	time.Sleep(5 * time.Millisecond)

	v, err := cb.Execute(ctx, succeed)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
	assert.Equal(t, []circuitbreaker.State{
		circuitbreaker.StateOpen,
		circuitbreaker.StateHalfOpen,
		circuitbreaker.StateClosed,
	}, transitions)
}

func TestBreakerFailurePredicate(t *testing.T) {
	benign := errors.New("benign")
	cb := circuitbreaker.New[int](1, circuitbreaker.WithFailurePredicate[int](func(err error) bool {
		return err != nil && !errors.Is(err, benign)
	}))

	for range 5 {
		_, err := cb.Execute(context.Background(), func(context.Context) (int, error) { return 0, benign })
		require.ErrorIs(t, err, benign)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}
