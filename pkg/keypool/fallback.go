package keypool

import "context"

// maxFallbackDepth bounds the walk even if a Hierarchy was built by hand.
const maxFallbackDepth = 32

// AttemptFunc tries one selector. found=false with a nil error means nothing
// under that selector had capacity and the next fallback should be tried.
type AttemptFunc[T any] func(ctx context.Context, selector Selector) (result T, found bool, err error)

// WithFallback runs attempt against selector, then against each successive
// fallback from h, until one succeeds. Identity selectors are tried once.
func WithFallback[T any](ctx context.Context, h *Hierarchy, selector Selector, attempt AttemptFunc[T]) (T, error) {
	var zero T
	current := selector

	for depth := 0; depth < maxFallbackDepth; depth++ {
		result, found, err := attempt(ctx, current)
		if err != nil {
			return zero, err
		}
		if found {
			return result, nil
		}

		next, ok := h.FallbackSelector(current)
		if !ok {
			break
		}
		current = next
	}

	return zero, &UnavailableError{Selector: selector}
}
