package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// KeyPool routes upstream requests through keys taken from a Storage and
// applies the configured health actions when the upstream rejects a key.
type KeyPool struct {
	storage   Storage
	transport Transport
	options   *Options
	logger    *slog.Logger

	// pacer is shared by every executor of the pool so throttled batches
	// respect one aggregate dispatch rate.
	pacer *rate.Limiter
}

func New(storage Storage, transport Transport, options *Options) *KeyPool {
	if options == nil {
		options = NewOptions()
	}

	limit := rate.Inf
	if options.throttleInterval > 0 {
		limit = rate.Every(options.throttleInterval)
	}

	return &KeyPool{
		storage:   storage,
		transport: transport,
		options:   options,
		logger:    options.logger.With("component", "keypool"),
		pacer:     rate.NewLimiter(limit, 1),
	}
}

func (p *KeyPool) Storage() Storage { return p.storage }

func (p *KeyPool) Options() *Options { return p.options }

// Executor binds the pool to a selector. Executors are cheap; create one per
// logical caller.
func (p *KeyPool) Executor(selector Selector) *Executor {
	return &Executor{pool: p, selector: selector}
}

// FlagKey applies the action registered for code to key, and reports whether
// a request that failed with code may be retried with another key. Codes
// without an action are only recorded on the key.
func (p *KeyPool) FlagKey(ctx context.Context, key *Key, code int) (bool, error) {
	return p.handleUpstream(ctx, key, &UpstreamError{Code: code})
}

func (p *KeyPool) acquire(ctx context.Context, selector Selector) (*Key, error) {
	key, err := p.storage.AcquireKey(ctx, selector)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			p.record(ctx, Event{Kind: EventUnavailable, Selector: selector.String(), Count: 1})
		}
		return nil, err
	}

	p.record(ctx, Event{Kind: EventAcquired, KeyID: key.ID, Selector: selector.String(), Count: 1})
	return key, nil
}

// handleUpstream runs the error hook for ue.Code. A nil error with
// retry=false means no hook was registered and the key was only flagged.
func (p *KeyPool) handleUpstream(ctx context.Context, key *Key, ue *UpstreamError) (bool, error) {
	hook, ok := p.options.onError[ue.Code]
	if !ok {
		err := p.storage.FlagKey(ctx, key.Selector(), ue.Code)
		if err != nil && !errors.Is(err, ErrKeyNotFound) {
			return false, StorageFailure("flag key", err)
		}
		p.record(ctx, Event{Kind: EventUpstreamError, KeyID: key.ID, Code: ue.Code})
		return false, nil
	}

	retry, err := hook(ctx, p.storage, key, ue)
	// The key may already be gone if a concurrent request handled the same
	// failure first.
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		p.logger.ErrorContext(ctx, "error hook failed", "key", key, "code", ue.Code, "error", err)
		return false, StorageFailure("handle upstream error", err)
	}

	p.logger.InfoContext(ctx, "handled upstream error", "key", key, "code", ue.Code, "retry", retry)
	p.record(ctx, Event{Kind: EventUpstreamError, KeyID: key.ID, Code: ue.Code, Retry: retry})
	return retry, nil
}

func (p *KeyPool) applyKeyAction(ctx context.Context, key *Key, action KeyAction) error {
	var err error
	switch action.Kind {
	case ActionDelete:
		_, err = p.storage.RemoveKey(ctx, key.Selector())
	case ActionRemoveDomain:
		_, err = p.storage.RemoveDomainFromKey(ctx, key.Selector(), action.Domain)
	default:
		return nil
	}
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return StorageFailure("apply key action", err)
	}

	p.logger.InfoContext(ctx, "applied key action", "key", key, "action", action.Kind, "domain", action.Domain)
	p.record(ctx, Event{Kind: EventKeyAction, KeyID: key.ID})
	return nil
}

func (p *KeyPool) record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = p.options.clock.Now()
	}
	if err := p.options.recorder.Record(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "failed to record pool event", "kind", ev.Kind, "error", err)
	}
}

// Executor sends requests with keys matching one selector.
type Executor struct {
	pool     *KeyPool
	selector Selector
}

func (e *Executor) Selector() Selector { return e.selector }

// Execute acquires a key and sends req with it, switching keys whenever a
// registered error hook or after-hook asks for it.
func (e *Executor) Execute(ctx context.Context, req *Request) (any, error) {
	key, err := e.pool.acquire(ctx, e.selector)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, key, req)
}

// run drives the acquire/send cycle starting from an already charged key.
func (e *Executor) run(ctx context.Context, key *Key, req *Request) (any, error) {
	maxAttempts := e.pool.options.maxAttempts

	for attempt := 1; ; attempt++ {
		resp, retry, err := e.send(ctx, key, req)
		if !retry {
			return resp, err
		}

		if maxAttempts > 0 && attempt >= maxAttempts {
			e.pool.logger.WarnContext(ctx, "request exhausted its attempts", "selector", e.selector, "attempts", attempt)
			return nil, &UnavailableError{Selector: e.selector}
		}

		key, err = e.pool.acquire(ctx, e.selector)
		if err != nil {
			return nil, err
		}
	}
}

// send performs one attempt. retry=true means the key was dealt with and the
// request should go out again with a fresh key.
func (e *Executor) send(ctx context.Context, key *Key, req *Request) (any, bool, error) {
	p := e.pool
	out := req.Clone()
	if comment := p.options.comment; comment != "" {
		out.Set("comment", comment)
	}
	if before, ok := p.options.before[out.Category]; ok {
		before(ctx, out, e.selector)
	}

	resp, err := p.transport.Do(ctx, key.Secret, out)
	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			if errors.Is(err, ErrTransport) {
				return nil, false, err
			}
			return nil, false, &TransportError{Err: err}
		}

		p.logger.DebugContext(ctx, "upstream rejected request", "key", key, "code", ue.Code, "path", out.Path)
		retry, hookErr := p.handleUpstream(ctx, key, ue)
		if hookErr != nil {
			return nil, false, hookErr
		}
		if !retry {
			return nil, false, ue
		}
		return nil, true, nil
	}

	after, ok := p.options.after[out.Category]
	if !ok {
		return resp, false, nil
	}
	action := after(ctx, resp, e.selector)
	if action.Kind == ActionNone {
		return resp, false, nil
	}
	if err := p.applyKeyAction(ctx, key, action); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// Fetch executes req and asserts the decoded payload to T.
func Fetch[T any](ctx context.Context, e *Executor, req *Request) (T, error) {
	var zero T
	resp, err := e.Execute(ctx, req)
	if err != nil {
		return zero, err
	}
	v, ok := resp.(T)
	if !ok {
		return zero, &TransportError{Err: fmt.Errorf("unexpected response type %T", resp)}
	}
	return v, nil
}
