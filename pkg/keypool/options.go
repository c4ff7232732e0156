package keypool

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spounge-ai/keypool/pkg/keypool/allocation"
)

// Upstream error codes with a default action.
const (
	CodeIncorrectKey    = 2
	CodeTooManyRequests = 5
	CodeOwnerJailed     = 10
	CodeOwnerInactive   = 13
	CodeDailyLimit      = 14
	CodeKeyPaused       = 18
)

const (
	defaultMaxAttempts         = 25
	defaultThrottleInterval    = 50 * time.Millisecond
	defaultThrottleConcurrency = 8
)

// BeforeHook may mutate the outgoing request before every send.
type BeforeHook func(ctx context.Context, req *Request, selector Selector)

// AfterHook inspects a successful response. Returning anything but NoAction
// applies the action to the key that was used and restarts the request with
// a fresh key.
type AfterHook func(ctx context.Context, resp any, selector Selector) KeyAction

// ErrorHook handles an upstream error for the key that produced it and
// reports whether the request should be retried with a fresh key.
type ErrorHook func(ctx context.Context, storage Storage, key *Key, err *UpstreamError) (retry bool, hookErr error)

type KeyActionKind int

const (
	ActionNone KeyActionKind = iota
	ActionDelete
	ActionRemoveDomain
)

func (k KeyActionKind) String() string {
	switch k {
	case ActionDelete:
		return "delete"
	case ActionRemoveDomain:
		return "remove_domain"
	default:
		return "none"
	}
}

type KeyAction struct {
	Kind   KeyActionKind
	Domain Domain
}

var NoAction = KeyAction{}

func DeleteKey() KeyAction { return KeyAction{Kind: ActionDelete} }

func RemoveDomain(d Domain) KeyAction { return KeyAction{Kind: ActionRemoveDomain, Domain: d} }

type errorActionKind int

const (
	errorActionSurface errorActionKind = iota
	errorActionDelete
	errorActionCooldown
)

// ErrorAction is a declarative entry of the error-code table.
type ErrorAction struct {
	kind  errorActionKind
	until func(now time.Time) time.Time
	name  string
}

// DeleteOnError removes the key and retries.
func DeleteOnError() ErrorAction {
	return ErrorAction{kind: errorActionDelete, name: "delete"}
}

// Surface flags the key and returns the error to the caller.
func Surface() ErrorAction {
	return ErrorAction{kind: errorActionSurface, name: "fatal"}
}

func CooldownFor(d time.Duration) ErrorAction {
	return ErrorAction{
		kind:  errorActionCooldown,
		until: func(now time.Time) time.Time { return now.Add(d) },
		name:  "cooldown:" + d.String(),
	}
}

func CooldownUntilNextMinute() ErrorAction {
	return ErrorAction{kind: errorActionCooldown, until: allocation.NextMinute, name: "cooldown:minute"}
}

func CooldownUntilNextDay() ErrorAction {
	return ErrorAction{kind: errorActionCooldown, until: allocation.NextDay, name: "cooldown:day"}
}

func (a ErrorAction) String() string { return a.name }

// ParseErrorAction reads the configuration form of an action: "delete",
// "fatal", "cooldown:minute", "cooldown:day" or "cooldown:<duration>".
func ParseErrorAction(s string) (ErrorAction, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "delete":
		return DeleteOnError(), nil
	case "fatal":
		return Surface(), nil
	case "cooldown:minute":
		return CooldownUntilNextMinute(), nil
	case "cooldown:day":
		return CooldownUntilNextDay(), nil
	}

	if rest, ok := strings.CutPrefix(s, "cooldown:"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return ErrorAction{}, fmt.Errorf("invalid cooldown duration %q", rest)
		}
		return CooldownFor(d), nil
	}
	return ErrorAction{}, fmt.Errorf("unknown error action %q", s)
}

// DefaultErrorActions is the error-code table used when none is configured.
func DefaultErrorActions() map[int]ErrorAction {
	return map[int]ErrorAction{
		CodeIncorrectKey:    DeleteOnError(),
		CodeOwnerJailed:     DeleteOnError(),
		CodeOwnerInactive:   DeleteOnError(),
		CodeKeyPaused:       DeleteOnError(),
		CodeTooManyRequests: CooldownUntilNextMinute(),
		CodeDailyLimit:      CooldownUntilNextDay(),
	}
}

func (a ErrorAction) hook(clock Clock) ErrorHook {
	switch a.kind {
	case errorActionDelete:
		return func(ctx context.Context, storage Storage, key *Key, _ *UpstreamError) (bool, error) {
			_, err := storage.RemoveKey(ctx, key.Selector())
			return true, err
		}
	case errorActionCooldown:
		return func(ctx context.Context, storage Storage, key *Key, ue *UpstreamError) (bool, error) {
			if err := storage.FlagKey(ctx, key.Selector(), ue.Code); err != nil {
				return true, err
			}
			now := clock.Now()
			return true, storage.TimeoutKey(ctx, key.Selector(), a.until(now).Sub(now))
		}
	default:
		return func(ctx context.Context, storage Storage, key *Key, ue *UpstreamError) (bool, error) {
			return false, storage.FlagKey(ctx, key.Selector(), ue.Code)
		}
	}
}

// Options is the process-wide, immutable pool configuration. Build it once
// with NewOptions and share the pointer between pools.
type Options struct {
	comment             string
	before              map[Category]BeforeHook
	after               map[Category]AfterHook
	onError             map[int]ErrorHook
	maxAttempts         int
	throttleInterval    time.Duration
	throttleConcurrency int
	logger              *slog.Logger
	recorder            Recorder
	clock               Clock
}

type Option func(*Options)

func NewOptions(opts ...Option) *Options {
	o := &Options{
		before:              make(map[Category]BeforeHook),
		after:               make(map[Category]AfterHook),
		onError:             make(map[int]ErrorHook),
		maxAttempts:         defaultMaxAttempts,
		throttleInterval:    defaultThrottleInterval,
		throttleConcurrency: defaultThrottleConcurrency,
		logger:              slog.Default(),
		recorder:            nopRecorder{},
	}
	WithErrorActions(DefaultErrorActions())(o)

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithComment tags every outgoing request with a "comment" parameter.
func WithComment(comment string) Option {
	return func(o *Options) { o.comment = comment }
}

func WithBeforeHook(category Category, hook BeforeHook) Option {
	return func(o *Options) { o.before[category] = hook }
}

func WithAfterHook(category Category, hook AfterHook) Option {
	return func(o *Options) { o.after[category] = hook }
}

// WithErrorHook registers a custom handler for one upstream error code.
func WithErrorHook(code int, hook ErrorHook) Option {
	return func(o *Options) { o.onError[code] = hook }
}

// WithErrorActions replaces the whole error-code table. Codes left out
// surface to the caller.
func WithErrorActions(actions map[int]ErrorAction) Option {
	return func(o *Options) {
		o.onError = make(map[int]ErrorHook, len(actions))
		for code, action := range actions {
			o.onError[code] = action.hook(o.clockRef())
		}
	}
}

// WithMaxAttempts bounds how many keys a single request may go through.
// Zero means unbounded.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.maxAttempts = n }
}

// WithThrottle sets the minimum spacing between dispatches of throttled
// bulk requests, shared by every executor of a pool, and the number of
// requests in flight at once.
func WithThrottle(interval time.Duration, concurrency int) Option {
	return func(o *Options) {
		o.throttleInterval = interval
		o.throttleConcurrency = concurrency
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *Options) {
		if r != nil {
			o.recorder = r
		}
	}
}

func WithClock(clock Clock) Option {
	return func(o *Options) { o.clock = clock }
}

// ErrorCodes lists the codes with a registered handler.
func (o *Options) ErrorCodes() []int {
	return slices.Sorted(maps.Keys(o.onError))
}

func (o *Options) Comment() string { return o.comment }

// clockRef defers clock lookup so WithClock may follow WithErrorActions.
func (o *Options) clockRef() Clock {
	return func() time.Time { return o.clock.Now() }
}
