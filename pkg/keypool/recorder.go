package keypool

import (
	"context"
	"time"
)

type EventKind string

const (
	EventAcquired      EventKind = "acquired"
	EventUnavailable   EventKind = "unavailable"
	EventUpstreamError EventKind = "upstream_error"
	EventKeyAction     EventKind = "key_action"
)

// Event describes one acquisition or health decision made by the pool.
type Event struct {
	Kind     EventKind
	KeyID    KeyID
	Selector string
	Code     int
	Retry    bool
	Count    int
	At       time.Time
}

// Recorder receives pool events. Recording is best effort: errors are
// logged and never fail a request.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Event) error { return nil }
