package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spounge-ai/keypool/pkg/execution"
)

const defaultCheckTimeout = 5 * time.Second

// Pinger is anything that can report whether its backend is reachable.
// *pgxpool.Pool and *sql.DB (through PingContext) both fit.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status is the result of one health check.
type Status struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// Listener is told about every transition between healthy and unhealthy.
type Listener func(healthy bool, err error)

type ConnectionMonitor struct {
	target   Pinger
	timeout  time.Duration
	listener Listener

	mu        sync.RWMutex
	isHealthy bool
}

func NewConnectionMonitor(target Pinger, timeout time.Duration, listener Listener) *ConnectionMonitor {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &ConnectionMonitor{
		target:    target,
		timeout:   timeout,
		listener:  listener,
		isHealthy: true, // Assume healthy on startup
	}
}

// Start checks the target every interval until ctx ends.
func (cm *ConnectionMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.Check(ctx)
		}
	}
}

// Check pings the target once and records the result.
func (cm *ConnectionMonitor) Check(ctx context.Context) Status {
	start := time.Now()
	_, err := execution.WithTimeout(ctx, cm.timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, cm.target.Ping(ctx)
	})
	status := Status{Healthy: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Err = fmt.Errorf("health check failed: %w", err)
	}

	cm.mu.Lock()
	changed := cm.isHealthy != status.Healthy
	cm.isHealthy = status.Healthy
	cm.mu.Unlock()

	if changed && cm.listener != nil {
		cm.listener(status.Healthy, status.Err)
	}
	return status
}

func (cm *ConnectionMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isHealthy
}
