package http

import (
	"context"
	"sync/atomic"
	"time"
)

const defaultInFlightCheckInterval = 100 * time.Millisecond

// InFlightTracker counts price and health requests currently being served so
// shutdown can drain them after the listener closes.
type InFlightTracker struct {
	count atomic.Int64
}

// Increment marks a request as started.
func (t *InFlightTracker) Increment() { t.count.Add(1) }

// Decrement marks a request as finished.
func (t *InFlightTracker) Decrement() { t.count.Add(-1) }

// Count returns the current in-flight count.
func (t *InFlightTracker) Count() int64 { return t.count.Load() }

// WaitForZero blocks until no requests are in flight or ctx is done.
// A non-positive checkInterval polls every 100ms.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = defaultInFlightCheckInterval
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for t.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// globalInFlightTracker is fed by MetricsMiddleware.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the number of requests MetricsMiddleware has seen start but not finish.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight drains the process-wide tracker during shutdown.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
