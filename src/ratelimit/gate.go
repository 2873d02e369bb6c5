package ratelimit

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Gate grants one call at a time with at least MinWait between consecutive grants.
// Waiters are served in the order they reserved a slot.
type Gate struct {
	minWait time.Duration
	limiter *rate.Limiter
	logger  *log.Entry
}

func (g *Gate) MinWait() time.Duration {
	return g.minWait
}

// Wait blocks until the gate grants a slot or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	start := time.Now()
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("Gate.Wait: %w", err)
	}

	if waited := time.Since(start); waited > time.Millisecond {
		g.logger.Tracef("rate gate waited %s", waited)
	}

	return nil
}

// Execute runs fn once the gate grants a slot.
func (g *Gate) Execute(ctx context.Context, fn func() error) error {
	if err := g.Wait(ctx); err != nil {
		return err
	}

	return fn()
}

// ExecuteCall runs fn once the gate grants a slot and returns its result.
func ExecuteCall[T any](ctx context.Context, g *Gate, fn func() (T, error)) (T, error) {
	if err := g.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}

	return fn()
}

// NewGate builds a gate with capacity one refilled every minWait. A non-positive minWait
// disables throttling.
func NewGate(minWait time.Duration, logger *log.Entry) *Gate {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	limit := rate.Inf
	if minWait > 0 {
		limit = rate.Every(minWait)
	}

	return &Gate{
		minWait: minWait,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.WithField("component", "ratelimit"),
	}
}
