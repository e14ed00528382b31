package utils

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GracefulShutdown stops registered components in reverse registration
// order within a deadline.
type GracefulShutdown struct {
	mu      sync.Mutex
	stops   []namedStop
	timeout time.Duration
	logger  *slog.Logger
}

type namedStop struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{timeout: timeout, logger: logger}
}

// Register adds a stop function. Later registrations stop first.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops = append(g.stops, namedStop{name: name, fn: fn})
}

// Shutdown runs every stop function once, newest first. It returns the
// joined errors, or a timeout error if the deadline passes first.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	stops := g.stops
	g.stops = nil
	g.mu.Unlock()

	g.logger.Info("starting graceful shutdown", "components", len(stops))

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			if err := stops[i].fn(); err != nil {
				g.logger.Error("shutdown step failed", "name", stops[i].name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", stops[i].name, err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		g.logger.Info("graceful shutdown complete")
		return err
	case <-ctx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
