// Package runguard keeps at most one generation in flight per conversation, as far as this client
// can see through the backend's run listing.
package runguard

import (
	"context"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/assistant-chat/internal/models"
)

// RunCanceller is the part of the conversation backend the guard needs.
type RunCanceller interface {
	ListRuns(ctx context.Context, conversationID string, limit int) ([]models.Run, error)
	CancelRun(ctx context.Context, conversationID, runID string) error
}

// Guard cancels stale runs before new work starts on a conversation.
type Guard struct {
	runs     RunCanceller
	lookback int
	grace    time.Duration
	sleep    func(context.Context, time.Duration) error

	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

const (
	defaultLookback = 5
	defaultGrace    = time.Second
)

// WithLookback sets how many recent runs are inspected.
func WithLookback(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.lookback = n
		}
	}
}

// WithGrace sets how long the guard waits after issuing cancellations.
func WithGrace(d time.Duration) Option {
	return func(g *Guard) {
		g.grace = d
	}
}

// WithSleep replaces the grace-period wait, mostly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Guard) {
		g.sleep = sleep
	}
}

// New creates a Guard over runs.
func New(runs RunCanceller, logger *slog.Logger, opts ...Option) *Guard {
	g := &Guard{
		runs:     runs,
		lookback: defaultLookback,
		grace:    defaultGrace,
		sleep:    sleepContext,
		logger:   logger.With(slog.String("module", "runguard")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureExclusive cancels every active run among the most recent runs of the conversation, then
// waits the grace period so the cancellations can propagate. It never fails the caller: listing
// and cancellation errors are logged and the new request goes ahead. If a stale run survives, the
// backend rejects the next run with a conflict, which the caller surfaces as retryable.
//
// It returns the ids of the runs it asked to cancel.
func (g *Guard) EnsureExclusive(ctx context.Context, conversationID string) []string {
	runs, err := g.runs.ListRuns(ctx, conversationID, g.lookback)
	if err != nil {
		g.logger.Warn("Failed to list runs, proceeding",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}

	var cancelled []string
	for _, run := range runs {
		if !run.Status.Active() {
			continue
		}
		g.logger.Info("Cancelling active run",
			slog.String("conversationID", conversationID),
			slog.String("runID", run.ID),
			slog.String("status", string(run.Status)))

		if err := g.runs.CancelRun(ctx, conversationID, run.ID); err != nil {
			g.logger.Warn("Failed to cancel run, proceeding",
				slog.String("conversationID", conversationID),
				slog.String("runID", run.ID),
				slog.String(errLoggerKey, err.Error()))
			continue
		}
		cancelled = append(cancelled, run.ID)
	}

	if len(cancelled) == 0 {
		return nil
	}
	if err := g.sleep(ctx, g.grace); err != nil {
		g.logger.Debug("Grace period interrupted", slog.String(errLoggerKey, err.Error()))
	}
	return cancelled
}

const errLoggerKey = "err"

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
