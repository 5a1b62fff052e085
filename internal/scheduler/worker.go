// Package scheduler sends due follow-ups. Each tick takes a file lock so
// that only one process works the queue, then sends with a concurrency cap
// and records the outcome on the follow-up row.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/salesclaw/internal/metrics"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

// ErrSkip tells the worker that a follow-up must not be sent at all, for
// example because a human took over the conversation. The row is closed
// as failed without further attempts.
var ErrSkip = errors.New("followup skipped")

// Store is the follow-up queue.
type Store interface {
	ListDueFollowups(ctx context.Context, now time.Time, limit int) ([]timeline.Followup, error)
	MarkFollowup(ctx context.Context, followupID string, sendErr error, maxAttempts int) error
	DeferFollowup(ctx context.Context, followupID string, dueAt time.Time) error
}

// Sender writes and delivers one follow-up.
type Sender interface {
	SendFollowup(ctx context.Context, f timeline.Followup) error
}

// Config holds worker settings.
type Config struct {
	TickInterval  time.Duration
	MaxConcurrent int
	BatchSize     int
	MaxAttempts   int
	// Window restricts sending to matching minutes. Nil means always.
	Window   *Window
	LockPath string
}

// Worker polls the follow-up queue.
type Worker struct {
	cfg     Config
	store   Store
	sender  Sender
	sem     *semaphore.Weighted
	lock    *FileLock
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Worker. LockPath is required.
func New(cfg Config, store Store, sender Sender, m *metrics.Metrics) (*Worker, error) {
	if cfg.LockPath == "" {
		return nil, fmt.Errorf("followup worker: lock path required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Worker{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		lock:    NewFileLock(cfg.LockPath),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Follow-up worker started", "tick", w.cfg.TickInterval, "concurrency", w.cfg.MaxConcurrent, "window", w.cfg.Window)
	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Follow-up worker stopped")
			return ctx.Err()
		case t := <-ticker.C:
			w.tick(ctx, t)
		}
	}
}

// tick sends the due batch and returns once every send has finished, so the
// lock covers the whole batch.
func (w *Worker) tick(ctx context.Context, now time.Time) {
	if w.cfg.Window != nil && !w.cfg.Window.Open(now) {
		slog.Debug("Follow-up tick outside send window", "next", w.cfg.Window.NextOpen(now))
		return
	}
	acquired, err := w.lock.TryLock()
	if err != nil {
		slog.Warn("Follow-up lock error", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Follow-up tick skipped: lock held by another process")
		return
	}
	defer w.lock.Unlock()

	due, err := w.store.ListDueFollowups(ctx, now, w.cfg.BatchSize)
	if err != nil {
		slog.Error("Follow-up poll failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Info("Sending due follow-ups", "count", len(due))

	var wg sync.WaitGroup
	for _, f := range due {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(f timeline.Followup) {
			defer wg.Done()
			defer w.sem.Release(1)
			w.send(ctx, f)
		}(f)
	}
	wg.Wait()
}

func (w *Worker) send(ctx context.Context, f timeline.Followup) {
	log := slog.With("followup_id", f.FollowupID, "key", f.EntityKey, "attempt", f.Attempts+1)

	sendErr := w.sender.SendFollowup(ctx, f)
	switch {
	case sendErr == nil:
		w.metrics.Followup("sent")
		log.Info("Follow-up sent")
		w.mark(ctx, f, nil, w.cfg.MaxAttempts)

	case errors.Is(sendErr, ErrSkip):
		w.metrics.Followup("skipped")
		log.Info("Follow-up skipped", "reason", sendErr)
		w.mark(ctx, f, sendErr, 1)

	case f.Attempts+1 >= w.cfg.MaxAttempts:
		w.metrics.Followup("failed")
		log.Error("Follow-up failed, giving up", "error", sendErr)
		w.mark(ctx, f, sendErr, w.cfg.MaxAttempts)

	default:
		w.metrics.Followup("retry")
		retryAt := w.now().Add(RetryBackoff(f.Attempts + 1))
		log.Warn("Follow-up failed, will retry", "error", sendErr, "retry_at", retryAt)
		if !w.mark(ctx, f, sendErr, w.cfg.MaxAttempts) {
			return
		}
		if err := w.store.DeferFollowup(context.WithoutCancel(ctx), f.FollowupID, retryAt); err != nil {
			log.Error("Failed to reschedule follow-up", "error", err)
		}
	}
}

func (w *Worker) mark(ctx context.Context, f timeline.Followup, sendErr error, maxAttempts int) bool {
	if err := w.store.MarkFollowup(context.WithoutCancel(ctx), f.FollowupID, sendErr, maxAttempts); err != nil {
		slog.Error("Failed to record follow-up outcome", "followup_id", f.FollowupID, "error", err)
		return false
	}
	return true
}

// RetryBackoff is the delay before retry number attempts:
// min(5m * 2^(attempts-1), 2h).
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(5*time.Minute) * math.Pow(2, float64(attempts-1))
	if d > float64(2*time.Hour) {
		return 2 * time.Hour
	}
	return time.Duration(d)
}
