// Package aggregator collapses rapid inbound fragments into one combined
// input per conversational entity.
//
// Each key holds at most one pending entry. Every Submit appends to it and
// rearms the flush timer; the entry is flushed once the key has been quiet
// for the quiet period, or immediately when it reaches the fragment or age
// ceiling. Timer callbacks carry the generation they were armed with, so a
// superseded timer that fires late is a no-op.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/salesclaw/internal/metrics"
)

// ErrStopped is returned by Submit after Stop or Drain.
var ErrStopped = errors.New("aggregator stopped")

// Flush reasons, also used as metric labels.
const (
	ReasonQuiet  = "quiet"
	ReasonSize   = "size"
	ReasonAge    = "age"
	ReasonForced = "forced"
	ReasonDrain  = "drain"
)

// FlushFunc receives the combined text of one burst. It is called exactly
// once per burst, never under the buffer lock.
type FlushFunc func(ctx context.Context, combined string) error

// Config holds the debounce windows.
type Config struct {
	QuietPeriod  time.Duration
	MaxFragments int
	MaxAge       time.Duration

	// ByChannel overrides QuietPeriod for specific channels.
	ByChannel map[string]time.Duration
}

// DefaultConfig returns a 3s quiet period, 10 fragments and 30s age ceilings.
func DefaultConfig() Config {
	return Config{
		QuietPeriod:  3 * time.Second,
		MaxFragments: 10,
		MaxAge:       30 * time.Second,
	}
}

// QuietFor resolves the quiet period for a channel.
func (c Config) QuietFor(channel string) time.Duration {
	if d, ok := c.ByChannel[channel]; ok && d > 0 {
		return d
	}
	return c.QuietPeriod
}

type fragment struct {
	text string
	at   time.Time
}

type entry struct {
	key       string
	channel   string
	fragments []fragment
	createdAt time.Time
	onFlush   FlushFunc
	timer     *time.Timer
	gen       uint64
}

// Buffer is the per-key debounce buffer.
type Buffer struct {
	cfg     Config
	ctx     context.Context
	metrics *metrics.Metrics
	onError func(key string, err error)
	now     func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	gen      uint64
	stopped  bool
	inflight sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithContext sets the context handed to flush handlers.
func WithContext(ctx context.Context) Option {
	return func(b *Buffer) { b.ctx = ctx }
}

// WithMetrics records fragments, flushes and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Buffer) { b.metrics = m }
}

// WithErrorHook is called after a flush handler fails or panics.
func WithErrorHook(fn func(key string, err error)) Option {
	return func(b *Buffer) { b.onError = fn }
}

func withClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// New creates a buffer. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Buffer {
	def := DefaultConfig()
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = def.QuietPeriod
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = def.MaxFragments
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	b := &Buffer{
		cfg:     cfg,
		ctx:     context.Background(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Submit appends a fragment to the key's pending burst and rearms its flush
// timer. It never blocks on a flush handler. The onFlush of the latest
// Submit is the one invoked for the burst.
func (b *Buffer) Submit(key, channel, text string, onFlush FlushFunc) error {
	if key == "" {
		return fmt.Errorf("submit: empty entity key")
	}
	if onFlush == nil {
		return fmt.Errorf("submit %s: nil flush handler", key)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}

	now := b.now()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{key: key, channel: channel, createdAt: now}
		b.entries[key] = e
	}
	e.fragments = append(e.fragments, fragment{text: text, at: now})
	e.onFlush = onFlush
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	b.metrics.FragmentReceived(channel)

	age := now.Sub(e.createdAt)
	switch {
	case len(e.fragments) >= b.cfg.MaxFragments:
		b.startFlushLocked(e, ReasonSize)
	case age >= b.cfg.MaxAge:
		b.startFlushLocked(e, ReasonAge)
	default:
		b.armLocked(e, age)
	}
	b.metrics.SetPending(len(b.entries))
	return nil
}

// armLocked schedules the entry's flush. The delay never lets the entry
// outlive the age ceiling.
func (b *Buffer) armLocked(e *entry, age time.Duration) {
	delay := b.cfg.QuietFor(e.channel)
	reason := ReasonQuiet
	if remaining := b.cfg.MaxAge - age; remaining < delay {
		delay = remaining
		reason = ReasonAge
	}
	b.gen++
	gen := b.gen
	e.gen = gen
	key := e.key
	e.timer = time.AfterFunc(delay, func() { b.fire(key, gen, reason) })
}

func (b *Buffer) fire(key string, gen uint64, reason string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.gen != gen || b.stopped {
		b.mu.Unlock()
		return
	}
	b.detachLocked(e)
	b.mu.Unlock()

	defer b.inflight.Done()
	b.run(e, reason)
}

// startFlushLocked detaches the entry and runs its handler on a new goroutine.
func (b *Buffer) startFlushLocked(e *entry, reason string) {
	b.detachLocked(e)
	go func() {
		defer b.inflight.Done()
		b.run(e, reason)
	}()
}

// detachLocked removes the entry from the map and accounts for the pending
// handler run. The key is absent again as soon as this returns.
func (b *Buffer) detachLocked(e *entry) {
	delete(b.entries, e.key)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	b.inflight.Add(1)
	b.metrics.SetPending(len(b.entries))
}

// ForceFlush synchronously flushes the key's pending burst. It reports
// whether an entry existed.
func (b *Buffer) ForceFlush(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || b.stopped {
		b.mu.Unlock()
		return false
	}
	b.detachLocked(e)
	b.mu.Unlock()

	defer b.inflight.Done()
	b.run(e, ReasonForced)
	return true
}

// Drain stops accepting fragments, flushes every pending burst concurrently
// and waits for all handlers, including ones already running.
func (b *Buffer) Drain() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.inflight.Wait()
		return
	}
	b.stopped = true
	pending := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		pending = append(pending, e)
	}
	for _, e := range pending {
		b.detachLocked(e)
	}
	b.mu.Unlock()

	for _, e := range pending {
		go func(e *entry) {
			defer b.inflight.Done()
			b.run(e, ReasonDrain)
		}(e)
	}
	b.inflight.Wait()
}

// Stop disarms all timers and discards pending bursts without flushing.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for key, e := range b.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, key)
	}
	b.metrics.SetPending(0)
}

// Pending returns the number of keys with a pending burst.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// PendingFragments returns the number of fragments waiting for key.
func (b *Buffer) PendingFragments(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return len(e.fragments)
	}
	return 0
}

// run joins the fragments and calls the handler. Handler failures stay with
// this burst; they are reported but never retried.
func (b *Buffer) run(e *entry, reason string) {
	combined := join(e.fragments)
	if combined == "" {
		return
	}
	b.metrics.Flushed(reason)
	slog.Debug("Flushing burst", "key", e.key, "fragments", len(e.fragments), "reason", reason)

	defer func() {
		if rec := recover(); rec != nil {
			b.metrics.FlushFailed("panic")
			b.report(e.key, fmt.Errorf("flush handler panicked: %v", rec))
		}
	}()
	if err := e.onFlush(b.ctx, combined); err != nil {
		b.metrics.FlushFailed("error")
		b.report(e.key, err)
	}
}

func (b *Buffer) report(key string, err error) {
	slog.Warn("Flush handler failed", "key", key, "error", err)
	if b.onError != nil {
		b.onError(key, err)
	}
}

// join concatenates fragments in arrival order as paragraphs, dropping
// blank ones.
func join(frags []fragment) string {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		if t := strings.TrimSpace(f.text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
