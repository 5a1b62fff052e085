package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/KafClaw/salesclaw/internal/metrics"
)

type flushLog struct {
	mu    sync.Mutex
	calls map[string][]string
	ch    chan string
}

func newFlushLog() *flushLog {
	return &flushLog{calls: map[string][]string{}, ch: make(chan string, 64)}
}

func (l *flushLog) handler(key string) FlushFunc {
	return func(_ context.Context, combined string) error {
		l.mu.Lock()
		l.calls[key] = append(l.calls[key], combined)
		l.mu.Unlock()
		l.ch <- key
		return nil
	}
}

func (l *flushLog) get(key string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls[key]...)
}

func waitFlush(t *testing.T, ch <-chan string, within time.Duration) string {
	t.Helper()
	select {
	case key := <-ch:
		return key
	case <-time.After(within):
		t.Fatalf("no flush within %s", within)
		return ""
	}
}

func expectNoFlush(t *testing.T, ch <-chan string, during time.Duration) {
	t.Helper()
	select {
	case key := <-ch:
		t.Fatalf("unexpected flush for %s", key)
	case <-time.After(during):
	}
}

func TestBurstScenario(t *testing.T) {
	quiet := 300 * time.Millisecond
	b := New(Config{QuietPeriod: quiet, MaxFragments: 10, MaxAge: 10 * time.Second})
	defer b.Stop()
	log := newFlushLog()

	start := time.Now()
	for i, frag := range []string{"oi", "quero orçamento", "de uma janela"} {
		if i > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		if err := b.Submit("K1", "whatsapp", frag, log.handler("K1")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	waitFlush(t, log.ch, 2*time.Second)
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond+quiet {
		t.Errorf("flushed after %s, before the quiet period following the last fragment", elapsed)
	}
	got := log.get("K1")
	if len(got) != 1 || got[0] != "oi\n\nquero orçamento\n\nde uma janela" {
		t.Fatalf("unexpected flushes %q", got)
	}
	expectNoFlush(t, log.ch, 2*quiet)
	if b.Pending() != 0 {
		t.Errorf("expected no pending entries, got %d", b.Pending())
	}
}

func TestDebounceSingleFlushInOrder(t *testing.T) {
	b := New(Config{QuietPeriod: 80 * time.Millisecond, MaxFragments: 100, MaxAge: 10 * time.Second})
	defer b.Stop()
	log := newFlushLog()

	var want []string
	for i := 0; i < 8; i++ {
		frag := fmt.Sprintf("part %d", i)
		want = append(want, frag)
		if err := b.Submit("k", "whatsapp", frag, log.handler("k")); err != nil {
			t.Fatalf("submit: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitFlush(t, log.ch, time.Second)
	expectNoFlush(t, log.ch, 200*time.Millisecond)
	got := log.get("k")
	if len(got) != 1 || got[0] != strings.Join(want, "\n\n") {
		t.Fatalf("unexpected flushes %q", got)
	}
}

func TestEmptyFragmentsDropped(t *testing.T) {
	b := New(Config{QuietPeriod: 30 * time.Millisecond})
	defer b.Stop()
	log := newFlushLog()

	_ = b.Submit("k", "whatsapp", "  ", log.handler("k"))
	_ = b.Submit("k", "whatsapp", "hello", log.handler("k"))
	_ = b.Submit("k", "whatsapp", "", log.handler("k"))
	waitFlush(t, log.ch, time.Second)
	if got := log.get("k"); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected flushes %q", got)
	}

	// A burst of only blank fragments is a no-op.
	_ = b.Submit("blank", "whatsapp", " ", log.handler("blank"))
	expectNoFlush(t, log.ch, 150*time.Millisecond)
	if b.Pending() != 0 {
		t.Errorf("expected blank burst to be removed, got %d pending", b.Pending())
	}
}

func TestKeyIsolation(t *testing.T) {
	b := New(Config{QuietPeriod: 40 * time.Millisecond})
	defer b.Stop()

	release := make(chan struct{})
	done := make(chan string, 4)
	slow := func(_ context.Context, combined string) error {
		<-release
		done <- "A:" + combined
		return nil
	}
	fast := func(_ context.Context, combined string) error {
		done <- "B:" + combined
		return nil
	}

	_ = b.Submit("A", "whatsapp", "from a", slow)
	time.Sleep(80 * time.Millisecond) // A's handler is now blocked

	submitted := make(chan error, 1)
	go func() { submitted <- b.Submit("B", "whatsapp", "from b", fast) }()
	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("submit B: %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("submit for B blocked behind A's flush")
	}

	select {
	case got := <-done:
		if got != "B:from b" {
			t.Fatalf("expected B to flush first, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("B never flushed while A was blocked")
	}

	close(release)
	if got := <-done; got != "A:from a" {
		t.Fatalf("unexpected A flush %q", got)
	}
}

func TestSizeCeilingFlushesImmediately(t *testing.T) {
	b := New(Config{QuietPeriod: time.Hour, MaxFragments: 3, MaxAge: 2 * time.Hour})
	defer b.Stop()
	log := newFlushLog()

	for i := 1; i <= 4; i++ {
		if err := b.Submit("k", "whatsapp", fmt.Sprint(i), log.handler("k")); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	waitFlush(t, log.ch, time.Second)
	if got := log.get("k"); len(got) != 1 || got[0] != "1\n\n2\n\n3" {
		t.Fatalf("expected exactly the ceiling's worth of fragments, got %q", got)
	}
	if n := b.PendingFragments("k"); n != 1 {
		t.Errorf("expected the 4th fragment to start a new burst, got %d pending", n)
	}
}

func TestAgeCeilingFlushesImmediately(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	b := New(Config{QuietPeriod: time.Hour, MaxFragments: 100, MaxAge: 30 * time.Second}, withClock(clock))
	defer b.Stop()
	log := newFlushLog()

	_ = b.Submit("k", "whatsapp", "first", log.handler("k"))
	advance(10 * time.Second)
	_ = b.Submit("k", "whatsapp", "second", log.handler("k"))
	expectNoFlush(t, log.ch, 50*time.Millisecond)

	advance(25 * time.Second)
	_ = b.Submit("k", "whatsapp", "third", log.handler("k"))
	waitFlush(t, log.ch, time.Second)
	if got := log.get("k"); len(got) != 1 || got[0] != "first\n\nsecond\n\nthird" {
		t.Fatalf("unexpected flushes %q", got)
	}
}

func TestAgeCeilingBoundsTimer(t *testing.T) {
	b := New(Config{QuietPeriod: time.Hour, MaxFragments: 100, MaxAge: 60 * time.Millisecond})
	defer b.Stop()
	log := newFlushLog()

	_ = b.Submit("k", "whatsapp", "x", log.handler("k"))
	waitFlush(t, log.ch, time.Second)
}

func TestForceFlush(t *testing.T) {
	b := New(Config{QuietPeriod: time.Hour})
	defer b.Stop()
	log := newFlushLog()

	if b.ForceFlush("missing") {
		t.Error("ForceFlush on absent key should report false")
	}

	_ = b.Submit("k", "whatsapp", "a", log.handler("k"))
	_ = b.Submit("k", "whatsapp", "b", log.handler("k"))
	if !b.ForceFlush("k") {
		t.Fatal("expected ForceFlush to find the entry")
	}
	// ForceFlush is synchronous.
	if got := log.get("k"); len(got) != 1 || got[0] != "a\n\nb" {
		t.Fatalf("unexpected flushes %q", got)
	}
	if b.ForceFlush("k") {
		t.Error("second ForceFlush should find nothing")
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	var hookMu sync.Mutex
	var hooked []string
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(Config{QuietPeriod: time.Hour}, WithMetrics(m), WithErrorHook(func(key string, err error) {
		hookMu.Lock()
		hooked = append(hooked, key+":"+err.Error())
		hookMu.Unlock()
	}))
	defer b.Stop()
	log := newFlushLog()

	_ = b.Submit("bad", "whatsapp", "x", func(context.Context, string) error { return errors.New("model down") })
	_ = b.Submit("panics", "whatsapp", "y", func(context.Context, string) error { panic("boom") })
	_ = b.Submit("good", "whatsapp", "z", log.handler("good"))

	b.ForceFlush("bad")
	b.ForceFlush("panics")
	if b.PendingFragments("good") != 1 {
		t.Fatal("failures for other keys must not touch this entry")
	}
	b.ForceFlush("good")
	if got := log.get("good"); len(got) != 1 || got[0] != "z" {
		t.Fatalf("unexpected flushes %q", got)
	}

	hookMu.Lock()
	defer hookMu.Unlock()
	if len(hooked) != 2 || hooked[0] != "bad:model down" || !strings.Contains(hooked[1], "panicked") {
		t.Errorf("unexpected error hook calls %q", hooked)
	}
	if v := testutil.ToFloat64(m.FlushFailures.WithLabelValues("error")); v != 1 {
		t.Errorf("expected 1 error failure, got %v", v)
	}
	if v := testutil.ToFloat64(m.FlushFailures.WithLabelValues("panic")); v != 1 {
		t.Errorf("expected 1 panic failure, got %v", v)
	}
	if v := testutil.ToFloat64(m.Flushes.WithLabelValues(ReasonForced)); v != 3 {
		t.Errorf("expected 3 forced flushes, got %v", v)
	}
}

func TestDrainFlushesEverything(t *testing.T) {
	b := New(Config{QuietPeriod: time.Hour})
	log := newFlushLog()
	for _, key := range []string{"a", "b", "c"} {
		_ = b.Submit(key, "whatsapp", "msg "+key, log.handler(key))
	}

	b.Drain()
	for _, key := range []string{"a", "b", "c"} {
		if got := log.get(key); len(got) != 1 || got[0] != "msg "+key {
			t.Errorf("%s: unexpected flushes %q", key, got)
		}
	}
	if err := b.Submit("a", "whatsapp", "late", log.handler("a")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after drain, got %v", err)
	}
}

func TestStopDiscards(t *testing.T) {
	b := New(Config{QuietPeriod: 30 * time.Millisecond})
	log := newFlushLog()
	_ = b.Submit("k", "whatsapp", "never", log.handler("k"))
	b.Stop()
	expectNoFlush(t, log.ch, 100*time.Millisecond)
	if err := b.Submit("k", "whatsapp", "x", log.handler("k")); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	b := New(Config{})
	defer b.Stop()
	if err := b.Submit("", "whatsapp", "x", func(context.Context, string) error { return nil }); err == nil {
		t.Error("expected error for empty key")
	}
	if err := b.Submit("k", "whatsapp", "x", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestQuietForChannel(t *testing.T) {
	cfg := Config{QuietPeriod: 3 * time.Second, ByChannel: map[string]time.Duration{"presale": 0, "kafka": time.Second}}
	if got := cfg.QuietFor("kafka"); got != time.Second {
		t.Errorf("expected override, got %s", got)
	}
	if got := cfg.QuietFor("presale"); got != 3*time.Second {
		t.Errorf("expected zero override to fall back, got %s", got)
	}
	if got := cfg.QuietFor("whatsapp"); got != 3*time.Second {
		t.Errorf("expected base period, got %s", got)
	}
}

func TestConcurrentSubmitsSameKey(t *testing.T) {
	b := New(Config{QuietPeriod: 100 * time.Millisecond, MaxFragments: 1000, MaxAge: 10 * time.Second})
	defer b.Stop()
	log := newFlushLog()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Submit("k", "whatsapp", fmt.Sprint(i), log.handler("k"))
		}(i)
	}
	wg.Wait()

	waitFlush(t, log.ch, time.Second)
	expectNoFlush(t, log.ch, 250*time.Millisecond)
	got := log.get("k")
	if len(got) != 1 {
		t.Fatalf("expected one flush, got %d", len(got))
	}
	if n := len(strings.Split(got[0], "\n\n")); n != 50 {
		t.Errorf("expected 50 fragments in the burst, got %d", n)
	}
}
