package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/salesclaw/internal/aggregator"
	"github.com/KafClaw/salesclaw/internal/bus"
	"github.com/KafClaw/salesclaw/internal/dispatch"
	"github.com/KafClaw/salesclaw/internal/policy"
	"github.com/KafClaw/salesclaw/internal/provider"
	"github.com/KafClaw/salesclaw/internal/scheduler"
	"github.com/KafClaw/salesclaw/internal/session"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []dispatch.Delivery
}

func (d *recordingDeliverer) Deliver(ctx context.Context, del dispatch.Delivery) (*dispatch.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, del)
	return &dispatch.Record{PartsSent: 1, Status: timeline.ExchangeStatusDelivered}, nil
}

type serviceFixture struct {
	svc      *Service
	buf      *aggregator.Buffer
	tl       *timeline.TimelineService
	sessions *session.Manager
	out      *recordingDeliverer
	provider *scriptedProvider
	errs     chan error
}

func newServiceFixture(t *testing.T, p *scriptedProvider, mutate func(*ServiceOptions)) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	tl, err := timeline.NewTimelineService(filepath.Join(dir, "timeline.db"))
	if err != nil {
		t.Fatalf("open timeline: %v", err)
	}
	t.Cleanup(func() { tl.Close() })
	sessions, err := session.NewManager(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}

	f := &serviceFixture{tl: tl, sessions: sessions, out: &recordingDeliverer{}, provider: p, errs: make(chan error, 4)}
	// Timers never fire on their own; tests flush explicitly.
	f.buf = aggregator.New(aggregator.Config{QuietPeriod: time.Hour, MaxFragments: 10, MaxAge: 2 * time.Hour},
		aggregator.WithErrorHook(func(key string, err error) { f.errs <- err }))
	t.Cleanup(f.buf.Stop)

	opts := ServiceOptions{
		Orchestrator: NewOrchestrator(OrchestratorOptions{Provider: p, Registry: testRegistry(t), Spans: tl}),
		Buffer:       f.buf,
		Policies:     policy.Defaults(),
		Entities:     tl,
		Log:          tl,
		Dispatcher:   f.out,
		Sessions:     sessions,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = NewService(opts)
	return f
}

func (f *serviceFixture) exchanges(t *testing.T, key, direction string) []timeline.Exchange {
	t.Helper()
	exs, err := f.tl.ListExchanges(context.Background(), timeline.ExchangeFilter{EntityKey: key, Direction: direction})
	if err != nil {
		t.Fatalf("list exchanges: %v", err)
	}
	return exs
}

func fragment(text string) *bus.InboundMessage {
	return &bus.InboundMessage{
		Channel:    "whatsapp",
		SenderID:   "5511988887777",
		SenderName: "Carla",
		ChatID:     "5511988887777@s.whatsapp.net",
		Content:    text,
	}
}

func TestServiceBurstBecomesOneRun(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("Oi Carla! Qual a largura e a altura da janela?")}}
	f := newServiceFixture(t, p, nil)
	key := "whatsapp:5511988887777"

	for _, frag := range []string{"oi", "quero orçamento", "de uma janela"} {
		if err := f.svc.Intake(fragment(frag)); err != nil {
			t.Fatalf("intake: %v", err)
		}
	}
	if f.buf.PendingFragments(key) != 3 {
		t.Fatalf("expected 3 pending fragments, got %d", f.buf.PendingFragments(key))
	}
	if !f.buf.ForceFlush(key) {
		t.Fatal("expected a pending burst")
	}

	if p.calls() != 1 {
		t.Fatalf("expected exactly one model run, got %d", p.calls())
	}
	msgs := p.requests[0].Messages
	if got := msgs[len(msgs)-1].Content; got != "oi\n\nquero orçamento\n\nde uma janela" {
		t.Errorf("unexpected combined text %q", got)
	}

	in := f.exchanges(t, key, timeline.DirectionInbound)
	if len(in) != 1 || in[0].Content != "oi\n\nquero orçamento\n\nde uma janela" {
		t.Errorf("expected one inbound exchange with the combined text, got %+v", in)
	}
	if len(f.out.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(f.out.deliveries))
	}
	d := f.out.deliveries[0]
	if d.Recipient != "5511988887777@s.whatsapp.net" || d.MaxLength != 1000 || d.TraceID != in[0].TraceID {
		t.Errorf("unexpected delivery %+v", d)
	}

	contact, err := f.tl.GetContact(context.Background(), key)
	if err != nil || contact.Name != "Carla" || contact.Phone != "5511988887777" {
		t.Errorf("expected contact created from the sender, got %+v %v", contact, err)
	}
	if hist := f.sessions.GetOrCreate(key).GetHistory(0); len(hist) != 2 || hist[1].Role != provider.RoleAssistant {
		t.Errorf("expected the turn saved to history, got %+v", hist)
	}
}

func TestServiceHistoryFeedsNextRun(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("Qual a medida?"), text("Fica R$ 540,00.")}}
	f := newServiceFixture(t, p, nil)
	key := "whatsapp:5511988887777"

	f.svc.Intake(fragment("quero uma janela"))
	f.buf.ForceFlush(key)
	f.svc.Intake(fragment("100 x 120"))
	f.buf.ForceFlush(key)

	msgs := p.requests[1].Messages
	// system, user, assistant, user
	if len(msgs) != 4 || msgs[1].Content != "quero uma janela" || msgs[2].Content != "Qual a medida?" {
		t.Errorf("expected prior turn in the second run, got %+v", msgs)
	}
}

func TestServiceEscalatedSkipsModel(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("não deveria")}}
	f := newServiceFixture(t, p, nil)
	key := "whatsapp:5511988887777"
	ctx := context.Background()

	if _, err := f.tl.EnsureContact(ctx, key, "whatsapp", "Carla", "5511988887777"); err != nil {
		t.Fatal(err)
	}
	if err := f.tl.SetEscalated(ctx, key, true); err != nil {
		t.Fatal(err)
	}
	f.svc.Intake(fragment("alguém aí?"))
	f.buf.ForceFlush(key)

	if p.calls() != 0 || len(f.out.deliveries) != 0 {
		t.Errorf("expected no run and no delivery, got %d calls %d deliveries", p.calls(), len(f.out.deliveries))
	}
	if in := f.exchanges(t, key, timeline.DirectionInbound); len(in) != 1 {
		t.Errorf("expected the inbound burst to be logged, got %d", len(in))
	}
}

func TestServiceFailureReplyAndRetry(t *testing.T) {
	boom := errors.New("provider down")
	p := &scriptedProvider{steps: []step{{err: boom}}}
	f := newServiceFixture(t, p, func(o *ServiceOptions) {
		o.FailureReply = "Desculpe, tive um problema. Já te respondo."
		o.RetryOnModelError = true
	})
	key := "whatsapp:5511988887777"

	f.svc.Intake(fragment("oi"))
	f.buf.ForceFlush(key)

	if p.calls() != 2 {
		t.Errorf("expected one retry after the model error, got %d calls", p.calls())
	}
	if len(f.out.deliveries) != 1 || f.out.deliveries[0].Text != "Desculpe, tive um problema. Já te respondo." {
		t.Errorf("expected the failure reply, got %+v", f.out.deliveries)
	}
	select {
	case err := <-f.errs:
		if !errors.Is(err, boom) {
			t.Errorf("expected flush error to wrap the model error, got %v", err)
		}
	default:
		t.Error("expected the flush failure to reach the error hook")
	}
}

func TestServiceSilentOnFailureByDefault(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: errors.New("provider down")}}}
	f := newServiceFixture(t, p, nil)
	f.svc.Intake(fragment("oi"))
	f.buf.ForceFlush("whatsapp:5511988887777")
	if p.calls() != 1 || len(f.out.deliveries) != 0 {
		t.Errorf("expected one attempt and silence, got %d calls %d deliveries", p.calls(), len(f.out.deliveries))
	}
}

func TestServiceAnswerSync(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("**Sim!** A janela de correr custa R$ 450,00 o m² 😊")}}
	f := newServiceFixture(t, p, nil)

	ans, err := f.svc.Answer(context.Background(), SyncRequest{
		Channel:        "presale",
		EntityKey:      "presale:buyer-1",
		ConversationID: "q-77",
		Text:           "Tem janela de correr?",
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if ans.Text != "Sim! A janela de correr custa R$ 450,00 o m²" {
		t.Errorf("expected presale formatting applied, got %q", ans.Text)
	}
	if len(f.out.deliveries) != 0 {
		t.Error("synchronous answers must not go through the dispatcher")
	}
	out := f.exchanges(t, "presale:buyer-1", timeline.DirectionOutbound)
	if len(out) != 1 || out[0].Status != timeline.ExchangeStatusAnswered || out[0].Content != ans.Text {
		t.Errorf("expected one answered exchange, got %+v", out)
	}
	if in := f.exchanges(t, "presale:buyer-1", timeline.DirectionInbound); len(in) != 1 {
		t.Errorf("expected one inbound exchange, got %d", len(in))
	}
}

func TestServiceSendFollowup(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("Oi Carla! Conseguiu ver o orçamento da janela?")}}
	f := newServiceFixture(t, p, nil)
	key := "whatsapp:5511988887777"

	err := f.svc.SendFollowup(context.Background(), timeline.Followup{
		FollowupID: "fu_1",
		EntityKey:  key,
		Channel:    "whatsapp",
		Note:       "perguntar se viu o orçamento",
	})
	if err != nil {
		t.Fatalf("send followup: %v", err)
	}

	msgs := p.requests[0].Messages
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleUser || !strings.Contains(last.Content, "Internal follow-up reminder") ||
		!strings.Contains(last.Content, "perguntar se viu o orçamento") {
		t.Errorf("expected the note framed as an internal reminder, got %q", last.Content)
	}
	if len(f.out.deliveries) != 1 {
		t.Fatalf("expected one delivery, got %d", len(f.out.deliveries))
	}
	d := f.out.deliveries[0]
	if d.EntityKey != key || d.Metadata["followup_id"] != "fu_1" || d.Recipient != "" {
		t.Errorf("unexpected delivery %+v", d)
	}
	hist := f.sessions.GetOrCreate(key).GetHistory(0)
	if len(hist) != 1 || hist[0].Role != provider.RoleAssistant {
		t.Errorf("expected only the follow-up answer in history, got %+v", hist)
	}
}

func TestServiceSendFollowupSkips(t *testing.T) {
	p := &scriptedProvider{steps: []step{text("x")}}
	f := newServiceFixture(t, p, nil)
	ctx := context.Background()

	err := f.svc.SendFollowup(ctx, timeline.Followup{EntityKey: "presale:buyer-1", Channel: "presale", Note: "n"})
	if !errors.Is(err, scheduler.ErrSkip) {
		t.Errorf("expected a synchronous channel to be skipped, got %v", err)
	}

	key := "whatsapp:5511988887777"
	if _, err := f.tl.EnsureContact(ctx, key, "whatsapp", "Carla", "5511988887777"); err != nil {
		t.Fatal(err)
	}
	if err := f.tl.SetEscalated(ctx, key, true); err != nil {
		t.Fatal(err)
	}
	err = f.svc.SendFollowup(ctx, timeline.Followup{EntityKey: key, Channel: "whatsapp", Note: "n"})
	if !errors.Is(err, scheduler.ErrSkip) {
		t.Errorf("expected an escalated conversation to be skipped, got %v", err)
	}
	if p.calls() != 0 || len(f.out.deliveries) != 0 {
		t.Errorf("expected no run and no delivery, got %d calls %d deliveries", p.calls(), len(f.out.deliveries))
	}
}

func TestServiceIntakeRejectsUnknownChannel(t *testing.T) {
	f := newServiceFixture(t, &scriptedProvider{steps: []step{text("x")}}, nil)
	msg := fragment("oi")
	msg.Channel = "telegram"
	if err := f.svc.Intake(msg); err == nil {
		t.Error("expected unknown channel to be rejected")
	}
	if err := f.svc.Intake(fragment("   ")); err != nil || f.buf.Pending() != 0 {
		t.Errorf("blank fragment should be ignored, got %v pending %d", err, f.buf.Pending())
	}
}

func TestServiceIntakeDropsRedelivery(t *testing.T) {
	f := newServiceFixture(t, &scriptedProvider{steps: []step{text("x")}}, nil)
	key := "whatsapp:5511988887777"

	first := fragment("oi")
	first.IdempotencyKey = "wa:3EB0A1"
	again := fragment("oi")
	again.IdempotencyKey = "wa:3EB0A1"
	other := fragment("tudo bem?")
	other.IdempotencyKey = "wa:3EB0A2"
	unkeyed := fragment("oi")

	for _, msg := range []*bus.InboundMessage{first, again, other, unkeyed} {
		if err := f.svc.Intake(msg); err != nil {
			t.Fatalf("intake: %v", err)
		}
	}
	if n := f.buf.PendingFragments(key); n != 3 {
		t.Errorf("expected the redelivered fragment dropped, got %d pending", n)
	}

	// A fragment the stopped buffer refused is not remembered.
	f.buf.Stop()
	late := fragment("ainda aí?")
	late.IdempotencyKey = "wa:3EB0A3"
	if err := f.svc.Intake(late); !errors.Is(err, aggregator.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if f.svc.seen.Contains("wa:3EB0A3") {
		t.Error("refused fragment must stay eligible for redelivery")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("a")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxActive)
	}
	if k.size() != 0 {
		t.Errorf("expected idle keys to be released, got %d", k.size())
	}

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
