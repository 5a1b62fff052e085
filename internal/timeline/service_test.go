package timeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTimeline(t *testing.T) *TimelineService {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "timeline.db")
	svc, err := NewTimelineService(dbPath)
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		_ = os.RemoveAll(dir)
	})
	return svc
}

func TestSilentModeDefaultsOn(t *testing.T) {
	svc := newTestTimeline(t)
	if !svc.IsSilentMode() {
		t.Fatal("expected silent mode on for a fresh database")
	}
	if err := svc.SetSetting("silent_mode", "false"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	if svc.IsSilentMode() {
		t.Fatal("expected silent mode off after setting")
	}
}

func TestAddAndFilterEvents(t *testing.T) {
	svc := newTestTimeline(t)
	for i, class := range []string{"INBOUND", "LLM", "TOOL"} {
		err := svc.AddEvent(&TimelineEvent{
			EventID:        "evt-" + class,
			TraceID:        "trace-1",
			Timestamp:      time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			SenderID:       "whatsapp:5511",
			EventType:      "SYSTEM",
			ContentText:    class,
			Classification: class,
			DurationMs:     int64(i * 10),
		})
		if err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	all, err := svc.GetEvents(FilterArgs{TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	tools, err := svc.GetEvents(FilterArgs{TraceID: "trace-1", Classification: "TOOL"})
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(tools) != 1 || tools[0].DurationMs != 20 {
		t.Fatalf("unexpected tool events: %+v", tools)
	}
}

func TestAppendAndListExchanges(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	in := &Exchange{Channel: "whatsapp", EntityKey: "whatsapp:5511", Direction: DirectionInbound, Content: "oi\n\nquero orçamento"}
	if err := svc.AppendExchange(ctx, in); err != nil {
		t.Fatalf("append inbound: %v", err)
	}
	out := &Exchange{
		Channel: "whatsapp", EntityKey: "whatsapp:5511", Direction: DirectionOutbound,
		Content: "Olá!", PartsTotal: 2, PartsSent: 1, Status: ExchangeStatusPartial,
		ToolsUsed: []string{"get_price"}, PromptTokens: 10, CompletionTokens: 4,
	}
	if err := svc.AppendExchange(ctx, out); err != nil {
		t.Fatalf("append outbound: %v", err)
	}
	if in.ExchangeID == "" || out.ID == 0 {
		t.Fatalf("expected generated ids, got %q %d", in.ExchangeID, out.ID)
	}

	got, err := svc.ListExchanges(ctx, ExchangeFilter{EntityKey: "whatsapp:5511"})
	if err != nil {
		t.Fatalf("list exchanges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(got))
	}
	if got[0].Direction != DirectionInbound || got[0].Status != ExchangeStatusReceived {
		t.Fatalf("unexpected first exchange: %+v", got[0])
	}
	if got[1].PartsSent != 1 || got[1].PartsTotal != 2 || len(got[1].ToolsUsed) != 1 || got[1].ToolsUsed[0] != "get_price" {
		t.Fatalf("unexpected second exchange: %+v", got[1])
	}

	outbound, err := svc.ListExchanges(ctx, ExchangeFilter{Direction: DirectionOutbound})
	if err != nil {
		t.Fatalf("list outbound: %v", err)
	}
	if len(outbound) != 1 {
		t.Fatalf("expected 1 outbound exchange, got %d", len(outbound))
	}
}

func TestContactLifecycle(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	if _, err := svc.GetContact(ctx, "whatsapp:5511"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	c, err := svc.EnsureContact(ctx, "whatsapp:5511", "whatsapp", "", "5511")
	if err != nil {
		t.Fatalf("ensure contact: %v", err)
	}
	if c.Phone != "5511" || c.Name != "" {
		t.Fatalf("unexpected contact: %+v", c)
	}

	// A later push name fills the blank but never overwrites.
	c, err = svc.EnsureContact(ctx, "whatsapp:5511", "whatsapp", "Ana", "")
	if err != nil {
		t.Fatalf("ensure contact again: %v", err)
	}
	if c.Name != "Ana" || c.Phone != "5511" {
		t.Fatalf("unexpected contact after fill: %+v", c)
	}

	city := "Campinas"
	changed, err := svc.UpdateContact(ctx, "whatsapp:5511", ContactUpdate{City: &city})
	if err != nil {
		t.Fatalf("update contact: %v", err)
	}
	if len(changed) != 1 || changed[0] != "city" {
		t.Fatalf("unexpected changed columns: %v", changed)
	}
	c, _ = svc.GetContact(ctx, "whatsapp:5511")
	if c.City != "Campinas" {
		t.Fatalf("expected city updated, got %q", c.City)
	}

	if _, err := svc.UpdateContact(ctx, "whatsapp:missing", ContactUpdate{City: &city}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing contact, got %v", err)
	}
}

func TestOrders(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	older := &Order{OrderID: "A1", EntityKey: "whatsapp:5511", Status: "delivered", Items: "janela 100x120", TotalCents: 89000,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	newer := &Order{OrderID: "A2", EntityKey: "whatsapp:5511", Status: "shipped", Items: "porta 80x210", TotalCents: 150000, TrackingCode: "BR123"}
	for _, o := range []*Order{older, newer} {
		if err := svc.UpsertOrder(ctx, o); err != nil {
			t.Fatalf("upsert order: %v", err)
		}
	}

	list, err := svc.ListOrders(ctx, "whatsapp:5511", 5)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(list) != 2 || list[0].OrderID != "A2" {
		t.Fatalf("expected newest first, got %+v", list)
	}

	newer.Status = "delivered"
	if err := svc.UpsertOrder(ctx, newer); err != nil {
		t.Fatalf("update order: %v", err)
	}
	o, err := svc.GetOrder(ctx, "A2")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != "delivered" || o.TrackingCode != "BR123" {
		t.Fatalf("unexpected order: %+v", o)
	}
	if _, err := svc.GetOrder(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHandoffFlagsContact(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()

	if err := svc.OpenHandoff(ctx, &Handoff{EntityKey: "whatsapp:missing", Channel: "whatsapp"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound without contact, got %v", err)
	}

	if _, err := svc.EnsureContact(ctx, "whatsapp:5511", "whatsapp", "Ana", "5511"); err != nil {
		t.Fatalf("ensure contact: %v", err)
	}
	h := &Handoff{EntityKey: "whatsapp:5511", Channel: "whatsapp", Reason: "wants to negotiate"}
	if err := svc.OpenHandoff(ctx, h); err != nil {
		t.Fatalf("open handoff: %v", err)
	}
	c, _ := svc.GetContact(ctx, "whatsapp:5511")
	if !c.Escalated {
		t.Fatal("expected contact escalated")
	}
	open, err := svc.ListOpenHandoffs(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open handoff, got %v (%v)", open, err)
	}

	if err := svc.ResolveHandoff(ctx, h.HandoffID); err != nil {
		t.Fatalf("resolve handoff: %v", err)
	}
	c, _ = svc.GetContact(ctx, "whatsapp:5511")
	if c.Escalated {
		t.Fatal("expected escalation cleared")
	}
	open, _ = svc.ListOpenHandoffs(ctx)
	if len(open) != 0 {
		t.Fatalf("expected no open handoffs, got %d", len(open))
	}
}

func TestFollowupDueAndMark(t *testing.T) {
	svc := newTestTimeline(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := &Followup{EntityKey: "whatsapp:5511", Channel: "whatsapp", Note: "send the quote", DueAt: now.Add(-time.Minute)}
	later := &Followup{EntityKey: "whatsapp:5511", Channel: "whatsapp", Note: "check in", DueAt: now.Add(time.Hour)}
	for _, f := range []*Followup{due, later} {
		if err := svc.CreateFollowup(ctx, f); err != nil {
			t.Fatalf("create followup: %v", err)
		}
	}

	list, err := svc.ListDueFollowups(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(list) != 1 || list[0].FollowupID != due.FollowupID {
		t.Fatalf("expected only the due followup, got %+v", list)
	}

	// First failure keeps it pending, second exhausts the attempts.
	if err := svc.MarkFollowup(ctx, due.FollowupID, errors.New("offline"), 2); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	list, _ = svc.ListDueFollowups(ctx, now, 10)
	if len(list) != 1 || list[0].Attempts != 1 || list[0].LastError != "offline" {
		t.Fatalf("expected retryable followup, got %+v", list)
	}
	if err := svc.MarkFollowup(ctx, due.FollowupID, errors.New("offline"), 2); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	list, _ = svc.ListDueFollowups(ctx, now, 10)
	if len(list) != 0 {
		t.Fatalf("expected exhausted followup to leave the queue, got %+v", list)
	}

	if err := svc.DeferFollowup(ctx, later.FollowupID, now.Add(90*time.Minute)); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if list, _ := svc.ListDueFollowups(ctx, now.Add(time.Hour), 10); len(list) != 0 {
		t.Fatalf("expected deferred followup not yet due, got %+v", list)
	}
	if err := svc.DeferFollowup(ctx, due.FollowupID, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected failed followup to be immovable, got %v", err)
	}

	if err := svc.MarkFollowup(ctx, later.FollowupID, nil, 2); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	list, _ = svc.ListDueFollowups(ctx, now.Add(2*time.Hour), 10)
	if len(list) != 0 {
		t.Fatalf("expected sent followup excluded, got %+v", list)
	}
}

func TestSettings(t *testing.T) {
	svc := newTestTimeline(t)
	if _, err := svc.GetSetting("allowlist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.SetSetting("allowlist", "5511"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetSetting("allowlist", "5511,5522"); err != nil {
		t.Fatal(err)
	}
	if v, err := svc.GetSetting("allowlist"); err != nil || v != "5511,5522" {
		t.Fatalf("expected upsert, got %q %v", v, err)
	}

	if err := svc.SetSetting("silent_mode", "maybe"); err != nil {
		t.Fatal(err)
	}
	if !svc.IsSilentMode() {
		t.Error("an unparseable value must count as silent")
	}
}
