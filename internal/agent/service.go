package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/KafClaw/salesclaw/internal/aggregator"
	"github.com/KafClaw/salesclaw/internal/bus"
	"github.com/KafClaw/salesclaw/internal/dispatch"
	"github.com/KafClaw/salesclaw/internal/policy"
	"github.com/KafClaw/salesclaw/internal/provider"
	"github.com/KafClaw/salesclaw/internal/scheduler"
	"github.com/KafClaw/salesclaw/internal/session"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

// LogWriter persists durable exchanges.
type LogWriter interface {
	AppendExchange(ctx context.Context, ex *timeline.Exchange) error
}

// Deliverer sends a final answer through a dispatching channel.
type Deliverer interface {
	Deliver(ctx context.Context, d dispatch.Delivery) (*dispatch.Record, error)
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Orchestrator *Orchestrator
	Buffer       *aggregator.Buffer
	Policies     *policy.Set
	Entities     EntityStore
	Log          LogWriter
	Dispatcher   Deliverer
	// Sessions may be nil; history is then never retained.
	Sessions *session.Manager

	// RunTimeout bounds one orchestrator run. Zero means no timeout.
	RunTimeout time.Duration
	// FailureReply is sent on dispatching channels when a run fails.
	// Empty keeps the conversation silent.
	FailureReply string
	// RetryOnModelError runs once more after a model error.
	RetryOnModelError bool
}

// Service glues intake, aggregation, orchestration and delivery together.
// Runs for one entity never overlap.
type Service struct {
	orch         *Orchestrator
	buffer       *aggregator.Buffer
	policies     *policy.Set
	entities     EntityStore
	log          LogWriter
	dispatcher   Deliverer
	sessions     *session.Manager
	runTimeout   time.Duration
	failureReply string
	retry        bool
	locks        *keyedMutex
	seen         *lru.Cache
}

const exchangeWriteTimeout = 10 * time.Second

// seenFragments bounds the idempotency keys remembered for deduplication.
const seenFragments = 4096

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	policies := opts.Policies
	if policies == nil {
		policies = policy.Defaults()
	}
	return &Service{
		orch:         opts.Orchestrator,
		buffer:       opts.Buffer,
		policies:     policies,
		entities:     opts.Entities,
		log:          opts.Log,
		dispatcher:   opts.Dispatcher,
		sessions:     opts.Sessions,
		runTimeout:   opts.RunTimeout,
		failureReply: strings.TrimSpace(opts.FailureReply),
		retry:        opts.RetryOnModelError,
		locks:        newKeyedMutex(),
		seen:         mustLRU(seenFragments),
	}
}

func mustLRU(size int) *lru.Cache {
	c, err := lru.New(size)
	if err != nil {
		panic(err)
	}
	return c
}

// Run feeds fragments from the bus into the buffer until ctx is done.
func (s *Service) Run(ctx context.Context, b *bus.MessageBus) error {
	slog.Info("Conversation service started")
	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			slog.Info("Conversation service stopped")
			return err
		}
		if err := s.Intake(msg); err != nil {
			slog.Warn("Inbound fragment rejected", "channel", msg.Channel, "sender", msg.SenderID, "error", err)
		}
	}
}

// Intake hands one fragment to the aggregation buffer. Blank fragments are
// ignored.
func (s *Service) Intake(msg *bus.InboundMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	if _, err := s.policies.Get(msg.Channel); err != nil {
		return err
	}
	if id := msg.IdempotencyKey; id != "" {
		if dup, _ := s.seen.ContainsOrAdd(id, struct{}{}); dup {
			slog.Debug("Duplicate fragment dropped", "channel", msg.Channel, "sender", msg.SenderID, "id", id)
			return nil
		}
	}
	b := burst{
		Key:        msg.EntityKey(),
		Channel:    msg.Channel,
		SenderName: msg.SenderName,
		ChatID:     msg.ChatID,
		TraceID:    msg.TraceID,
	}
	err := s.buffer.Submit(b.Key, msg.Channel, msg.Content, func(ctx context.Context, combined string) error {
		return s.handleBurst(ctx, b, combined)
	})
	if err != nil && msg.IdempotencyKey != "" {
		// Not buffered, so a redelivery must get through.
		s.seen.Remove(msg.IdempotencyKey)
	}
	return err
}

type burst struct {
	Key        string
	Channel    string
	SenderName string
	ChatID     string
	TraceID    string
}

// handleBurst is the flush handler: log the combined text, run the model
// and deliver the formatted answer.
func (s *Service) handleBurst(ctx context.Context, b burst, combined string) error {
	unlock := s.locks.Lock(b.Key)
	defer unlock()

	pol, err := s.policies.Get(b.Channel)
	if err != nil {
		return err
	}
	traceID := b.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	ent, err := LoadEntity(ctx, s.entities, b.Key, b.Channel, b.SenderName, b.ChatID)
	if err != nil {
		return err
	}
	s.appendExchange(ctx, &timeline.Exchange{
		TraceID:   traceID,
		Channel:   b.Channel,
		EntityKey: b.Key,
		Direction: timeline.DirectionInbound,
		Content:   combined,
		Status:    timeline.ExchangeStatusReceived,
	})

	if ent.Escalated {
		slog.Info("Conversation is with a human, skipping model run", "key", b.Key, "trace_id", traceID)
		return nil
	}

	slog.Info("Processing burst", "key", b.Key, "channel", b.Channel, "chars", len(combined), "trace_id", traceID)
	res, err := s.run(ctx, RunRequest{
		Text:    combined,
		Entity:  ent,
		Policy:  pol,
		History: s.history(b.Key, pol),
		TraceID: traceID,
	})
	if err != nil {
		slog.Error("Run failed", "key", b.Key, "trace_id", traceID, "error", err)
		if s.failureReply != "" && pol.Dispatches() {
			s.deliver(ctx, b, pol, traceID, s.failureReply, nil, map[string]any{"failure_reply": true})
		}
		return err
	}

	answer := pol.Format(res.Text)
	if answer == "" {
		slog.Warn("Answer empty after formatting", "key", b.Key, "trace_id", traceID)
		return nil
	}
	s.remember(b.Key, pol, combined, answer)

	if !pol.Dispatches() {
		// Synchronous channels answer through Answer; a buffered burst on
		// one has nobody waiting, so it is only logged.
		s.appendExchange(ctx, outboundExchange(b.Channel, b.Key, traceID, answer, res))
		return nil
	}
	meta := map[string]any{"iterations": res.Iterations}
	if res.Exhausted {
		meta["exhausted"] = true
	}
	s.deliver(ctx, b, pol, traceID, answer, res, meta)
	return nil
}

func (s *Service) deliver(ctx context.Context, b burst, pol policy.Policy, traceID, text string, res *RunResult, meta map[string]any) {
	d := dispatch.Delivery{
		Channel:   b.Channel,
		EntityKey: b.Key,
		Recipient: b.ChatID,
		Text:      text,
		MaxLength: pol.MaxLength,
		TraceID:   traceID,
		Metadata:  meta,
	}
	if res != nil {
		d.PromptTokens = res.Usage.PromptTokens
		d.CompletionTokens = res.Usage.CompletionTokens
		d.ToolsUsed = res.ToolNames()
	}
	rec, err := s.dispatcher.Deliver(ctx, d)
	if err != nil {
		slog.Error("Delivery incomplete", "key", b.Key, "trace_id", traceID, "error", err)
		return
	}
	slog.Info("Answer delivered", "key", b.Key, "parts", rec.PartsSent, "status", rec.Status, "trace_id", traceID)
}

// run wraps Run with the caller-side timeout and the optional single retry
// after a model error.
func (s *Service) run(ctx context.Context, req RunRequest) (*RunResult, error) {
	attempts := 1
	if s.retry {
		attempts = 2
	}
	for attempt := 1; ; attempt++ {
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.runTimeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		}
		res, err := s.orch.Run(runCtx, req)
		cancel()

		var runErr *RunError
		if err == nil || attempt >= attempts || ctx.Err() != nil ||
			!errors.As(err, &runErr) || runErr.Stage != StageModel {
			return res, err
		}
		slog.Warn("Retrying run after model error", "trace_id", req.TraceID, "error", err)
	}
}

func (s *Service) history(key string, pol policy.Policy) []provider.Message {
	if !pol.RetainHistory || s.sessions == nil {
		return nil
	}
	sess := s.sessions.GetOrCreate(key)
	var out []provider.Message
	for _, m := range sess.GetHistory(pol.MaxHistory) {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

func (s *Service) remember(key string, pol policy.Policy, text, answer string) {
	if !pol.RetainHistory || s.sessions == nil {
		return
	}
	sess := s.sessions.GetOrCreate(key)
	sess.AddMessage(provider.RoleUser, text)
	sess.AddMessage(provider.RoleAssistant, answer)
	sess.Trim(pol.MaxHistory)
	if err := s.sessions.Save(sess); err != nil {
		slog.Warn("Failed to save conversation history", "key", key, "error", err)
	}
}

// appendExchange writes even when ctx is already cancelled, so a run cut
// short at shutdown still leaves its record.
func (s *Service) appendExchange(ctx context.Context, ex *timeline.Exchange) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exchangeWriteTimeout)
	defer cancel()
	if err := s.log.AppendExchange(logCtx, ex); err != nil {
		slog.Error("Failed to log exchange", "key", ex.EntityKey, "direction", ex.Direction, "error", err)
	}
}

func outboundExchange(channel, key, traceID, answer string, res *RunResult) *timeline.Exchange {
	return &timeline.Exchange{
		TraceID:          traceID,
		Channel:          channel,
		EntityKey:        key,
		Direction:        timeline.DirectionOutbound,
		Content:          answer,
		PartsTotal:       1,
		PartsSent:        1,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		ToolsUsed:        res.ToolNames(),
		Status:           timeline.ExchangeStatusAnswered,
	}
}

// SyncRequest is a question on a synchronous channel.
type SyncRequest struct {
	Channel        string
	EntityKey      string
	SenderName     string
	ConversationID string
	Text           string
	TraceID        string
}

// SyncAnswer is the formatted answer for a synchronous channel.
type SyncAnswer struct {
	Text      string
	ToolsUsed []string
	Usage     provider.Usage
	Exhausted bool
	TraceID   string
}

// Answer runs one question without aggregation and returns the formatted
// answer to the caller. Both directions are logged.
func (s *Service) Answer(ctx context.Context, req SyncRequest) (*SyncAnswer, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("answer: empty question")
	}
	pol, err := s.policies.Get(req.Channel)
	if err != nil {
		return nil, err
	}
	key := req.EntityKey
	if key == "" {
		key = req.Channel + ":anonymous"
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	ent, err := LoadEntity(ctx, s.entities, key, req.Channel, req.SenderName, req.ConversationID)
	if err != nil {
		return nil, err
	}
	s.appendExchange(ctx, &timeline.Exchange{
		TraceID:   traceID,
		Channel:   req.Channel,
		EntityKey: key,
		Direction: timeline.DirectionInbound,
		Content:   req.Text,
		Status:    timeline.ExchangeStatusReceived,
	})

	res, err := s.run(ctx, RunRequest{
		Text:    req.Text,
		Entity:  ent,
		Policy:  pol,
		History: s.history(key, pol),
		TraceID: traceID,
	})
	if err != nil {
		s.appendExchange(ctx, &timeline.Exchange{
			TraceID:   traceID,
			Channel:   req.Channel,
			EntityKey: key,
			Direction: timeline.DirectionOutbound,
			Status:    timeline.ExchangeStatusFailed,
			ErrorText: err.Error(),
		})
		return nil, err
	}

	answer := pol.Format(res.Text)
	s.remember(key, pol, req.Text, answer)
	s.appendExchange(ctx, outboundExchange(req.Channel, key, traceID, answer, res))
	return &SyncAnswer{
		Text:      answer,
		ToolsUsed: res.ToolNames(),
		Usage:     res.Usage,
		Exhausted: res.Exhausted,
		TraceID:   traceID,
	}, nil
}

// SendFollowup writes a proactive message for a scheduled follow-up and
// delivers it. The note is shown to the model as an internal reminder, never
// as customer text. A partial delivery counts as sent.
func (s *Service) SendFollowup(ctx context.Context, f timeline.Followup) error {
	pol, err := s.policies.Get(f.Channel)
	if err != nil {
		return err
	}
	if !pol.Dispatches() {
		return fmt.Errorf("%w: channel %s cannot start a conversation", scheduler.ErrSkip, f.Channel)
	}

	unlock := s.locks.Lock(f.EntityKey)
	defer unlock()

	ent, err := LoadEntity(ctx, s.entities, f.EntityKey, f.Channel, "", "")
	if err != nil {
		return err
	}
	if ent.Escalated {
		return fmt.Errorf("%w: conversation is with a human", scheduler.ErrSkip)
	}

	traceID := uuid.NewString()
	res, err := s.run(ctx, RunRequest{
		Text:    followupInstruction(f.Note),
		Entity:  ent,
		Policy:  pol,
		History: s.history(f.EntityKey, pol),
		TraceID: traceID,
	})
	if err != nil {
		return err
	}
	answer := pol.Format(res.Text)
	if answer == "" {
		return fmt.Errorf("followup %s: %w", f.FollowupID, ErrEmptyAnswer)
	}

	rec, err := s.dispatcher.Deliver(ctx, dispatch.Delivery{
		Channel:          f.Channel,
		EntityKey:        f.EntityKey,
		Text:             answer,
		MaxLength:        pol.MaxLength,
		TraceID:          traceID,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		ToolsUsed:        res.ToolNames(),
		Metadata:         map[string]any{"followup_id": f.FollowupID},
	})
	if err != nil && !errors.Is(err, dispatch.ErrPartialDelivery) {
		return err
	}
	if pol.RetainHistory && s.sessions != nil {
		sess := s.sessions.GetOrCreate(f.EntityKey)
		sess.AddMessage(provider.RoleAssistant, answer)
		sess.Trim(pol.MaxHistory)
		if err := s.sessions.Save(sess); err != nil {
			slog.Warn("Failed to save conversation history", "key", f.EntityKey, "error", err)
		}
	}
	slog.Info("Follow-up delivered", "key", f.EntityKey, "followup_id", f.FollowupID, "parts", rec.PartsSent, "trace_id", traceID)
	return nil
}

func followupInstruction(note string) string {
	return "(Internal follow-up reminder, not written by the customer.) " + strings.TrimSpace(note) +
		"\nWrite the follow-up message to the customer now, in your usual tone. Do not mention this reminder."
}
