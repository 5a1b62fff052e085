// Package dispatch delivers final answers through a channel transport:
// split to the channel ceiling, paced with a composing signal, and logged
// as exactly one durable exchange.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/KafClaw/salesclaw/internal/metrics"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

var (
	// ErrPartialDelivery means some parts were sent and some failed.
	ErrPartialDelivery = errors.New("partial delivery")
	// ErrDeliveryFailed means no part was sent.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrSuppressed is returned by transports that deliberately drop a send,
	// for example in silent mode.
	ErrSuppressed = errors.New("send suppressed")
)

// Transport is the outbound gateway of one channel.
type Transport interface {
	Send(ctx context.Context, recipient, text string) error
	// SetPresence shows a composing signal expected to last about hint.
	SetPresence(ctx context.Context, recipient string, hint time.Duration) error
}

// LogWriter persists the durable exchange.
type LogWriter interface {
	AppendExchange(ctx context.Context, ex *timeline.Exchange) error
}

// Options tunes pacing.
type Options struct {
	PartDelay     time.Duration
	TypingPerChar time.Duration
	MinTyping     time.Duration
	MaxTyping     time.Duration
	SendTimeout   time.Duration
	// RatePerSecond and Burst bound sends across all recipients.
	RatePerSecond float64
	Burst         int
}

// DefaultOptions returns conservative human-like pacing.
func DefaultOptions() Options {
	return Options{
		PartDelay:     1500 * time.Millisecond,
		TypingPerChar: 30 * time.Millisecond,
		MinTyping:     time.Second,
		MaxTyping:     6 * time.Second,
		SendTimeout:   20 * time.Second,
		RatePerSecond: 5,
		Burst:         5,
	}
}

// Delivery is one final answer to send.
type Delivery struct {
	Channel   string
	EntityKey string
	// Recipient is the transport address. Empty means the id part of
	// EntityKey.
	Recipient string
	Text      string
	MaxLength int
	TraceID   string

	PromptTokens     int
	CompletionTokens int
	ToolsUsed        []string
	// Metadata is merged into the exchange metadata.
	Metadata map[string]any
}

// PartResult records one part send attempt.
type PartResult struct {
	Index  int       `json:"index"`
	Chars  int       `json:"chars"`
	SentAt time.Time `json:"sent_at,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Record is the outcome of one delivery.
type Record struct {
	ExchangeID string
	Channel    string
	EntityKey  string
	Text       string
	Parts      []string
	Results    []PartResult
	PartsSent  int
	Status     string
}

// Dispatcher sends answers through per-channel transports.
type Dispatcher struct {
	transports map[string]Transport
	log        LogWriter
	opts       Options
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher. log is required.
func New(log LogWriter, opts Options, m *metrics.Metrics) *Dispatcher {
	def := DefaultOptions()
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	if opts.MaxTyping < opts.MinTyping {
		opts.MaxTyping = opts.MinTyping
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		transports: make(map[string]Transport),
		log:        log,
		opts:       opts,
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
		sleep:      sleepCtx,
	}
}

// Register sets the transport for a channel. Call before Deliver.
func (d *Dispatcher) Register(channel string, t Transport) {
	d.transports[channel] = t
}

// HasTransport reports whether a channel can be dispatched to.
func (d *Dispatcher) HasTransport(channel string) bool {
	_, ok := d.transports[channel]
	return ok
}

// Deliver splits, paces and sends the answer, then writes one exchange.
// Every part is attempted even when earlier parts fail. The record is
// returned together with ErrPartialDelivery or ErrDeliveryFailed when not
// every part went out.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) (*Record, error) {
	transport, ok := d.transports[del.Channel]
	if !ok {
		return nil, fmt.Errorf("no transport for channel %q", del.Channel)
	}
	recipient := del.Recipient
	if recipient == "" {
		recipient = recipientFromKey(del.EntityKey)
	}

	rec := &Record{
		Channel:   del.Channel,
		EntityKey: del.EntityKey,
		Text:      del.Text,
		Parts:     Split(del.Text, del.MaxLength),
	}
	if len(rec.Parts) == 0 {
		return rec, nil
	}

	var partErrs []error
	suppressed := 0
	for i, part := range rec.Parts {
		if i > 0 && d.opts.PartDelay > 0 {
			if err := d.sleep(ctx, d.opts.PartDelay); err != nil {
				partErrs = append(partErrs, d.skipRest(rec, i, err)...)
				break
			}
		}
		res := PartResult{Index: i, Chars: len([]rune(part))}
		err := d.sendPart(ctx, transport, recipient, part)
		switch {
		case err == nil:
			res.SentAt = time.Now().UTC()
			rec.PartsSent++
			d.metrics.Part(del.Channel, "sent")
		case errors.Is(err, ErrSuppressed):
			suppressed++
			res.Error = err.Error()
			d.metrics.Part(del.Channel, "suppressed")
		default:
			res.Error = err.Error()
			partErrs = append(partErrs, fmt.Errorf("part %d: %w", i+1, err))
			d.metrics.Part(del.Channel, "failed")
			slog.Warn("Part send failed, continuing", "channel", del.Channel, "key", del.EntityKey, "part", i+1, "of", len(rec.Parts), "error", err)
		}
		rec.Results = append(rec.Results, res)
	}

	switch {
	case rec.PartsSent == len(rec.Parts):
		rec.Status = timeline.ExchangeStatusDelivered
	case suppressed == len(rec.Parts):
		rec.Status = timeline.ExchangeStatusSuppressed
	case rec.PartsSent > 0:
		rec.Status = timeline.ExchangeStatusPartial
	default:
		rec.Status = timeline.ExchangeStatusFailed
	}

	// The exchange is written even when the caller's context is gone.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	ex := d.exchange(del, rec, partErrs)
	if err := d.log.AppendExchange(logCtx, ex); err != nil {
		slog.Error("Failed to log outbound exchange", "key", del.EntityKey, "error", err)
	}
	rec.ExchangeID = ex.ExchangeID

	switch rec.Status {
	case timeline.ExchangeStatusPartial:
		err := fmt.Errorf("%w: %d of %d parts sent", ErrPartialDelivery, rec.PartsSent, len(rec.Parts))
		if suppressed > 0 {
			err = fmt.Errorf("%w, %d suppressed", err, suppressed)
		}
		return rec, withCauses(err, partErrs)
	case timeline.ExchangeStatusFailed:
		return rec, withCauses(ErrDeliveryFailed, partErrs)
	}
	return rec, nil
}

// withCauses appends the part errors to err, if there are any.
func withCauses(err error, causes []error) error {
	if len(causes) == 0 {
		return err
	}
	return fmt.Errorf("%w: %w", err, errors.Join(causes...))
}

// sendPart waits for the rate limiter, shows the composing signal for a
// time proportional to the part, then sends with its own timeout.
func (d *Dispatcher) sendPart(ctx context.Context, t Transport, recipient, part string) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	typing := d.typingFor(part)
	if typing > 0 {
		presCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err := t.SetPresence(presCtx, recipient, typing)
		cancel()
		if errors.Is(err, ErrSuppressed) {
			return err
		}
		if err != nil {
			slog.Debug("Presence update failed", "recipient", recipient, "error", err)
		}
		if err := d.sleep(ctx, typing); err != nil {
			return err
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return t.Send(sendCtx, recipient, part)
}

func (d *Dispatcher) typingFor(part string) time.Duration {
	if d.opts.TypingPerChar <= 0 {
		return 0
	}
	typing := time.Duration(len([]rune(part))) * d.opts.TypingPerChar
	if typing < d.opts.MinTyping {
		typing = d.opts.MinTyping
	}
	if d.opts.MaxTyping > 0 && typing > d.opts.MaxTyping {
		typing = d.opts.MaxTyping
	}
	return typing
}

// skipRest marks parts from index i on as not attempted.
func (d *Dispatcher) skipRest(rec *Record, from int, cause error) []error {
	var errs []error
	for i := from; i < len(rec.Parts); i++ {
		rec.Results = append(rec.Results, PartResult{Index: i, Chars: len([]rune(rec.Parts[i])), Error: cause.Error()})
		errs = append(errs, fmt.Errorf("part %d: %w", i+1, cause))
	}
	return errs
}

func (d *Dispatcher) exchange(del Delivery, rec *Record, partErrs []error) *timeline.Exchange {
	meta := map[string]any{}
	for k, v := range del.Metadata {
		meta[k] = v
	}
	meta["parts"] = rec.Results
	metaJSON, _ := json.Marshal(meta)

	ex := &timeline.Exchange{
		TraceID:          del.TraceID,
		Channel:          del.Channel,
		EntityKey:        del.EntityKey,
		Direction:        timeline.DirectionOutbound,
		Content:          del.Text,
		PartsTotal:       len(rec.Parts),
		PartsSent:        rec.PartsSent,
		PromptTokens:     del.PromptTokens,
		CompletionTokens: del.CompletionTokens,
		ToolsUsed:        del.ToolsUsed,
		Status:           rec.Status,
		Metadata:         string(metaJSON),
	}
	if len(partErrs) > 0 {
		ex.ErrorText = errors.Join(partErrs...).Error()
	}
	return ex
}

func recipientFromKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[i+1:]
	}
	return key
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
