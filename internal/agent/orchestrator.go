package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/salesclaw/internal/metrics"
	"github.com/KafClaw/salesclaw/internal/policy"
	"github.com/KafClaw/salesclaw/internal/provider"
	"github.com/KafClaw/salesclaw/internal/timeline"
	"github.com/KafClaw/salesclaw/internal/tools"
)

// DefaultMaxIterations bounds the model/tool rounds of one run.
const DefaultMaxIterations = 5

var (
	// ErrIterationsExhausted means the iteration ceiling was reached without
	// any text from the model.
	ErrIterationsExhausted = errors.New("tool iterations exhausted without an answer")
	// ErrEmptyAnswer means the model ended the run with no text at all.
	ErrEmptyAnswer = errors.New("model returned an empty answer")
)

// Stage identifies where a run failed.
type Stage string

const (
	StageModel     Stage = "model"
	StageExhausted Stage = "exhausted"
)

// RunError is returned by Run for fatal failures. The partial RunResult is
// returned alongside it.
type RunError struct {
	Stage     Stage
	Iteration int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed at %s (iteration %d): %v", e.Stage, e.Iteration, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// SpanWriter records model and tool spans for a trace.
type SpanWriter interface {
	AddEvent(evt *timeline.TimelineEvent) error
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Provider      provider.LLMProvider
	Registry      *tools.Registry
	Prompts       *PromptBuilder
	Spans         SpanWriter
	Metrics       *metrics.Metrics
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
}

// RunRequest is one combined burst to answer.
type RunRequest struct {
	Text    string
	Entity  *EntityContext
	Policy  policy.Policy
	History []provider.Message
	TraceID string
}

// RunResult is the outcome of a run. Text is unformatted; the channel
// policy formats it afterwards.
type RunResult struct {
	Text       string
	ToolsUsed  []tools.Invocation
	Usage      provider.Usage
	Iterations int
	Exhausted  bool
}

// ToolNames lists the invoked tool names in call order.
func (r *RunResult) ToolNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.ToolsUsed))
	for _, inv := range r.ToolsUsed {
		names = append(names, inv.Name)
	}
	return names
}

// Orchestrator runs the bounded model/tool loop. It holds no per-run state
// and is safe for concurrent use.
type Orchestrator struct {
	provider      provider.LLMProvider
	registry      *tools.Registry
	prompts       *PromptBuilder
	spans         SpanWriter
	metrics       *metrics.Metrics
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	model := opts.Model
	if model == "" && opts.Provider != nil {
		model = opts.Provider.DefaultModel()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	prompts := opts.Prompts
	if prompts == nil {
		prompts = NewPromptBuilder("", registry)
	}
	return &Orchestrator{
		provider:      opts.Provider,
		registry:      registry,
		prompts:       prompts,
		spans:         opts.Spans,
		metrics:       opts.Metrics,
		model:         model,
		maxTokens:     maxTokens,
		temperature:   opts.Temperature,
		maxIterations: maxIter,
	}
}

// Run answers one combined text. Tool failures never end a run; they go back
// to the model as structured results. A model error ends the run at once
// with a *RunError. When the iteration ceiling is reached the last non-empty
// text seen is returned with Exhausted set, or ErrIterationsExhausted if the
// model never produced text.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (res *RunResult, err error) {
	res = &RunResult{}
	defer func() {
		status := "ok"
		switch {
		case err != nil:
			status = "error"
		case res.Exhausted:
			status = "exhausted"
		}
		o.metrics.RunFinished(req.Policy.Channel, status, res.Iterations, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}()

	var history []provider.Message
	if req.Policy.RetainHistory {
		history = req.History
	}
	system := o.prompts.BuildSystemPrompt(req.Entity, req.Policy)
	messages := o.prompts.BuildMessages(system, history, req.Text)
	toolDefs := o.registry.Definitions(func(name string) bool {
		return req.Policy.Allows(o.registry, name)
	})

	lastText := ""
	for i := 0; i < o.maxIterations; i++ {
		res.Iterations = i + 1

		llmStart := time.Now()
		resp, err := o.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    messages,
			Tools:       toolDefs,
			Model:       o.model,
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		})
		llmDuration := time.Since(llmStart)
		o.metrics.ModelCall(o.model, llmDuration.Seconds())
		if err != nil {
			o.recordModelSpan(req, i, llmStart, llmDuration, messages, nil, err)
			return res, &RunError{Stage: StageModel, Iteration: i + 1, Err: err}
		}
		res.Usage.Add(resp.Usage)
		o.recordModelSpan(req, i, llmStart, llmDuration, messages, resp, nil)

		text := strings.TrimSpace(resp.Content)
		if !resp.WantsTools() {
			if text == "" {
				text = lastText
			}
			if text == "" {
				return res, &RunError{Stage: StageModel, Iteration: i + 1, Err: ErrEmptyAnswer}
			}
			res.Text = text
			return res, nil
		}
		if text != "" {
			lastText = text
		}

		calls := make([]provider.ToolCall, len(resp.ToolCalls))
		copy(calls, resp.ToolCalls)
		for j := range calls {
			if calls[j].ID == "" {
				calls[j].ID = fmt.Sprintf("call_%d_%d", i, j)
			}
		}
		messages = append(messages, provider.AssistantMessage(resp.Content, calls))

		// Sequential, in the order requested.
		for _, tc := range calls {
			inv := o.executeTool(ctx, req, tc)
			res.ToolsUsed = append(res.ToolsUsed, inv)
			messages = append(messages, provider.ToolResultMessage(tc.ID, inv.Result.JSON()))
		}
	}

	res.Exhausted = true
	slog.Warn("Tool iterations exhausted", "channel", req.Policy.Channel, "key", entityKey(req.Entity), "iterations", res.Iterations, "has_text", lastText != "")
	if lastText != "" {
		res.Text = lastText
		return res, nil
	}
	return res, &RunError{Stage: StageExhausted, Iteration: res.Iterations, Err: ErrIterationsExhausted}
}

// executeTool turns one requested call into an Invocation. Calls to
// registered tools the channel does not permit are refused without running.
func (o *Orchestrator) executeTool(ctx context.Context, req RunRequest, tc provider.ToolCall) tools.Invocation {
	var inv tools.Invocation
	status := "ok"
	if _, known := o.registry.Get(tc.Name); known && !req.Policy.Allows(o.registry, tc.Name) {
		slog.Warn("Tool denied by policy", "tool", tc.Name, "channel", req.Policy.Channel)
		inv = tools.Invocation{
			Name:      tc.Name,
			Arguments: tc.Arguments,
			Result:    tools.Fail(tools.ReasonNotPermitted, "tool %s is not available on this channel", tc.Name),
		}
		status = tools.ReasonNotPermitted
	} else {
		inv = o.registry.Execute(ctx, tc.Name, tc.Arguments, req.Entity.ToolEntity())
		if !inv.Result.OK {
			status = "failure"
		}
	}
	inv.CallID = tc.ID
	o.metrics.ToolCall(tc.Name, status, inv.Duration.Seconds())
	o.recordToolSpan(req, inv)
	slog.Debug("Tool executed", "name", tc.Name, "ok", inv.Result.OK, "reason", inv.Result.Reason(), "malformed", inv.Malformed)
	return inv
}

func (o *Orchestrator) recordModelSpan(req RunRequest, iteration int, start time.Time, dur time.Duration, messages []provider.Message, resp *provider.ChatResponse, callErr error) {
	if o.spans == nil || req.TraceID == "" {
		return
	}
	meta := map[string]any{
		"model":         o.model,
		"temperature":   o.temperature,
		"max_tokens":    o.maxTokens,
		"iteration":     iteration + 1,
		"duration_ms":   dur.Milliseconds(),
		"message_count": len(messages),
	}
	content := fmt.Sprintf("model=%s duration=%dms", o.model, dur.Milliseconds())
	if resp != nil {
		meta["finish_reason"] = resp.FinishReason
		meta["prompt_tokens"] = resp.Usage.PromptTokens
		meta["completion_tokens"] = resp.Usage.CompletionTokens
		meta["response_text"] = truncateStr(resp.Content, 10240)
		content = fmt.Sprintf("model=%s tokens=%d duration=%dms", o.model, resp.Usage.TotalTokens, dur.Milliseconds())
		if len(resp.ToolCalls) > 0 {
			names := make([]string, len(resp.ToolCalls))
			tcList := make([]map[string]any, len(resp.ToolCalls))
			for ti, tc := range resp.ToolCalls {
				names[ti] = tc.Name
				tcList[ti] = map[string]any{"name": tc.Name, "arguments": tc.Arguments}
			}
			meta["tool_calls"] = tcList
			content += " → tools: " + strings.Join(names, ", ")
		}
	}
	if callErr != nil {
		meta["error"] = callErr.Error()
		content += " error"
	}
	for j := len(messages) - 1; j >= 0; j-- {
		if messages[j].Role == provider.RoleUser {
			meta["last_user_message"] = truncateStr(messages[j].Content, 2048)
			break
		}
	}
	o.addSpan(req, start, dur, "LLM", content, meta)
}

func (o *Orchestrator) recordToolSpan(req RunRequest, inv tools.Invocation) {
	if o.spans == nil || req.TraceID == "" {
		return
	}
	result := inv.Result.JSON()
	meta := map[string]any{
		"tool_name":    inv.Name,
		"tool_call_id": inv.CallID,
		"arguments":    truncateStr(inv.Arguments, 4096),
		"malformed":    inv.Malformed,
		"duration_ms":  inv.Duration.Milliseconds(),
		"result":       truncateStr(result, 10240),
	}
	if reason := inv.Result.Reason(); reason != "" {
		meta["reason"] = reason
	}
	content := fmt.Sprintf("tool=%s duration=%dms ok=%t", inv.Name, inv.Duration.Milliseconds(), inv.Result.OK)
	o.addSpan(req, time.Now().Add(-inv.Duration), inv.Duration, "TOOL", content, meta)
}

func (o *Orchestrator) addSpan(req RunRequest, start time.Time, dur time.Duration, class, content string, meta map[string]any) {
	metaJSON, _ := json.Marshal(meta)
	senderName := "LLM"
	if class == "TOOL" {
		senderName = "Tool"
	}
	err := o.spans.AddEvent(&timeline.TimelineEvent{
		EventID:        uuid.NewString(),
		TraceID:        req.TraceID,
		SpanID:         uuid.NewString(),
		Timestamp:      start.UTC(),
		SenderID:       entityKey(req.Entity),
		SenderName:     senderName,
		EventType:      "SYSTEM",
		ContentText:    content,
		Classification: class,
		DurationMs:     dur.Milliseconds(),
		Metadata:       string(metaJSON),
	})
	if err != nil {
		slog.Debug("Failed to record span", "class", class, "trace_id", req.TraceID, "error", err)
	}
}

func entityKey(ent *EntityContext) string {
	if ent == nil {
		return ""
	}
	return ent.Key
}

// truncateStr returns s trimmed to maxLen bytes.
func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
