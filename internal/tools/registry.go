package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/KafClaw/salesclaw/internal/provider"
)

// Invocation records one tool call made during an orchestrator run.
type Invocation struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Malformed bool          `json:"malformed,omitempty"`
	Result    Result        `json:"result"`
	Duration  time.Duration `json:"duration"`
}

// Registry holds the tools and their compiled input schemas. It is built once
// at startup and read concurrently afterwards.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates a new tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool and compiles its parameter schema.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %q already registered", name)
	}
	raw, err := json.Marshal(tool.Parameters())
	if err != nil {
		return fmt.Errorf("encode schema for %s: %w", name, err)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", name, err)
	}
	r.tools[name] = tool
	r.schemas[name] = schema
	return nil
}

// MustRegister is Register for static wiring; it panics on a bad schema.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions for the tools allow accepts, sorted
// by name. A nil allow returns every tool.
func (r *Registry) Definitions(allow func(name string) bool) []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	for _, name := range r.Names() {
		if allow != nil && !allow(name) {
			continue
		}
		tool := r.tools[name]
		defs = append(defs, provider.Function(tool.Name(), tool.Description(), tool.Parameters()))
	}
	return defs
}

// Execute decodes, validates and runs a tool call. It never returns a Go
// error: unknown tools, invalid input and panics all become failed Results.
// Unparseable or non-object arguments are treated as an empty object.
func (r *Registry) Execute(ctx context.Context, name, rawArgs string, entity *Entity) (inv Invocation) {
	start := time.Now()
	inv = Invocation{Name: name, Arguments: rawArgs}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Tool panicked", "tool", name, "panic", rec)
			inv.Result = Fail(ReasonInternal, "tool %s failed unexpectedly", name)
		}
		inv.Duration = time.Since(start)
	}()

	tool, ok := r.tools[name]
	if !ok {
		inv.Result = Fail(ReasonUnknownTool, "tool %q does not exist", name)
		return inv
	}

	in, malformed := decodeArgs(rawArgs)
	inv.Malformed = malformed
	if malformed {
		slog.Warn("Malformed tool arguments, using empty input", "tool", name, "raw", truncate(rawArgs, 200))
	}

	if err := r.schemas[name].Validate(map[string]any(in)); err != nil {
		inv.Result = validationFailure(err)
		return inv
	}

	inv.Result = tool.Execute(ctx, in, entity)
	return inv
}

func decodeArgs(raw string) (Input, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Input{}, false
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return Input{}, true
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return Input{}, true
	}
	return Input(obj), false
}

func validationFailure(err error) Result {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Fail(ReasonValidation, "%v", err)
	}
	leaf := leafCause(ve)
	where := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if where == "" {
		where = "input"
	}
	if strings.HasSuffix(leaf.KeywordLocation, "/required") {
		return Fail(ReasonMissingField, "%s: %s", where, leaf.Message)
	}
	return Fail(ReasonValidation, "%s: %s", where, leaf.Message)
}

// leafCause walks to the first innermost cause, which carries the precise
// keyword and message.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
