// Package tools provides the typed tool framework and the sales capability
// adapters the model may call.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is the interface that all agent tools must implement.
type Tool interface {
	// Name returns the tool identifier used in function calls.
	Name() string
	// Description returns a human-readable description for the model.
	Description() string
	// Parameters returns the JSON Schema for tool input.
	Parameters() map[string]any
	// Execute runs the tool on schema-validated input. Domain failures are
	// reported in the Result, never as a Go error.
	Execute(ctx context.Context, in Input, entity *Entity) Result
}

// TieredTool is an optional interface for tools that declare a risk tier.
// Tier 0: read-only, idempotent
// Tier 1: controlled writes with a declared side effect
type TieredTool interface {
	Tool
	Tier() int
}

// Risk tier constants.
const (
	TierReadOnly = 0 // Read-only lookups
	TierWrite    = 1 // Writes with declared side effects
)

// ToolTier returns the risk tier for a tool.
// If the tool implements TieredTool, its Tier() is returned.
// Otherwise defaults to TierReadOnly.
func ToolTier(t Tool) int {
	if tt, ok := t.(TieredTool); ok {
		return tt.Tier()
	}
	return TierReadOnly
}

// Entity identifies whom a tool acts for.
type Entity struct {
	Key     string
	Channel string
}

// Input is decoded tool arguments.
type Input map[string]any

// Failure reasons reported back to the model.
const (
	ReasonMissingField  = "missing_field"
	ReasonValidation    = "validation_failed"
	ReasonEntityMissing = "entity_missing"
	ReasonNotFound      = "not_found"
	ReasonUpstream      = "upstream_unavailable"
	ReasonNotPermitted  = "not_permitted"
	ReasonUnknownTool   = "unknown_tool"
	ReasonInternal      = "internal_error"
)

// Failure is the structured error half of a Result.
type Failure struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Result is a tagged success or failure. It is what the model sees.
type Result struct {
	OK          bool     `json:"ok"`
	Data        any      `json:"data,omitempty"`
	Failure     *Failure `json:"error,omitempty"`
	SideEffects []string `json:"side_effects,omitempty"`
}

// Success builds a successful result.
func Success(data any, sideEffects ...string) Result {
	return Result{OK: true, Data: data, SideEffects: sideEffects}
}

// Fail builds a failed result.
func Fail(reason, format string, args ...any) Result {
	return Result{Failure: &Failure{Reason: reason, Message: fmt.Sprintf(format, args...)}}
}

// Reason returns the failure reason or "" for a success.
func (r Result) Reason() string {
	if r.Failure == nil {
		return ""
	}
	return r.Failure.Reason
}

// JSON renders the result as the tool message content.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":{"reason":%q,"message":"unencodable result"}}`, ReasonInternal)
	}
	return string(b)
}

// GetString extracts a string parameter with a default value.
func (in Input) GetString(key string, defaultVal string) string {
	if v, ok := in[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func (in Input) GetInt(key string, defaultVal int) int {
	if v, ok := in[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetFloat extracts a number parameter with a default value.
func (in Input) GetFloat(key string, defaultVal float64) float64 {
	if v, ok := in[key]; ok {
		switch n := v.(type) {
		case int:
			return float64(n)
		case float64:
			return n
		}
	}
	return defaultVal
}

// Has reports whether key is present and non-null.
func (in Input) Has(key string) bool {
	v, ok := in[key]
	return ok && v != nil
}

func requireEntity(entity *Entity) (Result, bool) {
	if entity == nil || entity.Key == "" {
		return Fail(ReasonEntityMissing, "no conversation entity is associated with this request"), false
	}
	return Result{}, true
}
