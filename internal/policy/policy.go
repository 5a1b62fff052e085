// Package policy holds the per-channel rules for tool access, reply
// formatting and delivery mode.
package policy

import (
	"fmt"
	"sort"

	"github.com/KafClaw/salesclaw/internal/tools"
)

// Mode says how a channel delivers the final answer.
type Mode string

const (
	// ModeDispatch answers are split, paced and sent through a transport.
	ModeDispatch Mode = "dispatch"
	// ModeSync answers are returned to the caller of the request.
	ModeSync Mode = "sync"
)

// Policy is the single value the conversation pipeline consults for a
// channel: when composing the system instruction, when filtering tools and
// when formatting the final answer.
type Policy struct {
	Channel string
	Mode    Mode

	// MaxLength is the per-message ceiling in characters. Zero means none.
	MaxLength int
	// MultiPart lets the dispatcher split long answers instead of truncating.
	MultiPart bool

	// AllowedTools lists the tools the model may call. Nil allows every tool
	// up to MaxTier; an empty non-nil slice allows none.
	AllowedTools []string
	// MaxTier is the highest tool tier permitted on this channel.
	MaxTier int

	StripEmoji  bool
	StripMarkup bool
	StripLinks  bool
	StripPhones bool

	RetainHistory bool
	MaxHistory    int

	// Tone is appended to the system instruction.
	Tone string
}

// Decision is the result of evaluating a tool call against a policy.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluate checks whether a tool of the given tier may run on this channel.
func (p Policy) Evaluate(tool string, tier int) Decision {
	if p.AllowedTools != nil && !contains(p.AllowedTools, tool) {
		return Decision{Reason: fmt.Sprintf("tool_not_allowed_on_%s", p.Channel)}
	}
	if tier > p.MaxTier {
		return Decision{Reason: fmt.Sprintf("tier_%d_denied_on_%s", tier, p.Channel)}
	}
	return Decision{Allow: true, Reason: fmt.Sprintf("tier_%d_allowed", tier)}
}

// Allows evaluates a registered tool by name. Unknown tools are denied.
func (p Policy) Allows(reg *tools.Registry, name string) bool {
	tool, ok := reg.Get(name)
	if !ok {
		return false
	}
	return p.Evaluate(name, tools.ToolTier(tool)).Allow
}

// FilterTools returns the registered tool names permitted on this channel,
// sorted.
func (p Policy) FilterTools(reg *tools.Registry) []string {
	var out []string
	for _, name := range reg.Names() {
		if p.Allows(reg, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Dispatches reports whether answers go through the dispatcher.
func (p Policy) Dispatches() bool { return p.Mode == ModeDispatch }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
