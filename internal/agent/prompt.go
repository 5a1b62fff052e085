package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/salesclaw/internal/policy"
	"github.com/KafClaw/salesclaw/internal/provider"
	"github.com/KafClaw/salesclaw/internal/tools"
)

// Workspace files folded into the system instruction when present.
var bootstrapFiles = []string{"PERSONA.md", "KNOWLEDGE.md"}

// PromptBuilder assembles the system instruction from the workspace files,
// the channel policy and the entity snapshot.
type PromptBuilder struct {
	workspace string
	registry  *tools.Registry
	now       func() time.Time
}

// NewPromptBuilder creates a PromptBuilder. workspace may be empty.
func NewPromptBuilder(workspace string, registry *tools.Registry) *PromptBuilder {
	return &PromptBuilder{
		workspace: expandHome(workspace),
		registry:  registry,
		now:       time.Now,
	}
}

// BuildSystemPrompt constructs the system instruction for one run.
func (b *PromptBuilder) BuildSystemPrompt(ent *EntityContext, pol policy.Policy) string {
	var parts []string

	// 1. Identity and date reference
	parts = append(parts, b.identity())

	// 2. Workspace files
	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	// 3. Channel rules
	parts = append(parts, channelRules(pol))

	// 4. Customer snapshot
	if ent != nil {
		parts = append(parts, customerSection(ent, b.canAskName(pol)))
	}

	// 5. Tools
	if summary := b.toolsSummary(pol); summary != "" {
		parts = append(parts, summary)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages returns system instruction, prior turns and the combined
// text as the final user turn.
func (b *PromptBuilder) BuildMessages(system string, history []provider.Message, text string) []provider.Message {
	messages := make([]provider.Message, 0, len(history)+2)
	messages = append(messages, provider.SystemMessage(system))
	messages = append(messages, history...)
	messages = append(messages, provider.UserMessage(text))
	return messages
}

func (b *PromptBuilder) identity() string {
	t := b.now()

	// Pre-compute date references so the model never has to do date arithmetic
	dateRef := fmt.Sprintf("- Today: %s (%s)\n- Tomorrow: %s (%s)",
		t.Format("2006-01-02"), t.Format("Monday"),
		t.AddDate(0, 0, 1).Format("2006-01-02"), t.AddDate(0, 0, 1).Format("Monday"))
	for i := 2; i <= 7; i++ {
		d := t.AddDate(0, 0, i)
		dateRef += fmt.Sprintf("\n- %s: %s", d.Format("Monday"), d.Format("2006-01-02"))
	}

	return fmt.Sprintf(`# Sales assistant

You answer customers of the store on its messaging channels.
Quote prices, delivery and order status only from tool results. Never invent a price,
a deadline or an order status. When a tool fails, say what you need from the customer
or offer a human.

## Current Time
%s

## Date Reference (use these, do not compute dates yourself)
%s`, t.Format("2006-01-02 15:04 (Monday)"), dateRef)
}

func (b *PromptBuilder) loadBootstrapFiles() string {
	if b.workspace == "" {
		return ""
	}
	var parts []string
	for _, filename := range bootstrapFiles {
		content, err := os.ReadFile(filepath.Join(b.workspace, filename))
		if err == nil && len(strings.TrimSpace(string(content))) > 0 {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(string(content))))
		}
	}
	return strings.Join(parts, "\n\n")
}

func channelRules(pol policy.Policy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Channel: %s\n", pol.Channel)
	if pol.MaxLength > 0 {
		if pol.MultiPart {
			fmt.Fprintf(&sb, "- Keep each paragraph under %d characters; long answers are sent as several messages.\n", pol.MaxLength)
		} else {
			fmt.Fprintf(&sb, "- The whole answer must fit in %d characters.\n", pol.MaxLength)
		}
	}
	if pol.StripMarkup {
		sb.WriteString("- Plain text only, no markdown.\n")
	}
	if pol.StripEmoji {
		sb.WriteString("- Do not use emoji.\n")
	}
	if pol.StripLinks || pol.StripPhones {
		sb.WriteString("- Do not share links, phone numbers or other contact details.\n")
	}
	if pol.Mode == policy.ModeSync {
		sb.WriteString("- This is a single public answer; there is no follow-up conversation.\n")
	}
	if pol.Tone != "" {
		sb.WriteString("\n" + pol.Tone + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// canAskName reports whether the channel has a conversation to ask in and
// may store the answer.
func (b *PromptBuilder) canAskName(pol policy.Policy) bool {
	return pol.Dispatches() && b.registry != nil && pol.Allows(b.registry, tools.UpdateContactName)
}

func customerSection(ent *EntityContext, askName bool) string {
	var sb strings.Builder
	sb.WriteString("## Customer\n")
	field := func(label, v string) {
		if v != "" {
			fmt.Fprintf(&sb, "- %s: %s\n", label, v)
		}
	}
	field("Name", ent.Name)
	field("Phone", ent.Phone)
	field("Email", ent.Email)
	field("City", ent.City)
	field("Postal code", ent.PostalCode)
	if len(ent.OrderSummary) > 0 {
		sb.WriteString("- Recent orders:\n")
		for _, o := range ent.OrderSummary {
			fmt.Fprintf(&sb, "  - %s\n", o)
		}
	} else {
		sb.WriteString("- No previous orders.\n")
	}
	if ent.Name == "" && askName {
		sb.WriteString("\nThe customer's name is unknown. Ask for it naturally and store it with " + tools.UpdateContactName + ".\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *PromptBuilder) toolsSummary(pol policy.Policy) string {
	if b.registry == nil {
		return ""
	}
	names := pol.FilterTools(b.registry)
	if len(names) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Tools\nYou have the following tools available:\n")
	for _, name := range names {
		tool, _ := b.registry.Get(name)
		fmt.Fprintf(&sb, "- %s: %s\n", name, tool.Description())
	}
	return strings.TrimRight(sb.String(), "\n")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return path
}
