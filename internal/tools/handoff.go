package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

// HandoffTool passes the conversation to a human seller.
type HandoffTool struct {
	handoffs HandoffStore
	contacts ContactStore
	notifier HandoffNotifier
}

// NewHandoffTool creates the tool. notifier may be nil.
func NewHandoffTool(handoffs HandoffStore, contacts ContactStore, notifier HandoffNotifier) *HandoffTool {
	return &HandoffTool{handoffs: handoffs, contacts: contacts, notifier: notifier}
}

func (t *HandoffTool) Name() string { return "request_handoff" }
func (t *HandoffTool) Tier() int    { return TierWrite }

func (t *HandoffTool) Description() string {
	return "Hand the conversation to a human seller: for discounts beyond the price list, complaints, custom projects, or when the customer asks for a person. The assistant stops answering afterwards."
}

func (t *HandoffTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"minLength":   3,
				"maxLength":   500,
				"description": "Short summary for the human seller",
			},
		},
		"required": []string{"reason"},
	}
}

func (t *HandoffTool) Execute(ctx context.Context, in Input, entity *Entity) Result {
	if res, ok := requireEntity(entity); !ok {
		return res
	}

	h := &timeline.Handoff{
		EntityKey: entity.Key,
		Channel:   entity.Channel,
		Reason:    in.GetString("reason", ""),
	}
	err := t.handoffs.OpenHandoff(ctx, h)
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		return Fail(ReasonEntityMissing, "contact record does not exist")
	case err != nil:
		return Fail(ReasonUpstream, "could not record the handoff")
	}

	effects := []string{"conversation_escalated"}
	if t.notifier != nil {
		contact, _ := t.contacts.GetContact(ctx, entity.Key)
		if err := t.notifier.NotifyHandoff(ctx, h, contact); err != nil {
			// The handoff is durable; the team still sees it in the open list.
			slog.Warn("Handoff notification failed", "handoff", h.HandoffID, "error", err)
		} else {
			effects = append(effects, "team_notified")
		}
	}
	return Success(map[string]any{"handoff_id": h.HandoffID}, effects...)
}
