package tools

import (
	"context"
	"time"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

const maxFollowupDelay = 30 * 24 * time.Hour

// FollowupTool schedules a proactive message to the customer.
type FollowupTool struct {
	followups FollowupStore
	now       func() time.Time
}

func NewFollowupTool(followups FollowupStore) *FollowupTool {
	return &FollowupTool{followups: followups, now: time.Now}
}

func (t *FollowupTool) Name() string { return "schedule_followup" }
func (t *FollowupTool) Tier() int    { return TierWrite }

func (t *FollowupTool) Description() string {
	return "Schedule a follow-up message to the customer, for example when they ask to be contacted later. Give either in_hours or an RFC3339 'at'."
}

func (t *FollowupTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"note": map[string]any{
				"type":        "string",
				"minLength":   3,
				"maxLength":   1000,
				"description": "The message to send at the due time",
			},
			"in_hours": map[string]any{
				"type":             "number",
				"exclusiveMinimum": 0,
				"maximum":          720,
			},
			"at": map[string]any{
				"type":   "string",
				"format": "date-time",
			},
		},
		"required": []string{"note"},
	}
}

func (t *FollowupTool) Execute(ctx context.Context, in Input, entity *Entity) Result {
	if res, ok := requireEntity(entity); !ok {
		return res
	}

	now := t.now()
	var due time.Time
	switch {
	case in.Has("at"):
		at, err := time.Parse(time.RFC3339, in.GetString("at", ""))
		if err != nil {
			return Fail(ReasonValidation, "at must be an RFC3339 timestamp")
		}
		due = at
	case in.Has("in_hours"):
		due = now.Add(time.Duration(in.GetFloat("in_hours", 0) * float64(time.Hour)))
	default:
		return Fail(ReasonMissingField, "either in_hours or at is required")
	}
	if !due.After(now) || due.Sub(now) > maxFollowupDelay {
		return Fail(ReasonValidation, "follow-up must be in the future and within 30 days")
	}

	f := &timeline.Followup{
		EntityKey: entity.Key,
		Channel:   entity.Channel,
		Note:      in.GetString("note", ""),
		DueAt:     due,
	}
	if err := t.followups.CreateFollowup(ctx, f); err != nil {
		return Fail(ReasonUpstream, "could not schedule the follow-up")
	}
	return Success(map[string]any{
		"followup_id": f.FollowupID,
		"due_at":      f.DueAt.Format(time.RFC3339),
	}, "followup_scheduled")
}
