package tools

import (
	"context"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

// ContactStore reads and updates contacts.
type ContactStore interface {
	GetContact(ctx context.Context, entityKey string) (*timeline.Contact, error)
	UpdateContact(ctx context.Context, entityKey string, upd timeline.ContactUpdate) ([]string, error)
}

// OrderStore reads orders.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID string) (*timeline.Order, error)
	ListOrders(ctx context.Context, entityKey string, limit int) ([]timeline.Order, error)
}

// HandoffStore records handoff requests.
type HandoffStore interface {
	OpenHandoff(ctx context.Context, h *timeline.Handoff) error
}

// FollowupStore schedules follow-ups.
type FollowupStore interface {
	CreateFollowup(ctx context.Context, f *timeline.Followup) error
}

// HandoffNotifier alerts humans about a new handoff.
type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, h *timeline.Handoff, c *timeline.Contact) error
}
