package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/KafClaw/salesclaw/internal/timeline"
	"github.com/KafClaw/salesclaw/internal/tools"
)

// EntityContext is the read-only snapshot of who the conversation is with.
// Tool side effects change the store, not the snapshot; they show up on the
// next run.
type EntityContext struct {
	Key            string
	Channel        string
	ConversationID string
	Name           string
	Phone          string
	Email          string
	City           string
	PostalCode     string
	OrderSummary   []string
	Escalated      bool
}

// ToolEntity returns the identity tools act for.
func (e *EntityContext) ToolEntity() *tools.Entity {
	if e == nil {
		return nil
	}
	return &tools.Entity{Key: e.Key, Channel: e.Channel}
}

// EntityStore provides contacts and their prior orders.
type EntityStore interface {
	EnsureContact(ctx context.Context, entityKey, channel, name, phone string) (*timeline.Contact, error)
	ListOrders(ctx context.Context, entityKey string, limit int) ([]timeline.Order, error)
}

const entityOrderLimit = 3

// LoadEntity creates the contact on first contact and snapshots it together
// with the most recent orders.
func LoadEntity(ctx context.Context, store EntityStore, key, channel, name, conversationID string) (*EntityContext, error) {
	phone := ""
	if channel == "whatsapp" {
		phone = phoneFromKey(key)
	}
	contact, err := store.EnsureContact(ctx, key, channel, name, phone)
	if err != nil {
		return nil, fmt.Errorf("load contact %s: %w", key, err)
	}
	ent := &EntityContext{
		Key:            contact.EntityKey,
		Channel:        channel,
		ConversationID: conversationID,
		Name:           contact.Name,
		Phone:          contact.Phone,
		Email:          contact.Email,
		City:           contact.City,
		PostalCode:     contact.PostalCode,
		Escalated:      contact.Escalated,
	}
	orders, err := store.ListOrders(ctx, key, entityOrderLimit)
	if err != nil {
		return nil, fmt.Errorf("load orders %s: %w", key, err)
	}
	for _, o := range orders {
		ent.OrderSummary = append(ent.OrderSummary, summarizeOrder(o))
	}
	return ent, nil
}

func summarizeOrder(o timeline.Order) string {
	line := fmt.Sprintf("%s (%s) %s, %s %.2f", o.OrderID, o.CreatedAt.Format("2006-01-02"), o.Status, o.Currency, float64(o.TotalCents)/100)
	if o.TrackingCode != "" {
		line += ", tracking " + o.TrackingCode
	}
	return line
}

// phoneFromKey strips the channel prefix and any WhatsApp JID server part.
func phoneFromKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		key = key[i+1:]
	}
	if i := strings.Index(key, "@"); i >= 0 {
		key = key[:i]
	}
	return key
}
