package tools

import (
	"context"
	"errors"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

// OrderLookupTool reports order status to the customer who placed it.
type OrderLookupTool struct {
	orders OrderStore
}

func NewOrderLookupTool(orders OrderStore) *OrderLookupTool {
	return &OrderLookupTool{orders: orders}
}

func (t *OrderLookupTool) Name() string { return "lookup_order" }
func (t *OrderLookupTool) Tier() int    { return TierReadOnly }

func (t *OrderLookupTool) Description() string {
	return "Look up the status and tracking code of one of the customer's orders. Without order_id the most recent order is returned."
}

func (t *OrderLookupTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order_id": map[string]any{
				"type":        "string",
				"description": "Order number, if the customer gave one",
			},
		},
	}
}

type orderView struct {
	OrderID      string  `json:"order_id"`
	Status       string  `json:"status"`
	Items        string  `json:"items"`
	Total        float64 `json:"total"`
	Currency     string  `json:"currency"`
	TrackingCode string  `json:"tracking_code,omitempty"`
	PlacedAt     string  `json:"placed_at"`
}

func (t *OrderLookupTool) Execute(ctx context.Context, in Input, entity *Entity) Result {
	if res, ok := requireEntity(entity); !ok {
		return res
	}

	var order *timeline.Order
	if id := in.GetString("order_id", ""); id != "" {
		o, err := t.orders.GetOrder(ctx, id)
		switch {
		case errors.Is(err, timeline.ErrNotFound):
			return Fail(ReasonNotFound, "order %s not found", id)
		case err != nil:
			return Fail(ReasonUpstream, "order store unavailable")
		}
		// Orders of other customers are indistinguishable from missing ones.
		if o.EntityKey != entity.Key {
			return Fail(ReasonNotFound, "order %s not found", id)
		}
		order = o
	} else {
		list, err := t.orders.ListOrders(ctx, entity.Key, 1)
		if err != nil {
			return Fail(ReasonUpstream, "order store unavailable")
		}
		if len(list) == 0 {
			return Fail(ReasonNotFound, "the customer has no orders")
		}
		order = &list[0]
	}

	return Success(orderView{
		OrderID:      order.OrderID,
		Status:       order.Status,
		Items:        order.Items,
		Total:        float64(order.TotalCents) / 100,
		Currency:     order.Currency,
		TrackingCode: order.TrackingCode,
		PlacedAt:     order.CreatedAt.Format("2006-01-02"),
	})
}
