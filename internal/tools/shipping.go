package tools

import (
	"context"
	"errors"

	"github.com/KafClaw/salesclaw/internal/shipping"
)

// ShippingQuoteTool quotes freight to a postal code.
type ShippingQuoteTool struct {
	quoter shipping.Quoter
	origin string
}

func NewShippingQuoteTool(q shipping.Quoter, originPostal string) *ShippingQuoteTool {
	return &ShippingQuoteTool{quoter: q, origin: originPostal}
}

func (t *ShippingQuoteTool) Name() string { return "quote_shipping" }
func (t *ShippingQuoteTool) Tier() int    { return TierReadOnly }

func (t *ShippingQuoteTool) Description() string {
	return "Quote shipping options and delivery time to a Brazilian postal code (CEP). Use the weight_kg from get_price when available."
}

func (t *ShippingQuoteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"postal_code": map[string]any{
				"type":        "string",
				"pattern":     `^[0-9]{5}-?[0-9]{3}$`,
				"description": "Destination CEP, 8 digits",
			},
			"weight_kg": map[string]any{
				"type":    "number",
				"minimum": 0,
			},
		},
		"required": []string{"postal_code"},
	}
}

func (t *ShippingQuoteTool) Execute(ctx context.Context, in Input, _ *Entity) Result {
	dest, err := shipping.NormalizePostal(in.GetString("postal_code", ""))
	if err != nil {
		return Fail(ReasonValidation, "%v", err)
	}
	opts, err := t.quoter.Quote(ctx, shipping.Request{
		OriginPostal: t.origin,
		DestPostal:   dest,
		WeightKg:     in.GetFloat("weight_kg", 1),
	})
	switch {
	case errors.Is(err, shipping.ErrUnavailable):
		return Fail(ReasonUpstream, "shipping quotes are temporarily unavailable")
	case err != nil:
		return Fail(ReasonValidation, "%v", err)
	}
	if len(opts) == 0 {
		return Fail(ReasonNotFound, "no carrier serves %s", dest)
	}
	return Success(map[string]any{"postal_code": dest, "options": opts})
}
