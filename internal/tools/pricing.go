package tools

import (
	"context"
	"errors"

	"github.com/KafClaw/salesclaw/internal/catalog"
)

// PriceTool quotes catalog prices.
type PriceTool struct {
	catalog *catalog.Catalog
}

func NewPriceTool(c *catalog.Catalog) *PriceTool {
	return &PriceTool{catalog: c}
}

func (t *PriceTool) Name() string { return "get_price" }
func (t *PriceTool) Tier() int    { return TierReadOnly }

func (t *PriceTool) Description() string {
	return "Quote the price of a catalog product. Area-priced products (windows, doors, glass) need width_cm and height_cm; ask the customer for them when unknown."
}

func (t *PriceTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"product": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Product name, alias or SKU as the customer described it",
			},
			"width_cm": map[string]any{
				"type":             "number",
				"exclusiveMinimum": 0,
				"description":      "Width in centimeters",
			},
			"height_cm": map[string]any{
				"type":             "number",
				"exclusiveMinimum": 0,
				"description":      "Height in centimeters",
			},
			"quantity": map[string]any{
				"type":    "integer",
				"minimum": 1,
				"maximum": 500,
			},
		},
		"required": []string{"product"},
	}
}

func (t *PriceTool) Execute(ctx context.Context, in Input, _ *Entity) Result {
	product, err := t.catalog.Find(in.GetString("product", ""))
	if err != nil {
		return Fail(ReasonNotFound, "no product matches %q", in.GetString("product", ""))
	}
	quote, err := t.catalog.Price(product, in.GetFloat("width_cm", 0), in.GetFloat("height_cm", 0), in.GetInt("quantity", 1))
	switch {
	case errors.Is(err, catalog.ErrDimensionsRequired):
		return Fail(ReasonMissingField, "%s is priced per square meter; width_cm and height_cm are required", product.Name)
	case err != nil:
		return Fail(ReasonValidation, "%v", err)
	}
	return Success(quote)
}
