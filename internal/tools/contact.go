package tools

import (
	"context"
	"errors"

	"github.com/KafClaw/salesclaw/internal/shipping"
	"github.com/KafClaw/salesclaw/internal/timeline"
)

// UpdateContactName is the registered name of UpdateContactTool.
const UpdateContactName = "update_contact"

// UpdateContactTool stores details the customer volunteers.
type UpdateContactTool struct {
	contacts ContactStore
}

func NewUpdateContactTool(contacts ContactStore) *UpdateContactTool {
	return &UpdateContactTool{contacts: contacts}
}

func (t *UpdateContactTool) Name() string { return UpdateContactName }
func (t *UpdateContactTool) Tier() int    { return TierWrite }

func (t *UpdateContactTool) Description() string {
	return "Save the customer's name, e-mail, city or postal code when they share it. Only send fields the customer actually stated."
}

func (t *UpdateContactTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":        map[string]any{"type": "string", "minLength": 1, "maxLength": 120},
			"email":       map[string]any{"type": "string", "pattern": `^[^@\s]+@[^@\s]+\.[^@\s]+$`},
			"city":        map[string]any{"type": "string", "minLength": 1, "maxLength": 120},
			"postal_code": map[string]any{"type": "string", "pattern": `^[0-9]{5}-?[0-9]{3}$`},
		},
		"minProperties":        1,
		"additionalProperties": false,
	}
}

func (t *UpdateContactTool) Execute(ctx context.Context, in Input, entity *Entity) Result {
	if res, ok := requireEntity(entity); !ok {
		return res
	}

	var upd timeline.ContactUpdate
	str := func(key string) *string {
		if !in.Has(key) {
			return nil
		}
		v := in.GetString(key, "")
		return &v
	}
	upd.Name = str("name")
	upd.Email = str("email")
	upd.City = str("city")
	if p := str("postal_code"); p != nil {
		norm, err := shipping.NormalizePostal(*p)
		if err != nil {
			return Fail(ReasonValidation, "%v", err)
		}
		upd.PostalCode = &norm
	}

	changed, err := t.contacts.UpdateContact(ctx, entity.Key, upd)
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		return Fail(ReasonEntityMissing, "contact record does not exist")
	case err != nil:
		return Fail(ReasonUpstream, "contact store unavailable")
	}
	return Success(map[string]any{"updated": changed}, "contact_updated")
}
