package timeline

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EnsureContact returns the contact for entityKey, creating an empty one on
// first contact. A non-empty name or phone fills blanks on an existing row.
func (s *TimelineService) EnsureContact(ctx context.Context, entityKey, channel, name, phone string) (*Contact, error) {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO contacts (entity_key, channel, name, phone, created_at, updated_at)
	VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))
	ON CONFLICT(entity_key) DO UPDATE SET
		name = CASE WHEN contacts.name = '' THEN excluded.name ELSE contacts.name END,
		phone = CASE WHEN contacts.phone = '' THEN excluded.phone ELSE contacts.phone END`,
		entityKey, channel, name, phone)
	if err != nil {
		return nil, fmt.Errorf("ensure contact: %w", err)
	}
	return s.GetContact(ctx, entityKey)
}

// GetContact returns the contact for entityKey or ErrNotFound.
func (s *TimelineService) GetContact(ctx context.Context, entityKey string) (*Contact, error) {
	var c Contact
	err := s.db.QueryRowContext(ctx, `SELECT entity_key, channel, COALESCE(name,''), COALESCE(phone,''),
		COALESCE(email,''), COALESCE(city,''), COALESCE(postal_code,''), escalated, created_at, updated_at
	FROM contacts WHERE entity_key = ?`, entityKey).Scan(
		&c.EntityKey, &c.Channel, &c.Name, &c.Phone, &c.Email, &c.City, &c.PostalCode,
		&c.Escalated, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFound("get contact "+entityKey, err)
	}
	return &c, nil
}

// UpdateContact applies the non-nil fields of upd and returns the names of
// the columns it changed.
func (s *TimelineService) UpdateContact(ctx context.Context, entityKey string, upd ContactUpdate) ([]string, error) {
	sets := []string{}
	args := []interface{}{}
	changed := []string{}
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		sets = append(sets, col+" = ?")
		args = append(args, strings.TrimSpace(*v))
		changed = append(changed, col)
	}
	add("name", upd.Name)
	add("email", upd.Email)
	add("city", upd.City)
	add("postal_code", upd.PostalCode)
	if len(sets) == 0 {
		return nil, nil
	}
	sets = append(sets, "updated_at = datetime('now')")
	args = append(args, entityKey)

	res, err := s.db.ExecContext(ctx, "UPDATE contacts SET "+strings.Join(sets, ", ")+" WHERE entity_key = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("update contact %s: %w", entityKey, ErrNotFound)
	}
	return changed, nil
}

// SetEscalated flags or clears human handoff for a contact.
func (s *TimelineService) SetEscalated(ctx context.Context, entityKey string, escalated bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE contacts SET escalated = ?, updated_at = datetime('now') WHERE entity_key = ?`, escalated, entityKey)
	if err != nil {
		return fmt.Errorf("set escalated: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set escalated %s: %w", entityKey, ErrNotFound)
	}
	return nil
}

// UpsertOrder inserts or replaces an order.
func (s *TimelineService) UpsertOrder(ctx context.Context, o *Order) error {
	if o.OrderID == "" {
		o.OrderID = newID("ord_")
	}
	if o.Currency == "" {
		o.Currency = "BRL"
	}
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO orders (order_id, entity_key, status, items, total_cents, currency, tracking_code, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(order_id) DO UPDATE SET
		status = excluded.status, items = excluded.items, total_cents = excluded.total_cents,
		currency = excluded.currency, tracking_code = excluded.tracking_code, updated_at = excluded.updated_at`,
		o.OrderID, o.EntityKey, o.Status, o.Items, o.TotalCents, o.Currency, o.TrackingCode, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// GetOrder returns an order by id or ErrNotFound.
func (s *TimelineService) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := s.db.QueryRowContext(ctx, `SELECT order_id, entity_key, status, COALESCE(items,''), total_cents, currency,
		COALESCE(tracking_code,''), created_at, updated_at FROM orders WHERE order_id = ?`, orderID).Scan(
		&o.OrderID, &o.EntityKey, &o.Status, &o.Items, &o.TotalCents, &o.Currency, &o.TrackingCode, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, notFound("get order "+orderID, err)
	}
	return &o, nil
}

// ListOrders returns the entity's orders, newest first.
func (s *TimelineService) ListOrders(ctx context.Context, entityKey string, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `SELECT order_id, entity_key, status, COALESCE(items,''), total_cents, currency,
		COALESCE(tracking_code,''), created_at, updated_at
	FROM orders WHERE entity_key = ? ORDER BY created_at DESC LIMIT ?`, entityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.OrderID, &o.EntityKey, &o.Status, &o.Items, &o.TotalCents, &o.Currency,
			&o.TrackingCode, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
