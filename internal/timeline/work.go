package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OpenHandoff records a handoff request and flags the contact as escalated
// in one transaction.
func (s *TimelineService) OpenHandoff(ctx context.Context, h *Handoff) error {
	if h.HandoffID == "" {
		h.HandoffID = newID("ho_")
	}
	h.Status = HandoffOpen
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("open handoff: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE contacts SET escalated = 1, updated_at = datetime('now') WHERE entity_key = ?`, h.EntityKey)
	if err != nil {
		return fmt.Errorf("open handoff: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("open handoff for %s: %w", h.EntityKey, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO handoffs (handoff_id, entity_key, channel, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, h.HandoffID, h.EntityKey, h.Channel, h.Reason, h.Status, h.CreatedAt); err != nil {
		return fmt.Errorf("open handoff: %w", err)
	}
	return tx.Commit()
}

// ResolveHandoff closes a handoff and clears the contact's escalation.
func (s *TimelineService) ResolveHandoff(ctx context.Context, handoffID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve handoff: %w", err)
	}
	defer tx.Rollback()

	var entityKey string
	if err := tx.QueryRowContext(ctx, `SELECT entity_key FROM handoffs WHERE handoff_id = ?`, handoffID).Scan(&entityKey); err != nil {
		return notFound("resolve handoff "+handoffID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE handoffs SET status = ?, resolved_at = ? WHERE handoff_id = ?`,
		HandoffResolved, time.Now().UTC(), handoffID); err != nil {
		return fmt.Errorf("resolve handoff: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE contacts SET escalated = 0, updated_at = datetime('now') WHERE entity_key = ?`, entityKey); err != nil {
		return fmt.Errorf("resolve handoff: %w", err)
	}
	return tx.Commit()
}

// ListOpenHandoffs returns unresolved handoffs, oldest first.
func (s *TimelineService) ListOpenHandoffs(ctx context.Context) ([]Handoff, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handoff_id, entity_key, channel, COALESCE(reason,''), status, created_at, resolved_at
	FROM handoffs WHERE status = ? ORDER BY created_at ASC`, HandoffOpen)
	if err != nil {
		return nil, fmt.Errorf("list handoffs: %w", err)
	}
	defer rows.Close()

	var out []Handoff
	for rows.Next() {
		var h Handoff
		var resolved sql.NullTime
		if err := rows.Scan(&h.HandoffID, &h.EntityKey, &h.Channel, &h.Reason, &h.Status, &h.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		if resolved.Valid {
			h.ResolvedAt = &resolved.Time
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CreateFollowup schedules a follow-up. Times are stored in UTC so due
// comparisons stay lexically ordered.
func (s *TimelineService) CreateFollowup(ctx context.Context, f *Followup) error {
	if f.FollowupID == "" {
		f.FollowupID = newID("fu_")
	}
	f.Status = FollowupPending
	f.DueAt = f.DueAt.UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO followups (followup_id, entity_key, channel, note, due_at, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, f.FollowupID, f.EntityKey, f.Channel, f.Note, f.DueAt, f.Status, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("create followup: %w", err)
	}
	return nil
}

// ListDueFollowups returns pending follow-ups due at or before now.
func (s *TimelineService) ListDueFollowups(ctx context.Context, now time.Time, limit int) ([]Followup, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT followup_id, entity_key, channel, note, due_at, status, attempts,
		COALESCE(last_error,''), created_at, sent_at
	FROM followups WHERE status = ? AND due_at <= ? ORDER BY due_at ASC LIMIT ?`, FollowupPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due followups: %w", err)
	}
	defer rows.Close()

	var out []Followup
	for rows.Next() {
		var f Followup
		var sent sql.NullTime
		if err := rows.Scan(&f.FollowupID, &f.EntityKey, &f.Channel, &f.Note, &f.DueAt, &f.Status, &f.Attempts,
			&f.LastError, &f.CreatedAt, &sent); err != nil {
			return nil, err
		}
		if sent.Valid {
			f.SentAt = &sent.Time
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFollowup records the outcome of a delivery attempt. A failed attempt
// stays pending until maxAttempts is reached.
func (s *TimelineService) MarkFollowup(ctx context.Context, followupID string, sendErr error, maxAttempts int) error {
	if sendErr == nil {
		_, err := s.db.ExecContext(ctx, `UPDATE followups SET status = ?, attempts = attempts + 1, last_error = '', sent_at = ?
			WHERE followup_id = ?`, FollowupSent, time.Now().UTC(), followupID)
		if err != nil {
			return fmt.Errorf("mark followup: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE followups SET attempts = attempts + 1, last_error = ?,
		status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		WHERE followup_id = ?`, sendErr.Error(), maxAttempts, FollowupFailed, followupID)
	if err != nil {
		return fmt.Errorf("mark followup: %w", err)
	}
	return nil
}

// DeferFollowup moves a pending follow-up to a later due time.
func (s *TimelineService) DeferFollowup(ctx context.Context, followupID string, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE followups SET due_at = ? WHERE followup_id = ? AND status = ?`,
		dueAt.UTC(), followupID, FollowupPending)
	if err != nil {
		return fmt.Errorf("defer followup: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
