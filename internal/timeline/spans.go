package timeline

import (
	"strings"
	"time"
)

// AddEvent records one span. A zero Timestamp is stamped with now.
func (s *TimelineService) AddEvent(evt *TimelineEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO timeline (event_id, trace_id, span_id, parent_span_id, timestamp, sender_id, sender_name,
			event_type, content_text, classification, span_duration_ms, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.TraceID, evt.SpanID, evt.ParentSpanID, evt.Timestamp, evt.SenderID, evt.SenderName,
		evt.EventType, evt.ContentText, evt.Classification, evt.DurationMs, evt.Metadata,
	)
	return err
}

// FilterArgs narrows GetEvents. Zero fields match everything.
type FilterArgs struct {
	SenderID       string
	TraceID        string
	Classification string
	Limit          int
	Offset         int
	StartDate      *time.Time
	EndDate        *time.Time
}

func (f FilterArgs) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.SenderID != "" {
		add("sender_id = ?", f.SenderID)
	}
	if f.TraceID != "" {
		add("trace_id = ?", f.TraceID)
	}
	if f.Classification != "" {
		add("classification = ?", f.Classification)
	}
	if f.StartDate != nil {
		add("timestamp >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		add("timestamp <= ?", *f.EndDate)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// GetEvents returns matching spans, newest first.
func (s *TimelineService) GetEvents(filter FilterArgs) ([]TimelineEvent, error) {
	where, args := filter.where()
	query := `SELECT id, COALESCE(event_id,''), COALESCE(trace_id,''), COALESCE(span_id,''), COALESCE(parent_span_id,''),
		timestamp, COALESCE(sender_id,''), COALESCE(sender_name,''), COALESCE(event_type,''), COALESCE(content_text,''),
		COALESCE(classification,''), COALESCE(span_duration_ms,0), COALESCE(metadata,'')
	FROM timeline` + where + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TimelineEvent
	for rows.Next() {
		var e TimelineEvent
		if err := rows.Scan(&e.ID, &e.EventID, &e.TraceID, &e.SpanID, &e.ParentSpanID,
			&e.Timestamp, &e.SenderID, &e.SenderName, &e.EventType, &e.ContentText,
			&e.Classification, &e.DurationMs, &e.Metadata); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
