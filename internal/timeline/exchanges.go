package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AppendExchange writes one durable log entry. ExchangeID is generated if empty.
func (s *TimelineService) AppendExchange(ctx context.Context, ex *Exchange) error {
	if ex.ExchangeID == "" {
		ex.ExchangeID = newID("ex_")
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	if ex.Status == "" {
		ex.Status = ExchangeStatusReceived
	}
	tools, err := json.Marshal(ex.ToolsUsed)
	if err != nil {
		return fmt.Errorf("encode tools used: %w", err)
	}
	if ex.ToolsUsed == nil {
		tools = []byte("[]")
	}

	result, err := s.db.ExecContext(ctx, `
	INSERT INTO exchanges (exchange_id, trace_id, channel, entity_key, direction, content, parts_total, parts_sent,
		prompt_tokens, completion_tokens, tools_used, status, error_text, metadata, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ExchangeID,
		ex.TraceID,
		ex.Channel,
		ex.EntityKey,
		ex.Direction,
		ex.Content,
		ex.PartsTotal,
		ex.PartsSent,
		ex.PromptTokens,
		ex.CompletionTokens,
		string(tools),
		ex.Status,
		ex.ErrorText,
		ex.Metadata,
		ex.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	ex.ID, _ = result.LastInsertId()
	return nil
}

// ExchangeFilter narrows ListExchanges.
type ExchangeFilter struct {
	EntityKey string
	TraceID   string
	Direction string
	Limit     int
}

// ListExchanges returns exchanges oldest first.
func (s *TimelineService) ListExchanges(ctx context.Context, filter ExchangeFilter) ([]Exchange, error) {
	query := `SELECT id, exchange_id, COALESCE(trace_id,''), channel, entity_key, direction, COALESCE(content,''),
		parts_total, parts_sent, prompt_tokens, completion_tokens, COALESCE(tools_used,'[]'), status,
		COALESCE(error_text,''), COALESCE(metadata,''), created_at
	FROM exchanges WHERE 1=1`
	args := []interface{}{}
	if filter.EntityKey != "" {
		query += " AND entity_key = ?"
		args = append(args, filter.EntityKey)
	}
	if filter.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, filter.TraceID)
	}
	if filter.Direction != "" {
		query += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list exchanges: %w", err)
	}
	defer rows.Close()
	return scanExchanges(rows)
}

func scanExchanges(rows *sql.Rows) ([]Exchange, error) {
	var out []Exchange
	for rows.Next() {
		var ex Exchange
		var tools string
		err := rows.Scan(
			&ex.ID, &ex.ExchangeID, &ex.TraceID, &ex.Channel, &ex.EntityKey, &ex.Direction, &ex.Content,
			&ex.PartsTotal, &ex.PartsSent, &ex.PromptTokens, &ex.CompletionTokens, &tools, &ex.Status,
			&ex.ErrorText, &ex.Metadata, &ex.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if tools != "" {
			_ = json.Unmarshal([]byte(tools), &ex.ToolsUsed)
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}
