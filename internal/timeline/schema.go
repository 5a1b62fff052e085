package timeline

import (
	"time"
)

// TimelineEvent is a single span or interaction recorded for tracing.
type TimelineEvent struct {
	ID             int64     `json:"id"`
	EventID        string    `json:"event_id"`           // Unique ID (e.g. WhatsApp MessageID)
	TraceID        string    `json:"trace_id"`           // End-to-end trace identifier
	SpanID         string    `json:"span_id"`            // Span identifier (optional)
	ParentSpanID   string    `json:"parent_span_id"`     // Parent span (optional)
	Timestamp      time.Time `json:"timestamp"`          // When it happened
	SenderID       string    `json:"sender_id"`          // Entity key
	SenderName     string    `json:"sender_name"`        // Display name
	EventType      string    `json:"event_type"`         // TEXT, SYSTEM
	ContentText    string    `json:"content_text"`       // Text or span title
	Classification string    `json:"classification"`     // INBOUND, LLM, TOOL, OUTBOUND
	DurationMs     int64     `json:"duration_ms"`        // Span duration
	Metadata       string    `json:"metadata,omitempty"` // JSON blob for rich span detail
}

// Exchange is one durable conversation log entry: an inbound combined
// burst or an outbound final answer.
type Exchange struct {
	ID               int64     `json:"id"`
	ExchangeID       string    `json:"exchange_id"`
	TraceID          string    `json:"trace_id,omitempty"`
	Channel          string    `json:"channel"`
	EntityKey        string    `json:"entity_key"`
	Direction        string    `json:"direction"` // inbound, outbound
	Content          string    `json:"content"`
	PartsTotal       int       `json:"parts_total"`
	PartsSent        int       `json:"parts_sent"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	ToolsUsed        []string  `json:"tools_used,omitempty"`
	Status           string    `json:"status"`
	ErrorText        string    `json:"error_text,omitempty"`
	Metadata         string    `json:"metadata,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Contact is the persisted identity of a conversational entity.
type Contact struct {
	EntityKey  string    `json:"entity_key"`
	Channel    string    `json:"channel"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Email      string    `json:"email"`
	City       string    `json:"city"`
	PostalCode string    `json:"postal_code"`
	Escalated  bool      `json:"escalated"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ContactUpdate carries the fields a tool may change. Nil fields are kept.
type ContactUpdate struct {
	Name       *string
	Email      *string
	City       *string
	PostalCode *string
}

// Order is a prior purchase of a contact.
type Order struct {
	OrderID      string    `json:"order_id"`
	EntityKey    string    `json:"entity_key"`
	Status       string    `json:"status"`
	Items        string    `json:"items"`
	TotalCents   int64     `json:"total_cents"`
	Currency     string    `json:"currency"`
	TrackingCode string    `json:"tracking_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Handoff records a request to pass the conversation to a human.
type Handoff struct {
	HandoffID  string     `json:"handoff_id"`
	EntityKey  string     `json:"entity_key"`
	Channel    string     `json:"channel"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Followup is a proactive message scheduled for a contact.
type Followup struct {
	FollowupID string     `json:"followup_id"`
	EntityKey  string     `json:"entity_key"`
	Channel    string     `json:"channel"`
	Note       string     `json:"note"`
	DueAt      time.Time  `json:"due_at"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
}

const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"

	ExchangeStatusReceived   = "received"
	ExchangeStatusDelivered  = "delivered"
	ExchangeStatusPartial    = "partial"
	ExchangeStatusFailed     = "failed"
	ExchangeStatusAnswered   = "answered"
	ExchangeStatusSuppressed = "suppressed"

	HandoffOpen     = "open"
	HandoffResolved = "resolved"

	FollowupPending = "pending"
	FollowupSent    = "sent"
	FollowupFailed  = "failed"
)

// Schema is applied on every open; all statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS timeline (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE,
	trace_id TEXT,
	span_id TEXT,
	parent_span_id TEXT,
	timestamp DATETIME,
	sender_id TEXT,
	sender_name TEXT,
	event_type TEXT,
	content_text TEXT,
	classification TEXT,
	span_duration_ms INTEGER DEFAULT 0,
	metadata TEXT DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_timeline_timestamp ON timeline(timestamp);
CREATE INDEX IF NOT EXISTS idx_timeline_sender ON timeline(sender_id);
CREATE INDEX IF NOT EXISTS idx_timeline_trace ON timeline(trace_id);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS exchanges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	exchange_id TEXT UNIQUE NOT NULL,
	trace_id TEXT,
	channel TEXT NOT NULL,
	entity_key TEXT NOT NULL,
	direction TEXT NOT NULL,
	content TEXT,
	parts_total INTEGER NOT NULL DEFAULT 0,
	parts_sent INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	tools_used TEXT DEFAULT '[]',
	status TEXT NOT NULL,
	error_text TEXT,
	metadata TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_exchanges_entity ON exchanges(entity_key, created_at);
CREATE INDEX IF NOT EXISTS idx_exchanges_trace ON exchanges(trace_id);

CREATE TABLE IF NOT EXISTS contacts (
	entity_key TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	name TEXT DEFAULT '',
	phone TEXT DEFAULT '',
	email TEXT DEFAULT '',
	city TEXT DEFAULT '',
	postal_code TEXT DEFAULT '',
	escalated BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS orders (
	order_id TEXT PRIMARY KEY,
	entity_key TEXT NOT NULL,
	status TEXT NOT NULL,
	items TEXT DEFAULT '',
	total_cents INTEGER NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT 'BRL',
	tracking_code TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orders_entity ON orders(entity_key, created_at);

CREATE TABLE IF NOT EXISTS handoffs (
	handoff_id TEXT PRIMARY KEY,
	entity_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	reason TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_handoffs_entity ON handoffs(entity_key, status);

CREATE TABLE IF NOT EXISTS followups (
	followup_id TEXT PRIMARY KEY,
	entity_key TEXT NOT NULL,
	channel TEXT NOT NULL,
	note TEXT NOT NULL,
	due_at DATETIME NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	sent_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_followups_due ON followups(status, due_at);
`
