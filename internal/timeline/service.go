// Package timeline is the sqlite-backed durable store: the conversation
// exchange log, contacts and orders, handoffs, follow-ups and trace spans.
package timeline

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const silentModeKey = "silent_mode"

// upgrades run after Schema on every open. Failures are ignored: a column
// that already exists is the common case.
var upgrades = []string{
	`ALTER TABLE timeline ADD COLUMN span_duration_ms INTEGER DEFAULT 0`,
	// Silent until an operator turns it off.
	`INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES ('` + silentModeKey + `', 'true', datetime('now'))`,
}

// TimelineService owns the sqlite handle. All methods are safe for
// concurrent use.
type TimelineService struct {
	db *sql.DB
}

var pragmas = []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"}

func dsn(path string) string {
	return "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// NewTimelineService opens (or creates) the database at dbPath and brings
// the schema up to date.
func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range upgrades {
		_, _ = db.Exec(stmt)
	}
	return &TimelineService{db: db}, nil
}

func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error { return s.db.Close() }

// GetSetting returns the stored value for key, or ErrNotFound.
func (s *TimelineService) GetSetting(key string) (string, error) {
	var val string
	if err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val); err != nil {
		return "", notFound("setting "+key, err)
	}
	return val, nil
}

func (s *TimelineService) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value)
	return err
}

// IsSilentMode reports whether outbound sends are suppressed. Anything
// other than a parseable false counts as silent.
func (s *TimelineService) IsSilentMode() bool {
	val, err := s.GetSetting(silentModeKey)
	if err != nil {
		return true
	}
	on, err := strconv.ParseBool(val)
	return err != nil || on
}

func newID(prefix string) string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return prefix + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return prefix + hex.EncodeToString(b[:])
}

func notFound(what string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
