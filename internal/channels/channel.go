// Package channels holds the customer-facing transports (WhatsApp, the
// marketplace pre-sale endpoint) and the Slack handoff notifier.
package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/KafClaw/salesclaw/internal/timeline"
)

// SettingsStore is the runtime settings and event log a channel reads and
// writes. *timeline.TimelineService implements it.
type SettingsStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	IsSilentMode() bool
	AddEvent(evt *timeline.TimelineEvent) error
}

// ParseList reads a list setting stored either as a JSON array or as a
// comma or newline separated string. Blank and duplicate entries are dropped.
func ParseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var list []string
	if json.Unmarshal([]byte(raw), &list) != nil {
		list = strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == '\n' || r == '\r' })
	}
	seen := map[string]bool{}
	var out []string
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// FormatList is the inverse of ParseList.
func FormatList(list []string) string {
	data, err := json.Marshal(ParseList(strings.Join(list, "\n")))
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}

// ListStore reads and writes list settings.
type ListStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// PhoneLists are the settings holding the WhatsApp allow and deny lists.
var PhoneLists = map[string]string{
	"allow": SettingAllowlist,
	"deny":  SettingDenylist,
}

// EditPhoneList adds numbers to the list stored under key, or removes them,
// and returns the stored result. Numbers are reduced to digits. A missing
// setting is an empty list.
func EditPhoneList(store ListStore, key string, numbers []string, remove bool) ([]string, error) {
	raw, err := store.GetSetting(key)
	if err != nil && !errors.Is(err, timeline.ErrNotFound) {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	list := ParseList(raw)
	for _, n := range numbers {
		phone := normalizePhone(n)
		if phone == "" {
			return nil, fmt.Errorf("invalid phone number %q", n)
		}
		if remove {
			list = slices.DeleteFunc(list, func(v string) bool { return normalizePhone(v) == phone })
		} else {
			list = append(list, phone)
		}
	}
	value := FormatList(list)
	if err := store.SetSetting(key, value); err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}
	return ParseList(value), nil
}

// waLogger routes whatsmeow logging into slog.
type waLogger struct {
	log *slog.Logger
}

func newWALogger(module string) waLog.Logger {
	return waLogger{log: slog.With("module", module)}
}

func (l waLogger) Debugf(msg string, args ...any) { l.log.Debug(fmt.Sprintf(msg, args...)) }
func (l waLogger) Infof(msg string, args ...any)  { l.log.Info(fmt.Sprintf(msg, args...)) }
func (l waLogger) Warnf(msg string, args ...any)  { l.log.Warn(fmt.Sprintf(msg, args...)) }
func (l waLogger) Errorf(msg string, args ...any) { l.log.Error(fmt.Sprintf(msg, args...)) }

func (l waLogger) Sub(module string) waLog.Logger {
	return waLogger{log: l.log.With("sub", module)}
}
