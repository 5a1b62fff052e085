package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var windowParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Window is a cron expression read as a set of minutes in which sending is
// allowed, e.g. "* 8-19 * * MON-SAT" for business hours.
type Window struct {
	expr  string
	sched cron.Schedule
	loc   *time.Location
}

// ParseWindow parses a 5-field cron expression evaluated in loc.
// A nil loc means UTC.
func ParseWindow(expr string, loc *time.Location) (*Window, error) {
	sched, err := windowParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("send window %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Window{expr: expr, sched: sched, loc: loc}, nil
}

// Open reports whether the minute containing t is inside the window.
func (w *Window) Open(t time.Time) bool {
	minute := t.In(w.loc).Truncate(time.Minute)
	return w.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// NextOpen returns the first minute after t inside the window.
func (w *Window) NextOpen(t time.Time) time.Time {
	return w.sched.Next(t.In(w.loc))
}

func (w *Window) String() string {
	if w == nil {
		return "always"
	}
	return w.expr
}
