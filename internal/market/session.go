package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock HH:MM.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(raw string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("time %q must be HH:MM", raw)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("time %q has invalid hour", raw)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("time %q has invalid minute", raw)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

// Session is a market's regular trading window.
type Session struct {
	Location *time.Location
	Open     TimeOfDay
	Close    TimeOfDay
}

// DefaultSession returns the regular session of m.
func DefaultSession(m Market) Session {
	if m == US {
		return Session{Location: mustLoad("America/New_York"), Open: TimeOfDay{9, 30}, Close: TimeOfDay{16, 0}}
	}
	return Session{Location: mustLoad("Asia/Seoul"), Open: TimeOfDay{9, 0}, Close: TimeOfDay{15, 30}}
}

// IsWeekday reports whether t falls on Monday..Friday in the session's zone.
func (s Session) IsWeekday(t time.Time) bool {
	wd := t.In(s.Location).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// WithinHours reports whether t is inside [Open, Close] local time, inclusive.
func (s Session) WithinHours(t time.Time) bool {
	local := t.In(s.Location)
	now := local.Hour()*60 + local.Minute()
	return now >= s.Open.minutes() && now <= s.Close.minutes()
}

// Today returns the session-local date of t.
func (s Session) Today(t time.Time) time.Time {
	local := t.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
}

func mustLoad(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}
