// Package shiftclock implements the shift window arithmetic used for
// production reporting.
//
// A plant day is split into two shifts by two configured wall-clock times
// (first = day shift start, second = night shift start). The night shift
// wraps across midnight: it ends at the day-shift start of the following
// calendar day.
package shiftclock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	LabelDay   = "Day ☀︎"
	LabelNight = "Night ☾"
)

// TimeOfDay is a wall-clock instant within a day (whole minutes).
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 }

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// Window is a derived [Start, End) reporting interval. Never persisted.
type Window struct {
	Start time.Time
	End   time.Time
	Label string
}

// Clock computes shift windows. The zero value is not usable; construct
// with New.
type Clock struct {
	first  TimeOfDay
	second TimeOfDay
	loc    *time.Location
}

// New builds a Clock from two "HH:MM" boundaries and a location.
// The first boundary must precede the second within the same day.
func New(firstShift, secondShift string, loc *time.Location) (Clock, error) {
	f, err := ParseTimeOfDay(firstShift)
	if err != nil {
		return Clock{}, fmt.Errorf("first shift: %w", err)
	}
	s, err := ParseTimeOfDay(secondShift)
	if err != nil {
		return Clock{}, fmt.Errorf("second shift: %w", err)
	}
	if f.seconds() >= s.seconds() {
		return Clock{}, fmt.Errorf("first shift %s must start before second shift %s", f, s)
	}
	if loc == nil {
		loc = time.Local
	}
	return Clock{first: f, second: s, loc: loc}, nil
}

// Boundaries returns the configured day/night start times.
func (c Clock) Boundaries() (first, second TimeOfDay) { return c.first, c.second }

// Location returns the clock's time zone.
func (c Clock) Location() *time.Location { return c.loc }

// Compute classifies "now" into a shift and returns that shift's window.
//
// lookback shifts "now" backward before classification, so a job firing
// just after a boundary still reports the shift that just ended. With
// previous=true the lookback is ignored and the window of the shift
// preceding the classified one is returned instead (manual report of an
// already completed shift).
//
// The boundary instant belongs to the starting shift: start is inclusive,
// end is exclusive.
func (c Clock) Compute(now time.Time, lookback time.Duration, previous bool) Window {
	if previous {
		lookback = 0
	}
	t := now.In(c.loc).Add(-lookback)
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()

	if c.first.seconds() <= sec && sec < c.second.seconds() {
		if !previous {
			return Window{
				Start: c.at(t, c.first),
				End:   c.at(t, c.second),
				Label: LabelDay,
			}
		}
		return Window{
			Start: c.at(t, c.second).AddDate(0, 0, -1),
			End:   c.at(t, c.first),
			Label: LabelNight,
		}
	}

	if !previous {
		start := c.at(t, c.second)
		if sec < c.first.seconds() {
			start = start.AddDate(0, 0, -1)
		}
		return Window{
			Start: start,
			End:   c.at(start, c.first).AddDate(0, 0, 1),
			Label: LabelNight,
		}
	}
	end := c.at(t, c.second)
	if sec < c.first.seconds() {
		end = end.AddDate(0, 0, -1)
	}
	return Window{
		Start: c.at(end, c.first),
		End:   end,
		Label: LabelDay,
	}
}

func (c Clock) at(day time.Time, tod TimeOfDay) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, c.loc)
}
