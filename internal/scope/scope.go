// Package scope resolves the temporal scope of a run: an optional rebuild
// target (a year, month or day), an optional intraday window and the
// timezone offset applied to log timestamps.
package scope

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidFormat is returned for malformed build dates, times and offsets.
var ErrInvalidFormat = errors.New("invalid format")

var (
	buildDatePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)
	clockPattern     = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)
	offsetPattern    = regexp.MustCompile(`^([+-]?)(\d{1,2})$`)
)

const (
	minOffsetHours = -12
	maxOffsetHours = 14
	lastMinute     = 23*60 + 59
)

// Granularity is the resolution of a rebuild target.
type Granularity int

const (
	GranularityNone Granularity = iota
	GranularityYear
	GranularityMonth
	GranularityDay
)

func (g Granularity) String() string {
	switch g {
	case GranularityYear:
		return "year"
	case GranularityMonth:
		return "month"
	case GranularityDay:
		return "day"
	default:
		return "none"
	}
}

// Params are the raw, unvalidated inputs of a run.
type Params struct {
	Rebuild   bool
	BuildDate string
	Start     string
	Stop      string
	Timezone  string
}

// Scope is the resolved temporal scope. The zero value means "incremental,
// no filtering".
type Scope struct {
	rebuild     bool
	target      string
	granularity Granularity
	from, to    time.Time

	hasStart, hasStop bool
	start, stop       int // minutes since midnight

	offset int // hours
}

// Resolve validates p and returns the immutable Scope it describes.
func Resolve(p Params) (Scope, error) {
	s := Scope{rebuild: p.Rebuild}

	if p.BuildDate != "" {
		from, to, g, err := parseBuildDate(p.BuildDate)
		if err != nil {
			return Scope{}, err
		}
		s.rebuild = true
		s.target = p.BuildDate
		s.granularity = g
		s.from, s.to = from, to
	}

	if p.Start != "" {
		m, err := parseClock("start", p.Start)
		if err != nil {
			return Scope{}, err
		}
		s.hasStart, s.start = true, m
	}
	if p.Stop != "" {
		m, err := parseClock("stop", p.Stop)
		if err != nil {
			return Scope{}, err
		}
		s.hasStop, s.stop = true, m
	}

	if p.Timezone != "" {
		h, err := ParseOffset(p.Timezone)
		if err != nil {
			return Scope{}, err
		}
		s.offset = h
	}

	return s, nil
}

func parseBuildDate(v string) (time.Time, time.Time, Granularity, error) {
	invalid := fmt.Errorf("%w: build date %q must be YYYY, YYYY-MM or YYYY-MM-DD", ErrInvalidFormat, v)
	if !buildDatePattern.MatchString(v) {
		return time.Time{}, time.Time{}, GranularityNone, invalid
	}

	var (
		layout string
		g      Granularity
	)
	switch len(v) {
	case 4:
		layout, g = "2006", GranularityYear
	case 7:
		layout, g = "2006-01", GranularityMonth
	default:
		layout, g = "2006-01-02", GranularityDay
	}

	from, err := time.Parse(layout, v)
	if err != nil {
		return time.Time{}, time.Time{}, GranularityNone, invalid
	}

	var to time.Time
	switch g {
	case GranularityYear:
		to = from.AddDate(1, 0, 0)
	case GranularityMonth:
		to = from.AddDate(0, 1, 0)
	default:
		to = from.AddDate(0, 0, 1)
	}
	return from, to, g, nil
}

func parseClock(name, v string) (int, error) {
	m := clockPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("%w: %s time %q must be HH:MM (00:00-23:59)", ErrInvalidFormat, name, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return hh*60 + mm, nil
}

// ParseOffset parses a ±HH timezone offset into hours.
func ParseOffset(v string) (int, error) {
	m := offsetPattern.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("%w: timezone %q must be ±HH", ErrInvalidFormat, v)
	}
	h, _ := strconv.Atoi(m[2])
	if m[1] == "-" {
		h = -h
	}
	if h < minOffsetHours || h > maxOffsetHours {
		return 0, fmt.Errorf("%w: timezone %q out of range [%d,+%d]", ErrInvalidFormat, v, minOffsetHours, maxOffsetHours)
	}
	return h, nil
}

// Rebuild reports whether the run re-derives statistics instead of tailing.
func (s Scope) Rebuild() bool { return s.rebuild }

// Target is the raw build date, empty when none was given.
func (s Scope) Target() string { return s.target }

// Granularity is the resolution of the rebuild target, GranularityNone when
// there is no target.
func (s Scope) Granularity() Granularity { return s.granularity }

// Offset is the timezone adjustment in hours.
func (s Scope) Offset() int { return s.offset }

// Range returns the half-open interval [from, to) covered by the rebuild
// target. ok is false when there is no target.
func (s Scope) Range() (from, to time.Time, ok bool) {
	if s.granularity == GranularityNone {
		return time.Time{}, time.Time{}, false
	}
	return s.from, s.to, true
}

// HasWindow reports whether an intraday filter is configured.
func (s Scope) HasWindow() bool { return s.hasStart || s.hasStop }

// Window returns the intraday filter as HH:MM strings.
func (s Scope) Window() (start, stop string) {
	lo, hi := s.bounds()
	return formatClock(lo), formatClock(hi)
}

func (s Scope) bounds() (int, int) {
	lo, hi := 0, lastMinute
	if s.hasStart {
		lo = s.start
	}
	if s.hasStop {
		hi = s.stop
	}
	return lo, hi
}

func formatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Adjust converts a log timestamp to UTC and applies the timezone offset.
// Every other query method expects adjusted times.
func (s Scope) Adjust(t time.Time) time.Time {
	return t.UTC().Add(time.Duration(s.offset) * time.Hour)
}

// InWindow reports whether the time of day of t falls in the intraday window.
// A window whose start is after its stop wraps midnight.
func (s Scope) InWindow(t time.Time) bool {
	if !s.HasWindow() {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	lo, hi := s.bounds()
	if lo <= hi {
		return m >= lo && m <= hi
	}
	return m >= lo || m <= hi
}

// InTarget reports whether t falls inside the rebuild target, or true when
// there is none.
func (s Scope) InTarget(t time.Time) bool {
	from, to, ok := s.Range()
	if !ok {
		return true
	}
	return !t.Before(from) && t.Before(to)
}

// Contains combines InTarget and InWindow.
func (s Scope) Contains(t time.Time) bool {
	return s.InTarget(t) && s.InWindow(t)
}

// Label names the scope for reports and logs.
func (s Scope) Label() string {
	if s.target != "" {
		return s.target
	}
	return "all"
}

func (s Scope) String() string {
	mode := "incremental"
	if s.rebuild {
		mode = "rebuild"
	}
	out := fmt.Sprintf("%s target=%s", mode, s.Label())
	if s.HasWindow() {
		lo, hi := s.Window()
		out += fmt.Sprintf(" window=%s-%s", lo, hi)
	}
	if s.offset != 0 {
		out += fmt.Sprintf(" tz=%+d", s.offset)
	}
	return out
}
