package rotation

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// fieldSpec is one parsed cron field: the set of valid values it matches.
type fieldSpec struct {
	values map[int]struct{}
}

func (f fieldSpec) matches(v int) bool {
	_, ok := f.values[v]
	return ok
}

// schedule is a parsed 5-field cron expression ("minute hour dom month dow"),
// implemented locally rather than importing robfig/cron: no repo in the
// retrieval pack depends on a cron-expression library, and spec §4.8 only
// needs "compute next_at from cron relative to last_at" — a pure function,
// not a running scheduler daemon.
type schedule struct {
	minute, hour, dom, month, dow fieldSpec
}

// ParseCron parses a standard 5-field cron expression.
func ParseCron(expr string) (*schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("rotation: cron expression %q: want 5 fields, got %d", expr, len(fields))
	}
	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("rotation: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("rotation: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("rotation: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("rotation: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("rotation: day-of-week field: %w", err)
	}
	return &schedule{minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

func parseField(field string, min, max int) (fieldSpec, error) {
	values := map[int]struct{}{}
	for _, part := range strings.Split(field, ",") {
		step := 1
		rangePart := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangePart = part[:idx]
			s, err := strconv.Atoi(part[idx+1:])
			if err != nil || s <= 0 {
				return fieldSpec{}, fmt.Errorf("invalid step in %q", part)
			}
			step = s
		}

		lo, hi := min, max
		switch {
		case rangePart == "*":
			// full range, already set
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			if len(bounds) != 2 {
				return fieldSpec{}, fmt.Errorf("invalid range %q", rangePart)
			}
			a, err := strconv.Atoi(bounds[0])
			if err != nil {
				return fieldSpec{}, fmt.Errorf("invalid range start %q", bounds[0])
			}
			b, err := strconv.Atoi(bounds[1])
			if err != nil {
				return fieldSpec{}, fmt.Errorf("invalid range end %q", bounds[1])
			}
			lo, hi = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return fieldSpec{}, fmt.Errorf("invalid value %q", rangePart)
			}
			lo, hi = v, v
		}

		if lo < min || hi > max || lo > hi {
			return fieldSpec{}, fmt.Errorf("value %q out of range [%d,%d]", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			values[v] = struct{}{}
		}
	}
	if len(values) == 0 {
		return fieldSpec{}, fmt.Errorf("empty field %q", field)
	}
	return fieldSpec{values: values}, nil
}

// maxSearchMinutes bounds Next's forward scan to roughly four years so a
// pathological expression (e.g. Feb 30, unsatisfiable dom+month) ends the
// scan instead of spinning forever; next then returns a far-future sentinel
// and Next reports no error.
const maxSearchMinutes = 4 * 366 * 24 * 60

// Next computes the first time strictly after from that satisfies expr,
// truncated to whole minutes (spec §4.8: "compute next_at from cron
// relative to last_at (or now)"). dom and dow combine with OR semantics
// when both are restricted, matching standard cron behavior.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.next(from), nil
}

func (s *schedule) next(from time.Time) time.Time {
	t := from.UTC().Truncate(time.Minute).Add(time.Minute)
	domRestricted := len(s.dom.values) < 31
	dowRestricted := len(s.dow.values) < 7

	for i := 0; i < maxSearchMinutes; i++ {
		if s.month.matches(int(t.Month())) && s.matchesDay(t, domRestricted, dowRestricted) &&
			s.hour.matches(t.Hour()) && s.minute.matches(t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	// Unsatisfiable expression (e.g. Feb 30): return a far-future sentinel
	// rather than hang; callers should treat this as effectively disabled.
	return from.UTC().AddDate(100, 0, 0)
}

func (s *schedule) matchesDay(t time.Time, domRestricted, dowRestricted bool) bool {
	domOK := s.dom.matches(t.Day())
	dowOK := s.dow.matches(int(t.Weekday()))
	switch {
	case domRestricted && dowRestricted:
		return domOK || dowOK
	case domRestricted:
		return domOK
	case dowRestricted:
		return dowOK
	default:
		return true
	}
}
