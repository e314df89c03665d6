package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultExpression fires every day at 01:00:00
const DefaultExpression = "0 0 1 * * ?"

type bounds struct {
	name     string
	min, max int
	names    map[string]int
}

var (
	seconds = bounds{name: "second", min: 0, max: 59}
	minutes = bounds{name: "minute", min: 0, max: 59}
	hours   = bounds{name: "hour", min: 0, max: 23}
	dom     = bounds{name: "day of month", min: 1, max: 31}
	months  = bounds{name: "month", min: 1, max: 12, names: map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}}
	// 7 is accepted as Sunday and folded onto 0
	dow = bounds{name: "day of week", min: 0, max: 7, names: map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}}
)

var descriptors = map[string]string{
	"@yearly":   "0 0 0 1 1 ?",
	"@annually": "0 0 0 1 1 ?",
	"@monthly":  "0 0 0 1 * ?",
	"@weekly":   "0 0 0 ? * 0",
	"@daily":    "0 0 0 * * ?",
	"@midnight": "0 0 0 * * ?",
	"@hourly":   "0 0 * * * ?",
}

// Schedule is a parsed six field cron expression: second minute hour day-of-month month day-of-week
type Schedule struct {
	expr    string
	second  uint64
	minute  uint64
	hour    uint64
	day     uint64
	month   uint64
	weekday uint64

	dayRestricted     bool
	weekdayRestricted bool
}

// Parse parses a six field cron expression or one of the @ descriptors.
// Fields accept *, ?, numbers, names, lists, ranges and steps.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	fieldExpr := expr
	if strings.HasPrefix(expr, "@") {
		d, ok := descriptors[strings.ToLower(expr)]
		if !ok {
			return nil, fmt.Errorf("unknown cron descriptor %q", expr)
		}
		fieldExpr = d
	}

	fields := strings.Fields(fieldExpr)
	if len(fields) != 6 {
		return nil, fmt.Errorf("cron expression must contain exactly 6 fields, got %d in %q", len(fields), expr)
	}

	s := &Schedule{expr: expr}
	var err error
	if s.second, _, err = parseField(fields[0], seconds); err != nil {
		return nil, err
	}
	if s.minute, _, err = parseField(fields[1], minutes); err != nil {
		return nil, err
	}
	if s.hour, _, err = parseField(fields[2], hours); err != nil {
		return nil, err
	}
	if s.day, s.dayRestricted, err = parseField(fields[3], dom); err != nil {
		return nil, err
	}
	if s.month, _, err = parseField(fields[4], months); err != nil {
		return nil, err
	}
	if s.weekday, s.weekdayRestricted, err = parseField(fields[5], dow); err != nil {
		return nil, err
	}
	if s.weekday&(1<<7) != 0 {
		s.weekday = s.weekday&^(1<<7) | 1
	}
	return s, nil
}

// String returns the expression the schedule was parsed from
func (s *Schedule) String() string {
	return s.expr
}

// parseField returns the bit set of matching values and whether the field restricts anything
func parseField(field string, b bounds) (uint64, bool, error) {
	if field == "*" || field == "?" {
		return span(b.min, b.max, 1), false, nil
	}

	var set uint64
	for _, part := range strings.Split(field, ",") {
		bitsForPart, err := parsePart(part, b)
		if err != nil {
			return 0, false, err
		}
		set |= bitsForPart
	}
	return set, true, nil
}

func parsePart(part string, b bounds) (uint64, error) {
	rangeExpr, stepExpr, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepExpr)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid step %q in %s field", stepExpr, b.name)
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangeExpr == "*" || rangeExpr == "?":
		lo, hi = b.min, b.max
	case strings.Contains(rangeExpr, "-"):
		from, to, _ := strings.Cut(rangeExpr, "-")
		var err error
		if lo, err = parseValue(from, b); err != nil {
			return 0, err
		}
		if hi, err = parseValue(to, b); err != nil {
			return 0, err
		}
		if lo > hi {
			return 0, fmt.Errorf("invalid range %q in %s field", rangeExpr, b.name)
		}
	default:
		v, err := parseValue(rangeExpr, b)
		if err != nil {
			return 0, err
		}
		lo, hi = v, v
		if hasStep {
			hi = b.max
		}
	}

	return span(lo, hi, step), nil
}

func parseValue(s string, b bounds) (int, error) {
	if v, ok := b.names[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q in %s field", s, b.name)
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%s %d out of range %d-%d", b.name, v, b.min, b.max)
	}
	return v, nil
}

func span(lo, hi, step int) uint64 {
	var set uint64
	for v := lo; v <= hi; v += step {
		set |= 1 << uint(v)
	}
	return set
}

func has(set uint64, v int) bool {
	return set&(1<<uint(v)) != 0
}

// Next returns the first activation strictly after t, or the zero time when
// the expression never fires within five years
func (s *Schedule) Next(t time.Time) time.Time {
	loc := t.Location()
	t = t.Add(time.Second - time.Duration(t.Nanosecond()))
	yearLimit := t.Year() + 5

wrap:
	for t.Year() <= yearLimit {
		for !has(s.month, int(t.Month())) {
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
			if t.Month() == time.January {
				continue wrap
			}
		}

		for !s.dayMatches(t) {
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
			if t.Day() == 1 {
				continue wrap
			}
		}

		for !has(s.hour, t.Hour()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, loc)
			if t.Hour() == 0 {
				continue wrap
			}
		}

		for !has(s.minute, t.Minute()) {
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute()+1, 0, 0, loc)
			if t.Minute() == 0 {
				continue wrap
			}
		}

		for !has(s.second, t.Second()) {
			t = t.Add(time.Second)
			if t.Second() == 0 {
				continue wrap
			}
		}

		return t
	}

	return time.Time{}
}

// dayMatches applies the usual cron rule: when both day fields are
// restricted either may match, otherwise both must
func (s *Schedule) dayMatches(t time.Time) bool {
	domMatch := has(s.day, t.Day())
	dowMatch := has(s.weekday, int(t.Weekday()))
	if s.dayRestricted && s.weekdayRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}
