// Package scheduler keeps the persisted cron jobs of skills and workflows in
// sync with their trigger rules and emits cron events when jobs come due.
package scheduler

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrIntervalTooShort is returned for schedules that may fire more often
// than the configured floor.
var ErrIntervalTooShort = errors.New("cron: schedule fires more often than allowed")

// DefaultMinInterval is the floor applied when none is configured.
const DefaultMinInterval = 60 * time.Second

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
}

// CronExpr represents a parsed 5-field cron expression.
// Fields: minute, hour, day-of-month, month, day-of-week.
type CronExpr struct {
	Minute     []int
	Hour       []int
	DayOfMonth []int
	Month      []int
	DayOfWeek  []int

	// domAny and dowAny record an unrestricted field. When both day fields
	// are restricted a day matches if either does.
	domAny bool
	dowAny bool
}

// ParseCron parses a standard 5-field cron expression or one of the
// @hourly style macros.
// Supports: *, */N, N, N-M, N-M/S, comma-separated values. Day-of-week
// accepts 0-7 with both 0 and 7 meaning Sunday.
func ParseCron(expr string) (*CronExpr, error) {
	expr = strings.TrimSpace(expr)
	if m, ok := macros[strings.ToLower(expr)]; ok {
		expr = m
	} else if strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("cron: unknown macro %q", expr)
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(fields))
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("cron: minute: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("cron: hour: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-month: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("cron: month: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7)
	if err != nil {
		return nil, fmt.Errorf("cron: day-of-week: %w", err)
	}
	if slices.Contains(dow, 7) {
		dow = normalizeSunday(dow)
	}

	return &CronExpr{
		Minute:     minute,
		Hour:       hour,
		DayOfMonth: dom,
		Month:      month,
		DayOfWeek:  dow,
		domAny:     fields[2] == "*",
		dowAny:     fields[4] == "*",
	}, nil
}

// Matches returns true if t falls within the cron expression.
func (c *CronExpr) Matches(t time.Time) bool {
	return intIn(c.Minute, t.Minute()) &&
		intIn(c.Hour, t.Hour()) &&
		intIn(c.Month, int(t.Month())) &&
		c.dayMatches(t)
}

func (c *CronExpr) dayMatches(t time.Time) bool {
	dom := intIn(c.DayOfMonth, t.Day())
	dow := intIn(c.DayOfWeek, int(t.Weekday()))
	if !c.domAny && !c.dowAny {
		return dom || dow
	}
	return dom && dow
}

// Next returns the first time strictly after t that matches the cron
// expression. Searches up to 5 years ahead; returns zero time if not found.
func (c *CronExpr) Next(t time.Time) time.Time {
	// Start from the next minute boundary.
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(5, 0, 0)

	for candidate.Before(limit) {
		if !intIn(c.Month, int(candidate.Month())) {
			// Jump to the 1st of the next month.
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if !c.dayMatches(candidate) {
			// Jump to the next day.
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, candidate.Location())
			continue
		}
		if !intIn(c.Hour, candidate.Hour()) {
			// Jump to the next hour.
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day(), candidate.Hour()+1, 0, 0, 0, candidate.Location())
			continue
		}
		if !intIn(c.Minute, candidate.Minute()) {
			candidate = candidate.Add(time.Minute)
			continue
		}
		return candidate
	}
	return time.Time{}
}

// MinInterval returns a lower bound for the gap between two consecutive
// fires.
func (c *CronExpr) MinInterval() time.Duration {
	if len(c.Minute) > 1 {
		return time.Duration(cyclicMinGap(c.Minute, 60)) * time.Minute
	}
	if len(c.Hour) > 1 {
		return time.Duration(cyclicMinGap(c.Hour, 24)) * time.Hour
	}
	return 24 * time.Hour
}

// NextRun parses schedule and returns its first fire strictly after from.
func NextRun(schedule string, from time.Time) (time.Time, error) {
	expr, err := ParseCron(schedule)
	if err != nil {
		return time.Time{}, err
	}
	next := expr.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron: %q never fires", schedule)
	}
	return next, nil
}

// Validate checks that schedule parses, fires at all and never fires more
// often than floor. A zero floor means DefaultMinInterval.
func Validate(schedule string, floor time.Duration) error {
	if floor <= 0 {
		floor = DefaultMinInterval
	}
	expr, err := ParseCron(schedule)
	if err != nil {
		return err
	}
	if expr.Next(time.Now()).IsZero() {
		return fmt.Errorf("cron: %q never fires", schedule)
	}
	if got := expr.MinInterval(); got < floor {
		return fmt.Errorf("%w: %q may fire every %s (minimum %s)", ErrIntervalTooShort, schedule, got, floor)
	}
	return nil
}

// cyclicMinGap returns the smallest distance between neighbouring values
// of a sorted set on a ring of the given size.
func cyclicMinGap(set []int, size int) int {
	gap := set[0] + size - set[len(set)-1]
	for i := 1; i < len(set); i++ {
		if d := set[i] - set[i-1]; d < gap {
			gap = d
		}
	}
	return gap
}

// parseField parses a single cron field into a sorted list of integers.
func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		return rangeSlice(min, max), nil
	}

	// Handle comma-separated values.
	parts := strings.Split(field, ",")
	seen := make(map[int]bool)
	for _, part := range parts {
		vals, err := parsePart(part, min, max)
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			seen[v] = true
		}
	}

	result := make([]int, 0, len(seen))
	for v := range seen {
		result = append(result, v)
	}
	slices.Sort(result)
	return result, nil
}

// parsePart parses a single part: *, */N, N, N-M, N-M/S.
func parsePart(part string, min, max int) ([]int, error) {
	// */N
	if strings.HasPrefix(part, "*/") {
		step, err := strconv.Atoi(part[2:])
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step %q", part)
		}
		return stepSlice(min, max, step), nil
	}

	// N-M or N-M/S
	if strings.Contains(part, "-") {
		rangeParts := strings.SplitN(part, "/", 2)
		bounds := strings.SplitN(rangeParts[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid range %q", part)
		}
		lo, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid range start %q", bounds[0])
		}
		hi, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid range end %q", bounds[1])
		}
		if lo < min || hi > max || lo > hi {
			return nil, fmt.Errorf("range %d-%d out of bounds [%d,%d]", lo, hi, min, max)
		}
		step := 1
		if len(rangeParts) == 2 {
			step, err = strconv.Atoi(rangeParts[1])
			if err != nil || step <= 0 {
				return nil, fmt.Errorf("invalid step in %q", part)
			}
		}
		return stepSlice(lo, hi, step), nil
	}

	// Single value
	val, err := strconv.Atoi(part)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", part)
	}
	if val < min || val > max {
		return nil, fmt.Errorf("value %d out of bounds [%d,%d]", val, min, max)
	}
	return []int{val}, nil
}

// normalizeSunday folds 7 into 0.
func normalizeSunday(dow []int) []int {
	out := make([]int, 0, len(dow))
	for _, d := range dow {
		if d == 7 {
			d = 0
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out
}

func rangeSlice(min, max int) []int {
	out := make([]int, 0, max-min+1)
	for i := min; i <= max; i++ {
		out = append(out, i)
	}
	return out
}

func stepSlice(min, max, step int) []int {
	out := make([]int, 0, (max-min)/step+1)
	for i := min; i <= max; i += step {
		out = append(out, i)
	}
	return out
}

func intIn(set []int, val int) bool {
	return slices.Contains(set, val)
}
