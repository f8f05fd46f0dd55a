package scheduler

import (
	"errors"
	"testing"
	"time"
)

func TestParseCronValid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{"* * * * *"},
		{"*/5 * * * *"},
		{"0 0 * * *"},
		{"30 4 1,15 * *"},
		{"0 0 1 1 0"},
		{"0-30/5 9-17 * * 1-5"},
		{"0 0 * * 7"},
		{"@daily"},
		{"@Weekly"},
	}
	for _, tc := range tests {
		if _, err := ParseCron(tc.expr); err != nil {
			t.Errorf("ParseCron(%q) returned error: %v", tc.expr, err)
		}
	}
}

func TestParseCronInvalid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{""},
		{"* * *"},
		{"60 * * * *"},
		{"* 25 * * *"},
		{"* * 32 * *"},
		{"* * * 13 *"},
		{"* * * * 8"},
		{"@fortnightly"},
		{"*/0 * * * *"},
		{"abc * * * *"},
	}
	for _, tc := range tests {
		if _, err := ParseCron(tc.expr); err == nil {
			t.Errorf("ParseCron(%q) should have returned error", tc.expr)
		}
	}
}

func TestMatchesEveryMinute(t *testing.T) {
	c, _ := ParseCron("* * * * *")
	now := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	if !c.Matches(now) {
		t.Error("* * * * * should match any time")
	}
}

func TestMatchesEvery5Minutes(t *testing.T) {
	c, _ := ParseCron("*/5 * * * *")

	match := time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)
	if !c.Matches(match) {
		t.Error("*/5 should match minute 15")
	}

	noMatch := time.Date(2026, 2, 15, 10, 13, 0, 0, time.UTC)
	if c.Matches(noMatch) {
		t.Error("*/5 should not match minute 13")
	}
}

func TestMatchesRange(t *testing.T) {
	c, _ := ParseCron("0-30/5 9-17 * * 1-5")

	// Monday 10:15 → should match
	match := time.Date(2026, 2, 16, 10, 15, 0, 0, time.UTC) // Monday
	if !c.Matches(match) {
		t.Errorf("should match Monday 10:15, weekday=%d", match.Weekday())
	}

	// Saturday 10:15 → should not match (weekday 6)
	noMatch := time.Date(2026, 2, 14, 10, 15, 0, 0, time.UTC) // Saturday
	if c.Matches(noMatch) {
		t.Errorf("should not match Saturday, weekday=%d", noMatch.Weekday())
	}
}

func TestMatchesSpecificValues(t *testing.T) {
	c, _ := ParseCron("30 4 1,15 * *")

	match := time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC)
	if !c.Matches(match) {
		t.Error("should match 4:30 on the 1st")
	}

	match2 := time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)
	if !c.Matches(match2) {
		t.Error("should match 4:30 on the 15th")
	}

	noMatch := time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)
	if c.Matches(noMatch) {
		t.Error("should not match 4:30 on the 2nd")
	}
}

func TestNextEveryMinute(t *testing.T) {
	c, _ := ParseCron("* * * * *")
	now := time.Date(2026, 2, 15, 10, 30, 45, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 15, 10, 31, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestNextEvery5Minutes(t *testing.T) {
	c, _ := ParseCron("*/5 * * * *")
	now := time.Date(2026, 2, 15, 10, 12, 0, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 15, 10, 15, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestNextMidnight(t *testing.T) {
	c, _ := ParseCron("0 0 * * *")
	now := time.Date(2026, 2, 15, 23, 59, 0, 0, time.UTC)
	next := c.Next(now)
	expected := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestNextStrictlyAfterMatchingInstant(t *testing.T) {
	c, _ := ParseCron("0 9 * * *")
	at := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)
	next := c.Next(at)
	expected := time.Date(2026, 2, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(expected) {
		t.Errorf("Next = %v, want %v", next, expected)
	}
}

func TestMacros(t *testing.T) {
	from := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC) // Sunday
	tests := []struct {
		macro string
		want  time.Time
	}{
		{"@hourly", time.Date(2026, 2, 15, 11, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)},
		{"@weekly", time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC)},
		{"@monthly", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"@yearly", time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		got, err := NextRun(tc.macro, from)
		if err != nil {
			t.Fatalf("NextRun(%q) error: %v", tc.macro, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("NextRun(%q) = %v, want %v", tc.macro, got, tc.want)
		}
	}
}

func TestDayFieldsUseOrWhenBothRestricted(t *testing.T) {
	// The 13th or any Friday.
	c, _ := ParseCron("0 0 13 * 5")
	friday := time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)
	thirteenth := time.Date(2026, 2, 13, 0, 0, 0, 0, time.UTC)
	other := time.Date(2026, 2, 18, 0, 0, 0, 0, time.UTC)
	if !c.Matches(friday) || !c.Matches(thirteenth) {
		t.Error("expected a match on a Friday and on the 13th")
	}
	if c.Matches(other) {
		t.Error("should not match a Wednesday the 18th")
	}

	// Only day-of-week restricted keeps AND semantics.
	c, _ = ParseCron("0 0 * * 1")
	if c.Matches(friday) {
		t.Error("Monday-only schedule matched a Friday")
	}
}

func TestSundayAsSeven(t *testing.T) {
	c, _ := ParseCron("0 0 * * 7")
	sunday := time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)
	if !c.Matches(sunday) {
		t.Error("7 should match Sunday")
	}
}

func TestValidateMinInterval(t *testing.T) {
	if err := Validate("*/5 * * * *", 0); err != nil {
		t.Errorf("every 5 minutes should pass the default floor: %v", err)
	}
	if err := Validate("*/5 * * * *", 10*time.Minute); !errors.Is(err, ErrIntervalTooShort) {
		t.Errorf("expected ErrIntervalTooShort, got %v", err)
	}
	if err := Validate("0,59 * * * *", 5*time.Minute); !errors.Is(err, ErrIntervalTooShort) {
		t.Errorf("minute 59 then 0 is one minute apart, got %v", err)
	}
	if err := Validate("0 9 * * *", time.Hour); err != nil {
		t.Errorf("daily schedule should pass: %v", err)
	}
	if err := Validate("0 0 31 2 *", 0); err == nil {
		t.Error("February 31st never fires and should be rejected")
	}
}
