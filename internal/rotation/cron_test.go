package rotation

import (
	"testing"
	"time"
)

func TestNextEveryMinute(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 30, 15, 0, time.UTC)
	next, err := Next("* * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 1, 10, 31, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextDailyAtHour(t *testing.T) {
	from := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next, err := Next("0 2 * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestNextWeekdayRestriction(t *testing.T) {
	// Every Monday at 09:00; 2026-01-01 is a Thursday.
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := Next("0 9 * * 1", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Weekday() != time.Monday || next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("got %v, want next Monday at 09:00", next)
	}
	if !next.After(from) {
		t.Fatalf("next %v must be after from %v", next, from)
	}
}

func TestNextStepField(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	next, err := Next("*/15 * * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	want := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestParseCronRejectsBadExpression(t *testing.T) {
	if _, err := Next("not a cron", time.Now()); err == nil {
		t.Fatal("expected error for malformed expression")
	}
	if _, err := Next("60 * * * *", time.Now()); err == nil {
		t.Fatal("expected error for minute out of range")
	}
}

func TestNextDomDowOredWhenBothRestricted(t *testing.T) {
	// 1st of the month OR Friday at midnight.
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday
	next, err := Next("0 0 1 * 5", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Day() != 1 && next.Weekday() != time.Friday {
		t.Fatalf("expected day 1 or Friday, got %v", next)
	}
}
