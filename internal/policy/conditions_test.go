package policy

import (
	"testing"
	"time"
)

func TestCheckTimeOfDay(t *testing.T) {
	noon := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	midnight := time.Date(2026, 7, 31, 23, 30, 0, 0, time.UTC)

	if !checkTimeOfDay("", noon).Pass {
		t.Error("empty spec should always pass")
	}
	if !checkTimeOfDay("09:00-17:00", noon).Pass {
		t.Error("noon should be within 09:00-17:00")
	}
	if checkTimeOfDay("09:00-17:00", midnight).Pass {
		t.Error("23:30 should be outside 09:00-17:00")
	}
	if !checkTimeOfDay("22:00-06:00", midnight).Pass {
		t.Error("23:30 should be within wrapping window 22:00-06:00")
	}
	if checkTimeOfDay("malformed", noon).Pass {
		t.Error("malformed spec should fail closed")
	}
}

func TestCheckDaysOfWeek(t *testing.T) {
	// 2026-07-31 is a Friday.
	friday := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if !checkDaysOfWeek(nil, friday).Pass {
		t.Error("no constraint should pass")
	}
	if !checkDaysOfWeek([]string{"fri"}, friday).Pass {
		t.Error("fri should match a Friday")
	}
	if checkDaysOfWeek([]string{"mon", "tue"}, friday).Pass {
		t.Error("mon/tue should not match a Friday")
	}
}

func TestCheckDateRange(t *testing.T) {
	mid := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	if !checkDateRange("", mid).Pass {
		t.Error("empty spec should pass")
	}
	if !checkDateRange("2026-07-01/2026-07-31", mid).Pass {
		t.Error("date should be within inclusive range")
	}
	if checkDateRange("2026-08-01/2026-08-31", mid).Pass {
		t.Error("date should be outside range")
	}
}

func TestCheckIPRanges(t *testing.T) {
	if !checkIPRanges(nil, "").Pass {
		t.Error("no constraint should pass")
	}
	if !checkIPRanges([]string{"10.0.0.0/8"}, "10.1.2.3").Pass {
		t.Error("10.1.2.3 should be in 10.0.0.0/8")
	}
	if checkIPRanges([]string{"10.0.0.0/8"}, "192.168.1.1").Pass {
		t.Error("192.168.1.1 should not be in 10.0.0.0/8")
	}
	if checkIPRanges([]string{"10.0.0.0/8"}, "").Pass {
		t.Error("missing request ip should fail closed when a constraint exists")
	}
}

func TestCheckMaxTTL(t *testing.T) {
	if !checkMaxTTL(0, RequestContext{}).Pass {
		t.Error("zero cap means no constraint")
	}
	ctx := RequestContext{HasRequestedTTL: true, RequestedTTL: 30 * time.Minute}
	if !checkMaxTTL(3600, ctx).Pass {
		t.Error("30m should be within a 3600s cap")
	}
	if checkMaxTTL(60, ctx).Pass {
		t.Error("30m should exceed a 60s cap")
	}
}

func TestConditionsEvaluateShortCircuits(t *testing.T) {
	c := Conditions{DaysOfWeek: []string{"mon"}, MaxTTLSeconds: 1}
	ctx := RequestContext{Now: time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), HasRequestedTTL: true, RequestedTTL: time.Hour}
	pass, reason := c.Evaluate(ctx)
	if pass {
		t.Fatal("expected failure on days_of_week")
	}
	if reason == "" {
		t.Error("expected a non-empty failure reason")
	}

	steps := c.Steps(ctx)
	if len(steps) != 5 {
		t.Fatalf("Steps should report all 5 checks without short-circuiting, got %d", len(steps))
	}
}
