package ratelimit

import (
	"testing"
	"time"
)

func TestFixedDailyBucketRollsOverAtResetTime(t *testing.T) {
	resetTime := "04:00"

	before := time.Date(2026, 3, 5, 3, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 5, 5, 0, 0, 0, time.UTC)

	beforeBucket := fixedDailyBucket(before, resetTime)
	afterBucket := fixedDailyBucket(after, resetTime)

	if beforeBucket == afterBucket {
		t.Fatalf("expected different buckets across the reset boundary, got %q for both", beforeBucket)
	}

	// A request a week later at the same wall-clock offset should land in
	// a different bucket than any of the above.
	later := before.AddDate(0, 0, 7)
	if fixedDailyBucket(later, resetTime) == beforeBucket {
		t.Fatalf("expected a new bucket a week later")
	}
}

func TestBucketSuffixMonthlyStableWithinMonth(t *testing.T) {
	a := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	if bucketSuffix(ScopeMonthly, a) != bucketSuffix(ScopeMonthly, b) {
		t.Fatalf("expected same monthly bucket across the month")
	}

	c := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if bucketSuffix(ScopeMonthly, a) == bucketSuffix(ScopeMonthly, c) {
		t.Fatalf("expected different monthly bucket across month boundary")
	}
}

func TestParseFloatResult(t *testing.T) {
	if v := parseFloatResult("3.14"); v != 3.14 {
		t.Fatalf("got %v", v)
	}
	if v := parseFloatResult(42); v != 0 {
		t.Fatalf("expected 0 for non-string result, got %v", v)
	}
}

func TestToInt64(t *testing.T) {
	if toInt64(int64(5)) != 5 {
		t.Fatal("int64 passthrough failed")
	}
	if toInt64(5) != 5 {
		t.Fatal("int passthrough failed")
	}
	if toInt64("5") != 0 {
		t.Fatal("expected 0 for unsupported type")
	}
}

func TestWindowDurationCoversAllScopes(t *testing.T) {
	cases := map[Scope]time.Duration{
		Scope5h:      5 * time.Hour,
		ScopeDaily:   24 * time.Hour,
		ScopeWeekly:  7 * 24 * time.Hour,
		ScopeMonthly: 30 * 24 * time.Hour,
	}
	for scope, want := range cases {
		if got := windowDuration(scope); got != want {
			t.Errorf("windowDuration(%s) = %v, want %v", scope, got, want)
		}
	}
}
