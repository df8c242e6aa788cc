// Package ratelimit enforces multi-window cost, RPM, and concurrency quotas
// against a shared Redis store, using server-side scripts for every
// multi-step counter update so application code never does a bare
// read-compute-write race.
package ratelimit

import "time"

// Subject identifies which record type a quota check applies to.
type Subject string

const (
	SubjectUser     Subject = "user"
	SubjectKey      Subject = "key"
	SubjectProvider Subject = "provider"
)

// Scope is one of the seven quota categories.
type Scope string

const (
	Scope5h       Scope = "5h"
	ScopeDaily    Scope = "daily"
	ScopeWeekly   Scope = "weekly"
	ScopeMonthly  Scope = "monthly"
	ScopeTotal    Scope = "total"
	ScopeRPM      Scope = "rpm"
	ScopeConcurrent Scope = "concurrent"
)

// Limits bundles the cost ceilings checked in order by CheckCostLimits.
type Limits struct {
	Limit5hUSD      *float64
	LimitDailyUSD   *float64
	LimitWeeklyUSD  *float64
	LimitMonthlyUSD *float64
	LimitTotalUSD   *float64
}

// CheckResult is the outcome of a single quota check.
type CheckResult struct {
	Allowed bool
	Reason  Scope // which scope rejected, when Allowed is false
	Current float64
	Limit   float64
}

// Meta carries bookkeeping fields attached to a cost-tracking write.
type Meta struct {
	RequestID string
	Now       time.Time
}
