package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvane/keyrelay/internal/telemetry"
)

// storeOpTimeout bounds every individual Redis operation; on timeout or
// connection error the check fails open (never rejects a request because
// the limiter itself failed).
const storeOpTimeout = 50 * time.Millisecond

const rpmWindow = 60 * time.Second

// TotalCostSource supplies the lifetime spend for a subject from the
// outcome store; the Service caches this for 5 minutes per spec, since a
// full SUM() is too expensive to run per request.
type TotalCostSource interface {
	SumCost(ctx context.Context, subject Subject, id int64) (float64, error)
}

// Service implements the seven rate-limit categories described for the
// Rate Limit component: 5h/daily/weekly/monthly/total cost windows, RPM,
// and concurrency, all backed by Redis server-side scripts.
type Service struct {
	rdb    *redis.Client
	source TotalCostSource
	logger *slog.Logger

	totalMu    sync.Mutex
	totalCache map[string]totalEntry
}

type totalEntry struct {
	value    float64
	loadedAt time.Time
}

func New(rdb *redis.Client, source TotalCostSource, logger *slog.Logger) *Service {
	return &Service{
		rdb:        rdb,
		source:     source,
		logger:     logger,
		totalCache: make(map[string]totalEntry),
	}
}

// InvalidateTotal evicts the cached lifetime-cost figure for a subject,
// called right after a write so the next check sees the fresh total.
func (s *Service) InvalidateTotal(subject Subject, id int64) {
	s.totalMu.Lock()
	delete(s.totalCache, totalKey(subject, id))
	s.totalMu.Unlock()
}

func totalKey(subject Subject, id int64) string {
	return fmt.Sprintf("%s:%d", subject, id)
}

func (s *Service) totalCost(ctx context.Context, subject Subject, id int64) (float64, error) {
	key := totalKey(subject, id)
	s.totalMu.Lock()
	e, ok := s.totalCache[key]
	s.totalMu.Unlock()
	if ok && time.Since(e.loadedAt) < 5*time.Minute {
		return e.value, nil
	}

	v, err := s.source.SumCost(ctx, subject, id)
	if err != nil {
		if ok {
			return e.value, nil
		}
		return 0, err
	}

	s.totalMu.Lock()
	s.totalCache[key] = totalEntry{value: v, loadedAt: time.Now()}
	s.totalMu.Unlock()
	return v, nil
}

// withTimeout runs fn with storeOpTimeout; on error or timeout it logs and
// reports failOpen=true so callers never reject a request on its account.
func (s *Service) withTimeout(ctx context.Context, dimension string, fn func(ctx context.Context) error) (failOpen bool) {
	cctx, cancel := context.WithTimeout(ctx, storeOpTimeout)
	defer cancel()

	if err := fn(cctx); err != nil {
		s.logger.Warn("rate limit store operation failed, failing open", "dimension", dimension, "error", err)
		telemetry.RateLimitBlockedTotal.WithLabelValues(dimension + "_fail_open").Inc()
		return true
	}
	return false
}

func fixedWindowKey(subject Subject, id int64, scope Scope, bucket string) string {
	return fmt.Sprintf("%s:%d:cost_%s_%s", subject, id, scope, bucket)
}

func rollingWindowKey(subject Subject, id int64, scope Scope) string {
	return fmt.Sprintf("%s:%d:cost_%s_rolling", subject, id, scope)
}

func rpmKey(subject Subject, id int64) string {
	return fmt.Sprintf("%s:%d:rpm", subject, id)
}

func concurrencyKey(subject Subject, id int64) string {
	return fmt.Sprintf("%s:%d:concurrent_sessions", subject, id)
}

// windowDuration returns the span a fixed/rolling scope covers.
func windowDuration(scope Scope) time.Duration {
	switch scope {
	case Scope5h:
		return 5 * time.Hour
	case ScopeDaily:
		return 24 * time.Hour
	case ScopeWeekly:
		return 7 * 24 * time.Hour
	case ScopeMonthly:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// bucketSuffix returns a fixed-window bucket id that rolls over at the
// window boundary (e.g. daily → "HHMM"-less date bucket, monthly → YYYYMM).
// Rolling scopes (5h, and daily when configured rolling) don't use this —
// see rollingWindowKey.
func bucketSuffix(scope Scope, now time.Time) string {
	switch scope {
	case ScopeDaily:
		return now.UTC().Format("20060102")
	case ScopeWeekly:
		y, w := now.UTC().ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case ScopeMonthly:
		return now.UTC().Format("200601")
	default:
		return now.UTC().Format("20060102")
	}
}

// CheckCostLimits checks 5h → daily → weekly → monthly → total in order,
// returning the first exceedance.
func (s *Service) CheckCostLimits(ctx context.Context, subject Subject, id int64, limits Limits, estimatedCost float64) CheckResult {
	now := time.Now()

	checks := []struct {
		scope Scope
		limit *float64
		rolling bool
	}{
		{Scope5h, limits.Limit5hUSD, true},
		{ScopeDaily, limits.LimitDailyUSD, false},
		{ScopeWeekly, limits.LimitWeeklyUSD, false},
		{ScopeMonthly, limits.LimitMonthlyUSD, false},
	}

	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		current, failedOpen := s.readWindow(ctx, subject, id, c.scope, c.rolling, now)
		if failedOpen {
			continue
		}
		if current+estimatedCost > *c.limit {
			telemetry.RateLimitBlockedTotal.WithLabelValues(string(c.scope)).Inc()
			return CheckResult{Allowed: false, Reason: c.scope, Current: current, Limit: *c.limit}
		}
	}

	if limits.LimitTotalUSD != nil {
		total, err := s.totalCost(ctx, subject, id)
		if err == nil && total+estimatedCost > *limits.LimitTotalUSD {
			telemetry.RateLimitBlockedTotal.WithLabelValues(string(ScopeTotal)).Inc()
			return CheckResult{Allowed: false, Reason: ScopeTotal, Current: total, Limit: *limits.LimitTotalUSD}
		}
	}

	return CheckResult{Allowed: true}
}

func (s *Service) readWindow(ctx context.Context, subject Subject, id int64, scope Scope, rolling bool, now time.Time) (current float64, failedOpen bool) {
	if rolling {
		failedOpen = s.withTimeout(ctx, string(scope), func(cctx context.Context) error {
			key := rollingWindowKey(subject, id, scope)
			res, err := rollingWindowAddAndSumScript.Run(cctx, s.rdb, []string{key},
				now.UnixMilli(), windowDuration(scope).Milliseconds(), "", 0).Result()
			if err != nil {
				return err
			}
			current = parseFloatResult(res)
			return nil
		})
		return current, failedOpen
	}

	failedOpen = s.withTimeout(ctx, string(scope), func(cctx context.Context) error {
		key := fixedWindowKey(subject, id, scope, bucketSuffix(scope, now))
		v, err := s.rdb.Get(cctx, key).Result()
		if err == redis.Nil {
			current = 0
			return nil
		}
		if err != nil {
			return err
		}
		f, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return parseErr
		}
		current = f
		return nil
	})
	return current, failedOpen
}

func parseFloatResult(res any) float64 {
	s, ok := res.(string)
	if !ok {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// CheckRPM allows the request if fewer than limit requests were seen in the
// trailing 60s, and if allowed, records this request's timestamp.
func (s *Service) CheckRPM(ctx context.Context, subject Subject, id int64, limit *int) CheckResult {
	if limit == nil {
		return CheckResult{Allowed: true}
	}

	var allowed bool
	var count int64
	failedOpen := s.withTimeout(ctx, "rpm", func(cctx context.Context) error {
		res, err := rpmCheckAndInsertScript.Run(cctx, s.rdb, []string{rpmKey(subject, id)},
			time.Now().UnixMilli(), rpmWindow.Milliseconds(), *limit).Result()
		if err != nil {
			return err
		}
		arr, ok := res.([]any)
		if !ok || len(arr) != 2 {
			return fmt.Errorf("unexpected rpm script result: %v", res)
		}
		allowed = toInt64(arr[0]) == 1
		count = toInt64(arr[1])
		return nil
	})
	if failedOpen {
		return CheckResult{Allowed: true}
	}
	if !allowed {
		telemetry.RateLimitBlockedTotal.WithLabelValues("rpm").Inc()
		return CheckResult{Allowed: false, Reason: ScopeRPM, Current: float64(count), Limit: float64(*limit)}
	}
	return CheckResult{Allowed: true}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// CheckAndTrackProviderSession atomically reserves a concurrency slot for
// sessionID against a subject (typically a provider), returning whether the
// caller must later call Untrack.
func (s *Service) CheckAndTrackProviderSession(ctx context.Context, subject Subject, id int64, sessionID string, limit *int) (allowed bool, tracked bool) {
	if limit == nil {
		return true, false
	}

	var count int64
	failedOpen := s.withTimeout(ctx, "concurrent", func(cctx context.Context) error {
		res, err := concurrencyCheckAndInsertScript.Run(cctx, s.rdb, []string{concurrencyKey(subject, id)},
			time.Now().UnixMilli(), (6 * time.Hour).Milliseconds(), *limit, sessionID).Result()
		if err != nil {
			return err
		}
		arr, ok := res.([]any)
		if !ok || len(arr) != 2 {
			return fmt.Errorf("unexpected concurrency script result: %v", res)
		}
		allowed = toInt64(arr[0]) == 1
		count = toInt64(arr[1])
		return nil
	})
	_ = count
	if failedOpen {
		return true, false
	}
	if !allowed {
		telemetry.RateLimitBlockedTotal.WithLabelValues("concurrent").Inc()
		return false, false
	}
	return true, true
}

// Untrack releases a concurrency reservation made by CheckAndTrackProviderSession.
func (s *Service) Untrack(ctx context.Context, subject Subject, id int64, sessionID string) {
	s.withTimeout(ctx, "concurrent_release", func(cctx context.Context) error {
		return concurrencyRemoveScript.Run(cctx, s.rdb, []string{concurrencyKey(subject, id)}, sessionID).Err()
	})
}

// TrackCost updates the 5h rolling window and the daily/weekly/monthly
// fixed windows for one subject after a request completes.
func (s *Service) TrackCost(ctx context.Context, subject Subject, id int64, costUSD float64, requestID string, now time.Time) {
	member := fmt.Sprintf("%d:%s:%g", now.UnixMilli(), requestID, costUSD)

	s.withTimeout(ctx, "track_5h", func(cctx context.Context) error {
		return rollingWindowAddAndSumScript.Run(cctx, s.rdb, []string{rollingWindowKey(subject, id, Scope5h)},
			now.UnixMilli(), windowDuration(Scope5h).Milliseconds(), member, now.UnixMilli()).Err()
	})

	for _, scope := range []Scope{ScopeDaily, ScopeWeekly, ScopeMonthly} {
		scope := scope
		s.withTimeout(ctx, "track_"+string(scope), func(cctx context.Context) error {
			key := fixedWindowKey(subject, id, scope, bucketSuffix(scope, now))
			return incrFixedWindowScript.Run(cctx, s.rdb, []string{key},
				strconv.FormatFloat(costUSD, 'f', -1, 64),
				int(windowDuration(scope).Seconds())).Err()
		})
	}

	s.InvalidateTotal(subject, id)
}

// TrackUserDailyCost updates the user-daily window honoring the reset mode
// (fixed clock-time rollover vs a 24h rolling window).
func (s *Service) TrackUserDailyCost(ctx context.Context, userID int64, costUSD float64, resetTime string, rolling bool, now time.Time) {
	if rolling {
		member := fmt.Sprintf("%d:user-daily:%g", now.UnixMilli(), costUSD)
		s.withTimeout(ctx, "user_daily_rolling", func(cctx context.Context) error {
			return rollingWindowAddAndSumScript.Run(cctx, s.rdb, []string{rollingWindowKey(SubjectUser, userID, ScopeDaily)},
				now.UnixMilli(), windowDuration(ScopeDaily).Milliseconds(), member, now.UnixMilli()).Err()
		})
		return
	}

	bucket := fixedDailyBucket(now, resetTime)
	s.withTimeout(ctx, "user_daily_fixed", func(cctx context.Context) error {
		key := fixedWindowKey(SubjectUser, userID, ScopeDaily, bucket)
		return incrFixedWindowScript.Run(cctx, s.rdb, []string{key},
			strconv.FormatFloat(costUSD, 'f', -1, 64),
			int(windowDuration(ScopeDaily).Seconds())).Err()
	})
}

// fixedDailyBucket computes the bucket id for a fixed daily reset at the
// given "HH:MM" wall-clock time, in UTC. A request before today's reset
// time belongs to yesterday's bucket.
func fixedDailyBucket(now time.Time, resetTime string) string {
	h, m := 0, 0
	if parts := strings.Split(resetTime, ":"); len(parts) == 2 {
		h, _ = strconv.Atoi(parts[0])
		m, _ = strconv.Atoi(parts[1])
	}
	u := now.UTC()
	reset := time.Date(u.Year(), u.Month(), u.Day(), h, m, 0, 0, time.UTC)
	if u.Before(reset) {
		reset = reset.AddDate(0, 0, -1)
	}
	return reset.Format("20060102-1504")
}
