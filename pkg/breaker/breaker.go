// Package breaker implements the per-provider and per-(vendor,type)
// circuit breaker: a tagged-variant state machine with a pure transition
// function, persisted to the shared store keyed by provider id with a TTL
// derived from the configured open duration.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvane/keyrelay/internal/telemetry"
)

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Event is an input to the state machine.
type Event string

const (
	EventFailure     Event = "failure"
	EventSuccess     Event = "success"
	EventManualReset Event = "manual_reset"
	EventManualOpen  Event = "manual_open"
)

// Config bounds the state machine's thresholds, sourced from the
// provider's configuration-store record.
type Config struct {
	FailureThreshold         int
	OpenDurationMs           int
	HalfOpenSuccessThreshold int
}

// Health is the persisted, mutable breaker state for one provider (or one
// vendor/type pair).
type Health struct {
	State              State     `json:"state"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	OpenedAt           time.Time `json:"opened_at"`
	HalfOpenSuccesses  int       `json:"half_open_successes"`
	LastError          string    `json:"last_error"`
	ManualOpen         bool      `json:"manual_open"`
}

// Transition is the pure function driving the state machine; it has no
// side effects beyond computing the next Health value from its inputs.
func Transition(h Health, event Event, now time.Time, cfg Config, errMsg string) Health {
	switch event {
	case EventManualReset:
		return Health{State: Closed}
	case EventManualOpen:
		return Health{State: Open, OpenedAt: now, ManualOpen: true, LastError: errMsg}
	}

	switch h.State {
	case Closed:
		if event == EventFailure {
			h.ConsecutiveFailures++
			h.LastError = errMsg
			if h.ConsecutiveFailures >= cfg.FailureThreshold {
				return Health{State: Open, OpenedAt: now, LastError: errMsg}
			}
			return h
		}
		h.ConsecutiveFailures = 0
		return h

	case Open:
		if h.ManualOpen {
			return h
		}
		elapsed := now.Sub(h.OpenedAt)
		if elapsed >= time.Duration(cfg.OpenDurationMs)*time.Millisecond {
			return Health{State: HalfOpen, HalfOpenSuccesses: 0}
		}
		return h

	case HalfOpen:
		if event == EventSuccess {
			h.HalfOpenSuccesses++
			if h.HalfOpenSuccesses >= cfg.HalfOpenSuccessThreshold {
				return Health{State: Closed}
			}
			return h
		}
		if event == EventFailure {
			return Health{State: Open, OpenedAt: now, LastError: errMsg}
		}
		return h
	}

	return h
}

// Permits reports whether a call should be allowed given the current
// state and now, without mutating anything — OPEN only permits the first
// probe call once the timer has elapsed (the caller must then treat that
// call as HALF_OPEN by reporting success/failure through Report).
func (h Health) Permits(now time.Time, cfg Config) bool {
	switch h.State {
	case Closed, HalfOpen:
		return true
	case Open:
		if h.ManualOpen {
			return false
		}
		return now.Sub(h.OpenedAt) >= time.Duration(cfg.OpenDurationMs)*time.Millisecond
	}
	return true
}

// Breaker persists Health to Redis keyed by an arbitrary scope id (provider
// id, or "vendor:<id>:<type>") with a TTL that outlives the open window.
type Breaker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Breaker {
	return &Breaker{rdb: rdb}
}

func key(scope string) string { return "breaker:" + scope }

func (b *Breaker) Load(ctx context.Context, scope string) (Health, error) {
	data, err := b.rdb.Get(ctx, key(scope)).Bytes()
	if err == redis.Nil {
		return Health{State: Closed}, nil
	}
	if err != nil {
		return Health{}, fmt.Errorf("loading breaker state for %s: %w", scope, err)
	}
	var h Health
	if err := json.Unmarshal(data, &h); err != nil {
		return Health{}, fmt.Errorf("decoding breaker state for %s: %w", scope, err)
	}
	return h, nil
}

func (b *Breaker) save(ctx context.Context, scope string, h Health, cfg Config) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encoding breaker state for %s: %w", scope, err)
	}
	ttl := time.Duration(cfg.OpenDurationMs)*time.Millisecond + time.Hour
	if err := b.rdb.Set(ctx, key(scope), data, ttl).Err(); err != nil {
		return err
	}
	telemetry.CircuitBreakerStateGauge.WithLabelValues(scope).Set(stateGaugeValue(h.State))
	return nil
}

func stateGaugeValue(s State) float64 {
	switch s {
	case Open:
		return 2
	case HalfOpen:
		return 1
	default:
		return 0
	}
}

// Allow loads current state, applies the OPEN→HALF_OPEN timer transition if
// due, persists it, and reports whether a call is permitted right now.
func (b *Breaker) Allow(ctx context.Context, scope string, cfg Config) (bool, error) {
	h, err := b.Load(ctx, scope)
	if err != nil {
		return true, err // fail open: an unreachable breaker store shouldn't block all traffic
	}
	if h.State == Open && h.Permits(time.Now(), cfg) {
		next := Transition(h, "", time.Now(), cfg, "")
		if err := b.save(ctx, scope, next, cfg); err != nil {
			return true, err
		}
		return true, nil
	}
	return h.Permits(time.Now(), cfg), nil
}

// Report applies a call outcome to the breaker and persists the result.
func (b *Breaker) Report(ctx context.Context, scope string, success bool, cfg Config, errMsg string) error {
	h, err := b.Load(ctx, scope)
	if err != nil {
		return err
	}
	event := EventFailure
	if success {
		event = EventSuccess
	}
	next := Transition(h, event, time.Now(), cfg, errMsg)
	return b.save(ctx, scope, next, cfg)
}

// Reset manually clears a breaker to CLOSED.
func (b *Breaker) Reset(ctx context.Context, scope string) error {
	return b.save(ctx, scope, Transition(Health{}, EventManualReset, time.Now(), Config{}, ""), Config{})
}

// ManualOpen manually trips a breaker open indefinitely, bypassing the timer.
func (b *Breaker) ManualOpen(ctx context.Context, scope string, reason string) error {
	return b.save(ctx, scope, Transition(Health{}, EventManualOpen, time.Now(), Config{}, reason), Config{})
}

// VendorScope builds the scope key for a per-(vendor,type) breaker.
func VendorScope(vendorID, providerType string) string {
	return "vendor:" + vendorID + ":" + providerType
}
