// Package provider implements the scheduler: filter candidate providers,
// score them by priority tier and weight (with a session-affinity bonus),
// and reserve a concurrency slot on the chosen provider — looping back to
// filtering when a reservation fails.
package provider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/corvane/keyrelay/internal/telemetry"
	"github.com/corvane/keyrelay/pkg/breaker"
	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/ratelimit"
)

// ErrNoProviderAvailable is returned once the candidate set is exhausted.
var ErrNoProviderAvailable = fmt.Errorf("no provider available")

// SelectOptions are the resolver's per-request inputs.
type SelectOptions struct {
	Family          configcache.ClientFamily
	Model           string
	EffectiveGroups []string // key override ∪ user groups; empty = ungrouped mode
	AlreadyTried    map[int64]bool
	BoundProviderID int64 // session's lastProviderId, 0 if none
	SessionID       string
}

// ChainEntry records one attempt for RequestOutcome.providerChain.
type ChainEntry struct {
	ProviderID int64
	Outcome    string // "selected" | "reservation_failed" here; the pipeline adds "success" or a forwarder classification
}

// Resolver picks providers using the config cache, circuit breaker, and
// rate limiter's concurrency reservations.
type Resolver struct {
	cache   *configcache.Cache
	breaker *breaker.Breaker
	limiter *ratelimit.Service
	rand    func() float64
}

func New(cache *configcache.Cache, br *breaker.Breaker, limiter *ratelimit.Service) *Resolver {
	return &Resolver{cache: cache, breaker: br, limiter: limiter, rand: rand.Float64}
}

// Select runs filter → score → reserve, retrying within this single call
// when a reservation race loses, until a provider is reserved or the
// candidate set is exhausted.
func (r *Resolver) Select(ctx context.Context, opts SelectOptions) (*configcache.Provider, []ChainEntry, error) {
	tried := make(map[int64]bool, len(opts.AlreadyTried))
	for k, v := range opts.AlreadyTried {
		tried[k] = v
	}

	var chain []ChainEntry
	for {
		candidates, err := r.filter(ctx, opts, tried)
		if err != nil {
			return nil, chain, err
		}
		if len(candidates) == 0 {
			return nil, chain, ErrNoProviderAvailable
		}

		chosen := r.score(candidates, opts)
		ok, tracked := r.limiter.CheckAndTrackProviderSession(ctx, ratelimit.SubjectProvider, chosen.ID, opts.SessionID, chosen.Quotas.ConcurrentSessionLimit)
		if !ok {
			chain = append(chain, ChainEntry{ProviderID: chosen.ID, Outcome: "reservation_failed"})
			tried[chosen.ID] = true
			continue
		}
		_ = tracked
		chain = append(chain, ChainEntry{ProviderID: chosen.ID, Outcome: "selected"})
		telemetry.ProviderSelectionTotal.WithLabelValues(fmt.Sprintf("%d", chosen.ID)).Inc()
		return chosen, chain, nil
	}
}

// familyMatches implements the family map from spec §4.E.
func familyMatches(family configcache.ClientFamily, pt configcache.ProviderType, joinClaudePool bool) bool {
	switch family {
	case configcache.FamilyClaude:
		if pt == configcache.ProviderClaude || pt == configcache.ProviderClaudeAuth {
			return true
		}
		return joinClaudePool
	case configcache.FamilyOpenAI, configcache.FamilyResponses:
		return pt == configcache.ProviderCodex || pt == configcache.ProviderOpenAICompat
	case configcache.FamilyGemini:
		return pt == configcache.ProviderGemini || pt == configcache.ProviderGeminiCLI
	}
	return false
}

func (r *Resolver) filter(ctx context.Context, opts SelectOptions, tried map[int64]bool) ([]*configcache.Provider, error) {
	all, err := r.cache.Providers(ctx)
	if err != nil {
		return nil, err
	}

	var out []*configcache.Provider
	for _, p := range all {
		if p.Expired(time.Now()) {
			continue
		}
		if !familyMatches(opts.Family, p.Type, p.JoinClaudePool) {
			continue
		}
		if !modelAllowed(p.AllowedModels, opts.Model) {
			continue
		}
		if !groupIntersects(p.GroupTag, opts.EffectiveGroups) {
			continue
		}
		if tried[p.ID] {
			continue
		}

		allowed, err := r.breaker.Allow(ctx, fmt.Sprintf("%d", p.ID), breaker.Config{
			FailureThreshold:         p.Breaker.FailureThreshold,
			OpenDurationMs:           p.Breaker.OpenDurationMs,
			HalfOpenSuccessThreshold: p.Breaker.HalfOpenSuccessThreshold,
		})
		if err == nil && !allowed {
			continue
		}
		if p.VendorID != "" {
			vendorAllowed, err := r.breaker.Allow(ctx, breaker.VendorScope(p.VendorID, string(p.Type)), breaker.Config{
				FailureThreshold:         p.Breaker.FailureThreshold,
				OpenDurationMs:           p.Breaker.OpenDurationMs,
				HalfOpenSuccessThreshold: p.Breaker.HalfOpenSuccessThreshold,
			})
			if err == nil && !vendorAllowed {
				continue
			}
		}

		if quotaExhausted(ctx, r.limiter, p) {
			continue
		}

		out = append(out, p)
	}
	return out, nil
}

func modelAllowed(allowed []string, model string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

func groupIntersects(providerGroup string, effective []string) bool {
	if len(effective) == 0 {
		return true // ungrouped mode
	}
	for _, g := range effective {
		if g == providerGroup {
			return true
		}
	}
	return false
}

// quotaExhausted runs a pre-check using cached quota snapshots; a full
// CheckCostLimits with zero estimated cost is a cheap read-only probe of
// whether the provider is already over any window.
func quotaExhausted(ctx context.Context, limiter *ratelimit.Service, p *configcache.Provider) bool {
	res := limiter.CheckCostLimits(ctx, ratelimit.SubjectProvider, p.ID, ratelimit.Limits{
		Limit5hUSD:      p.Quotas.Limit5hUSD,
		LimitDailyUSD:   p.Quotas.LimitDailyUSD,
		LimitWeeklyUSD:  p.Quotas.LimitWeeklyUSD,
		LimitMonthlyUSD: p.Quotas.LimitMonthlyUSD,
		LimitTotalUSD:   p.Quotas.LimitTotalUSD,
	}, 0)
	return !res.Allowed
}

// score groups candidates by priority tier (ascending) and performs
// weighted-random selection within the lowest (best) tier present, applying
// a session-affinity bonus when the bound provider is in that tier.
func (r *Resolver) score(candidates []*configcache.Provider, opts SelectOptions) *configcache.Provider {
	bestPriority := candidates[0].Priority
	for _, p := range candidates {
		if p.Priority < bestPriority {
			bestPriority = p.Priority
		}
	}

	var tier []*configcache.Provider
	for _, p := range candidates {
		if p.Priority == bestPriority {
			tier = append(tier, p)
		}
	}

	weights := make([]float64, len(tier))
	total := 0.0
	var tierWeightSum float64
	for _, p := range tier {
		tierWeightSum += float64(p.Weight)
	}
	affinityBonus := tierWeightSum * 0.25

	for i, p := range tier {
		w := float64(p.Weight)
		if opts.BoundProviderID != 0 && p.ID == opts.BoundProviderID {
			w += affinityBonus
		}
		weights[i] = w
		total += w
	}

	if total <= 0 {
		return tier[int(r.rand()*float64(len(tier)))%len(tier)]
	}

	pick := r.rand() * total
	for i, w := range weights {
		if pick < w {
			return tier[i]
		}
		pick -= w
	}
	return tier[len(tier)-1]
}
