package pipeline

import (
	"context"

	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/ratelimit"
)

// slot is a concurrency reservation made during admission; held open for
// the lifetime of the request and released once by releaseSlots (deferred
// in the request handler) regardless of outcome.
type slot struct {
	subject   ratelimit.Subject
	id        int64
	sessionID string
}

// checkRateLimits runs the admission guards in the fixed order spec'd for
// the proxy pipeline: user-total, user-RPM, user-daily, user-5h/weekly/
// monthly, key-total, key-daily/5h/weekly/monthly, user-concurrent-sessions,
// key-concurrent-sessions. The first failing dimension wins. Successful
// concurrency reservations are returned so the caller releases them after
// the request finishes (success or failure) rather than leaking a slot.
//
// estimatedCost is the pre-forward cost guess from estimateRequestCost,
// added to each window's already-spent total so a request that would cross
// a limit is blocked before forwarding rather than only the one after it.
func (h *Handler) checkRateLimits(ctx context.Context, user *configcache.User, key *configcache.Key, sessionID string, estimatedCost float64) ([]slot, *Error) {
	var held []slot

	if res := h.d.Limiter.CheckCostLimits(ctx, ratelimit.SubjectUser, user.ID, ratelimit.Limits{LimitTotalUSD: user.Quotas.LimitTotalUSD}, estimatedCost); !res.Allowed {
		return held, rateLimitError(res)
	}
	if res := h.d.Limiter.CheckRPM(ctx, ratelimit.SubjectUser, user.ID, user.RPMLimit); !res.Allowed {
		return held, rateLimitError(res)
	}
	if res := h.d.Limiter.CheckCostLimits(ctx, ratelimit.SubjectUser, user.ID, ratelimit.Limits{LimitDailyUSD: user.Quotas.LimitDailyUSD}, estimatedCost); !res.Allowed {
		return held, rateLimitError(res)
	}
	if res := h.d.Limiter.CheckCostLimits(ctx, ratelimit.SubjectUser, user.ID, ratelimit.Limits{
		Limit5hUSD:      user.Quotas.Limit5hUSD,
		LimitWeeklyUSD:  user.Quotas.LimitWeeklyUSD,
		LimitMonthlyUSD: user.Quotas.LimitMonthlyUSD,
	}, estimatedCost); !res.Allowed {
		return held, rateLimitError(res)
	}

	if res := h.d.Limiter.CheckCostLimits(ctx, ratelimit.SubjectKey, key.ID, ratelimit.Limits{LimitTotalUSD: key.Quotas.LimitTotalUSD}, estimatedCost); !res.Allowed {
		return held, rateLimitError(res)
	}
	if res := h.d.Limiter.CheckCostLimits(ctx, ratelimit.SubjectKey, key.ID, ratelimit.Limits{
		LimitDailyUSD:   key.Quotas.LimitDailyUSD,
		Limit5hUSD:      key.Quotas.Limit5hUSD,
		LimitWeeklyUSD:  key.Quotas.LimitWeeklyUSD,
		LimitMonthlyUSD: key.Quotas.LimitMonthlyUSD,
	}, estimatedCost); !res.Allowed {
		return held, rateLimitError(res)
	}

	if allowed, tracked := h.d.Limiter.CheckAndTrackProviderSession(ctx, ratelimit.SubjectUser, user.ID, sessionID, user.Quotas.ConcurrentSessionLimit); !allowed {
		return held, &Error{Kind: KindRateLimited, Status: 429, Message: "user concurrent session limit exceeded"}
	} else if tracked {
		held = append(held, slot{subject: ratelimit.SubjectUser, id: user.ID, sessionID: sessionID})
	}
	if allowed, tracked := h.d.Limiter.CheckAndTrackProviderSession(ctx, ratelimit.SubjectKey, key.ID, sessionID, key.Quotas.ConcurrentSessionLimit); !allowed {
		return held, &Error{Kind: KindRateLimited, Status: 429, Message: "key concurrent session limit exceeded"}
	} else if tracked {
		held = append(held, slot{subject: ratelimit.SubjectKey, id: key.ID, sessionID: sessionID})
	}

	return held, nil
}

func rateLimitError(res ratelimit.CheckResult) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Status:  429,
		Message: "rate limit exceeded",
		Params: map[string]any{
			"scope":   string(res.Reason),
			"current": res.Current,
			"limit":   res.Limit,
		},
	}
}

// releaseSlots untracks every concurrency reservation held for a request.
func (h *Handler) releaseSlots(ctx context.Context, held []slot) {
	for _, s := range held {
		h.d.Limiter.Untrack(ctx, s.subject, s.id, s.sessionID)
	}
}
