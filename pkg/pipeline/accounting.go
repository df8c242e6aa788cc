package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/corvane/keyrelay/internal/httpserver"
	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/provider"
	"github.com/corvane/keyrelay/pkg/ratelimit"
	"github.com/corvane/keyrelay/pkg/session"
	"github.com/corvane/keyrelay/pkg/translate"
	"github.com/corvane/keyrelay/pkg/usagesink"
)

// fail writes the uniform error envelope and, when the failure is an
// admission-guard rejection attributable to a known user, records a
// zero-usage RequestOutcome carrying its blockedBy tag.
func (h *Handler) fail(w http.ResponseWriter, err *Error, user *configcache.User, er endpointRequest, requestID string) {
	httpserver.RespondError(w, err.Status, string(err.Kind), err.Message, err.Params)

	blockedBy := err.BlockedBy()
	if user == nil || blockedBy == "" {
		return
	}
	h.d.Sink.Enqueue(usagesink.RequestOutcome{
		RequestID:  requestID,
		UserID:     user.ID,
		Endpoint:   er.endpoint,
		StatusCode: err.Status,
		BlockedBy:  blockedBy,
		ErrorMessage: err.Message,
	}, true)
}

// writeWarmup answers an intercepted connectivity probe with a canned
// reply and records the zero-cost outcome without touching rate limits,
// the session store, or any provider.
func (h *Handler) writeWarmup(w http.ResponseWriter, user *configcache.User, family configcache.ClientFamily, endpoint, requestID string) {
	w.Header().Set("x-cch-intercepted", "warmup")
	w.Header().Set("Content-Type", "application/json")
	httpserver.Respond(w, http.StatusOK, warmupResponse(string(family)))

	h.d.Sink.Enqueue(usagesink.RequestOutcome{
		RequestID:  requestID,
		UserID:     user.ID,
		Endpoint:   endpoint,
		StatusCode: http.StatusOK,
		BlockedBy:  "warmup",
	}, true)
}

// accountingInput bundles everything the final step needs to compute cost
// and fan updates out to the rate limiter, session store, and usage sink.
type accountingInput struct {
	requestID       string
	user            *configcache.User
	key             *configcache.Key
	session         *session.Session
	requestSequence int64
	endpoint        string
	model           string
	redirectedModel string
	providerID      int64
	costMultiplier  float64
	statusCode      int
	usage           translate.NormalizedUsage
	chain           []provider.ChainEntry
	durationMs      int64
	ttfbMs          int64
	userAgent       string
	blockedBy       string
	errorMessage    string
}

// account computes the request's cost, updates the rate limiter's cost
// windows and the session manager's aggregates, and emits the terminal
// RequestOutcome. Circuit-breaker counters are not touched here; the
// forward loop reports each attempt to the breaker.
func (h *Handler) account(ctx context.Context, in accountingInput) {
	prices, err := h.d.Cache.ModelPrices(ctx)
	if err != nil {
		h.d.Logger.Warn("loading model prices for accounting", "error", err)
	}
	price := findModelPrice(prices, in.redirectedModel)
	cost, estimated := computeCost(in.usage, in.costMultiplier, price)

	now := time.Now()
	h.d.Limiter.TrackCost(ctx, ratelimit.SubjectUser, in.user.ID, cost, in.requestID, now)
	h.d.Limiter.TrackCost(ctx, ratelimit.SubjectKey, in.key.ID, cost, in.requestID, now)
	h.d.Limiter.TrackCost(ctx, ratelimit.SubjectProvider, in.providerID, cost, in.requestID, now)
	h.d.Limiter.TrackUserDailyCost(ctx, in.user.ID, cost, in.user.DailyResetTime, in.user.DailyResetMode == configcache.ResetRolling, now)

	h.d.Sessions.UpdateAfterRequest(ctx, in.session.ID, in.providerID, in.usage.InputTokens, in.usage.OutputTokens, cost, in.durationMs)

	chain := make([]usagesink.ChainEntry, 0, len(in.chain))
	for _, c := range in.chain {
		chain = append(chain, usagesink.ChainEntry{ProviderID: c.ProviderID, Outcome: c.Outcome})
	}

	h.d.Sink.Enqueue(usagesink.RequestOutcome{
		RequestID:           in.requestID,
		UserID:              in.user.ID,
		KeyID:               in.key.ID,
		ProviderID:          in.providerID,
		SessionID:           in.session.ID,
		RequestSequence:     in.requestSequence,
		Endpoint:            in.endpoint,
		Model:               in.model,
		RedirectedModel:     in.redirectedModel,
		StatusCode:          in.statusCode,
		InputTokens:         in.usage.InputTokens,
		OutputTokens:        in.usage.OutputTokens,
		CacheCreationTokens: in.usage.CacheCreationTokens,
		CacheReadTokens:     in.usage.CacheReadTokens,
		CostUSD:             cost,
		CostMultiplier:      in.costMultiplier,
		CostEstimated:       estimated,
		DurationMs:          in.durationMs,
		TTFBMs:              in.ttfbMs,
		ErrorMessage:        in.errorMessage,
		ProviderChain:       chain,
		BlockedBy:           in.blockedBy,
		UserAgent:           in.userAgent,
	}, true)
}
