package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/corvane/keyrelay/pkg/breaker"
	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/forwarder"
	"github.com/corvane/keyrelay/pkg/provider"
	"github.com/corvane/keyrelay/pkg/ratelimit"
)

// forwardParams is the per-request input to the forward loop.
type forwardParams struct {
	clientFamily    configcache.ClientFamily
	endpoint        string
	model           string
	effectiveGroups []string
	boundProviderID int64
	sessionID       string
	body            map[string]any
	stream          bool
}

// forwardOutcome is what a successful forward loop hands back for the
// response writer and accounting step.
type forwardOutcome struct {
	provider        *configcache.Provider
	providerFamily  string
	redirectedModel string
	resp            *forwarder.Response
	chain           []provider.ChainEntry
	ttfbMs          int64
}

// forward runs the resolve → translate → send → classify loop, retrying
// against the next eligible provider on a retryable failure, up to the
// lesser of 3 attempts and the selected provider's own maxRetryAttempts.
func (h *Handler) forward(ctx context.Context, p forwardParams) (*forwardOutcome, []provider.ChainEntry, *Error) {
	tried := make(map[int64]bool)
	var chain []provider.ChainEntry
	var lastErr *forwarder.Error
	maxAttempts := 3

	for attempt := 0; attempt < maxAttempts; attempt++ {
		prov, selChain, err := h.d.Resolver.Select(ctx, provider.SelectOptions{
			Family:          p.clientFamily,
			Model:           p.model,
			EffectiveGroups: p.effectiveGroups,
			AlreadyTried:    tried,
			BoundProviderID: p.boundProviderID,
			SessionID:       p.sessionID,
		})
		chain = append(chain, selChain...)
		if err != nil {
			if errors.Is(err, provider.ErrNoProviderAvailable) {
				return nil, chain, &Error{Kind: KindNoProvider, Status: 502, Message: "no provider available"}
			}
			return nil, chain, &Error{Kind: KindInternal, Status: 500, Message: err.Error()}
		}

		if prov.Breaker.MaxRetryAttempts > 0 && prov.Breaker.MaxRetryAttempts < maxAttempts {
			maxAttempts = prov.Breaker.MaxRetryAttempts
		}

		outcome, fe := h.attempt(ctx, prov, p)
		if fe == nil {
			chain = append(chain, provider.ChainEntry{ProviderID: prov.ID, Outcome: "success"})
			outcome.chain = chain
			h.reportBreaker(ctx, prov, true, "")
			return outcome, chain, nil
		}

		lastErr = fe
		tried[prov.ID] = true
		chain = append(chain, provider.ChainEntry{ProviderID: prov.ID, Outcome: string(fe.Class)})
		h.d.Limiter.Untrack(ctx, ratelimit.SubjectProvider, prov.ID, p.sessionID)

		if breakerRelevant(fe.Class, h.d.BreakerCountsNetworkErrors) {
			h.reportBreaker(ctx, prov, false, fe.Error())
		}

		retryable := fe.Class.Retryable() || (fe.Class == forwarder.Upstream4xx && fe.StatusCode == 429)
		if !retryable || attempt == maxAttempts-1 {
			return nil, chain, &Error{
				Kind:    KindUpstream,
				Status:  upstreamStatus(fe),
				Message: fe.Error(),
				Params:  map[string]any{"providerChain": chainParams(chain)},
			}
		}
	}

	return nil, chain, &Error{
		Kind:    KindUpstream,
		Status:  upstreamStatus(lastErr),
		Message: lastErr.Error(),
		Params:  map[string]any{"providerChain": chainParams(chain)},
	}
}

// attempt translates and sends a single call to one already-selected
// provider, returning either an outcome or a classified forwarder error.
func (h *Handler) attempt(ctx context.Context, prov *configcache.Provider, p forwardParams) (*forwardOutcome, *forwarder.Error) {
	redirectedModel := p.model
	if rm, ok := prov.ModelRedirects[p.model]; ok && rm != "" {
		redirectedModel = rm
	}

	providerFamily := providerTranslateFamily(prov.Type)
	sourceFamily := clientTranslateFamily(p.clientFamily)

	reqBody, err := h.translateRequest(sourceFamily, providerFamily, p.body, redirectedModel, p.stream)
	if err != nil {
		return nil, &forwarder.Error{Class: forwarder.TranslationError, Err: err}
	}
	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &forwarder.Error{Class: forwarder.TranslationError, Err: err}
	}

	url := buildUpstreamURL(prov, providerFamily, p.endpoint, redirectedModel, p.stream)
	headers := buildHeaders(prov, providerFamily)

	fwReq := forwarder.Request{
		ProviderID: prov.ID,
		Method:     http.MethodPost,
		URL:        url,
		Headers:    headers,
		Body:       reqBytes,
		Stream:     p.stream,
		Timeouts: forwarder.Timeouts{
			FirstByte: time.Duration(prov.Timeouts.FirstByteMs) * time.Millisecond,
			Idle:      time.Duration(prov.Timeouts.IdleMs) * time.Millisecond,
			NonStream: time.Duration(prov.Timeouts.NonStreamMs) * time.Millisecond,
		},
		Proxy: forwarder.ProxyConfig{URL: prov.Proxy.URL, FallbackToDirect: prov.Proxy.FallbackToDirect},
	}

	start := time.Now()
	resp, err := h.d.Forwarder.Send(ctx, fwReq)
	ttfb := time.Since(start).Milliseconds()
	if err != nil {
		var fe *forwarder.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, &forwarder.Error{Class: forwarder.ConnectionError, Err: err}
	}

	return &forwardOutcome{
		provider:        prov,
		providerFamily:  providerFamily,
		redirectedModel: redirectedModel,
		resp:            resp,
		ttfbMs:          ttfb,
	}, nil
}

func (h *Handler) reportBreaker(ctx context.Context, prov *configcache.Provider, success bool, errMsg string) {
	cfg := breaker.Config{
		FailureThreshold:         prov.Breaker.FailureThreshold,
		OpenDurationMs:           prov.Breaker.OpenDurationMs,
		HalfOpenSuccessThreshold: prov.Breaker.HalfOpenSuccessThreshold,
	}
	h.d.Breaker.Report(ctx, fmt.Sprintf("%d", prov.ID), success, cfg, errMsg)
	if prov.VendorID != "" {
		h.d.Breaker.Report(ctx, breaker.VendorScope(prov.VendorID, string(prov.Type)), success, cfg, errMsg)
	}
}

// breakerRelevant implements the circuit breaker's failure-classification
// policy: upstream 5xx and timeouts always count, a client-induced 4xx
// never counts, and a bare connection error counts only when the operator
// has opted a provider's connectivity into tripping the breaker.
func breakerRelevant(class forwarder.Classification, countNetworkErrors bool) bool {
	switch class {
	case forwarder.Upstream5xx, forwarder.Timeout:
		return true
	case forwarder.ConnectionError:
		return countNetworkErrors
	default:
		return false
	}
}

func upstreamStatus(fe *forwarder.Error) int {
	if fe == nil {
		return 502
	}
	if fe.Class == forwarder.Upstream4xx && fe.StatusCode != 0 {
		return fe.StatusCode
	}
	return 502
}

func chainParams(chain []provider.ChainEntry) []map[string]any {
	out := make([]map[string]any, 0, len(chain))
	for _, c := range chain {
		out = append(out, map[string]any{"providerId": c.ProviderID, "outcome": c.Outcome})
	}
	return out
}
