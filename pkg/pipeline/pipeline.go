package pipeline

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/corvane/keyrelay/internal/httpserver"
	"github.com/corvane/keyrelay/pkg/breaker"
	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/forwarder"
	"github.com/corvane/keyrelay/pkg/provider"
	"github.com/corvane/keyrelay/pkg/ratelimit"
	"github.com/corvane/keyrelay/pkg/session"
	"github.com/corvane/keyrelay/pkg/translate"
	"github.com/corvane/keyrelay/pkg/usagesink"
)

// Deps wires every other component into the pipeline.
type Deps struct {
	Cache     *configcache.Cache
	Limiter   *ratelimit.Service
	Sessions  *session.Manager
	Breaker   *breaker.Breaker
	Resolver  *provider.Resolver
	Translate *translate.Registry
	Forwarder *forwarder.Forwarder
	Sink      *usagesink.Writer
	Logger    *slog.Logger

	EnableRateLimit            bool
	StoreSessionMessages       bool
	BreakerCountsNetworkErrors bool
}

// Handler holds the dependencies needed to serve every inbound family.
type Handler struct {
	d Deps
}

func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

// endpointRequest is the per-call identity passed in by the thin route
// handlers: which wire family and route this request arrived on, plus
// whatever the route already knows about model/stream from the URL
// (only Gemini's path-embedded model:action shape needs this).
type endpointRequest struct {
	family     configcache.ClientFamily
	endpoint   string
	pathModel  string
	pathStream *bool
}

// handle implements the full admission-to-accounting sequence described
// for the proxy pipeline. Authentication runs before the client guard
// even though it is numbered after it: allowedClients is a per-user
// field, so there is no user record to check against until the API key
// has resolved one.
func (h *Handler) handle(w http.ResponseWriter, r *http.Request, er endpointRequest) {
	ctx := r.Context()
	start := time.Now()
	requestID := httpserver.RequestIDFromContext(ctx)

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		h.fail(w, &Error{Kind: KindBadRequest, Status: 400, Message: "reading request body"}, nil, er, requestID)
		return
	}
	body, err := forwarder.DecodeJSONBody(bytes.NewReader(rawBody))
	if err != nil {
		h.fail(w, &Error{Kind: KindBadRequest, Status: 400, Message: "invalid JSON body"}, nil, er, requestID)
		return
	}

	model := er.pathModel
	if model == "" {
		model, _ = body["model"].(string)
	}
	stream := false
	if er.pathStream != nil {
		stream = *er.pathStream
	} else if s, ok := body["stream"].(bool); ok {
		stream = s
	}

	user, key, aerr := h.authenticate(ctx, extractAPIKey(r))
	if aerr != nil {
		h.fail(w, aerr, nil, er, requestID)
		return
	}

	ua := r.UserAgent()
	if !clientAllowed(ua, user.AllowedClients) {
		h.fail(w, &Error{Kind: KindClientNotAllowed, Status: 403, Message: "client not allowed"}, user, er, requestID)
		return
	}
	if !modelAllowed(user.AllowedModels, model) {
		h.fail(w, &Error{Kind: KindBadRequest, Status: 403, Message: "model not allowed for this user"}, user, er, requestID)
		return
	}

	settings := h.d.Cache.Settings(ctx)
	if settings.InterceptAnthropicWarmupRequests && matchesWarmup(body, settings.WarmupFingerprints) {
		h.writeWarmup(w, user, er.family, er.endpoint, requestID)
		return
	}

	clientSessionID := session.ExtractClientSessionID(body)
	firstMsg := firstUserMessageText(body)
	sess, err := h.d.Sessions.GetOrCreateSessionID(ctx, user.ID, key.ID, clientSessionID, firstMsg, ua, model)
	if err != nil {
		h.fail(w, &Error{Kind: KindInternal, Status: 500, Message: err.Error()}, user, er, requestID)
		return
	}
	seq, err := h.d.Sessions.GetNextRequestSequence(ctx, sess.ID)
	if err != nil {
		h.fail(w, &Error{Kind: KindInternal, Status: 500, Message: err.Error()}, user, er, requestID)
		return
	}
	h.d.Sessions.Touch(ctx, sess.ID)
	if h.d.StoreSessionMessages {
		go h.d.Sessions.StorePayload(context.WithoutCancel(ctx), sess.ID, "req", rawBody)
	}

	var held []slot
	if h.d.EnableRateLimit {
		prices, err := h.d.Cache.ModelPrices(ctx)
		if err != nil {
			h.d.Logger.Warn("loading model prices for admission estimate", "error", err)
		}
		estimatedCost := estimateRequestCost(prices, model, body)

		var rerr *Error
		held, rerr = h.checkRateLimits(ctx, user, key, sess.ID, estimatedCost)
		if rerr != nil {
			h.releaseSlots(ctx, held)
			h.fail(w, rerr, user, er, requestID)
			return
		}
	}
	defer h.releaseSlots(ctx, held)

	outcome, _, ferr := h.forward(ctx, forwardParams{
		clientFamily:    er.family,
		endpoint:        er.endpoint,
		model:           model,
		effectiveGroups: key.EffectiveProviderGroup(user),
		boundProviderID: sess.LastProviderID,
		sessionID:       sess.ID,
		body:            body,
		stream:          stream,
	})
	if ferr != nil {
		h.fail(w, ferr, user, er, requestID)
		return
	}

	w.Header().Set("x-cch-session-id", sess.ID)
	w.Header().Set("x-cch-request-sequence", itoa(seq))
	w.Header().Set("x-cch-provider", outcome.provider.Name)

	var usage translate.NormalizedUsage
	var writeErr error
	if stream {
		usage, writeErr = h.writeStream(w, clientTranslateFamily(er.family), outcome.providerFamily, outcome.resp)
	} else {
		usage, writeErr = h.writeNonStream(w, clientTranslateFamily(er.family), outcome.providerFamily, outcome.resp)
	}
	if writeErr != nil {
		h.d.Logger.Warn("error streaming response to client", "error", writeErr, "request_id", requestID)
	}
	h.d.Limiter.Untrack(ctx, ratelimit.SubjectProvider, outcome.provider.ID, sess.ID)

	h.account(ctx, accountingInput{
		requestID:       requestID,
		user:            user,
		key:             key,
		session:         sess,
		requestSequence: seq,
		endpoint:        er.endpoint,
		model:           model,
		redirectedModel: outcome.redirectedModel,
		providerID:      outcome.provider.ID,
		costMultiplier:  outcome.provider.CostMultiplier,
		statusCode:      outcome.resp.StatusCode,
		usage:           usage,
		chain:           outcome.chain,
		durationMs:      time.Since(start).Milliseconds(),
		ttfbMs:          outcome.ttfbMs,
		userAgent:       ua,
		blockedBy:       "",
		errorMessage:    "",
	})
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
