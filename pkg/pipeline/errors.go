// Package pipeline orchestrates one inbound request end to end: client
// guard, authentication, warmup interception, session binding, rate-limit
// admission, the provider forward loop, and outcome accounting. It is the
// single place that calls every other component in sequence.
package pipeline

import "fmt"

// Kind classifies a pipeline failure for both the HTTP status mapping and
// the RequestOutcome.blockedBy field.
type Kind string

const (
	KindClientNotAllowed Kind = "client_not_allowed"
	KindUnauthorized     Kind = "unauthorized"
	KindBadRequest       Kind = "bad_request"
	KindRateLimited      Kind = "rate_limited"
	KindNoProvider       Kind = "no_provider_available"
	KindUpstream         Kind = "upstream_error"
	KindInternal         Kind = "internal_error"
)

// Error is the uniform failure type surfaced through httpserver.RespondError.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Params  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// BlockedBy maps an error's kind to the RequestOutcome.blockedBy tag, or ""
// for kinds that aren't an admission-guard rejection.
func (e *Error) BlockedBy() string {
	switch e.Kind {
	case KindClientNotAllowed:
		return "client"
	case KindRateLimited:
		return "rate"
	case KindUnauthorized:
		return "policy"
	}
	return ""
}
