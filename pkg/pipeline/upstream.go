package pipeline

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/corvane/keyrelay/pkg/configcache"
)

// buildUpstreamURL forms the outbound request path for a provider family.
// endpoint is the client-facing route name ("messages", "chat.completions",
// "responses", "generateContent", "streamGenerateContent"); a provider
// whose own family differs from the client's native one still gets the
// path its family expects, since that's what the provider understands.
func buildUpstreamURL(prov *configcache.Provider, providerFamily, endpoint, model string, stream bool) string {
	base := strings.TrimRight(prov.URL, "/")
	switch providerFamily {
	case "claude":
		return base + "/v1/messages"
	case "gemini":
		action := "generateContent"
		if stream {
			action = "streamGenerateContent"
		}
		return fmt.Sprintf("%s/v1beta/models/%s:%s", base, model, action)
	case "responses":
		return base + "/v1/responses"
	default:
		if endpoint == "responses" {
			return base + "/v1/responses"
		}
		return base + "/v1/chat/completions"
	}
}

// buildHeaders sets the provider's own auth scheme, distinct per family.
func buildHeaders(prov *configcache.Provider, providerFamily string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	switch providerFamily {
	case "claude":
		h.Set("x-api-key", prov.APIKey)
		h.Set("anthropic-version", "2023-06-01")
	case "gemini":
		h.Set("x-goog-api-key", prov.APIKey)
	default:
		h.Set("Authorization", "Bearer "+prov.APIKey)
	}
	return h
}
