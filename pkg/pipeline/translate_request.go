package pipeline

import (
	"github.com/corvane/keyrelay/pkg/configcache"
)

// clientTranslateFamily maps a client-facing family to the codec family
// that models its wire shape.
func clientTranslateFamily(f configcache.ClientFamily) string {
	switch f {
	case configcache.FamilyClaude:
		return "claude"
	case configcache.FamilyGemini:
		return "gemini"
	case configcache.FamilyResponses:
		return "responses"
	default:
		return "openai"
	}
}

// providerTranslateFamily maps a provider's type to its codec family.
func providerTranslateFamily(pt configcache.ProviderType) string {
	switch pt {
	case configcache.ProviderClaude, configcache.ProviderClaudeAuth:
		return "claude"
	case configcache.ProviderGemini, configcache.ProviderGeminiCLI:
		return "gemini"
	case configcache.ProviderCodex:
		return "responses"
	default:
		return "openai"
	}
}

// translateRequest decodes body in sourceFamily and re-encodes it for
// destFamily, explicitly overriding the normalized model and stream flag
// rather than trusting the round trip through Registry.Translate: Gemini's
// codec never reads or writes a "model" field (Gemini carries its model in
// the URL, not the body), so a bare Translate call silently drops the
// model, and a per-provider modelRedirects override would have nowhere to
// land, when either side of the hop is Gemini.
func (h *Handler) translateRequest(sourceFamily, destFamily string, body map[string]any, model string, stream bool) (map[string]any, error) {
	src, err := h.d.Translate.Codec(sourceFamily)
	if err != nil {
		return nil, err
	}
	dst, err := h.d.Translate.Codec(destFamily)
	if err != nil {
		return nil, err
	}
	norm, err := src.DecodeRequest(body)
	if err != nil {
		return nil, err
	}
	norm.Model = model
	norm.Stream = stream
	return dst.EncodeRequest(norm)
}
