package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/translate"
)

// defaultEstimatedOutputTokens is the output-size guess used when a request
// doesn't declare max_tokens/max_output_tokens, so admission still has a
// non-zero figure to weigh against a near-exhausted window.
const defaultEstimatedOutputTokens = 1024

// estimatedCharsPerToken is the same rough heuristic spec.md's fallback
// usage estimator leans on elsewhere (english prose averages ~4 chars per
// token); good enough to keep a request from sliding past a window it would
// actually cross, not a precise tokenizer.
const estimatedCharsPerToken = 4

// estimateRequestCost produces a pre-forward cost estimate from the raw
// request body and the model's catalog price, so admission can block a
// request that would cross a window instead of only the one after it
// already has. The provider isn't chosen yet at this point, so the
// estimate ignores any per-provider cost multiplier (treated as 1) and
// carries the same ±error tolerance spec.md already allows for heuristic
// cost figures.
func estimateRequestCost(prices []*configcache.ModelPrice, model string, body map[string]any) float64 {
	price := findModelPrice(prices, model)
	if price == nil {
		return 0
	}

	raw, _ := json.Marshal(body)
	inputTokens := int64(len(raw) / estimatedCharsPerToken)

	outputTokens := int64(defaultEstimatedOutputTokens)
	if mt, ok := body["max_tokens"].(float64); ok && mt > 0 {
		outputTokens = int64(mt)
	} else if mt, ok := body["max_output_tokens"].(float64); ok && mt > 0 {
		outputTokens = int64(mt)
	}

	usage := translate.NormalizedUsage{InputTokens: inputTokens, OutputTokens: outputTokens}
	cost, _ := computeCost(usage, 1, price)
	return cost
}

// findModelPrice looks up the per-token price for a model, falling back to
// a prefix match (e.g. "claude-3-5-sonnet-20241022" against a catalog entry
// of "claude-3-5-sonnet") since providers mint dated model snapshots faster
// than price tables get updated.
func findModelPrice(prices []*configcache.ModelPrice, model string) *configcache.ModelPrice {
	for _, p := range prices {
		if p.Model == model {
			return p
		}
	}
	for _, p := range prices {
		if strings.HasPrefix(model, p.Model) {
			return p
		}
	}
	return nil
}

// computeCost applies a provider's cost multiplier to the metered token usage at
// the resolved model's price. A nil price means the model isn't in the
// catalog; the request still completes but costs 0 and is flagged estimated.
func computeCost(usage translate.NormalizedUsage, costMultiplier float64, price *configcache.ModelPrice) (cost float64, estimated bool) {
	if price == nil {
		return 0, true
	}
	if costMultiplier <= 0 {
		costMultiplier = 1
	}
	const perToken = 1.0 / 1_000_000
	raw := float64(usage.InputTokens)*price.InputPerMTok*perToken +
		float64(usage.OutputTokens)*price.OutputPerMTok*perToken +
		float64(usage.CacheCreationTokens)*price.CacheCreatePerMTok*perToken +
		float64(usage.CacheReadTokens)*price.CacheReadPerMTok*perToken
	return raw * costMultiplier, usage.Estimated
}
