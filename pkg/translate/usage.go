package translate

// minCacheDelta is the smallest input-size growth, in tokens, attributed to
// cache creation rather than folded entirely into it — below this threshold
// the delta is noise and is all counted as newly-cached content.
const minCacheDelta = 50

// EstimateUsage fills in cache_creation/cache_read token counts when a
// provider's response omits them, using the previous request's known input
// size for the same session. Estimated counts are tagged so downstream
// accounting can apply the documented cost tolerance to them.
func EstimateUsage(u NormalizedUsage, previousInputTokens int64, hadPriorTurn bool) NormalizedUsage {
	if u.CacheCreationTokens != 0 || u.CacheReadTokens != 0 {
		return u // provider reported real cache figures, nothing to estimate
	}
	if !hadPriorTurn {
		u.CacheCreationTokens = u.InputTokens
		u.Estimated = true
		return u
	}

	delta := u.InputTokens - previousInputTokens
	switch {
	case delta <= minCacheDelta:
		u.CacheCreationTokens = u.InputTokens
	default:
		u.CacheReadTokens = previousInputTokens
		u.CacheCreationTokens = delta
	}
	u.Estimated = true
	return u
}
