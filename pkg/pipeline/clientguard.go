package pipeline

import "strings"

var uaCollapser = strings.NewReplacer("-", "", "_", "")

// normalizeUA lowercases and collapses dashes/underscores so that
// "Claude-Code/1.0" and "claude_code" match the same allowedClients pattern.
func normalizeUA(ua string) string {
	return uaCollapser.Replace(strings.ToLower(ua))
}

// clientAllowed reports whether ua satisfies the user's allowedClients
// patterns. An empty pattern list means unrestricted.
func clientAllowed(ua string, allowedClients []string) bool {
	if len(allowedClients) == 0 {
		return true
	}
	norm := normalizeUA(ua)
	for _, pattern := range allowedClients {
		if pattern == "" {
			continue
		}
		if strings.Contains(norm, normalizeUA(pattern)) {
			return true
		}
	}
	return false
}

// modelAllowed reports whether model satisfies a user's or provider's
// allowedModels allow-list. An empty list means unrestricted.
func modelAllowed(allowedModels []string, model string) bool {
	if len(allowedModels) == 0 {
		return true
	}
	for _, m := range allowedModels {
		if m == model {
			return true
		}
	}
	return false
}
