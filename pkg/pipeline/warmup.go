package pipeline

import "strings"

// firstUserMessageText extracts a best-effort plain-text rendering of the
// first user message, used both to derive a session id and to scan for a
// warmup fingerprint. It understands the three wire shapes well enough for
// that purpose without fully decoding the request.
func firstUserMessageText(body map[string]any) string {
	msgs, _ := body["messages"].([]any)
	if msgs == nil {
		msgs, _ = body["contents"].([]any)
	}
	for _, rm := range msgs {
		m, ok := rm.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "assistant" || role == "model" {
			continue
		}
		return messageText(m)
	}
	return ""
}

func messageText(m map[string]any) string {
	switch c := m["content"].(type) {
	case string:
		return c
	case []any:
		return joinParts(c)
	}
	if parts, ok := m["parts"].([]any); ok {
		return joinParts(parts)
	}
	return ""
}

func joinParts(parts []any) string {
	var sb strings.Builder
	for _, rp := range parts {
		pm, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			sb.WriteString(text)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func systemText(body map[string]any) string {
	if s, ok := body["system"].(string); ok {
		return s
	}
	if si, ok := body["systemInstruction"].(map[string]any); ok {
		if parts, ok := si["parts"].([]any); ok {
			return joinParts(parts)
		}
	}
	return ""
}

// matchesWarmup reports whether the request's first user message or system
// text contains one of the configured connectivity-probe fingerprints.
func matchesWarmup(body map[string]any, fingerprints []string) bool {
	if len(fingerprints) == 0 {
		return false
	}
	haystack := strings.ToLower(firstUserMessageText(body) + "\n" + systemText(body))
	for _, fp := range fingerprints {
		if fp == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(fp)) {
			return true
		}
	}
	return false
}

// warmupResponse builds the canned body returned for an intercepted warmup
// probe, shaped close enough to a real empty reply that a client's
// connectivity check is satisfied without forwarding to a provider.
func warmupResponse(family string) map[string]any {
	switch family {
	case "openai", "responses":
		return map[string]any{
			"id":      "warmup",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": "I'm ready to help you."}, "finish_reason": "stop"}},
		}
	case "gemini":
		return map[string]any{
			"candidates": []map[string]any{{"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": "I'm ready to help you."}}}, "finishReason": "STOP"}},
		}
	default:
		return map[string]any{
			"type":        "message",
			"role":        "assistant",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "I'm ready to help you."}},
		}
	}
}
