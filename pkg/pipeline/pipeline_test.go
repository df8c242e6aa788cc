package pipeline

import (
	"testing"

	"github.com/corvane/keyrelay/pkg/configcache"
	"github.com/corvane/keyrelay/pkg/forwarder"
	"github.com/corvane/keyrelay/pkg/translate"
)

func TestNormalizeUA(t *testing.T) {
	cases := map[string]string{
		"Claude-Code/1.0": "claudecode/1.0",
		"claude_code":     "claudecode",
		"MyApp":           "myapp",
	}
	for in, want := range cases {
		if got := normalizeUA(in); got != want {
			t.Errorf("normalizeUA(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientAllowed(t *testing.T) {
	cases := []struct {
		ua       string
		patterns []string
		want     bool
	}{
		{"Claude-Code/1.0", nil, true},
		{"Claude-Code/1.0", []string{"claude-code"}, true},
		{"claude_code/2.0", []string{"Claude-Code"}, true},
		{"curl/8.0", []string{"claude-code"}, false},
	}
	for _, c := range cases {
		if got := clientAllowed(c.ua, c.patterns); got != c.want {
			t.Errorf("clientAllowed(%q, %v) = %v, want %v", c.ua, c.patterns, got, c.want)
		}
	}
}

func TestModelAllowed(t *testing.T) {
	if !modelAllowed(nil, "gpt-4") {
		t.Fatal("empty allow-list should permit any model")
	}
	if !modelAllowed([]string{"gpt-4", "gpt-4o"}, "gpt-4o") {
		t.Fatal("expected gpt-4o to be allowed")
	}
	if modelAllowed([]string{"gpt-4"}, "gpt-4o") {
		t.Fatal("expected gpt-4o to be rejected")
	}
}

func TestMatchesWarmup(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "quota check: just checking connectivity"},
		},
	}
	if !matchesWarmup(body, []string{"quota check"}) {
		t.Fatal("expected fingerprint match")
	}
	if matchesWarmup(body, []string{"unrelated phrase"}) {
		t.Fatal("expected no match")
	}
	if matchesWarmup(body, nil) {
		t.Fatal("no fingerprints configured should never match")
	}
}

func TestMatchesWarmupSkipsAssistantTurns(t *testing.T) {
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "assistant", "content": "warmup probe"},
			map[string]any{"role": "user", "content": "real question"},
		},
	}
	if matchesWarmup(body, []string{"warmup probe"}) {
		t.Fatal("assistant turn text should not be scanned for the probe fingerprint")
	}
}

func TestWarmupResponseShapes(t *testing.T) {
	if _, ok := warmupResponse("gemini")["candidates"]; !ok {
		t.Fatal("expected gemini shape to carry candidates")
	}
	if _, ok := warmupResponse("openai")["choices"]; !ok {
		t.Fatal("expected openai shape to carry choices")
	}
	if _, ok := warmupResponse("claude")["content"]; !ok {
		t.Fatal("expected default/claude shape to carry content")
	}
}

func TestFindModelPrice(t *testing.T) {
	prices := []*configcache.ModelPrice{
		{Model: "claude-3-5-sonnet", InputPerMTok: 3, OutputPerMTok: 15},
		{Model: "gpt-4o", InputPerMTok: 2.5, OutputPerMTok: 10},
	}
	if p := findModelPrice(prices, "gpt-4o"); p == nil || p.Model != "gpt-4o" {
		t.Fatalf("expected exact match for gpt-4o, got %v", p)
	}
	if p := findModelPrice(prices, "claude-3-5-sonnet-20241022"); p == nil || p.Model != "claude-3-5-sonnet" {
		t.Fatalf("expected prefix match for dated snapshot, got %v", p)
	}
	if p := findModelPrice(prices, "unknown-model"); p != nil {
		t.Fatalf("expected nil for unknown model, got %v", p)
	}
}

func TestComputeCost(t *testing.T) {
	price := &configcache.ModelPrice{InputPerMTok: 3, OutputPerMTok: 15}
	usage := translate.NormalizedUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	cost, estimated := computeCost(usage, 1, price)
	if estimated {
		t.Fatal("priced usage should not be marked estimated")
	}
	if cost != 18 {
		t.Fatalf("cost = %v, want 18", cost)
	}

	cost, estimated = computeCost(usage, 2, price)
	if cost != 36 {
		t.Fatalf("cost multiplier not applied: cost = %v, want 36", cost)
	}
	_ = estimated

	if cost, estimated := computeCost(usage, 1, nil); cost != 0 || !estimated {
		t.Fatalf("nil price should cost 0 and be estimated, got cost=%v estimated=%v", cost, estimated)
	}
}

func TestEstimateRequestCost(t *testing.T) {
	prices := []*configcache.ModelPrice{{Model: "gpt-4o", InputPerMTok: 2.5, OutputPerMTok: 10}}

	if got := estimateRequestCost(prices, "unknown-model", map[string]any{}); got != 0 {
		t.Fatalf("expected 0 estimate for a model outside the price catalog, got %v", got)
	}

	withMax := map[string]any{"model": "gpt-4o", "max_tokens": float64(500), "messages": []any{
		map[string]any{"role": "user", "content": "hello there"},
	}}
	if got := estimateRequestCost(prices, "gpt-4o", withMax); got <= 0 {
		t.Fatalf("expected a positive estimate honoring max_tokens, got %v", got)
	}

	withoutMax := map[string]any{"model": "gpt-4o", "messages": []any{
		map[string]any{"role": "user", "content": "hello there"},
	}}
	biggerEstimate := estimateRequestCost(prices, "gpt-4o", withoutMax)
	smallerEstimate := estimateRequestCost(prices, "gpt-4o", withMax)
	if biggerEstimate <= smallerEstimate {
		t.Fatalf("expected the default output-token guess (%v) to exceed a declared max_tokens=500 (%v)", biggerEstimate, smallerEstimate)
	}
}

func TestBuildUpstreamURL(t *testing.T) {
	claude := &configcache.Provider{URL: "https://api.example.com/"}
	if got := buildUpstreamURL(claude, "claude", "messages", "claude-3-5-sonnet", false); got != "https://api.example.com/v1/messages" {
		t.Fatalf("claude URL = %q", got)
	}

	gemini := &configcache.Provider{URL: "https://generativelanguage.googleapis.com"}
	if got := buildUpstreamURL(gemini, "gemini", "generateContent", "gemini-1.5-pro", false); got != "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-pro:generateContent" {
		t.Fatalf("gemini non-stream URL = %q", got)
	}
	if got := buildUpstreamURL(gemini, "gemini", "streamGenerateContent", "gemini-1.5-pro", true); got != "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-pro:streamGenerateContent" {
		t.Fatalf("gemini stream URL = %q", got)
	}

	openai := &configcache.Provider{URL: "https://api.openai.com"}
	if got := buildUpstreamURL(openai, "openai", "chat.completions", "gpt-4o", false); got != "https://api.openai.com/v1/chat/completions" {
		t.Fatalf("openai chat URL = %q", got)
	}
	if got := buildUpstreamURL(openai, "openai", "responses", "gpt-4o", false); got != "https://api.openai.com/v1/responses" {
		t.Fatalf("openai responses URL = %q", got)
	}
}

func TestBuildHeaders(t *testing.T) {
	claude := &configcache.Provider{APIKey: "sk-claude"}
	if got := buildHeaders(claude, "claude").Get("x-api-key"); got != "sk-claude" {
		t.Fatalf("claude headers missing x-api-key, got %q", got)
	}
	gemini := &configcache.Provider{APIKey: "sk-gemini"}
	if got := buildHeaders(gemini, "gemini").Get("x-goog-api-key"); got != "sk-gemini" {
		t.Fatalf("gemini headers missing x-goog-api-key, got %q", got)
	}
	openai := &configcache.Provider{APIKey: "sk-openai"}
	if got := buildHeaders(openai, "openai").Get("Authorization"); got != "Bearer sk-openai" {
		t.Fatalf("openai headers missing bearer auth, got %q", got)
	}
}

func TestBreakerRelevant(t *testing.T) {
	cases := []struct {
		class              forwarder.Classification
		countNetworkErrors bool
		want               bool
	}{
		{forwarder.Upstream5xx, false, true},
		{forwarder.Timeout, false, true},
		{forwarder.Upstream4xx, false, false},
		{forwarder.Upstream4xx, true, false},
		{forwarder.ConnectionError, false, false},
		{forwarder.ConnectionError, true, true},
		{forwarder.TranslationError, true, false},
	}
	for _, c := range cases {
		if got := breakerRelevant(c.class, c.countNetworkErrors); got != c.want {
			t.Errorf("breakerRelevant(%v, %v) = %v, want %v", c.class, c.countNetworkErrors, got, c.want)
		}
	}
}

func TestErrorBlockedBy(t *testing.T) {
	cases := map[Kind]string{
		KindClientNotAllowed: "client",
		KindRateLimited:      "rate",
		KindUnauthorized:     "policy",
		KindNoProvider:       "",
		KindUpstream:         "",
	}
	for kind, want := range cases {
		e := &Error{Kind: kind}
		if got := e.BlockedBy(); got != want {
			t.Errorf("Error{Kind: %v}.BlockedBy() = %q, want %q", kind, got, want)
		}
	}
}

// TestTranslateRequestCarriesModelAcrossGeminiAsymmetry exercises the one
// case Registry.Translate can't handle on its own: GeminiCodec never reads
// or writes a "model" field (Gemini's model lives in the URL), so a plain
// decode/encode round trip would silently lose it. translateRequest sets
// NormalizedRequest.Model explicitly after decoding, independent of
// whichever side of the hop is Gemini.
func TestTranslateRequestCarriesModelAcrossGeminiAsymmetry(t *testing.T) {
	h := &Handler{d: Deps{Translate: translate.NewRegistry()}}

	openaiBody := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}

	geminiBody, err := h.translateRequest("openai", "gemini", openaiBody, "gemini-1.5-pro-redirected", false)
	if err != nil {
		t.Fatalf("openai->gemini translate: %v", err)
	}
	if _, ok := geminiBody["model"]; ok {
		t.Fatal("gemini codec should not emit a body-level model field")
	}
	if _, ok := geminiBody["contents"]; !ok {
		t.Fatal("expected gemini request to carry translated contents")
	}

	backToOpenAI, err := h.translateRequest("gemini", "openai", geminiBody, "gpt-4o-mini", false)
	if err != nil {
		t.Fatalf("gemini->openai translate: %v", err)
	}
	if got := backToOpenAI["model"]; got != "gpt-4o-mini" {
		t.Fatalf("expected explicit model override to reach the openai body, got %v", got)
	}
}

func TestTranslateRequestClaudeOpenAIRoundTrip(t *testing.T) {
	h := &Handler{d: Deps{Translate: translate.NewRegistry()}}

	claudeBody := map[string]any{
		"model":      "claude-3-5-sonnet-20241022",
		"max_tokens": float64(1024),
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}

	out, err := h.translateRequest("claude", "openai", claudeBody, "gpt-4o", true)
	if err != nil {
		t.Fatalf("claude->openai translate: %v", err)
	}
	if got := out["model"]; got != "gpt-4o" {
		t.Fatalf("expected redirected model gpt-4o, got %v", got)
	}
	if got, _ := out["stream"].(bool); !got {
		t.Fatal("expected stream flag to carry through")
	}
}
