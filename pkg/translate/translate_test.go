package translate

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestClaudeRoundTripMessage(t *testing.T) {
	body := map[string]any{
		"model":      "claude-3-opus",
		"max_tokens": float64(1024),
		"system":     "be terse",
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
		},
	}
	req, err := ClaudeCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Model != "claude-3-opus" || req.System != "be terse" || req.MaxTokens != 1024 {
		t.Fatalf("unexpected decode: %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content[0].Text != "hello" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}

	out, err := ClaudeCodec{}.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if out["model"] != "claude-3-opus" || out["system"] != "be terse" {
		t.Fatalf("unexpected re-encode: %+v", out)
	}
}

func TestOpenAISystemMessagePromotedToNormalizedSystem(t *testing.T) {
	body := map[string]any{
		"model": "gpt-4o",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	req, err := OpenAICodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.System != "be terse" {
		t.Fatalf("expected system message folded into req.System, got %+v", req)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("expected system message excluded from req.Messages, got %+v", req.Messages)
	}
}

func TestOpenAIToolCallRoundTrip(t *testing.T) {
	req := NormalizedRequest{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleAssistant, Content: []ContentBlock{
				{Type: "tool_use", ToolUseID: "call_1", ToolName: "lookup", ToolInput: map[string]any{"q": "weather"}},
			}},
			{Role: RoleTool, Content: []ContentBlock{
				{Type: "tool_result", ToolUseID: "call_1", ToolResult: "sunny"},
			}},
		},
	}
	out, err := OpenAICodec{}.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	msgs, ok := out["messages"].([]map[string]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected assistant tool_calls message + tool result message, got %+v", out["messages"])
	}
	if msgs[0]["role"] != "assistant" || msgs[1]["role"] != "tool" {
		t.Fatalf("unexpected message roles: %+v", msgs)
	}
}

func TestGeminiRoleMapping(t *testing.T) {
	body := map[string]any{
		"contents": []any{
			map[string]any{"role": "user", "parts": []any{map[string]any{"text": "hi"}}},
			map[string]any{"role": "model", "parts": []any{map[string]any{"text": "hello"}}},
		},
	}
	req, err := GeminiCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Role != RoleUser || req.Messages[1].Role != RoleAssistant {
		t.Fatalf("unexpected roles: %+v", req.Messages)
	}

	out, err := GeminiCodec{}.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	contents := out["contents"].([]map[string]any)
	if contents[1]["role"] != "model" {
		t.Fatalf("expected assistant to re-encode as model role, got %+v", contents[1])
	}
}

func TestRegistryTranslateClaudeToOpenAI(t *testing.T) {
	reg := NewRegistry()
	body := map[string]any{
		"model":      "claude-3-opus",
		"max_tokens": float64(100),
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	out, err := reg.Translate("claude", "openai", body)
	if err != nil {
		t.Fatal(err)
	}
	msgs, ok := out["messages"].([]map[string]any)
	if !ok || len(msgs) != 1 || msgs[0]["role"] != "user" {
		t.Fatalf("unexpected translated messages: %+v", out["messages"])
	}
}

func TestEstimateUsageRespectsMinDelta(t *testing.T) {
	u := EstimateUsage(NormalizedUsage{InputTokens: 1020}, 1000, true)
	if u.CacheCreationTokens != 1020 || u.CacheReadTokens != 0 {
		t.Fatalf("expected sub-threshold delta folded entirely into creation, got %+v", u)
	}
	if !u.Estimated {
		t.Fatal("expected Estimated flag set")
	}
}

func TestEstimateUsageSplitsAboveMinDelta(t *testing.T) {
	u := EstimateUsage(NormalizedUsage{InputTokens: 1200}, 1000, true)
	if u.CacheReadTokens != 1000 || u.CacheCreationTokens != 200 {
		t.Fatalf("expected split at the prior input size, got %+v", u)
	}
}

func TestEstimateUsageFirstTurnAllCreation(t *testing.T) {
	u := EstimateUsage(NormalizedUsage{InputTokens: 500}, 0, false)
	if u.CacheCreationTokens != 500 || u.CacheReadTokens != 0 {
		t.Fatalf("expected first turn entirely cache creation, got %+v", u)
	}
}

func TestEstimateUsageSkippedWhenProviderReportsCacheFigures(t *testing.T) {
	in := NormalizedUsage{InputTokens: 500, CacheReadTokens: 400}
	out := EstimateUsage(in, 999, true)
	if out != in {
		t.Fatalf("expected untouched usage when provider already reported cache figures, got %+v", out)
	}
}

func TestRepairTruncatedJSONClosesOpenContainers(t *testing.T) {
	frag := []byte(`{"delta":{"text":"hel`)
	repaired, ok := repairTruncatedJSON(frag)
	if !ok {
		t.Fatal("expected repair to succeed")
	}
	var out map[string]any
	if err := json.Unmarshal(repaired, &out); err != nil {
		t.Fatalf("repaired json still invalid: %v (%s)", err, repaired)
	}
}

func TestResponsesDecodeRequestCarriesCodexFields(t *testing.T) {
	body := map[string]any{
		"model":             "gpt-5-codex",
		"instructions":      "be terse",
		"max_output_tokens": float64(2048),
		"reasoning":         map[string]any{"effort": "high", "summary": "auto"},
		"text":              map[string]any{"verbosity": "low"},
		"input": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "input_text", "text": "fix this bug"},
			}},
		},
	}
	req, err := ResponsesCodec{}.DecodeRequest(body)
	if err != nil {
		t.Fatal(err)
	}
	if req.System != "be terse" || req.MaxTokens != 2048 || req.Verbosity != "low" {
		t.Fatalf("unexpected decode: %+v", req)
	}
	if req.Reasoning == nil || req.Reasoning.Effort != "high" || req.Reasoning.Summary != "auto" {
		t.Fatalf("expected reasoning config to carry through, got %+v", req.Reasoning)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content[0].Text != "fix this bug" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
}

func TestResponsesEncodeRequestEmitsCodexShape(t *testing.T) {
	effort := &ReasoningConfig{Effort: "medium"}
	req := NormalizedRequest{
		Model:     "gpt-5-codex",
		System:    "be terse",
		Verbosity: "low",
		Reasoning: effort,
		Messages:  []Message{{Role: RoleUser, Content: []ContentBlock{{Type: "text", Text: "hi"}}}},
	}
	out, err := ResponsesCodec{}.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if out["instructions"] != "be terse" {
		t.Fatalf("expected instructions field, got %+v", out)
	}
	if _, ok := out["messages"]; ok {
		t.Fatal("responses codec must not emit a chat-completions messages field")
	}
	input, ok := out["input"].([]map[string]any)
	if !ok || len(input) != 1 {
		t.Fatalf("expected one input item, got %+v", out["input"])
	}
	reasoning, ok := out["reasoning"].(map[string]any)
	if !ok || reasoning["effort"] != "medium" {
		t.Fatalf("expected reasoning.effort to carry through, got %+v", out["reasoning"])
	}
	text, ok := out["text"].(map[string]any)
	if !ok || text["verbosity"] != "low" {
		t.Fatalf("expected text.verbosity to carry through, got %+v", out["text"])
	}
}

func TestResponsesDecodeResponseExtractsFunctionCall(t *testing.T) {
	body := []byte(`{
		"model": "gpt-5-codex",
		"status": "completed",
		"output": [
			{"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "done"}]},
			{"type": "function_call", "call_id": "call_1", "name": "run_tests", "arguments": "{\"path\":\".\"}"}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5, "input_tokens_details": {"cached_tokens": 2}}
	}`)
	resp, err := ResponsesCodec{}.DecodeResponse(body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.CacheReadTokens != 2 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	if len(resp.Content) != 2 || resp.Content[1].ToolName != "run_tests" {
		t.Fatalf("expected a text block and a tool_use block, got %+v", resp.Content)
	}
}

func TestFrameReaderSplitsOnBlankLine(t *testing.T) {
	raw := "event: content_block_delta\ndata: {\"index\":0}\n\nevent: message_stop\ndata: {}\n\n"
	fr := NewFrameReader(strings.NewReader(raw))
	f1, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f1.Event != "content_block_delta" {
		t.Fatalf("unexpected first frame: %+v", f1)
	}
	f2, err := fr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if f2.Event != "message_stop" {
		t.Fatalf("unexpected second frame: %+v", f2)
	}
}
