package translate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// sseFrame is one raw "event: ...\ndata: ...\n\n" block.
type sseFrame struct {
	Event string
	Data  string
}

// FrameReader pulls one SSE frame at a time from an upstream body, as a
// finite-state line accumulator rather than ad-hoc string splitting: it
// never looks past the blank line that terminates a frame, so it works
// correctly against a streamed io.Reader without buffering the full body.
type FrameReader struct {
	scanner *bufio.Scanner
}

func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &FrameReader{scanner: s}
}

// Next returns io.EOF once the stream is exhausted.
func (f *FrameReader) Next() (sseFrame, error) {
	var frame sseFrame
	var dataLines []string
	sawAny := false

	for f.scanner.Scan() {
		line := f.scanner.Text()
		sawAny = true
		if line == "" {
			if len(dataLines) > 0 || frame.Event != "" {
				frame.Data = strings.Join(dataLines, "\n")
				return frame, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := f.scanner.Err(); err != nil {
		return sseFrame{}, err
	}
	if sawAny && (len(dataLines) > 0 || frame.Event != "") {
		frame.Data = strings.Join(dataLines, "\n")
		return frame, nil
	}
	return sseFrame{}, io.EOF
}

// StreamDecoder turns one provider's raw SSE frames into normalized
// StreamEvents. Implementations keep whatever running state they need
// (current block index, accumulated tool-call JSON fragments) internally.
type StreamDecoder interface {
	Decode(frame sseFrame) ([]StreamEvent, error)
}

// StreamEncoder turns normalized StreamEvents back into one family's wire
// SSE bytes, including that family's terminal marker.
type StreamEncoder interface {
	Encode(ev StreamEvent) ([]byte, error)
	Terminator() []byte
}

// --- Claude ---

type claudeStreamDecoder struct{}

func (claudeStreamDecoder) Decode(frame sseFrame) ([]StreamEvent, error) {
	if frame.Data == "" {
		return nil, nil
	}
	var raw map[string]any
	if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
		return nil, fmt.Errorf("claude stream frame: %w", err)
	}
	idx, _ := raw["index"].(float64)
	switch frame.Event {
	case "content_block_start":
		cb, _ := raw["content_block"].(map[string]any)
		t, _ := cb["type"].(string)
		name, _ := cb["name"].(string)
		id, _ := cb["id"].(string)
		return []StreamEvent{{Type: EventBlockStart, BlockIndex: int(idx), ToolName: name, ToolUseID: id, TextDelta: t}}, nil
	case "content_block_delta":
		delta, _ := raw["delta"].(map[string]any)
		if text, ok := delta["text"].(string); ok {
			return []StreamEvent{{Type: EventBlockDelta, BlockIndex: int(idx), TextDelta: text}}, nil
		}
		if pj, ok := delta["partial_json"].(string); ok {
			return []StreamEvent{{Type: EventBlockDelta, BlockIndex: int(idx), ToolArgsJSON: pj}}, nil
		}
		return nil, nil
	case "content_block_stop":
		return []StreamEvent{{Type: EventBlockStop, BlockIndex: int(idx)}}, nil
	case "message_delta":
		delta, _ := raw["delta"].(map[string]any)
		stopReason, _ := delta["stop_reason"].(string)
		var usage *NormalizedUsage
		if u, ok := raw["usage"].(map[string]any); ok {
			usage = &NormalizedUsage{
				OutputTokens: int64(fget(u, "output_tokens")),
			}
		}
		return []StreamEvent{{Type: EventMessageDelta, StopReason: stopReason, Usage: usage}}, nil
	case "message_stop":
		return []StreamEvent{{Type: EventMessageStop}}, nil
	case "message_start":
		return []StreamEvent{{Type: EventMessageStart}}, nil
	}
	return nil, nil
}

func fget(m map[string]any, k string) float64 {
	v, _ := m[k].(float64)
	return v
}

type claudeStreamEncoder struct{}

func (claudeStreamEncoder) Encode(ev StreamEvent) ([]byte, error) {
	var payload map[string]any
	event := string(ev.Type)
	switch ev.Type {
	case EventMessageStart:
		payload = map[string]any{"type": "message_start"}
	case EventBlockStart:
		payload = map[string]any{"type": "content_block_start", "index": ev.BlockIndex, "content_block": map[string]any{"type": "text"}}
	case EventBlockDelta:
		delta := map[string]any{"type": "text_delta", "text": ev.TextDelta}
		if ev.ToolArgsJSON != "" {
			delta = map[string]any{"type": "input_json_delta", "partial_json": ev.ToolArgsJSON}
		}
		payload = map[string]any{"type": "content_block_delta", "index": ev.BlockIndex, "delta": delta}
	case EventBlockStop:
		payload = map[string]any{"type": "content_block_stop", "index": ev.BlockIndex}
	case EventMessageDelta:
		payload = map[string]any{"type": "message_delta", "delta": map[string]any{"stop_reason": ev.StopReason}}
	case EventMessageStop:
		payload = map[string]any{"type": "message_stop"}
	default:
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, data)
	return buf.Bytes(), nil
}

func (claudeStreamEncoder) Terminator() []byte { return nil }

// --- OpenAI ---

type openAIStreamDecoder struct{}

func (openAIStreamDecoder) Decode(frame sseFrame) ([]StreamEvent, error) {
	if frame.Data == "[DONE]" {
		return []StreamEvent{{Type: EventMessageStop}}, nil
	}
	if frame.Data == "" {
		return nil, nil
	}
	var raw struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
		return nil, fmt.Errorf("openai stream frame: %w", err)
	}

	var events []StreamEvent
	if raw.Usage != nil {
		events = append(events, StreamEvent{Type: EventMessageDelta, Usage: &NormalizedUsage{
			InputTokens: raw.Usage.PromptTokens, OutputTokens: raw.Usage.CompletionTokens,
		}})
	}
	if len(raw.Choices) == 0 {
		return events, nil
	}
	ch := raw.Choices[0]
	if ch.Delta.Content != "" {
		events = append(events, StreamEvent{Type: EventBlockDelta, BlockIndex: 0, TextDelta: ch.Delta.Content})
	}
	for _, tc := range ch.Delta.ToolCalls {
		if tc.ID != "" {
			events = append(events, StreamEvent{Type: EventBlockStart, BlockIndex: tc.Index + 1, ToolUseID: tc.ID, ToolName: tc.Function.Name})
		}
		if tc.Function.Arguments != "" {
			events = append(events, StreamEvent{Type: EventBlockDelta, BlockIndex: tc.Index + 1, ToolArgsJSON: tc.Function.Arguments})
		}
	}
	if ch.FinishReason != nil {
		events = append(events, StreamEvent{Type: EventMessageDelta, StopReason: *ch.FinishReason})
	}
	return events, nil
}

type openAIStreamEncoder struct{}

func (openAIStreamEncoder) Encode(ev StreamEvent) ([]byte, error) {
	delta := map[string]any{}
	switch ev.Type {
	case EventBlockDelta:
		if ev.ToolArgsJSON != "" {
			delta["tool_calls"] = []map[string]any{{
				"index":    ev.BlockIndex - 1,
				"function": map[string]any{"arguments": ev.ToolArgsJSON},
			}}
		} else {
			delta["content"] = ev.TextDelta
		}
	case EventBlockStart:
		if ev.ToolUseID == "" {
			return nil, nil
		}
		delta["tool_calls"] = []map[string]any{{
			"index": ev.BlockIndex - 1,
			"id":    ev.ToolUseID,
			"type":  "function",
			"function": map[string]any{"name": ev.ToolName, "arguments": ""},
		}}
	case EventMessageStop:
		return []byte("data: [DONE]\n\n"), nil
	default:
		return nil, nil
	}

	chunk := map[string]any{
		"object":  "chat.completion.chunk",
		"choices": []map[string]any{{"index": 0, "delta": delta}},
	}
	if ev.Type == EventMessageDelta && ev.StopReason != "" {
		chunk["choices"].([]map[string]any)[0]["finish_reason"] = ev.StopReason
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return buf.Bytes(), nil
}

func (openAIStreamEncoder) Terminator() []byte { return []byte("data: [DONE]\n\n") }

// --- Gemini ---

type geminiStreamDecoder struct{}

func (geminiStreamDecoder) Decode(frame sseFrame) ([]StreamEvent, error) {
	if frame.Data == "" {
		return nil, nil
	}
	var raw struct {
		Candidates []struct {
			FinishReason string `json:"finishReason"`
			Content      struct {
				Parts []map[string]any `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata *struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
		return nil, fmt.Errorf("gemini stream frame: %w", err)
	}

	var events []StreamEvent
	if len(raw.Candidates) > 0 {
		cand := raw.Candidates[0]
		for i, pm := range cand.Content.Parts {
			if text, ok := pm["text"].(string); ok {
				events = append(events, StreamEvent{Type: EventBlockDelta, BlockIndex: i, TextDelta: text})
			}
		}
		if cand.FinishReason != "" {
			events = append(events, StreamEvent{Type: EventMessageDelta, StopReason: cand.FinishReason})
		}
	}
	if raw.UsageMetadata != nil {
		events = append(events, StreamEvent{Type: EventMessageDelta, Usage: &NormalizedUsage{
			InputTokens: raw.UsageMetadata.PromptTokenCount, OutputTokens: raw.UsageMetadata.CandidatesTokenCount,
		}})
	}
	return events, nil
}

type geminiStreamEncoder struct{}

func (geminiStreamEncoder) Encode(ev StreamEvent) ([]byte, error) {
	if ev.Type != EventBlockDelta && ev.Type != EventMessageDelta {
		return nil, nil
	}
	parts := []map[string]any{}
	if ev.TextDelta != "" {
		parts = append(parts, map[string]any{"text": ev.TextDelta})
	}
	payload := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": ev.StopReason,
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return buf.Bytes(), nil
}

func (geminiStreamEncoder) Terminator() []byte { return nil }

// --- Responses (Codex) ---

type responsesStreamDecoder struct{}

func (responsesStreamDecoder) Decode(frame sseFrame) ([]StreamEvent, error) {
	if frame.Data == "" {
		return nil, nil
	}
	switch frame.Event {
	case "response.output_text.delta":
		var raw struct {
			Delta       string `json:"delta"`
			OutputIndex int    `json:"output_index"`
		}
		if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
			return nil, fmt.Errorf("responses stream frame: %w", err)
		}
		return []StreamEvent{{Type: EventBlockDelta, BlockIndex: raw.OutputIndex, TextDelta: raw.Delta}}, nil
	case "response.output_item.added":
		var raw struct {
			OutputIndex int `json:"output_index"`
			Item        struct {
				Type   string `json:"type"`
				CallID string `json:"call_id"`
				Name   string `json:"name"`
			} `json:"item"`
		}
		if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
			return nil, fmt.Errorf("responses stream frame: %w", err)
		}
		if raw.Item.Type != "function_call" {
			return nil, nil
		}
		return []StreamEvent{{Type: EventBlockStart, BlockIndex: raw.OutputIndex, ToolUseID: raw.Item.CallID, ToolName: raw.Item.Name}}, nil
	case "response.function_call_arguments.delta":
		var raw struct {
			Delta       string `json:"delta"`
			OutputIndex int    `json:"output_index"`
		}
		if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
			return nil, fmt.Errorf("responses stream frame: %w", err)
		}
		return []StreamEvent{{Type: EventBlockDelta, BlockIndex: raw.OutputIndex, ToolArgsJSON: raw.Delta}}, nil
	case "response.output_item.done":
		var raw struct {
			OutputIndex int `json:"output_index"`
		}
		if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
			return nil, fmt.Errorf("responses stream frame: %w", err)
		}
		return []StreamEvent{{Type: EventBlockStop, BlockIndex: raw.OutputIndex}}, nil
	case "response.completed":
		var raw struct {
			Response struct {
				Status string `json:"status"`
				Usage  struct {
					InputTokens  int64 `json:"input_tokens"`
					OutputTokens int64 `json:"output_tokens"`
				} `json:"usage"`
			} `json:"response"`
		}
		if err := decodeRepairJSON([]byte(frame.Data), &raw); err != nil {
			return nil, fmt.Errorf("responses stream frame: %w", err)
		}
		return []StreamEvent{
			{Type: EventMessageDelta, StopReason: raw.Response.Status, Usage: &NormalizedUsage{
				InputTokens: raw.Response.Usage.InputTokens, OutputTokens: raw.Response.Usage.OutputTokens,
			}},
			{Type: EventMessageStop},
		}, nil
	default:
		return nil, nil
	}
}

type responsesStreamEncoder struct{}

func (responsesStreamEncoder) Encode(ev StreamEvent) ([]byte, error) {
	var event string
	var payload any

	switch ev.Type {
	case EventBlockStart:
		if ev.ToolUseID == "" {
			return nil, nil
		}
		event = "response.output_item.added"
		payload = map[string]any{
			"output_index": ev.BlockIndex,
			"item":         map[string]any{"type": "function_call", "call_id": ev.ToolUseID, "name": ev.ToolName},
		}
	case EventBlockDelta:
		if ev.ToolArgsJSON != "" {
			event = "response.function_call_arguments.delta"
			payload = map[string]any{"output_index": ev.BlockIndex, "delta": ev.ToolArgsJSON}
		} else {
			event = "response.output_text.delta"
			payload = map[string]any{"output_index": ev.BlockIndex, "delta": ev.TextDelta}
		}
	case EventBlockStop:
		event = "response.output_item.done"
		payload = map[string]any{"output_index": ev.BlockIndex}
	case EventMessageDelta:
		status := ev.StopReason
		if status == "" {
			status = "completed"
		}
		usage := map[string]any{}
		if ev.Usage != nil {
			usage["input_tokens"] = ev.Usage.InputTokens
			usage["output_tokens"] = ev.Usage.OutputTokens
		}
		event = "response.completed"
		payload = map[string]any{"response": map[string]any{"status": status, "usage": usage}}
	default:
		return nil, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", event, data)
	return buf.Bytes(), nil
}

func (responsesStreamEncoder) Terminator() []byte { return nil }

// DecoderFor and EncoderFor select the state machine for a wire family.
func DecoderFor(family string) (StreamDecoder, error) {
	switch family {
	case "claude":
		return claudeStreamDecoder{}, nil
	case "openai":
		return openAIStreamDecoder{}, nil
	case "gemini":
		return geminiStreamDecoder{}, nil
	case "responses":
		return responsesStreamDecoder{}, nil
	}
	return nil, fmt.Errorf("unknown stream family %q", family)
}

func EncoderFor(family string) (StreamEncoder, error) {
	switch family {
	case "claude":
		return claudeStreamEncoder{}, nil
	case "openai":
		return openAIStreamEncoder{}, nil
	case "gemini":
		return geminiStreamEncoder{}, nil
	case "responses":
		return responsesStreamEncoder{}, nil
	}
	return nil, fmt.Errorf("unknown stream family %q", family)
}
