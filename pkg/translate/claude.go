package translate

import (
	"encoding/json"
	"fmt"
)

// ClaudeCodec translates between the Anthropic Messages API wire format and
// NormalizedRequest/NormalizedResponse.
type ClaudeCodec struct{}

func (ClaudeCodec) Family() string { return "claude" }

// DecodeRequest parses a /v1/messages body.
func (ClaudeCodec) DecodeRequest(body map[string]any) (NormalizedRequest, error) {
	req := NormalizedRequest{Raw: body}

	if m, ok := body["model"].(string); ok {
		req.Model = m
	}
	if s, ok := body["system"].(string); ok {
		req.System = s
	} else if blocks, ok := body["system"].([]any); ok {
		req.System = joinTextBlocks(blocks)
	}
	if mt, ok := body["max_tokens"].(float64); ok {
		req.MaxTokens = int(mt)
	}
	if t, ok := body["temperature"].(float64); ok {
		req.Temperature = &t
	}
	if tp, ok := body["top_p"].(float64); ok {
		req.TopP = &tp
	}
	if st, ok := body["stream"].(bool); ok {
		req.Stream = st
	}

	if rawMsgs, ok := body["messages"].([]any); ok {
		for _, rm := range rawMsgs {
			msg, ok := rm.(map[string]any)
			if !ok {
				continue
			}
			req.Messages = append(req.Messages, decodeClaudeMessage(msg))
		}
	}

	if rawTools, ok := body["tools"].([]any); ok {
		for _, rt := range rawTools {
			tm, ok := rt.(map[string]any)
			if !ok {
				continue
			}
			name, _ := tm["name"].(string)
			desc, _ := tm["description"].(string)
			params, _ := tm["input_schema"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, Parameters: params})
		}
	}

	return req, nil
}

func decodeClaudeMessage(m map[string]any) Message {
	msg := Message{Role: Role(fmt.Sprint(m["role"]))}
	switch c := m["content"].(type) {
	case string:
		msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: c})
	case []any:
		for _, rb := range c {
			bm, ok := rb.(map[string]any)
			if !ok {
				continue
			}
			msg.Content = append(msg.Content, decodeClaudeBlock(bm))
		}
	}
	return msg
}

func decodeClaudeBlock(bm map[string]any) ContentBlock {
	t, _ := bm["type"].(string)
	switch t {
	case "text":
		text, _ := bm["text"].(string)
		return ContentBlock{Type: "text", Text: text}
	case "tool_use":
		name, _ := bm["name"].(string)
		id, _ := bm["id"].(string)
		input, _ := bm["input"].(map[string]any)
		return ContentBlock{Type: "tool_use", ToolName: name, ToolUseID: id, ToolInput: input}
	case "tool_result":
		id, _ := bm["tool_use_id"].(string)
		result := flattenResultContent(bm["content"])
		return ContentBlock{Type: "tool_result", ToolUseID: id, ToolResult: result}
	case "image":
		src, _ := bm["source"].(map[string]any)
		data, _ := src["data"].(string)
		mime, _ := src["media_type"].(string)
		return ContentBlock{Type: "image", ImageData: data, ImageMIME: mime}
	}
	return ContentBlock{Type: t}
}

func flattenResultContent(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		return joinTextBlocks(c)
	}
	return ""
}

func joinTextBlocks(blocks []any) string {
	out := ""
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := bm["text"].(string); ok {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	return out
}

// EncodeRequest re-serializes a NormalizedRequest as a Claude /v1/messages body.
func (ClaudeCodec) EncodeRequest(req NormalizedRequest) (map[string]any, error) {
	out := map[string]any{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
		"stream":     req.Stream,
	}
	if req.System != "" {
		out["system"] = req.System
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}

	var msgs []map[string]any
	for _, m := range req.Messages {
		msgs = append(msgs, encodeClaudeMessage(m))
	}
	out["messages"] = msgs

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			})
		}
		out["tools"] = tools
	}
	return out, nil
}

func encodeClaudeMessage(m Message) map[string]any {
	var blocks []map[string]any
	for _, c := range m.Content {
		blocks = append(blocks, encodeClaudeBlock(c))
	}
	return map[string]any{"role": string(m.Role), "content": blocks}
}

func encodeClaudeBlock(c ContentBlock) map[string]any {
	switch c.Type {
	case "text":
		return map[string]any{"type": "text", "text": c.Text}
	case "tool_use":
		return map[string]any{"type": "tool_use", "id": c.ToolUseID, "name": c.ToolName, "input": c.ToolInput}
	case "tool_result":
		return map[string]any{"type": "tool_result", "tool_use_id": c.ToolUseID, "content": c.ToolResult}
	case "image":
		return map[string]any{"type": "image", "source": map[string]any{
			"type": "base64", "media_type": c.ImageMIME, "data": c.ImageData,
		}}
	}
	return map[string]any{"type": c.Type}
}

// DecodeResponse parses a non-streaming Claude response into NormalizedResponse.
func (ClaudeCodec) DecodeResponse(body []byte) (NormalizedResponse, error) {
	var raw struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []map[string]any `json:"content"`
		Usage      struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedResponse{}, fmt.Errorf("decoding claude response: %w", err)
	}
	resp := NormalizedResponse{
		Model:      raw.Model,
		StopReason: raw.StopReason,
		Usage: NormalizedUsage{
			InputTokens:         raw.Usage.InputTokens,
			OutputTokens:        raw.Usage.OutputTokens,
			CacheCreationTokens: raw.Usage.CacheCreationInputTokens,
			CacheReadTokens:     raw.Usage.CacheReadInputTokens,
		},
	}
	for _, bm := range raw.Content {
		resp.Content = append(resp.Content, decodeClaudeBlock(bm))
	}
	return resp, nil
}

// EncodeResponse re-serializes a NormalizedResponse as a Claude response body.
func (ClaudeCodec) EncodeResponse(resp NormalizedResponse) ([]byte, error) {
	var blocks []map[string]any
	for _, c := range resp.Content {
		blocks = append(blocks, encodeClaudeBlock(c))
	}
	out := map[string]any{
		"model":       resp.Model,
		"stop_reason": resp.StopReason,
		"content":     blocks,
		"type":        "message",
		"role":        "assistant",
		"usage": map[string]any{
			"input_tokens":                resp.Usage.InputTokens,
			"output_tokens":               resp.Usage.OutputTokens,
			"cache_creation_input_tokens": resp.Usage.CacheCreationTokens,
			"cache_read_input_tokens":     resp.Usage.CacheReadTokens,
		},
	}
	return json.Marshal(out)
}
