package translate

import (
	"encoding/json"
	"fmt"
)

// OpenAICodec translates between the OpenAI Chat Completions wire format
// and NormalizedRequest/NormalizedResponse. System messages arrive as a
// regular message with role "system" rather than Claude's top-level field,
// and tool calls live under message.tool_calls instead of content blocks.
type OpenAICodec struct{}

func (OpenAICodec) Family() string { return "openai" }

func (OpenAICodec) DecodeRequest(body map[string]any) (NormalizedRequest, error) {
	req := NormalizedRequest{Raw: body}

	if m, ok := body["model"].(string); ok {
		req.Model = m
	}
	if mt, ok := body["max_tokens"].(float64); ok {
		req.MaxTokens = int(mt)
	}
	if mt, ok := body["max_completion_tokens"].(float64); ok {
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
	if pt, ok := body["parallel_tool_calls"].(bool); ok {
		req.ParallelToolCalls = &pt
	}
	if v, ok := body["verbosity"].(string); ok {
		req.Verbosity = v
	}
	if re, ok := body["reasoning_effort"].(string); ok {
		req.Reasoning = &ReasoningConfig{Effort: re}
	}

	if rawMsgs, ok := body["messages"].([]any); ok {
		for _, rm := range rawMsgs {
			mm, ok := rm.(map[string]any)
			if !ok {
				continue
			}
			role, _ := mm["role"].(string)
			if role == "system" {
				if s, ok := mm["content"].(string); ok {
					if req.System != "" {
						req.System += "\n"
					}
					req.System += s
				}
				continue
			}
			req.Messages = append(req.Messages, decodeOpenAIMessage(mm))
		}
	}

	if rawTools, ok := body["tools"].([]any); ok {
		for _, rt := range rawTools {
			tm, ok := rt.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tm["function"].(map[string]any)
			if fn == nil {
				continue
			}
			name, _ := fn["name"].(string)
			desc, _ := fn["description"].(string)
			params, _ := fn["parameters"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, Parameters: params})
		}
	}

	return req, nil
}

func decodeOpenAIMessage(mm map[string]any) Message {
	role, _ := mm["role"].(string)
	msg := Message{Role: Role(role)}

	switch c := mm["content"].(type) {
	case string:
		if c != "" {
			msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: c})
		}
	case []any:
		for _, rp := range c {
			pm, ok := rp.(map[string]any)
			if !ok {
				continue
			}
			pt, _ := pm["type"].(string)
			switch pt {
			case "text":
				text, _ := pm["text"].(string)
				msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: text})
			case "image_url":
				// data URLs only; remote image_url fetch is the forwarder's concern, not the codec's.
				iu, _ := pm["image_url"].(map[string]any)
				url, _ := iu["url"].(string)
				msg.Content = append(msg.Content, ContentBlock{Type: "image", ImageData: url})
			}
		}
	}

	if role == "tool" {
		toolID, _ := mm["tool_call_id"].(string)
		content, _ := mm["content"].(string)
		msg.Content = []ContentBlock{{Type: "tool_result", ToolUseID: toolID, ToolResult: content}}
		return msg
	}

	if rawCalls, ok := mm["tool_calls"].([]any); ok {
		for _, rc := range rawCalls {
			cm, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			id, _ := cm["id"].(string)
			fn, _ := cm["function"].(map[string]any)
			name, _ := fn["name"].(string)
			argsStr, _ := fn["arguments"].(string)
			var args map[string]any
			_ = json.Unmarshal([]byte(argsStr), &args)
			msg.Content = append(msg.Content, ContentBlock{Type: "tool_use", ToolUseID: id, ToolName: name, ToolInput: args})
		}
	}

	return msg
}

func (OpenAICodec) EncodeRequest(req NormalizedRequest) (map[string]any, error) {
	var msgs []map[string]any
	if req.System != "" {
		msgs = append(msgs, map[string]any{"role": "system", "content": req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, encodeOpenAIMessage(m)...)
	}

	out := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   req.Stream,
	}
	if req.MaxTokens > 0 {
		out["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if req.ParallelToolCalls != nil {
		out["parallel_tool_calls"] = *req.ParallelToolCalls
	}

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		out["tools"] = tools
	}
	return out, nil
}

// encodeOpenAIMessage may expand one normalized Message into several wire
// messages: a tool_result content block becomes its own role:"tool" message
// since OpenAI has no multi-part tool-result-within-assistant-turn concept.
func encodeOpenAIMessage(m Message) []map[string]any {
	var out []map[string]any
	var textParts []string
	var toolCalls []map[string]any

	for _, c := range m.Content {
		switch c.Type {
		case "text":
			textParts = append(textParts, c.Text)
		case "tool_use":
			argsJSON, _ := json.Marshal(c.ToolInput)
			toolCalls = append(toolCalls, map[string]any{
				"id":   c.ToolUseID,
				"type": "function",
				"function": map[string]any{
					"name":      c.ToolName,
					"arguments": string(argsJSON),
				},
			})
		case "tool_result":
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": c.ToolUseID,
				"content":      c.ToolResult,
			})
		}
	}

	if len(textParts) > 0 || len(toolCalls) > 0 {
		msg := map[string]any{"role": string(m.Role)}
		content := ""
		for i, t := range textParts {
			if i > 0 {
				content += "\n"
			}
			content += t
		}
		msg["content"] = content
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
			msg["content"] = nil
		}
		out = append([]map[string]any{msg}, out...)
	}
	return out
}

func (OpenAICodec) DecodeResponse(body []byte) (NormalizedResponse, error) {
	var raw struct {
		Model   string `json:"model"`
		Choices []struct {
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			PromptTokensDetails struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedResponse{}, fmt.Errorf("decoding openai response: %w", err)
	}

	resp := NormalizedResponse{
		Model: raw.Model,
		Usage: NormalizedUsage{
			InputTokens:     raw.Usage.PromptTokens,
			OutputTokens:    raw.Usage.CompletionTokens,
			CacheReadTokens: raw.Usage.PromptTokensDetails.CachedTokens,
		},
	}
	if len(raw.Choices) > 0 {
		ch := raw.Choices[0]
		resp.StopReason = ch.FinishReason
		if ch.Message.Content != "" {
			resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: ch.Message.Content})
		}
		for _, tc := range ch.Message.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
			resp.Content = append(resp.Content, ContentBlock{
				Type: "tool_use", ToolUseID: tc.ID, ToolName: tc.Function.Name, ToolInput: args,
			})
		}
	}
	return resp, nil
}

func (OpenAICodec) EncodeResponse(resp NormalizedResponse) ([]byte, error) {
	msgs := encodeOpenAIMessage(Message{Role: RoleAssistant, Content: resp.Content})
	var assistantMsg map[string]any
	for _, m := range msgs {
		if m["role"] == "assistant" {
			assistantMsg = m
			break
		}
	}
	if assistantMsg == nil {
		assistantMsg = map[string]any{"role": "assistant", "content": ""}
	}

	out := map[string]any{
		"model":  resp.Model,
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": resp.StopReason,
			"message":       assistantMsg,
		}},
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			"prompt_tokens_details": map[string]any{
				"cached_tokens": resp.Usage.CacheReadTokens,
			},
		},
	}
	return json.Marshal(out)
}
