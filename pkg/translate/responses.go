package translate

import (
	"encoding/json"
	"fmt"
)

// ResponsesCodec translates between OpenAI's Responses API (the Codex wire
// shape) and NormalizedRequest/NormalizedResponse. Unlike Chat Completions,
// turns live under "input" instead of "messages", the system prompt is a
// top-level "instructions" string, and reasoning models expose their
// effort/summary and verbosity knobs as nested objects rather than flat
// fields.
type ResponsesCodec struct{}

func (ResponsesCodec) Family() string { return "responses" }

func (ResponsesCodec) DecodeRequest(body map[string]any) (NormalizedRequest, error) {
	req := NormalizedRequest{Raw: body}

	if m, ok := body["model"].(string); ok {
		req.Model = m
	}
	if instr, ok := body["instructions"].(string); ok {
		req.System = instr
	}
	if mt, ok := body["max_output_tokens"].(float64); ok {
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
	if text, ok := body["text"].(map[string]any); ok {
		if v, ok := text["verbosity"].(string); ok {
			req.Verbosity = v
		}
	}
	if reasoning, ok := body["reasoning"].(map[string]any); ok {
		rc := &ReasoningConfig{}
		rc.Effort, _ = reasoning["effort"].(string)
		rc.Summary, _ = reasoning["summary"].(string)
		req.Reasoning = rc
	}

	switch in := body["input"].(type) {
	case string:
		if in != "" {
			req.Messages = append(req.Messages, Message{Role: RoleUser, Content: []ContentBlock{{Type: "text", Text: in}}})
		}
	case []any:
		for _, ri := range in {
			im, ok := ri.(map[string]any)
			if !ok {
				continue
			}
			if itemType, _ := im["type"].(string); itemType == "function_call_output" {
				callID, _ := im["call_id"].(string)
				output, _ := im["output"].(string)
				req.Messages = append(req.Messages, Message{
					Role:    RoleTool,
					Content: []ContentBlock{{Type: "tool_result", ToolUseID: callID, ToolResult: output}},
				})
				continue
			}
			role, _ := im["role"].(string)
			if role == "" {
				continue
			}
			req.Messages = append(req.Messages, decodeResponsesMessage(role, im))
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
			params, _ := tm["parameters"].(map[string]any)
			req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, Parameters: params})
		}
	}

	return req, nil
}

func decodeResponsesMessage(role string, im map[string]any) Message {
	msg := Message{Role: Role(role)}
	switch c := im["content"].(type) {
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
			case "input_text", "output_text":
				text, _ := pm["text"].(string)
				msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: text})
			case "input_image":
				url, _ := pm["image_url"].(string)
				msg.Content = append(msg.Content, ContentBlock{Type: "image", ImageData: url})
			}
		}
	}
	return msg
}

func (ResponsesCodec) EncodeRequest(req NormalizedRequest) (map[string]any, error) {
	var input []map[string]any
	for _, m := range req.Messages {
		input = append(input, encodeResponsesMessage(m)...)
	}

	out := map[string]any{
		"model":  req.Model,
		"input":  input,
		"stream": req.Stream,
	}
	if req.System != "" {
		out["instructions"] = req.System
	}
	if req.MaxTokens > 0 {
		out["max_output_tokens"] = req.MaxTokens
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
	if req.Verbosity != "" {
		out["text"] = map[string]any{"verbosity": req.Verbosity}
	}
	if req.Reasoning != nil && req.Reasoning.Effort != "" && req.Reasoning.Effort != "inherit" {
		reasoning := map[string]any{"effort": req.Reasoning.Effort}
		if req.Reasoning.Summary != "" {
			reasoning["summary"] = req.Reasoning.Summary
		}
		out["reasoning"] = reasoning
	}

	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out["tools"] = tools
	}
	return out, nil
}

// encodeResponsesMessage expands one normalized Message into the input
// item(s) the Responses API expects; a tool_result becomes its own
// function_call_output item rather than a role:"tool" turn.
func encodeResponsesMessage(m Message) []map[string]any {
	var out []map[string]any
	var textParts []map[string]any

	textType := "input_text"
	if m.Role == RoleAssistant {
		textType = "output_text"
	}

	for _, c := range m.Content {
		switch c.Type {
		case "text":
			textParts = append(textParts, map[string]any{"type": textType, "text": c.Text})
		case "tool_use":
			argsJSON, _ := json.Marshal(c.ToolInput)
			out = append(out, map[string]any{
				"type":      "function_call",
				"call_id":   c.ToolUseID,
				"name":      c.ToolName,
				"arguments": string(argsJSON),
			})
		case "tool_result":
			out = append(out, map[string]any{
				"type":    "function_call_output",
				"call_id": c.ToolUseID,
				"output":  c.ToolResult,
			})
		}
	}

	if len(textParts) > 0 {
		out = append([]map[string]any{{"role": string(m.Role), "content": textParts}}, out...)
	}
	return out
}

func (ResponsesCodec) DecodeResponse(body []byte) (NormalizedResponse, error) {
	var raw struct {
		Model  string `json:"model"`
		Status string `json:"status"`
		Output []struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"output"`
		Usage struct {
			InputTokens       int64 `json:"input_tokens"`
			OutputTokens      int64 `json:"output_tokens"`
			InputTokenDetails struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"input_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedResponse{}, fmt.Errorf("decoding responses payload: %w", err)
	}

	resp := NormalizedResponse{
		Model:      raw.Model,
		StopReason: raw.Status,
		Usage: NormalizedUsage{
			InputTokens:     raw.Usage.InputTokens,
			OutputTokens:    raw.Usage.OutputTokens,
			CacheReadTokens: raw.Usage.InputTokenDetails.CachedTokens,
		},
	}
	for _, item := range raw.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Text != "" {
					resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: c.Text})
				}
			}
		case "function_call":
			var args map[string]any
			_ = json.Unmarshal([]byte(item.Arguments), &args)
			resp.Content = append(resp.Content, ContentBlock{
				Type: "tool_use", ToolUseID: item.CallID, ToolName: item.Name, ToolInput: args,
			})
		}
	}
	return resp, nil
}

func (ResponsesCodec) EncodeResponse(resp NormalizedResponse) ([]byte, error) {
	var content []map[string]any
	var output []map[string]any
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			content = append(content, map[string]any{"type": "output_text", "text": c.Text})
		case "tool_use":
			argsJSON, _ := json.Marshal(c.ToolInput)
			output = append(output, map[string]any{
				"type":      "function_call",
				"call_id":   c.ToolUseID,
				"name":      c.ToolName,
				"arguments": string(argsJSON),
			})
		}
	}
	if len(content) > 0 {
		output = append([]map[string]any{{"type": "message", "role": "assistant", "content": content}}, output...)
	}

	status := resp.StopReason
	if status == "" {
		status = "completed"
	}

	out := map[string]any{
		"model":  resp.Model,
		"object": "response",
		"status": status,
		"output": output,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
			"total_tokens":  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			"input_tokens_details": map[string]any{
				"cached_tokens": resp.Usage.CacheReadTokens,
			},
		},
	}
	return json.Marshal(out)
}
