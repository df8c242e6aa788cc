package translate

import (
	"encoding/json"
	"fmt"
)

// GeminiCodec translates between the Google generateContent wire format and
// NormalizedRequest/NormalizedResponse. Gemini uses "model" in place of
// "assistant" for the role tag and nests tool declarations under
// tools[].functionDeclarations rather than a flat tools array.
type GeminiCodec struct{}

func (GeminiCodec) Family() string { return "gemini" }

func (GeminiCodec) DecodeRequest(body map[string]any) (NormalizedRequest, error) {
	req := NormalizedRequest{Raw: body}

	if si, ok := body["systemInstruction"].(map[string]any); ok {
		req.System = joinGeminiParts(si["parts"])
	}

	if gc, ok := body["generationConfig"].(map[string]any); ok {
		if mt, ok := gc["maxOutputTokens"].(float64); ok {
			req.MaxTokens = int(mt)
		}
		if t, ok := gc["temperature"].(float64); ok {
			req.Temperature = &t
		}
		if tp, ok := gc["topP"].(float64); ok {
			req.TopP = &tp
		}
	}

	if rawContents, ok := body["contents"].([]any); ok {
		for _, rc := range rawContents {
			cm, ok := rc.(map[string]any)
			if !ok {
				continue
			}
			req.Messages = append(req.Messages, decodeGeminiContent(cm))
		}
	}

	if rawTools, ok := body["tools"].([]any); ok {
		for _, rt := range rawTools {
			tm, ok := rt.(map[string]any)
			if !ok {
				continue
			}
			decls, ok := tm["functionDeclarations"].([]any)
			if !ok {
				continue
			}
			for _, rd := range decls {
				dm, ok := rd.(map[string]any)
				if !ok {
					continue
				}
				name, _ := dm["name"].(string)
				desc, _ := dm["description"].(string)
				params, _ := dm["parameters"].(map[string]any)
				req.Tools = append(req.Tools, ToolDef{Name: name, Description: desc, Parameters: params})
			}
		}
	}

	return req, nil
}

func decodeGeminiContent(cm map[string]any) Message {
	role, _ := cm["role"].(string)
	msg := Message{Role: geminiRoleToNormalized(role)}

	parts, _ := cm["parts"].([]any)
	for _, rp := range parts {
		pm, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: text})
			continue
		}
		if fc, ok := pm["functionCall"].(map[string]any); ok {
			name, _ := fc["name"].(string)
			args, _ := fc["args"].(map[string]any)
			msg.Content = append(msg.Content, ContentBlock{Type: "tool_use", ToolName: name, ToolInput: args})
			continue
		}
		if fr, ok := pm["functionResponse"].(map[string]any); ok {
			name, _ := fr["name"].(string)
			resp, _ := fr["response"].(map[string]any)
			resultJSON, _ := json.Marshal(resp)
			msg.Content = append(msg.Content, ContentBlock{Type: "tool_result", ToolUseID: name, ToolResult: string(resultJSON)})
			continue
		}
		if id, ok := pm["inlineData"].(map[string]any); ok {
			mime, _ := id["mimeType"].(string)
			data, _ := id["data"].(string)
			msg.Content = append(msg.Content, ContentBlock{Type: "image", ImageMIME: mime, ImageData: data})
		}
	}
	return msg
}

func geminiRoleToNormalized(role string) Role {
	if role == "model" {
		return RoleAssistant
	}
	return RoleUser
}

func joinGeminiParts(v any) string {
	parts, ok := v.([]any)
	if !ok {
		return ""
	}
	out := ""
	for _, rp := range parts {
		pm, ok := rp.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			if out != "" {
				out += "\n"
			}
			out += text
		}
	}
	return out
}

func (GeminiCodec) EncodeRequest(req NormalizedRequest) (map[string]any, error) {
	out := map[string]any{}

	if req.System != "" {
		out["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}

	var contents []map[string]any
	for _, m := range req.Messages {
		contents = append(contents, encodeGeminiContent(m))
	}
	out["contents"] = contents

	gc := map[string]any{}
	if req.MaxTokens > 0 {
		gc["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		gc["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		gc["topP"] = *req.TopP
	}
	if len(gc) > 0 {
		out["generationConfig"] = gc
	}

	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			})
		}
		out["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	return out, nil
}

func encodeGeminiContent(m Message) map[string]any {
	role := "user"
	if m.Role == RoleAssistant {
		role = "model"
	}
	var parts []map[string]any
	for _, c := range m.Content {
		switch c.Type {
		case "text":
			parts = append(parts, map[string]any{"text": c.Text})
		case "tool_use":
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": c.ToolName, "args": c.ToolInput},
			})
		case "tool_result":
			var resp map[string]any
			_ = json.Unmarshal([]byte(c.ToolResult), &resp)
			if resp == nil {
				resp = map[string]any{"result": c.ToolResult}
			}
			parts = append(parts, map[string]any{
				"functionResponse": map[string]any{"name": c.ToolUseID, "response": resp},
			})
		case "image":
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mimeType": c.ImageMIME, "data": c.ImageData},
			})
		}
	}
	return map[string]any{"role": role, "parts": parts}
}

func (GeminiCodec) DecodeResponse(body []byte) (NormalizedResponse, error) {
	var raw struct {
		ModelVersion string `json:"modelVersion"`
		Candidates   []struct {
			FinishReason string `json:"finishReason"`
			Content      struct {
				Parts []map[string]any `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return NormalizedResponse{}, fmt.Errorf("decoding gemini response: %w", err)
	}

	resp := NormalizedResponse{
		Model: raw.ModelVersion,
		Usage: NormalizedUsage{
			InputTokens:     raw.UsageMetadata.PromptTokenCount,
			OutputTokens:    raw.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: raw.UsageMetadata.CachedContentTokenCount,
		},
	}
	if len(raw.Candidates) > 0 {
		cand := raw.Candidates[0]
		resp.StopReason = cand.FinishReason
		for _, pm := range cand.Content.Parts {
			if text, ok := pm["text"].(string); ok {
				resp.Content = append(resp.Content, ContentBlock{Type: "text", Text: text})
				continue
			}
			if fc, ok := pm["functionCall"].(map[string]any); ok {
				name, _ := fc["name"].(string)
				args, _ := fc["args"].(map[string]any)
				resp.Content = append(resp.Content, ContentBlock{Type: "tool_use", ToolName: name, ToolInput: args})
			}
		}
	}
	return resp, nil
}

func (GeminiCodec) EncodeResponse(resp NormalizedResponse) ([]byte, error) {
	content := encodeGeminiContent(Message{Role: RoleAssistant, Content: resp.Content})
	out := map[string]any{
		"modelVersion": resp.Model,
		"candidates": []map[string]any{{
			"finishReason": resp.StopReason,
			"content":      content,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":        resp.Usage.InputTokens,
			"candidatesTokenCount":    resp.Usage.OutputTokens,
			"cachedContentTokenCount": resp.Usage.CacheReadTokens,
			"totalTokenCount":         resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}
