// Package openaichat implements the OpenAI Chat Completions dialect
// transformer.
package openaichat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

const dialectName = plexus.DialectChat

// Transformer converts between OpenAI Chat Completions wire format and the
// unified model.
type Transformer struct{}

var _ dialect.Transformer = Transformer{}

// New returns the chat transformer.
func New() Transformer { return Transformer{} }

// Dialect returns plexus.DialectChat.
func (Transformer) Dialect() plexus.Dialect { return dialectName }

// EndpointPath returns the chat completions path; streaming does not
// switch endpoints in this dialect.
func (Transformer) EndpointPath(*plexus.UnifiedRequest) string {
	return "/v1/chat/completions"
}

// --- Wire types ---

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessage   `json:"messages"`
	Tools               []chatTool      `json:"tools,omitempty"`
	ToolChoice          json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	StreamOptions       *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`
	Modalities          []string        `json:"modalities,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

type chatMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content,omitempty"`
	Name             string          `json:"name,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	ToolCalls        []chatToolCall  `json:"tool_calls,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string      `json:"type"`
	Function chatToolDef `json:"function"`
}

type chatToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// --- Request parsing ---

// ParseRequest converts an OpenAI Chat Completions body to a unified request.
func (Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, plexus.NewParseError(dialectName, "body", err.Error())
	}
	if req.Model == "" {
		return nil, plexus.NewParseError(dialectName, "model", "missing")
	}

	out := &plexus.UnifiedRequest{
		Model:          req.Model,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stream:         req.Stream,
		ResponseFormat: req.ResponseFormat,
		Modalities:     req.Modalities,
	}
	out.MaxTokens = req.MaxTokens
	if req.MaxCompletionTokens != nil {
		out.MaxTokens = req.MaxCompletionTokens
	}

	stop, err := parseStop(req.Stop)
	if err != nil {
		return nil, err
	}
	out.Stop = stop

	for i, m := range req.Messages {
		um, err := parseMessage(i, m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, um)
	}

	for _, t := range req.Tools {
		if t.Type != "function" {
			return nil, plexus.NewParseError(dialectName, "tools.type", "unknown tool type "+t.Type)
		}
		out.Tools = append(out.Tools, plexus.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	tc, err := parseToolChoice(req.ToolChoice)
	if err != nil {
		return nil, err
	}
	out.ToolChoice = tc

	return out, nil
}

func parseMessage(i int, m chatMessage) (plexus.Message, error) {
	um := plexus.Message{Name: m.Name, ToolCallID: m.ToolCallID}

	switch m.Role {
	case "system", "developer":
		um.Role = plexus.RoleSystem
	case "user":
		um.Role = plexus.RoleUser
	case "assistant":
		um.Role = plexus.RoleAssistant
	case "tool":
		um.Role = plexus.RoleTool
	default:
		return um, plexus.NewParseError(dialectName, fmt.Sprintf("messages[%d].role", i), "unknown role "+m.Role)
	}

	parts, err := parseContent(i, m.Content)
	if err != nil {
		return um, err
	}
	um.Parts = parts

	if m.ReasoningContent != "" {
		um.Thinking = &plexus.Thinking{Content: m.ReasoningContent}
	}

	for _, tc := range m.ToolCalls {
		um.ToolCalls = append(um.ToolCalls, plexus.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return um, nil
}

func parseContent(i int, raw json.RawMessage) ([]plexus.Part, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []plexus.Part{plexus.TextPart(s)}, nil
	}

	var arr []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
	}
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, plexus.NewParseError(dialectName, fmt.Sprintf("messages[%d].content", i), "not a string or parts array")
	}

	var parts []plexus.Part
	for _, p := range arr {
		switch p.Type {
		case "text":
			parts = append(parts, plexus.TextPart(p.Text))
		case "image_url":
			parts = append(parts, plexus.Part{Kind: plexus.PartImage, Image: parseImageURL(p.ImageURL.URL)})
		default:
			return nil, plexus.NewParseError(dialectName, fmt.Sprintf("messages[%d].content", i), "unknown part type "+p.Type)
		}
	}
	return parts, nil
}

// parseImageURL splits a data: URI into mime + base64 payload, or keeps a
// plain URL as-is.
func parseImageURL(u string) *plexus.ImageData {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		if mime, data, found := strings.Cut(rest, ";base64,"); found {
			return &plexus.ImageData{MIME: mime, Data: data}
		}
	}
	return &plexus.ImageData{URL: u}
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, plexus.NewParseError(dialectName, "stop", "not a string or string array")
	}
	return many, nil
}

func parseToolChoice(raw json.RawMessage) (*plexus.ToolChoice, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}, nil
		case "none":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}, nil
		case "required":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceRequired}, nil
		default:
			return nil, plexus.NewParseError(dialectName, "tool_choice", "unknown value "+s)
		}
	}
	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Type != "function" || obj.Function.Name == "" {
		return nil, plexus.NewParseError(dialectName, "tool_choice", "expected a mode string or {function:{name}}")
	}
	return &plexus.ToolChoice{Mode: plexus.ToolChoiceFunction, Name: obj.Function.Name}, nil
}

// --- Request emission ---

// EmitRequest converts a unified request to OpenAI Chat Completions bytes.
func (Transformer) EmitRequest(req *plexus.UnifiedRequest) ([]byte, error) {
	out := chatRequest{
		Model:          req.Model,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		TopP:           req.TopP,
		Stream:         req.Stream,
		ResponseFormat: req.ResponseFormat,
		Modalities:     req.Modalities,
	}
	if req.Stream {
		out.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if len(req.Stop) > 0 {
		raw, _ := json.Marshal(req.Stop)
		out.Stop = raw
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, emitMessage(m))
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: chatToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = emitToolChoice(req.ToolChoice)
	}

	return json.Marshal(out)
}

func emitMessage(m plexus.Message) chatMessage {
	cm := chatMessage{
		Role:       string(m.Role),
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	cm.Content = emitContent(m)
	if m.Thinking != nil {
		cm.ReasoningContent = m.Thinking.Content
	}
	for _, tc := range m.ToolCalls {
		cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: chatFunction{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return cm
}

func emitContent(m plexus.Message) json.RawMessage {
	if len(m.Parts) == 0 {
		return nil
	}
	if len(m.Parts) == 1 && m.Parts[0].Kind == plexus.PartText {
		raw, _ := json.Marshal(m.Parts[0].Text)
		return raw
	}
	// Tool results carried as parts collapse to a plain string for the
	// chat wire; only tool-role messages carry them here.
	var arr []map[string]any
	for _, p := range m.Parts {
		switch p.Kind {
		case plexus.PartText:
			arr = append(arr, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartImage:
			arr = append(arr, map[string]any{"type": "image_url", "image_url": map[string]any{"url": imageURL(p.Image)}})
		case plexus.PartToolResult:
			arr = append(arr, map[string]any{"type": "text", "text": p.ToolResult.Content})
		}
	}
	raw, _ := json.Marshal(arr)
	return raw
}

func imageURL(img *plexus.ImageData) string {
	if img.URL != "" {
		return img.URL
	}
	return "data:" + img.MIME + ";base64," + img.Data
}

func emitToolChoice(tc *plexus.ToolChoice) json.RawMessage {
	if tc.Mode == plexus.ToolChoiceFunction {
		raw, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		})
		return raw
	}
	raw, _ := json.Marshal(string(tc.Mode))
	return raw
}

// --- Response parsing ---

// ParseResponse converts an OpenAI chat completion body to a unified response.
func (Transformer) ParseResponse(body []byte) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	if !r.Get("choices").Exists() {
		return nil, plexus.NewParseError(dialectName, "choices", "missing")
	}

	choice := r.Get("choices.0")
	finish, err := mapFinishReason(choice.Get("finish_reason").String())
	if err != nil {
		return nil, err
	}

	msg := plexus.Message{Role: plexus.RoleAssistant}
	if content := choice.Get("message.content"); content.Type == gjson.String && content.String() != "" {
		msg.Parts = append(msg.Parts, plexus.TextPart(content.String()))
	}
	if rc := choice.Get("message.reasoning_content").String(); rc != "" {
		msg.Thinking = &plexus.Thinking{Content: rc}
	}
	choice.Get("message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		msg.ToolCalls = append(msg.ToolCalls, plexus.ToolCall{
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			Arguments: tc.Get("function.arguments").String(),
		})
		return true
	})

	return &plexus.UnifiedResponse{
		ID:           r.Get("id").String(),
		Model:        r.Get("model").String(),
		Message:      msg,
		FinishReason: finish,
		Usage:        parseUsage(r.Get("usage")),
	}, nil
}

// parseUsage normalizes an OpenAI usage object. prompt_tokens includes
// cached tokens in this dialect; cached is reported as a detail.
func parseUsage(u gjson.Result) plexus.Usage {
	return plexus.Usage{
		InputTokens:     int(u.Get("prompt_tokens").Int()),
		OutputTokens:    int(u.Get("completion_tokens").Int()),
		TotalTokens:     int(u.Get("total_tokens").Int()),
		CacheReadTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		ReasoningTokens: int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
	}
}

func mapFinishReason(s string) (plexus.FinishReason, error) {
	switch s {
	case "", "stop":
		return plexus.FinishStop, nil
	case "length":
		return plexus.FinishLength, nil
	case "tool_calls", "function_call":
		return plexus.FinishToolCalls, nil
	case "content_filter":
		return plexus.FinishContentFilter, nil
	default:
		return "", plexus.NewParseError(dialectName, "finish_reason", "unknown value "+s)
	}
}

// --- Response emission ---

// EmitResponse converts a unified response to an OpenAI chat completion body.
func (Transformer) EmitResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	msg := map[string]any{"role": "assistant"}
	if text := textOf(&resp.Message); text != "" {
		msg["content"] = text
	} else {
		msg["content"] = nil
	}
	if resp.Message.Thinking != nil {
		msg["reasoning_content"] = resp.Message.Thinking.Content
	}
	if len(resp.Message.ToolCalls) > 0 {
		var tcs []map[string]any
		for _, tc := range resp.Message.ToolCalls {
			tcs = append(tcs, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		msg["tool_calls"] = tcs
	}

	out := map[string]any{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": string(resp.FinishReason),
		}},
		"usage": emitUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func emitUsage(u plexus.Usage) map[string]any {
	out := map[string]any{
		"prompt_tokens":     u.InputTokens,
		"completion_tokens": u.OutputTokens,
		"total_tokens":      u.TotalTokens,
	}
	if u.CacheReadTokens > 0 {
		out["prompt_tokens_details"] = map[string]any{"cached_tokens": u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		out["completion_tokens_details"] = map[string]any{"reasoning_tokens": u.ReasoningTokens}
	}
	return out
}

func textOf(m *plexus.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == plexus.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
