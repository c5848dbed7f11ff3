// Package responses implements the OpenAI Responses API dialect
// transformer.
package responses

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

const dialectName = plexus.DialectResponses

// Transformer converts between the Responses API wire format and the
// unified model.
type Transformer struct{}

var _ dialect.Transformer = Transformer{}

// New returns the responses transformer.
func New() Transformer { return Transformer{} }

// Dialect returns plexus.DialectResponses.
func (Transformer) Dialect() plexus.Dialect { return dialectName }

// EndpointPath returns the Responses API path.
func (Transformer) EndpointPath(*plexus.UnifiedRequest) string { return "/v1/responses" }

// --- Wire types ---

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           json.RawMessage `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	Text            *textConfig     `json:"text,omitempty"`
	Reasoning       *reasoningCfg   `json:"reasoning,omitempty"`
}

// responsesTool is the flat function shape; this dialect does not nest
// declarations under a "function" wrapper.
type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type textConfig struct {
	Format json.RawMessage `json:"format,omitempty"`
}

type reasoningCfg struct {
	Effort string `json:"effort,omitempty"`
}

type inputItem struct {
	Type      string          `json:"type,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    string          `json:"output,omitempty"`
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// --- Request parsing ---

// ParseRequest converts a Responses API body to a unified request. input
// may be a plain string or a list of typed items.
func (Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	var req responsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, plexus.NewParseError(dialectName, "body", err.Error())
	}
	if req.Model == "" {
		return nil, plexus.NewParseError(dialectName, "model", "required")
	}

	out := &plexus.UnifiedRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if req.Instructions != "" {
		out.Messages = append(out.Messages, plexus.Message{
			Role:  plexus.RoleSystem,
			Parts: []plexus.Part{plexus.TextPart(req.Instructions)},
		})
	}

	msgs, err := parseInput(req.Input)
	if err != nil {
		return nil, err
	}
	out.Messages = append(out.Messages, msgs...)

	for i, t := range req.Tools {
		if t.Type != "" && t.Type != "function" {
			return nil, plexus.NewParseError(dialectName, fmt.Sprintf("tools[%d].type", i), "unknown value "+t.Type)
		}
		out.Tools = append(out.Tools, plexus.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if len(req.ToolChoice) > 0 {
		tc, err := parseToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}
	if req.Text != nil && len(req.Text.Format) > 0 {
		out.ResponseFormat = normalizeFormat(req.Text.Format)
	}
	if req.Reasoning != nil {
		out.Reasoning = &plexus.ReasoningConfig{Enabled: true}
	}

	return out, nil
}

func parseInput(raw json.RawMessage) ([]plexus.Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, plexus.NewParseError(dialectName, "input", err.Error())
		}
		return []plexus.Message{{Role: plexus.RoleUser, Parts: []plexus.Part{plexus.TextPart(text)}}}, nil
	}

	var items []inputItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, plexus.NewParseError(dialectName, "input", err.Error())
	}

	var out []plexus.Message
	for i, item := range items {
		switch item.Type {
		case "", "message":
			msg, err := parseMessageItem(i, item)
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		case "function_call":
			args := item.Arguments
			if args == "" {
				args = "{}"
			}
			call := plexus.ToolCall{ID: item.CallID, Name: item.Name, Arguments: args}
			// Attach to the preceding assistant turn when there is one.
			if n := len(out); n > 0 && out[n-1].Role == plexus.RoleAssistant {
				out[n-1].ToolCalls = append(out[n-1].ToolCalls, call)
			} else {
				out = append(out, plexus.Message{Role: plexus.RoleAssistant, ToolCalls: []plexus.ToolCall{call}})
			}
		case "function_call_output":
			out = append(out, plexus.Message{
				Role:       plexus.RoleTool,
				ToolCallID: item.CallID,
				Parts:      []plexus.Part{plexus.TextPart(item.Output)},
			})
		case "reasoning":
			// Replayed reasoning items are opaque to other providers.
		default:
			return nil, plexus.NewParseError(dialectName, fmt.Sprintf("input[%d].type", i), "unknown value "+item.Type)
		}
	}
	return out, nil
}

func parseMessageItem(i int, item inputItem) (plexus.Message, error) {
	var role plexus.Role
	switch item.Role {
	case "user":
		role = plexus.RoleUser
	case "assistant":
		role = plexus.RoleAssistant
	case "system", "developer":
		role = plexus.RoleSystem
	default:
		return plexus.Message{}, plexus.NewParseError(dialectName, fmt.Sprintf("input[%d].role", i), "unknown role "+item.Role)
	}

	msg := plexus.Message{Role: role}
	if len(item.Content) == 0 {
		return msg, nil
	}
	if item.Content[0] == '"' {
		var text string
		if err := json.Unmarshal(item.Content, &text); err != nil {
			return plexus.Message{}, plexus.NewParseError(dialectName, fmt.Sprintf("input[%d].content", i), err.Error())
		}
		msg.Parts = []plexus.Part{plexus.TextPart(text)}
		return msg, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(item.Content, &parts); err != nil {
		return plexus.Message{}, plexus.NewParseError(dialectName, fmt.Sprintf("input[%d].content", i), err.Error())
	}
	for j, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			msg.Parts = append(msg.Parts, plexus.TextPart(p.Text))
		case "input_image":
			msg.Parts = append(msg.Parts, plexus.Part{Kind: plexus.PartImage, Image: &plexus.ImageData{URL: p.ImageURL}})
		default:
			return plexus.Message{}, plexus.NewParseError(dialectName,
				fmt.Sprintf("input[%d].content[%d].type", i, j), "unknown value "+p.Type)
		}
	}
	return msg, nil
}

func parseToolChoice(raw json.RawMessage) (*plexus.ToolChoice, error) {
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		switch r.String() {
		case "auto":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}, nil
		case "none":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}, nil
		case "required":
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceRequired}, nil
		default:
			return nil, plexus.NewParseError(dialectName, "tool_choice", "unknown value "+r.String())
		}
	}
	if r.Get("type").String() == "function" {
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceFunction, Name: r.Get("name").String()}, nil
	}
	return nil, plexus.NewParseError(dialectName, "tool_choice", "unknown shape")
}

// normalizeFormat converts a Responses text.format object into the
// chat-style response_format used internally.
func normalizeFormat(format json.RawMessage) json.RawMessage {
	r := gjson.ParseBytes(format)
	switch r.Get("type").String() {
	case "json_object":
		return json.RawMessage(`{"type":"json_object"}`)
	case "json_schema":
		inner := map[string]any{}
		if name := r.Get("name").String(); name != "" {
			inner["name"] = name
		}
		if schema := r.Get("schema"); schema.Exists() {
			inner["schema"] = json.RawMessage(schema.Raw)
		}
		raw, _ := json.Marshal(map[string]any{"type": "json_schema", "json_schema": inner})
		return raw
	default:
		return nil
	}
}

// denormalizeFormat is the inverse of normalizeFormat.
func denormalizeFormat(rf json.RawMessage) json.RawMessage {
	r := gjson.ParseBytes(rf)
	switch r.Get("type").String() {
	case "json_object":
		return json.RawMessage(`{"type":"json_object"}`)
	case "json_schema":
		out := map[string]any{"type": "json_schema"}
		if name := r.Get("json_schema.name").String(); name != "" {
			out["name"] = name
		}
		if schema := r.Get("json_schema.schema"); schema.Exists() {
			out["schema"] = json.RawMessage(schema.Raw)
		}
		raw, _ := json.Marshal(out)
		return raw
	default:
		return nil
	}
}

// --- Request emission ---

// EmitRequest converts a unified request to Responses API bytes. System
// messages become the instructions field.
func (Transformer) EmitRequest(req *plexus.UnifiedRequest) ([]byte, error) {
	out := responsesRequest{
		Model:           req.Model,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          req.Stream,
	}

	var instructions []string
	var items []any
	for _, m := range req.Messages {
		switch m.Role {
		case plexus.RoleSystem:
			instructions = append(instructions, m.Text())
		case plexus.RoleTool:
			items = append(items, inputItem{
				Type:   "function_call_output",
				CallID: m.ToolCallID,
				Output: m.Text(),
			})
		default:
			if len(m.Parts) > 0 || m.Thinking != nil {
				items = append(items, emitMessageItem(m))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				items = append(items, inputItem{
					Type:      "function_call",
					CallID:    tc.ID,
					Name:      tc.Name,
					Arguments: args,
				})
			}
		}
	}
	out.Instructions = strings.Join(instructions, "\n\n")
	if items != nil {
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		out.Input = raw
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = emitToolChoice(req.ToolChoice)
	}
	if len(req.ResponseFormat) > 0 {
		if format := denormalizeFormat(req.ResponseFormat); format != nil {
			out.Text = &textConfig{Format: format}
		}
	}
	if req.Reasoning != nil && req.Reasoning.Enabled {
		out.Reasoning = &reasoningCfg{Effort: "medium"}
	}

	return json.Marshal(out)
}

func emitMessageItem(m plexus.Message) map[string]any {
	role := "user"
	partType := "input_text"
	if m.Role == plexus.RoleAssistant {
		role = "assistant"
		partType = "output_text"
	}
	var parts []contentPart
	for _, p := range m.Parts {
		switch p.Kind {
		case plexus.PartText:
			parts = append(parts, contentPart{Type: partType, Text: p.Text})
		case plexus.PartImage:
			url := p.Image.URL
			if url == "" {
				url = "data:" + p.Image.MIME + ";base64," + p.Image.Data
			}
			parts = append(parts, contentPart{Type: "input_image", ImageURL: url})
		}
	}
	return map[string]any{"type": "message", "role": role, "content": parts}
}

func emitToolChoice(tc *plexus.ToolChoice) json.RawMessage {
	switch tc.Mode {
	case plexus.ToolChoiceNone:
		return json.RawMessage(`"none"`)
	case plexus.ToolChoiceRequired:
		return json.RawMessage(`"required"`)
	case plexus.ToolChoiceFunction:
		raw, _ := json.Marshal(map[string]string{"type": "function", "name": tc.Name})
		return raw
	default:
		return json.RawMessage(`"auto"`)
	}
}

// --- Response parsing ---

// ParseResponse converts a Responses API response body to a unified
// response.
func (Transformer) ParseResponse(body []byte) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	if e := r.Get("error"); e.IsObject() {
		return nil, plexus.NewParseError(dialectName, "body", e.Get("message").String())
	}

	msg := plexus.Message{Role: plexus.RoleAssistant}
	var text strings.Builder
	var thinking strings.Builder

	r.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, p gjson.Result) bool {
				if p.Get("type").String() == "output_text" {
					text.WriteString(p.Get("text").String())
				}
				return true
			})
		case "function_call":
			args := item.Get("arguments").String()
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, plexus.ToolCall{
				ID:        item.Get("call_id").String(),
				Name:      item.Get("name").String(),
				Arguments: args,
			})
		case "reasoning":
			item.Get("summary").ForEach(func(_, s gjson.Result) bool {
				thinking.WriteString(s.Get("text").String())
				return true
			})
		}
		return true
	})
	if text.Len() > 0 {
		msg.Parts = append(msg.Parts, plexus.TextPart(text.String()))
	}
	if thinking.Len() > 0 {
		msg.Thinking = &plexus.Thinking{Content: thinking.String()}
	}

	finish, err := mapStatus(r, len(msg.ToolCalls) > 0)
	if err != nil {
		return nil, err
	}

	return &plexus.UnifiedResponse{
		ID:           r.Get("id").String(),
		Model:        r.Get("model").String(),
		Message:      msg,
		FinishReason: finish,
		Usage:        parseUsage(r.Get("usage")),
	}, nil
}

func mapStatus(r gjson.Result, hasToolCalls bool) (plexus.FinishReason, error) {
	switch status := r.Get("status").String(); status {
	case "", "completed":
		if hasToolCalls {
			return plexus.FinishToolCalls, nil
		}
		return plexus.FinishStop, nil
	case "incomplete":
		switch reason := r.Get("incomplete_details.reason").String(); reason {
		case "max_output_tokens":
			return plexus.FinishLength, nil
		case "content_filter":
			return plexus.FinishContentFilter, nil
		default:
			return "", plexus.NewParseError(dialectName, "incomplete_details.reason", "unknown value "+reason)
		}
	case "failed":
		return plexus.FinishError, nil
	default:
		return "", plexus.NewParseError(dialectName, "status", "unknown value "+status)
	}
}

// parseUsage normalizes usage. input_tokens already excludes cached
// tokens in this dialect; cached_tokens is additional and total_tokens is
// the authoritative sum. Never subtract.
func parseUsage(u gjson.Result) plexus.Usage {
	return plexus.Usage{
		InputTokens:     int(u.Get("input_tokens").Int()),
		OutputTokens:    int(u.Get("output_tokens").Int()),
		ReasoningTokens: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
		CacheReadTokens: int(u.Get("input_tokens_details.cached_tokens").Int()),
		TotalTokens:     int(u.Get("total_tokens").Int()),
	}
}

func emitUsage(u plexus.Usage) map[string]any {
	return map[string]any{
		"input_tokens":  u.InputTokens,
		"output_tokens": u.OutputTokens,
		"total_tokens":  u.TotalTokens,
		"input_tokens_details": map[string]any{
			"cached_tokens": u.CacheReadTokens,
		},
		"output_tokens_details": map[string]any{
			"reasoning_tokens": u.ReasoningTokens,
		},
	}
}

// --- Response emission ---

// EmitResponse converts a unified response to a Responses API body.
func (Transformer) EmitResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	out := map[string]any{
		"id":     resp.ID,
		"object": "response",
		"model":  resp.Model,
		"status": emitStatus(resp.FinishReason),
		"output": emitOutput(resp.Message, resp.ID),
		"usage":  emitUsage(resp.Usage),
	}
	switch resp.FinishReason {
	case plexus.FinishLength:
		out["incomplete_details"] = map[string]any{"reason": "max_output_tokens"}
	case plexus.FinishContentFilter:
		out["incomplete_details"] = map[string]any{"reason": "content_filter"}
	}
	return json.Marshal(out)
}

func emitStatus(f plexus.FinishReason) string {
	switch f {
	case plexus.FinishLength, plexus.FinishContentFilter:
		return "incomplete"
	case plexus.FinishError:
		return "failed"
	default:
		return "completed"
	}
}

func emitOutput(msg plexus.Message, respID string) []map[string]any {
	var output []map[string]any
	if msg.Thinking != nil {
		output = append(output, map[string]any{
			"type":    "reasoning",
			"id":      "rs_" + respID,
			"summary": []map[string]any{{"type": "summary_text", "text": msg.Thinking.Content}},
		})
	}
	if text := msg.Text(); text != "" {
		output = append(output, map[string]any{
			"type":   "message",
			"id":     "msg_" + respID,
			"role":   "assistant",
			"status": "completed",
			"content": []map[string]any{{
				"type": "output_text",
				"text": text,
			}},
		})
	}
	for _, tc := range msg.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		output = append(output, map[string]any{
			"type":      "function_call",
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": args,
			"status":    "completed",
		})
	}
	return output
}
