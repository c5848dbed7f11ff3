// Package anthropic implements the Anthropic Messages dialect transformer.
package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

const dialectName = plexus.DialectMessages

// defaultMaxTokens is applied on emission; the Messages API requires
// max_tokens.
const defaultMaxTokens = 4096

// Transformer converts between the Anthropic Messages wire format and the
// unified model.
type Transformer struct{}

var _ dialect.Transformer = Transformer{}

// New returns the messages transformer.
func New() Transformer { return Transformer{} }

// Dialect returns plexus.DialectMessages.
func (Transformer) Dialect() plexus.Dialect { return dialectName }

// EndpointPath returns the messages path; streaming is selected by the
// stream body field, not the path.
func (Transformer) EndpointPath(*plexus.UnifiedRequest) string {
	return "/v1/messages"
}

// --- Wire types ---

type msgRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	Messages      []msgMessage    `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	Tools         []msgTool       `json:"tools,omitempty"`
	ToolChoice    *msgToolChoice  `json:"tool_choice,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *msgThinking    `json:"thinking,omitempty"`
}

type msgMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type msgTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type msgToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type msgThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// --- Request parsing ---

// ParseRequest converts an Anthropic Messages body to a unified request.
// The top-level system field becomes a leading system message; tool_result
// blocks split out into tool-role messages.
func (Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	var req msgRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, plexus.NewParseError(dialectName, "body", err.Error())
	}
	if req.Model == "" {
		return nil, plexus.NewParseError(dialectName, "model", "missing")
	}

	out := &plexus.UnifiedRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	if req.Thinking != nil {
		switch req.Thinking.Type {
		case "enabled":
			out.Reasoning = &plexus.ReasoningConfig{Enabled: true, MaxTokens: req.Thinking.BudgetTokens}
		case "disabled":
			out.Reasoning = &plexus.ReasoningConfig{Enabled: false}
		default:
			return nil, plexus.NewParseError(dialectName, "thinking.type", "unknown value "+req.Thinking.Type)
		}
	}

	if len(req.System) > 0 && string(req.System) != "null" {
		parts, err := parseSystem(req.System)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, plexus.Message{Role: plexus.RoleSystem, Parts: parts})
	}

	for i, m := range req.Messages {
		msgs, err := parseMessage(i, m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, plexus.Tool{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	if req.ToolChoice != nil {
		tc, err := parseToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}

	return out, nil
}

func parseToolChoice(tc *msgToolChoice) (*plexus.ToolChoice, error) {
	switch tc.Type {
	case "auto":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}, nil
	case "none":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}, nil
	case "any":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceRequired}, nil
	case "tool":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceFunction, Name: tc.Name}, nil
	default:
		return nil, plexus.NewParseError(dialectName, "tool_choice.type", "unknown value "+tc.Type)
	}
}

func parseSystem(raw json.RawMessage) ([]plexus.Part, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []plexus.Part{plexus.TextPart(s)}, nil
	}
	blocks := gjson.ParseBytes(raw)
	if !blocks.IsArray() {
		return nil, plexus.NewParseError(dialectName, "system", "not a string or block array")
	}
	var parts []plexus.Part
	for _, b := range blocks.Array() {
		if b.Get("type").String() != "text" {
			return nil, plexus.NewParseError(dialectName, "system", "unsupported block type "+b.Get("type").String())
		}
		parts = append(parts, plexus.TextPart(b.Get("text").String()))
	}
	return parts, nil
}

// parseMessage converts one wire message into one or more unified messages:
// tool_result blocks peel off into tool-role messages in block order.
func parseMessage(i int, m msgMessage) ([]plexus.Message, error) {
	if m.Role != "user" && m.Role != "assistant" {
		return nil, plexus.NewParseError(dialectName, fmt.Sprintf("messages[%d].role", i), "unknown role "+m.Role)
	}
	role := plexus.RoleUser
	if m.Role == "assistant" {
		role = plexus.RoleAssistant
	}

	// String content: single text part.
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return []plexus.Message{{Role: role, Parts: []plexus.Part{plexus.TextPart(s)}}}, nil
	}

	blocks := gjson.ParseBytes(m.Content)
	if !blocks.IsArray() {
		return nil, plexus.NewParseError(dialectName, fmt.Sprintf("messages[%d].content", i), "not a string or block array")
	}

	var out []plexus.Message
	current := plexus.Message{Role: role}
	flush := func() {
		if len(current.Parts) > 0 || len(current.ToolCalls) > 0 || current.Thinking != nil {
			out = append(out, current)
			current = plexus.Message{Role: role}
		}
	}

	var parseErr error
	blocks.ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").String() {
		case "text":
			current.Parts = append(current.Parts, plexus.TextPart(b.Get("text").String()))
		case "image":
			src := b.Get("source")
			img := &plexus.ImageData{}
			if src.Get("type").String() == "url" {
				img.URL = src.Get("url").String()
			} else {
				img.MIME = src.Get("media_type").String()
				img.Data = src.Get("data").String()
			}
			current.Parts = append(current.Parts, plexus.Part{Kind: plexus.PartImage, Image: img})
		case "tool_use":
			current.ToolCalls = append(current.ToolCalls, plexus.ToolCall{
				ID:        b.Get("id").String(),
				Name:      b.Get("name").String(),
				Arguments: b.Get("input").Raw,
			})
		case "tool_result":
			flush()
			out = append(out, plexus.Message{
				Role:       plexus.RoleTool,
				ToolCallID: b.Get("tool_use_id").String(),
				Parts:      []plexus.Part{plexus.TextPart(toolResultText(b.Get("content")))},
			})
		case "thinking":
			current.Thinking = &plexus.Thinking{
				Content:   b.Get("thinking").String(),
				Signature: b.Get("signature").String(),
			}
		case "redacted_thinking":
			// Opaque; dropped rather than forwarded across dialects.
		default:
			parseErr = plexus.NewParseError(dialectName,
				fmt.Sprintf("messages[%d].content", i), "unknown block type "+b.Get("type").String())
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	flush()
	return out, nil
}

func toolResultText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, b gjson.Result) bool {
		if b.Get("type").String() == "text" {
			text += b.Get("text").String()
		}
		return true
	})
	return text
}

// --- Request emission ---

// EmitRequest converts a unified request to Anthropic Messages bytes.
// System messages fold into the top-level system field; tool-role messages
// become user tool_result blocks.
func (Transformer) EmitRequest(req *plexus.UnifiedRequest) ([]byte, error) {
	out := msgRequest{
		Model:         req.Model,
		MaxTokens:     defaultMaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Reasoning != nil {
		if req.Reasoning.Enabled {
			out.Thinking = &msgThinking{Type: "enabled", BudgetTokens: req.Reasoning.MaxTokens}
		} else {
			out.Thinking = &msgThinking{Type: "disabled"}
		}
	}

	var systemBlocks []map[string]any
	for _, m := range req.Messages {
		switch m.Role {
		case plexus.RoleSystem:
			for _, p := range m.Parts {
				if p.Kind == plexus.PartText {
					systemBlocks = append(systemBlocks, map[string]any{"type": "text", "text": p.Text})
				}
			}
		case plexus.RoleUser, plexus.RoleAssistant:
			out.Messages = append(out.Messages, emitMessage(m))
		case plexus.RoleTool:
			content, _ := json.Marshal([]map[string]any{{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     m.Text(),
			}})
			out.Messages = append(out.Messages, msgMessage{Role: "user", Content: content})
		}
	}
	if len(systemBlocks) > 0 {
		raw, _ := json.Marshal(systemBlocks)
		out.System = raw
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, msgTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	if req.ToolChoice != nil {
		out.ToolChoice = emitToolChoice(req.ToolChoice)
	}

	return json.Marshal(out)
}

func emitToolChoice(tc *plexus.ToolChoice) *msgToolChoice {
	switch tc.Mode {
	case plexus.ToolChoiceNone:
		return &msgToolChoice{Type: "none"}
	case plexus.ToolChoiceRequired:
		return &msgToolChoice{Type: "any"}
	case plexus.ToolChoiceFunction:
		return &msgToolChoice{Type: "tool", Name: tc.Name}
	default:
		return &msgToolChoice{Type: "auto"}
	}
}

func emitMessage(m plexus.Message) msgMessage {
	var blocks []map[string]any
	// Thinking blocks lead; the API rejects them elsewhere.
	if m.Thinking != nil {
		blocks = append(blocks, map[string]any{
			"type":      "thinking",
			"thinking":  m.Thinking.Content,
			"signature": m.Thinking.Signature,
		})
	}
	for _, p := range m.Parts {
		switch p.Kind {
		case plexus.PartText:
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case plexus.PartImage:
			blocks = append(blocks, map[string]any{"type": "image", "source": imageSource(p.Image)})
		}
	}
	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": json.RawMessage(args),
		})
	}
	raw, _ := json.Marshal(blocks)
	return msgMessage{Role: string(m.Role), Content: raw}
}

func imageSource(img *plexus.ImageData) map[string]any {
	if img.URL != "" {
		return map[string]any{"type": "url", "url": img.URL}
	}
	return map[string]any{"type": "base64", "media_type": img.MIME, "data": img.Data}
}

// --- Response parsing ---

// ParseResponse converts an Anthropic message body to a unified response.
func (Transformer) ParseResponse(body []byte) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	if r.Get("type").String() == "error" {
		return nil, plexus.NewParseError(dialectName, "body", r.Get("error.message").String())
	}

	finish, err := mapStopReason(r.Get("stop_reason").String())
	if err != nil {
		return nil, err
	}

	msg := plexus.Message{Role: plexus.RoleAssistant}
	var parseErr error
	r.Get("content").ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").String() {
		case "text":
			msg.Parts = append(msg.Parts, plexus.TextPart(b.Get("text").String()))
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, plexus.ToolCall{
				ID:        b.Get("id").String(),
				Name:      b.Get("name").String(),
				Arguments: b.Get("input").Raw,
			})
		case "thinking":
			msg.Thinking = &plexus.Thinking{
				Content:   b.Get("thinking").String(),
				Signature: b.Get("signature").String(),
			}
		case "redacted_thinking":
		default:
			parseErr = plexus.NewParseError(dialectName, "content", "unknown block type "+b.Get("type").String())
			return false
		}
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	return &plexus.UnifiedResponse{
		ID:           r.Get("id").String(),
		Model:        r.Get("model").String(),
		Message:      msg,
		FinishReason: finish,
		Usage:        parseUsage(r.Get("usage")),
	}, nil
}

// parseUsage normalizes Anthropic usage. Cache creation and cache read
// counts are separate billable lines and stay distinct from input_tokens;
// the vendor reports no total, so the sum of the four is authoritative.
func parseUsage(u gjson.Result) plexus.Usage {
	usage := plexus.Usage{
		InputTokens:         int(u.Get("input_tokens").Int()),
		OutputTokens:        int(u.Get("output_tokens").Int()),
		CacheReadTokens:     int(u.Get("cache_read_input_tokens").Int()),
		CacheCreationTokens: int(u.Get("cache_creation_input_tokens").Int()),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens +
		usage.CacheReadTokens + usage.CacheCreationTokens
	return usage
}

func mapStopReason(s string) (plexus.FinishReason, error) {
	switch s {
	case "", "end_turn", "stop_sequence", "pause_turn":
		return plexus.FinishStop, nil
	case "max_tokens":
		return plexus.FinishLength, nil
	case "tool_use":
		return plexus.FinishToolCalls, nil
	case "refusal":
		return plexus.FinishContentFilter, nil
	default:
		return "", plexus.NewParseError(dialectName, "stop_reason", "unknown value "+s)
	}
}

func emitStopReason(f plexus.FinishReason) string {
	switch f {
	case plexus.FinishLength:
		return "max_tokens"
	case plexus.FinishToolCalls:
		return "tool_use"
	case plexus.FinishContentFilter:
		return "refusal"
	default:
		return "end_turn"
	}
}

// --- Response emission ---

// EmitResponse converts a unified response to an Anthropic message body.
func (Transformer) EmitResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	var blocks []map[string]any
	if t := resp.Message.Thinking; t != nil {
		blocks = append(blocks, map[string]any{
			"type":      "thinking",
			"thinking":  t.Content,
			"signature": t.Signature,
		})
	}
	for _, p := range resp.Message.Parts {
		if p.Kind == plexus.PartText {
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		}
	}
	for _, tc := range resp.Message.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		blocks = append(blocks, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": json.RawMessage(args),
		})
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}

	out := map[string]any{
		"id":            resp.ID,
		"type":          "message",
		"role":          "assistant",
		"model":         resp.Model,
		"content":       blocks,
		"stop_reason":   emitStopReason(resp.FinishReason),
		"stop_sequence": nil,
		"usage":         emitUsage(resp.Usage),
	}
	return json.Marshal(out)
}

func emitUsage(u plexus.Usage) map[string]any {
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_read_input_tokens":     u.CacheReadTokens,
		"cache_creation_input_tokens": u.CacheCreationTokens,
	}
}
