package openaichat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

// doneSentinel is the chat-dialect SSE terminator payload.
const doneSentinel = "[DONE]"

// --- Stream parsing ---

type streamParser struct{}

// NewStreamParser returns a parser for OpenAI chat SSE frames.
func (Transformer) NewStreamParser() dialect.StreamParser { return &streamParser{} }

// Parse maps one chat SSE frame to unified chunks. Chat frames are unnamed
// "data:" events; the [DONE] sentinel yields nothing (the finish_reason
// frame already produced ChunkDone).
func (p *streamParser) Parse(_ string, data []byte) ([]plexus.StreamChunk, error) {
	if len(data) == 0 || string(data) == doneSentinel {
		return nil, nil
	}
	r := gjson.ParseBytes(data)
	if !r.IsObject() {
		return nil, plexus.NewParseError(dialectName, "stream chunk", "not a JSON object")
	}

	var out []plexus.StreamChunk
	choice := r.Get("choices.0")

	if text := choice.Get("delta.content"); text.Type == gjson.String && text.String() != "" {
		out = append(out, plexus.StreamChunk{Kind: plexus.ChunkText, Text: text.String()})
	}
	if rc := choice.Get("delta.reasoning_content").String(); rc != "" {
		out = append(out, plexus.StreamChunk{Kind: plexus.ChunkThinking, Text: rc})
	}
	choice.Get("delta.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		out = append(out, plexus.StreamChunk{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
			Index:     int(tc.Get("index").Int()),
			ID:        tc.Get("id").String(),
			Name:      tc.Get("function.name").String(),
			ArgsDelta: tc.Get("function.arguments").String(),
		}})
		return true
	})
	if u := r.Get("usage"); u.IsObject() {
		usage := parseUsage(u)
		out = append(out, plexus.StreamChunk{Kind: plexus.ChunkUsage, Usage: &usage})
	}
	if fr := choice.Get("finish_reason"); fr.Type == gjson.String {
		finish, err := mapFinishReason(fr.String())
		if err != nil {
			return nil, err
		}
		out = append(out, plexus.StreamChunk{Kind: plexus.ChunkDone, FinishReason: finish})
	}
	return out, nil
}

// --- Stream emission ---

type streamEmitter struct {
	id      string
	model   string
	created int64
	started bool
	usage   *plexus.Usage
}

// NewStreamEmitter returns an emitter producing OpenAI chat SSE frames.
func (Transformer) NewStreamEmitter(model string) dialect.StreamEmitter {
	return &streamEmitter{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: time.Now().Unix(),
	}
}

// Emit renders one unified chunk as chat frames. The role delta precedes
// the first content frame; ChunkDone produces the finish frame, a trailing
// usage frame, and the [DONE] sentinel.
func (e *streamEmitter) Emit(c plexus.StreamChunk) []dialect.Event {
	var out []dialect.Event
	if !e.started && c.Kind != plexus.ChunkUsage {
		e.started = true
		out = append(out, e.deltaEvent(map[string]any{"role": "assistant"}, ""))
	}

	switch c.Kind {
	case plexus.ChunkText:
		out = append(out, e.deltaEvent(map[string]any{"content": c.Text}, ""))
	case plexus.ChunkThinking:
		out = append(out, e.deltaEvent(map[string]any{"reasoning_content": c.Text}, ""))
	case plexus.ChunkToolCall:
		out = append(out, e.toolCallEvent(c.ToolCall))
	case plexus.ChunkImage:
		// Chat streams have no image frames; images surface via the unary path.
	case plexus.ChunkUsage:
		u := *c.Usage
		e.usage = &u
	case plexus.ChunkDone:
		out = append(out, e.deltaEvent(map[string]any{}, c.FinishReason))
		if e.usage != nil {
			out = append(out, e.usageEvent(e.usage))
		}
		out = append(out, dialect.Event{Data: []byte(doneSentinel)})
	}
	return out
}

// Error emits one error-shaped frame then the [DONE] sentinel.
func (e *streamEmitter) Error(code, message string) []dialect.Event {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "upstream_error",
			"code":    code,
		},
	})
	return []dialect.Event{
		{Data: body},
		{Data: []byte(doneSentinel)},
	}
}

func (e *streamEmitter) deltaEvent(delta map[string]any, finish plexus.FinishReason) dialect.Event {
	var fr any
	if finish != "" {
		fr = string(finish)
	}
	body, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": fr,
		}},
	})
	return dialect.Event{Data: body}
}

func (e *streamEmitter) toolCallEvent(tc *plexus.ToolCallDelta) dialect.Event {
	call := map[string]any{
		"index":    tc.Index,
		"function": map[string]any{"arguments": tc.ArgsDelta},
	}
	if tc.ID != "" {
		call["id"] = tc.ID
		call["type"] = "function"
	}
	if tc.Name != "" {
		call["function"] = map[string]any{"name": tc.Name, "arguments": tc.ArgsDelta}
	}
	body, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         map[string]any{"tool_calls": []map[string]any{call}},
			"finish_reason": nil,
		}},
	})
	return dialect.Event{Data: body}
}

func (e *streamEmitter) usageEvent(u *plexus.Usage) dialect.Event {
	body, _ := json.Marshal(map[string]any{
		"id":      e.id,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []map[string]any{},
		"usage":   emitUsage(*u),
	})
	return dialect.Event{Data: body}
}
