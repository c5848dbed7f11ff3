package anthropic

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

// --- Stream parsing ---

// streamParser tracks per-index block types so tool-argument fragments keep
// their index association.
type streamParser struct {
	usage  plexus.Usage
	finish plexus.FinishReason
}

// NewStreamParser returns a parser for Anthropic named SSE events.
func (Transformer) NewStreamParser() dialect.StreamParser { return &streamParser{} }

// Parse maps one named event to unified chunks. Pings and block stops
// yield nothing; usage is assembled across message_start and message_delta
// and emitted before the final done chunk.
func (p *streamParser) Parse(event string, data []byte) ([]plexus.StreamChunk, error) {
	r := gjson.ParseBytes(data)
	if event == "" {
		// Anthropic always names its events; data-only frames carry the
		// type inline (seen when upstreams relay without event lines).
		event = r.Get("type").String()
	}

	switch event {
	case "message_start":
		p.usage = parseUsage(r.Get("message.usage"))
		return nil, nil

	case "content_block_start":
		block := r.Get("content_block")
		if block.Get("type").String() == "tool_use" {
			return []plexus.StreamChunk{{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
				Index: int(r.Get("index").Int()),
				ID:    block.Get("id").String(),
				Name:  block.Get("name").String(),
			}}}, nil
		}
		return nil, nil

	case "content_block_delta":
		delta := r.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			return []plexus.StreamChunk{{Kind: plexus.ChunkText, Text: delta.Get("text").String()}}, nil
		case "thinking_delta":
			return []plexus.StreamChunk{{Kind: plexus.ChunkThinking, Text: delta.Get("thinking").String()}}, nil
		case "input_json_delta":
			return []plexus.StreamChunk{{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
				Index:     int(r.Get("index").Int()),
				ArgsDelta: delta.Get("partial_json").String(),
			}}}, nil
		case "signature_delta":
			return nil, nil
		default:
			return nil, plexus.NewParseError(dialectName, "content_block_delta.type",
				"unknown value "+delta.Get("type").String())
		}

	case "message_delta":
		if sr := r.Get("delta.stop_reason").String(); sr != "" {
			finish, err := mapStopReason(sr)
			if err != nil {
				return nil, err
			}
			p.finish = finish
		}
		if out := r.Get("usage.output_tokens"); out.Exists() {
			p.usage.OutputTokens = int(out.Int())
			p.usage.TotalTokens = p.usage.InputTokens + p.usage.OutputTokens +
				p.usage.CacheReadTokens + p.usage.CacheCreationTokens
		}
		return nil, nil

	case "message_stop":
		u := p.usage
		finish := p.finish
		if finish == "" {
			finish = plexus.FinishStop
		}
		return []plexus.StreamChunk{
			{Kind: plexus.ChunkUsage, Usage: &u},
			{Kind: plexus.ChunkDone, FinishReason: finish},
		}, nil

	case "error":
		return nil, plexus.NewParseError(dialectName, "stream", r.Get("error.message").String())

	case "ping", "content_block_stop":
		return nil, nil

	default:
		// Forward-compatible: unknown event names are skipped.
		return nil, nil
	}
}

// --- Stream emission ---

// streamEmitter renders unified chunks as the Messages event lifecycle:
// message_start, content_block_start/delta/stop per block, message_delta
// with stop_reason and usage, message_stop.
type streamEmitter struct {
	id         string
	model      string
	started    bool
	blockOpen  bool
	blockType  string
	blockIndex int
	usage      *plexus.Usage
}

// NewStreamEmitter returns an emitter producing Anthropic named SSE events.
func (Transformer) NewStreamEmitter(model string) dialect.StreamEmitter {
	return &streamEmitter{
		id:         "msg_" + uuid.NewString(),
		model:      model,
		blockIndex: -1,
	}
}

func (e *streamEmitter) Emit(c plexus.StreamChunk) []dialect.Event {
	var out []dialect.Event
	if !e.started {
		e.started = true
		out = append(out, e.messageStart())
	}

	switch c.Kind {
	case plexus.ChunkText:
		out = append(out, e.ensureBlock("text", nil)...)
		out = append(out, e.blockDelta(map[string]any{"type": "text_delta", "text": c.Text}))

	case plexus.ChunkThinking:
		out = append(out, e.ensureBlock("thinking", nil)...)
		out = append(out, e.blockDelta(map[string]any{"type": "thinking_delta", "thinking": c.Text}))

	case plexus.ChunkToolCall:
		if c.ToolCall.Name != "" {
			out = append(out, e.ensureBlock("", nil)...) // close any open block
			out = append(out, e.openBlock("tool_use", map[string]any{
				"type":  "tool_use",
				"id":    c.ToolCall.ID,
				"name":  c.ToolCall.Name,
				"input": map[string]any{},
			}))
		}
		if c.ToolCall.ArgsDelta != "" {
			out = append(out, e.blockDelta(map[string]any{
				"type":         "input_json_delta",
				"partial_json": c.ToolCall.ArgsDelta,
			}))
		}

	case plexus.ChunkImage:
		// The Messages stream has no image frames.

	case plexus.ChunkUsage:
		u := *c.Usage
		e.usage = &u

	case plexus.ChunkDone:
		out = append(out, e.closeBlock()...)
		usage := map[string]any{"output_tokens": 0}
		if e.usage != nil {
			usage = emitUsage(*e.usage)
		}
		out = append(out, e.event("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": emitStopReason(c.FinishReason), "stop_sequence": nil},
			"usage": usage,
		}))
		out = append(out, e.event("message_stop", map[string]any{"type": "message_stop"}))
	}
	return out
}

// Error emits a terminal error event in the Messages stream shape.
func (e *streamEmitter) Error(code, message string) []dialect.Event {
	return []dialect.Event{e.event("error", map[string]any{
		"type":  "error",
		"error": map[string]any{"type": code, "message": message},
	})}
}

func (e *streamEmitter) messageStart() dialect.Event {
	return e.event("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            e.id,
			"type":          "message",
			"role":          "assistant",
			"model":         e.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

// ensureBlock closes the open block if its type differs and opens a new
// one of the wanted type. An empty wanted type only closes.
func (e *streamEmitter) ensureBlock(wanted string, content map[string]any) []dialect.Event {
	if e.blockOpen && e.blockType == wanted {
		return nil
	}
	out := e.closeBlock()
	if wanted == "" {
		return out
	}
	if content == nil {
		switch wanted {
		case "text":
			content = map[string]any{"type": "text", "text": ""}
		case "thinking":
			content = map[string]any{"type": "thinking", "thinking": ""}
		}
	}
	out = append(out, e.openBlock(wanted, content))
	return out
}

func (e *streamEmitter) openBlock(blockType string, content map[string]any) dialect.Event {
	e.blockIndex++
	e.blockOpen = true
	e.blockType = blockType
	return e.event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         e.blockIndex,
		"content_block": content,
	})
}

func (e *streamEmitter) closeBlock() []dialect.Event {
	if !e.blockOpen {
		return nil
	}
	e.blockOpen = false
	return []dialect.Event{e.event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": e.blockIndex,
	})}
}

func (e *streamEmitter) blockDelta(delta map[string]any) dialect.Event {
	return e.event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.blockIndex,
		"delta": delta,
	})
}

func (e *streamEmitter) event(name string, payload map[string]any) dialect.Event {
	body, _ := json.Marshal(payload)
	return dialect.Event{Name: name, Data: body}
}
