package gemini

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

// NewStreamParser returns a parser for streamGenerateContent SSE frames.
func (Transformer) NewStreamParser() dialect.StreamParser {
	return &streamParser{}
}

// streamParser tracks the tool call index; Gemini emits complete function
// calls without one.
type streamParser struct {
	nextToolIndex int
}

// Parse handles one frame. Gemini streams unnamed data events, each a full
// GenerateContentResponse; a frame with finishReason terminates the stream.
func (p *streamParser) Parse(_ string, data []byte) ([]plexus.StreamChunk, error) {
	r := gjson.ParseBytes(data)
	if e := r.Get("error"); e.Exists() {
		return nil, plexus.NewParseError(dialectName, "stream", e.Get("message").String())
	}

	var chunks []plexus.StreamChunk

	r.Get("candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		switch {
		case part.Get("functionCall").Exists():
			args := part.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
				Index:     p.nextToolIndex,
				Name:      part.Get("functionCall.name").String(),
				ArgsDelta: args,
			}})
			p.nextToolIndex++
		case part.Get("inlineData").Exists():
			chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkImage, Image: &plexus.ImageData{
				MIME: part.Get("inlineData.mimeType").String(),
				Data: part.Get("inlineData.data").String(),
			}})
		case part.Get("thought").Bool():
			chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkThinking, Text: part.Get("text").String()})
		default:
			if text := part.Get("text").String(); text != "" {
				chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkText, Text: text})
			}
		}
		return true
	})

	if u := r.Get("usageMetadata"); u.Exists() {
		usage := parseUsage(u)
		chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkUsage, Usage: &usage})
	}

	if fr := r.Get("candidates.0.finishReason").String(); fr != "" {
		finish, err := mapFinishReason(fr)
		if err != nil {
			return nil, err
		}
		if p.nextToolIndex > 0 && finish == plexus.FinishStop {
			finish = plexus.FinishToolCalls
		}
		chunks = append(chunks, plexus.StreamChunk{Kind: plexus.ChunkDone, FinishReason: finish})
	}

	return chunks, nil
}

// NewStreamEmitter returns an emitter producing streamGenerateContent SSE
// frames for the given model name.
func (Transformer) NewStreamEmitter(model string) dialect.StreamEmitter {
	return &streamEmitter{model: model}
}

type streamEmitter struct {
	model string
	usage *plexus.Usage

	// tool call arguments arrive as deltas from other dialects but this
	// wire format carries only complete calls, so they buffer until Done.
	toolCalls map[int]*toolCallBuf
}

type toolCallBuf struct {
	name string
	args strings.Builder
}

// Emit converts one unified chunk into zero or more SSE frames.
func (e *streamEmitter) Emit(c plexus.StreamChunk) []dialect.Event {
	switch c.Kind {
	case plexus.ChunkText:
		return e.frame([]geminiPart{{Text: c.Text}}, "", false)
	case plexus.ChunkThinking:
		return e.frame([]geminiPart{{Text: c.Text, Thought: true}}, "", false)
	case plexus.ChunkImage:
		return e.frame([]geminiPart{{InlineData: &geminiBlob{MIMEType: c.Image.MIME, Data: c.Image.Data}}}, "", false)
	case plexus.ChunkToolCall:
		if e.toolCalls == nil {
			e.toolCalls = make(map[int]*toolCallBuf)
		}
		buf, ok := e.toolCalls[c.ToolCall.Index]
		if !ok {
			buf = &toolCallBuf{}
			e.toolCalls[c.ToolCall.Index] = buf
		}
		if c.ToolCall.Name != "" {
			buf.name = c.ToolCall.Name
		}
		buf.args.WriteString(c.ToolCall.ArgsDelta)
		return nil
	case plexus.ChunkUsage:
		u := *c.Usage
		e.usage = &u
		return nil
	case plexus.ChunkDone:
		return e.frame(e.flushToolCalls(), emitFinishReason(c.FinishReason), true)
	default:
		return nil
	}
}

// Error emits a terminal error frame in the wire format's error shape.
func (e *streamEmitter) Error(code, message string) []dialect.Event {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    500,
			"message": message,
			"status":  code,
		},
	})
	return []dialect.Event{{Data: data}}
}

func (e *streamEmitter) flushToolCalls() []geminiPart {
	if len(e.toolCalls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(e.toolCalls))
	for i := range e.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	parts := make([]geminiPart, 0, len(indexes))
	for _, i := range indexes {
		buf := e.toolCalls[i]
		args := buf.args.String()
		if args == "" {
			args = "{}"
		}
		parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{
			Name: buf.name,
			Args: json.RawMessage(args),
		}})
	}
	return parts
}

func (e *streamEmitter) frame(parts []geminiPart, finishReason string, final bool) []dialect.Event {
	content := map[string]any{"role": "model"}
	if len(parts) > 0 {
		content["parts"] = parts
	}
	candidate := map[string]any{"content": content, "index": 0}
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	}
	out := map[string]any{
		"candidates":   []map[string]any{candidate},
		"modelVersion": e.model,
	}
	if final && e.usage != nil {
		out["usageMetadata"] = emitUsage(*e.usage)
	}
	data, _ := json.Marshal(out)
	return []dialect.Event{{Data: data}}
}
