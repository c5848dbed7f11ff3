package responses

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

// NewStreamParser returns a parser for Responses API stream events.
func (Transformer) NewStreamParser() dialect.StreamParser {
	return &streamParser{toolIndex: map[int]int{}}
}

// streamParser maps output item indexes to unified tool call ordinals.
type streamParser struct {
	toolIndex map[int]int // output_index -> tool ordinal
	nextTool  int
}

// Parse handles one named event. Lifecycle bookkeeping events yield no
// chunks; response.completed closes the stream with usage and a finish
// reason derived from the final response object.
func (p *streamParser) Parse(event string, data []byte) ([]plexus.StreamChunk, error) {
	r := gjson.ParseBytes(data)
	if event == "" {
		event = r.Get("type").String()
	}

	switch event {
	case "response.output_text.delta":
		return []plexus.StreamChunk{{Kind: plexus.ChunkText, Text: r.Get("delta").String()}}, nil

	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		return []plexus.StreamChunk{{Kind: plexus.ChunkThinking, Text: r.Get("delta").String()}}, nil

	case "response.output_item.added":
		item := r.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil, nil
		}
		ordinal := p.nextTool
		p.toolIndex[int(r.Get("output_index").Int())] = ordinal
		p.nextTool++
		return []plexus.StreamChunk{{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
			Index: ordinal,
			ID:    item.Get("call_id").String(),
			Name:  item.Get("name").String(),
		}}}, nil

	case "response.function_call_arguments.delta":
		ordinal, ok := p.toolIndex[int(r.Get("output_index").Int())]
		if !ok {
			return nil, plexus.NewParseError(dialectName, "output_index", "arguments delta before item added")
		}
		return []plexus.StreamChunk{{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{
			Index:     ordinal,
			ArgsDelta: r.Get("delta").String(),
		}}}, nil

	case "response.completed", "response.incomplete":
		resp := r.Get("response")
		usage := parseUsage(resp.Get("usage"))
		finish, err := mapStatus(resp, p.nextTool > 0)
		if err != nil {
			return nil, err
		}
		return []plexus.StreamChunk{
			{Kind: plexus.ChunkUsage, Usage: &usage},
			{Kind: plexus.ChunkDone, FinishReason: finish},
		}, nil

	case "response.failed", "error":
		msg := r.Get("response.error.message").String()
		if msg == "" {
			msg = r.Get("message").String()
		}
		return nil, plexus.NewParseError(dialectName, "stream", msg)

	default:
		// created, in_progress, content_part.*, *.done and friends carry
		// no unified payload.
		return nil, nil
	}
}

// NewStreamEmitter returns an emitter producing the Responses event
// lifecycle for the given model.
func (Transformer) NewStreamEmitter(model string) dialect.StreamEmitter {
	return &streamEmitter{
		model:     model,
		id:        "resp_" + uuid.NewString(),
		itemIndex: -1,
	}
}

// streamEmitter drives the response.created -> output_item lifecycle ->
// response.completed sequence, tracking one open output item at a time.
type streamEmitter struct {
	model   string
	id      string
	started bool
	seq     int
	usage   *plexus.Usage

	itemIndex    int
	itemType     string // "message", "reasoning" or "function_call"
	toolOrdinals map[int]int
	finished     bool
}

func (e *streamEmitter) Emit(c plexus.StreamChunk) []dialect.Event {
	if e.finished {
		return nil
	}
	var events []dialect.Event
	if !e.started {
		e.started = true
		events = append(events,
			e.event("response.created", map[string]any{"response": e.responseObject("in_progress", nil)}),
			e.event("response.in_progress", map[string]any{"response": e.responseObject("in_progress", nil)}),
		)
	}

	switch c.Kind {
	case plexus.ChunkText:
		events = append(events, e.ensureItem("message")...)
		events = append(events, e.event("response.output_text.delta", map[string]any{
			"item_id":       e.itemID(),
			"output_index":  e.itemIndex,
			"content_index": 0,
			"delta":         c.Text,
		}))

	case plexus.ChunkThinking:
		events = append(events, e.ensureItem("reasoning")...)
		events = append(events, e.event("response.reasoning_summary_text.delta", map[string]any{
			"item_id":       e.itemID(),
			"output_index":  e.itemIndex,
			"summary_index": 0,
			"delta":         c.Text,
		}))

	case plexus.ChunkToolCall:
		if e.toolOrdinals == nil {
			e.toolOrdinals = map[int]int{}
		}
		if _, ok := e.toolOrdinals[c.ToolCall.Index]; !ok {
			events = append(events, e.closeItem()...)
			e.itemIndex++
			e.itemType = "function_call"
			e.toolOrdinals[c.ToolCall.Index] = e.itemIndex
			callID := c.ToolCall.ID
			if callID == "" {
				callID = "call_" + uuid.NewString()
			}
			events = append(events, e.event("response.output_item.added", map[string]any{
				"output_index": e.itemIndex,
				"item": map[string]any{
					"type":      "function_call",
					"id":        e.itemID(),
					"call_id":   callID,
					"name":      c.ToolCall.Name,
					"arguments": "",
				},
			}))
		}
		if c.ToolCall.ArgsDelta != "" {
			events = append(events, e.event("response.function_call_arguments.delta", map[string]any{
				"item_id":      e.itemID(),
				"output_index": e.toolOrdinals[c.ToolCall.Index],
				"delta":        c.ToolCall.ArgsDelta,
			}))
		}

	case plexus.ChunkUsage:
		u := *c.Usage
		e.usage = &u

	case plexus.ChunkDone:
		events = append(events, e.closeItem()...)
		status := emitStatus(c.FinishReason)
		name := "response.completed"
		if status != "completed" {
			name = "response." + status
		}
		var incomplete map[string]any
		switch c.FinishReason {
		case plexus.FinishLength:
			incomplete = map[string]any{"reason": "max_output_tokens"}
		case plexus.FinishContentFilter:
			incomplete = map[string]any{"reason": "content_filter"}
		}
		events = append(events, e.event(name, map[string]any{
			"response": e.responseObject(status, incomplete),
		}))
		e.finished = true
	}

	return events
}

// Error emits a terminal named error event.
func (e *streamEmitter) Error(code, message string) []dialect.Event {
	e.finished = true
	return []dialect.Event{e.event("error", map[string]any{
		"type":    "error",
		"code":    code,
		"message": message,
	})}
}

func (e *streamEmitter) itemID() string {
	prefix := map[string]string{"message": "msg", "reasoning": "rs", "function_call": "fc"}[e.itemType]
	return fmt.Sprintf("%s_%s_%d", prefix, e.id, e.itemIndex)
}

// ensureItem opens a new output item of the given type, closing the
// previous one when the type changes.
func (e *streamEmitter) ensureItem(itemType string) []dialect.Event {
	if e.itemIndex >= 0 && e.itemType == itemType {
		return nil
	}
	events := e.closeItem()
	e.itemIndex++
	e.itemType = itemType
	item := map[string]any{"type": itemType, "id": e.itemID()}
	if itemType == "message" {
		item["role"] = "assistant"
		item["content"] = []any{}
	}
	events = append(events, e.event("response.output_item.added", map[string]any{
		"output_index": e.itemIndex,
		"item":         item,
	}))
	if itemType == "message" {
		events = append(events, e.event("response.content_part.added", map[string]any{
			"item_id":       e.itemID(),
			"output_index":  e.itemIndex,
			"content_index": 0,
			"part":          map[string]any{"type": "output_text", "text": ""},
		}))
	}
	return events
}

func (e *streamEmitter) closeItem() []dialect.Event {
	if e.itemIndex < 0 || e.itemType == "" {
		return nil
	}
	var events []dialect.Event
	if e.itemType == "message" {
		events = append(events, e.event("response.content_part.done", map[string]any{
			"item_id":       e.itemID(),
			"output_index":  e.itemIndex,
			"content_index": 0,
		}))
	}
	events = append(events, e.event("response.output_item.done", map[string]any{
		"output_index": e.itemIndex,
		"item":         map[string]any{"type": e.itemType, "id": e.itemID(), "status": "completed"},
	}))
	e.itemType = ""
	return events
}

func (e *streamEmitter) responseObject(status string, incomplete map[string]any) map[string]any {
	out := map[string]any{
		"id":     e.id,
		"object": "response",
		"model":  e.model,
		"status": status,
	}
	if incomplete != nil {
		out["incomplete_details"] = incomplete
	}
	if status != "in_progress" && e.usage != nil {
		out["usage"] = emitUsage(*e.usage)
	}
	return out
}

func (e *streamEmitter) event(name string, payload map[string]any) dialect.Event {
	payload["type"] = name
	payload["sequence_number"] = e.seq
	e.seq++
	data, _ := json.Marshal(payload)
	return dialect.Event{Name: name, Data: data}
}
