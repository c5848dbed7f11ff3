package dialect

import (
	"sort"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect/sseutil"
)

// Accumulator folds a sequence of unified stream chunks back into a unified
// response: text and thinking fragments are concatenated, tool-call argument
// fragments are concatenated per index, and the last seen finish reason and
// usage win.
type Accumulator struct {
	text      strings.Builder
	thinking  strings.Builder
	signature string
	toolCalls map[int]*toolCallAcc
	usage     *plexus.Usage
	finish    plexus.FinishReason
	images    []plexus.ImageData
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{toolCalls: make(map[int]*toolCallAcc)}
}

// Add folds one chunk into the accumulator.
func (a *Accumulator) Add(c plexus.StreamChunk) {
	switch c.Kind {
	case plexus.ChunkText:
		a.text.WriteString(c.Text)
	case plexus.ChunkThinking:
		a.thinking.WriteString(c.Text)
	case plexus.ChunkToolCall:
		tc := a.toolCalls[c.ToolCall.Index]
		if tc == nil {
			tc = &toolCallAcc{}
			a.toolCalls[c.ToolCall.Index] = tc
		}
		if c.ToolCall.ID != "" {
			tc.id = c.ToolCall.ID
		}
		if c.ToolCall.Name != "" {
			tc.name = c.ToolCall.Name
		}
		tc.args.WriteString(c.ToolCall.ArgsDelta)
	case plexus.ChunkImage:
		if c.Image != nil {
			a.images = append(a.images, *c.Image)
		}
	case plexus.ChunkUsage:
		if c.Usage != nil {
			u := *c.Usage
			a.usage = &u
		}
	case plexus.ChunkDone:
		if c.FinishReason != "" {
			a.finish = c.FinishReason
		}
	}
}

// Usage returns the last observed usage chunk, or nil.
func (a *Accumulator) Usage() *plexus.Usage { return a.usage }

// Text returns the concatenated text content so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Response assembles the accumulated state into a unified response.
func (a *Accumulator) Response() *plexus.UnifiedResponse {
	msg := plexus.Message{Role: plexus.RoleAssistant}
	if a.text.Len() > 0 {
		msg.Parts = append(msg.Parts, plexus.TextPart(a.text.String()))
	}
	for i := range a.images {
		img := a.images[i]
		msg.Parts = append(msg.Parts, plexus.Part{Kind: plexus.PartImage, Image: &img})
	}
	if a.thinking.Len() > 0 {
		msg.Thinking = &plexus.Thinking{Content: a.thinking.String(), Signature: a.signature}
	}

	indexes := make([]int, 0, len(a.toolCalls))
	for i := range a.toolCalls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		tc := a.toolCalls[i]
		msg.ToolCalls = append(msg.ToolCalls, plexus.ToolCall{
			ID:        tc.id,
			Name:      tc.name,
			Arguments: tc.args.String(),
		})
	}

	resp := &plexus.UnifiedResponse{Message: msg, FinishReason: a.finish}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	return resp
}

// Reconstruct replays a raw SSE document through t's stream parser and
// folds the chunks into a unified response. Pure and deterministic; used
// for usage fallback and the debug trace path. Malformed events are
// skipped rather than failing the whole reconstruction.
func Reconstruct(t Transformer, raw []byte) *plexus.UnifiedResponse {
	parser := t.NewStreamParser()
	acc := NewAccumulator()
	for _, ev := range sseutil.Split(raw) {
		chunks, err := parser.Parse(ev.Name, []byte(ev.Data))
		if err != nil {
			continue
		}
		for _, c := range chunks {
			acc.Add(c)
		}
	}
	return acc.Response()
}
