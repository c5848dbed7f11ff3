// Package dialect defines the transformer contract shared by the four wire
// dialects. Each dialect converts between its wire format and the unified
// request/response/chunk model, for both unary and streaming exchanges.
package dialect

import (
	plexus "github.com/plexusgw/plexus/internal"
)

// Event is one server-sent event ready for wire framing. An empty Name
// produces a bare "data:" frame (OpenAI style); a non-empty Name produces
// an "event:" line first (Anthropic / Responses style).
type Event struct {
	Name string
	Data []byte
}

// StreamParser consumes provider SSE events and yields unified chunks.
// Implementations are stateful (block indexes, pending tool names) and are
// constructed per stream via Transformer.NewStreamParser.
type StreamParser interface {
	// Parse maps one SSE event to zero or more unified chunks. Events the
	// dialect ignores (pings, lifecycle noise) yield an empty slice.
	Parse(event string, data []byte) ([]plexus.StreamChunk, error)
}

// StreamEmitter renders unified chunks as client-dialect SSE events,
// including the dialect's full event lifecycle and terminator framing.
// Implementations are stateful and constructed per stream.
type StreamEmitter interface {
	// Emit maps one unified chunk to zero or more wire events. A ChunkDone
	// chunk produces the dialect's terminal framing.
	Emit(c plexus.StreamChunk) []Event
	// Error produces the dialect's terminal error framing for a mid-stream
	// failure after headers have been sent.
	Error(code, message string) []Event
}

// Transformer is the bidirectional converter for one dialect.
type Transformer interface {
	// Dialect returns the wire dialect this transformer implements.
	Dialect() plexus.Dialect

	// ParseRequest converts client wire bytes to a unified request.
	ParseRequest(body []byte) (*plexus.UnifiedRequest, error)
	// EmitRequest converts a unified request to provider wire bytes.
	EmitRequest(req *plexus.UnifiedRequest) ([]byte, error)

	// ParseResponse converts provider wire bytes to a unified response.
	ParseResponse(body []byte) (*plexus.UnifiedResponse, error)
	// EmitResponse converts a unified response to client wire bytes.
	EmitResponse(resp *plexus.UnifiedResponse) ([]byte, error)

	// NewStreamParser returns a fresh parser for one provider stream.
	NewStreamParser() StreamParser
	// NewStreamEmitter returns a fresh emitter for one client stream.
	// model is the model name echoed in emitted frames.
	NewStreamEmitter(model string) StreamEmitter

	// EndpointPath returns the provider-relative request path, accounting
	// for streaming endpoint switches where the dialect has them.
	EndpointPath(req *plexus.UnifiedRequest) string
}

// Table maps dialects to transformers. Built once at wiring time.
type Table map[plexus.Dialect]Transformer

// For returns the transformer for d.
func (t Table) For(d plexus.Dialect) (Transformer, bool) {
	tr, ok := t[d]
	return tr, ok
}
