package dialect_test

import (
	"testing"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dialect/anthropic"
	"github.com/plexusgw/plexus/internal/dialect/openaichat"
)

func TestAccumulator(t *testing.T) {
	t.Parallel()

	acc := dialect.NewAccumulator()
	for _, c := range []plexus.StreamChunk{
		{Kind: plexus.ChunkThinking, Text: "think"},
		{Kind: plexus.ChunkText, Text: "Hel"},
		{Kind: plexus.ChunkText, Text: "lo"},
		{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 0, ID: "c1", Name: "f"}},
		{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 0, ArgsDelta: `{"a"`}},
		{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 0, ArgsDelta: `:1}`}},
		{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 1, ID: "c2", Name: "g", ArgsDelta: "{}"}},
		{Kind: plexus.ChunkUsage, Usage: &plexus.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8}},
		{Kind: plexus.ChunkDone, FinishReason: plexus.FinishToolCalls},
	} {
		acc.Add(c)
	}

	resp := acc.Response()
	if got := resp.Message.Text(); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	if resp.Message.Thinking == nil || resp.Message.Thinking.Content != "think" {
		t.Errorf("thinking = %+v", resp.Message.Thinking)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", resp.Message.ToolCalls)
	}
	// Argument fragments concatenate per index, ordered by index.
	if tc := resp.Message.ToolCalls[0]; tc.ID != "c1" || tc.Arguments != `{"a":1}` {
		t.Errorf("tool call 0 = %+v", tc)
	}
	if tc := resp.Message.ToolCalls[1]; tc.Name != "g" {
		t.Errorf("tool call 1 = %+v", tc)
	}
	if resp.FinishReason != plexus.FinishToolCalls {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestAccumulatorLastUsageWins(t *testing.T) {
	t.Parallel()

	acc := dialect.NewAccumulator()
	acc.Add(plexus.StreamChunk{Kind: plexus.ChunkUsage, Usage: &plexus.Usage{TotalTokens: 1}})
	acc.Add(plexus.StreamChunk{Kind: plexus.ChunkUsage, Usage: &plexus.Usage{TotalTokens: 42}})
	if u := acc.Usage(); u == nil || u.TotalTokens != 42 {
		t.Errorf("usage = %+v", u)
	}
}

func TestReconstructChat(t *testing.T) {
	t.Parallel()

	raw := []byte(`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}

data: [DONE]

`)
	resp := dialect.Reconstruct(openaichat.New(), raw)
	if got := resp.Message.Text(); got != "Hello" {
		t.Errorf("text = %q", got)
	}
	if resp.FinishReason != plexus.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestReconstructMessages(t *testing.T) {
	t.Parallel()

	raw := []byte(`event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":9}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}

event: message_stop
data: {"type":"message_stop"}

`)
	resp := dialect.Reconstruct(anthropic.New(), raw)
	if got := resp.Message.Text(); got != "Hi" {
		t.Errorf("text = %q", got)
	}
	if resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 1 || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestReconstructSkipsMalformedEvents(t *testing.T) {
	t.Parallel()

	raw := []byte(`data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":null}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"became_sentient"}]}

data: {"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}

`)
	resp := dialect.Reconstruct(openaichat.New(), raw)
	if got := resp.Message.Text(); got != "ok" {
		t.Errorf("text = %q", got)
	}
	if resp.FinishReason != plexus.FinishStop {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestTableFor(t *testing.T) {
	t.Parallel()

	table := dialect.Table{plexus.DialectChat: openaichat.New()}
	if _, ok := table.For(plexus.DialectChat); !ok {
		t.Error("chat transformer missing")
	}
	if _, ok := table.For(plexus.DialectMessages); ok {
		t.Error("messages transformer unexpectedly present")
	}
}
