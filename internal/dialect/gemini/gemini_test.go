package gemini

import (
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

func TestEndpointPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model  string
		stream bool
		want   string
	}{
		{"gemini-2.5-pro", false, "/v1beta/models/gemini-2.5-pro:generateContent"},
		{"gemini-2.5-pro", true, "/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse"},
		{"models/gemini-2.5-flash", false, "/v1beta/models/gemini-2.5-flash:generateContent"},
		{"tunedModels/mine", true, "/v1beta/tunedModels/mine:streamGenerateContent?alt=sse"},
	}
	for _, tc := range cases {
		req := &plexus.UnifiedRequest{Model: tc.model, Stream: tc.stream}
		if got := (Transformer{}).EndpointPath(req); got != tc.want {
			t.Errorf("EndpointPath(%q, stream=%v) = %q, want %q", tc.model, tc.stream, got, tc.want)
		}
	}
}

func TestParseRequest(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "Be helpful."}]},
		"contents": [
			{"role": "user", "parts": [{"text": "weather in Oslo?"}]},
			{"role": "model", "parts": [
				{"functionCall": {"name": "get_weather", "args": {"city": "Oslo"}}}
			]},
			{"role": "user", "parts": [
				{"functionResponse": {"name": "get_weather", "response": {"result": "rainy"}}}
			]}
		],
		"tools": [{"functionDeclarations": [{"name": "get_weather", "parameters": {"type": "object"}}]}],
		"toolConfig": {"functionCallingConfig": {"mode": "ANY", "allowedFunctionNames": ["get_weather"]}},
		"generationConfig": {
			"maxOutputTokens": 300,
			"temperature": 0.5,
			"stopSequences": ["END"],
			"thinkingConfig": {"includeThoughts": true, "thinkingBudget": 1024}
		}
	}`)

	req, err := Transformer{}.ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(req.Messages))
	}
	if req.Messages[0].Role != plexus.RoleSystem || req.Messages[0].Text() != "Be helpful." {
		t.Errorf("system = %+v", req.Messages[0])
	}
	asst := req.Messages[2]
	if asst.Role != plexus.RoleAssistant || len(asst.ToolCalls) != 1 {
		t.Fatalf("model message = %+v", asst)
	}
	if asst.ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool call = %+v", asst.ToolCalls[0])
	}
	toolMsg := req.Messages[3]
	if toolMsg.Role != plexus.RoleTool || toolMsg.ToolCallID != "get_weather" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	// A single allowed name under ANY pins the specific function.
	if req.ToolChoice == nil || req.ToolChoice.Mode != plexus.ToolChoiceFunction || req.ToolChoice.Name != "get_weather" {
		t.Errorf("tool choice = %+v", req.ToolChoice)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 300 {
		t.Errorf("max tokens = %v", req.MaxTokens)
	}
	if req.Reasoning == nil || !req.Reasoning.Enabled || req.Reasoning.MaxTokens != 1024 {
		t.Errorf("reasoning = %+v", req.Reasoning)
	}
}

func TestParseRequestResponseFormat(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"generationConfig": {"responseMimeType": "application/json"}
	}`)
	req, err := Transformer{}.ParseRequest(body)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got := gjson.GetBytes(req.ResponseFormat, "type").String(); got != "json_object" {
		t.Errorf("response format = %s", req.ResponseFormat)
	}
}

func TestEmitRequest(t *testing.T) {
	t.Parallel()

	req := &plexus.UnifiedRequest{
		Model: "gemini-2.5-pro",
		Messages: []plexus.Message{
			{Role: plexus.RoleSystem, Parts: []plexus.Part{plexus.TextPart("sys")}},
			{Role: plexus.RoleUser, Parts: []plexus.Part{plexus.TextPart("q")}},
			{Role: plexus.RoleAssistant, ToolCalls: []plexus.ToolCall{{ID: "c1", Name: "f", Arguments: `{"a":1}`}}},
			{Role: plexus.RoleTool, ToolCallID: "f", Parts: []plexus.Part{plexus.TextPart("plain answer")}},
		},
	}
	body, err := Transformer{}.EmitRequest(req)
	if err != nil {
		t.Fatalf("EmitRequest: %v", err)
	}
	r := gjson.ParseBytes(body)
	if got := r.Get("systemInstruction.parts.0.text").String(); got != "sys" {
		t.Errorf("systemInstruction = %s", r.Get("systemInstruction").Raw)
	}
	contents := r.Get("contents").Array()
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if got := contents[1].Get("role").String(); got != "model" {
		t.Errorf("assistant role = %q", got)
	}
	if got := contents[1].Get("parts.0.functionCall.args.a").Int(); got != 1 {
		t.Errorf("functionCall = %s", contents[1].Raw)
	}
	// Non-JSON tool results wrap in a result object.
	if got := contents[2].Get("parts.0.functionResponse.response.result").String(); got != "plain answer" {
		t.Errorf("functionResponse = %s", contents[2].Raw)
	}
	// Safety blocking is disabled across all categories.
	settings := r.Get("safetySettings").Array()
	if len(settings) != 5 {
		t.Fatalf("safetySettings = %d, want 5", len(settings))
	}
	for _, s := range settings {
		if s.Get("threshold").String() != "BLOCK_NONE" {
			t.Errorf("threshold = %s", s.Raw)
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"systemInstruction": {"parts": [{"text": "sys"}]},
		"contents": [
			{"role": "user", "parts": [{"text": "q"}, {"inlineData": {"mimeType": "image/png", "data": "aWJt"}}]},
			{"role": "model", "parts": [{"text": "hm", "thought": true, "thoughtSignature": "sig"}, {"text": "a"}]}
		],
		"generationConfig": {"maxOutputTokens": 128, "topP": 0.9}
	}`)
	first, err := Transformer{}.ParseRequest(body)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	emitted, err := Transformer{}.EmitRequest(first)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	second, err := Transformer{}.ParseRequest(emitted)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if len(second.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(second.Messages))
	}
	user := second.Messages[1]
	if len(user.Parts) != 2 || user.Parts[1].Image == nil || user.Parts[1].Image.Data != "aWJt" {
		t.Errorf("user parts drifted: %+v", user.Parts)
	}
	model := second.Messages[2]
	if model.Thinking == nil || model.Thinking.Content != "hm" || model.Thinking.Signature != "sig" {
		t.Errorf("thinking drifted: %+v", model.Thinking)
	}
	if second.MaxTokens == nil || *second.MaxTokens != 128 {
		t.Errorf("maxOutputTokens drifted: %v", second.MaxTokens)
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"responseId": "resp-1",
		"modelVersion": "gemini-2.5-pro",
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "thinking...", "thought": true, "thoughtSignature": "sig"},
				{"text": "Answer."}
			]},
			"finishReason": "STOP",
			"index": 0
		}],
		"usageMetadata": {
			"promptTokenCount": 50,
			"candidatesTokenCount": 10,
			"thoughtsTokenCount": 30,
			"cachedContentTokenCount": 8,
			"totalTokenCount": 90
		}
	}`)
	resp, err := Transformer{}.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.ID != "resp-1" || resp.Model != "gemini-2.5-pro" {
		t.Errorf("id/model = %q %q", resp.ID, resp.Model)
	}
	if resp.Message.Thinking == nil || resp.Message.Thinking.Content != "thinking..." {
		t.Errorf("thinking = %+v", resp.Message.Thinking)
	}
	if resp.Message.Text() != "Answer." {
		t.Errorf("text = %q", resp.Message.Text())
	}
	u := resp.Usage
	if u.InputTokens != 50 || u.OutputTokens != 10 || u.ReasoningTokens != 30 || u.CacheReadTokens != 8 || u.TotalTokens != 90 {
		t.Errorf("usage = %+v", u)
	}
}

func TestParseResponseFunctionCallPromotesFinish(t *testing.T) {
	t.Parallel()

	body := []byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [{"functionCall": {"name": "f", "args": {}}}]},
			"finishReason": "STOP"
		}]
	}`)
	resp, err := Transformer{}.ParseResponse(body)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if resp.FinishReason != plexus.FinishToolCalls {
		t.Errorf("finish = %q, want tool_calls", resp.FinishReason)
	}
}

func TestParseResponseErrorBody(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`)
	if _, err := (Transformer{}).ParseResponse(body); err == nil {
		t.Fatal("expected error")
	}
}

func TestStreamParser(t *testing.T) {
	t.Parallel()

	p := Transformer{}.NewStreamParser()

	chunks, err := p.Parse("", []byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]},"index":0}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Kind != plexus.ChunkText || chunks[0].Text != "Hel" {
		t.Fatalf("chunks = %+v", chunks)
	}

	chunks, err = p.Parse("", []byte(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"f","args":{"a":1}}}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`))
	if err != nil {
		t.Fatalf("parse final: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[0].Kind != plexus.ChunkToolCall || chunks[0].ToolCall.Name != "f" {
		t.Errorf("tool chunk = %+v", chunks[0])
	}
	if chunks[1].Kind != plexus.ChunkUsage || chunks[1].Usage.TotalTokens != 7 {
		t.Errorf("usage chunk = %+v", chunks[1])
	}
	// STOP with a function call in the stream promotes to tool_calls.
	if chunks[2].Kind != plexus.ChunkDone || chunks[2].FinishReason != plexus.FinishToolCalls {
		t.Errorf("done chunk = %+v", chunks[2])
	}
}

func TestStreamEmitter(t *testing.T) {
	t.Parallel()

	e := Transformer{}.NewStreamEmitter("gemini-2.5-pro")

	events := e.Emit(plexus.StreamChunk{Kind: plexus.ChunkText, Text: "Hi"})
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	r := gjson.ParseBytes(events[0].Data)
	if got := r.Get("candidates.0.content.parts.0.text").String(); got != "Hi" {
		t.Errorf("frame = %s", events[0].Data)
	}
	if got := r.Get("modelVersion").String(); got != "gemini-2.5-pro" {
		t.Errorf("modelVersion = %q", got)
	}

	// Tool argument deltas buffer until the final frame.
	if got := e.Emit(plexus.StreamChunk{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 0, Name: "f"}}); len(got) != 0 {
		t.Errorf("tool name chunk emitted %d events", len(got))
	}
	if got := e.Emit(plexus.StreamChunk{Kind: plexus.ChunkToolCall, ToolCall: &plexus.ToolCallDelta{Index: 0, ArgsDelta: `{"a":1}`}}); len(got) != 0 {
		t.Errorf("args chunk emitted %d events", len(got))
	}
	e.Emit(plexus.StreamChunk{Kind: plexus.ChunkUsage, Usage: &plexus.Usage{InputTokens: 5, OutputTokens: 2, TotalTokens: 7}})

	events = e.Emit(plexus.StreamChunk{Kind: plexus.ChunkDone, FinishReason: plexus.FinishToolCalls})
	if len(events) != 1 {
		t.Fatalf("final events = %d", len(events))
	}
	final := gjson.ParseBytes(events[0].Data)
	if got := final.Get("candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
	if got := final.Get("candidates.0.content.parts.0.functionCall.args.a").Int(); got != 1 {
		t.Errorf("functionCall = %s", events[0].Data)
	}
	if got := final.Get("usageMetadata.totalTokenCount").Int(); got != 7 {
		t.Errorf("usageMetadata = %s", final.Get("usageMetadata").Raw)
	}
}

func TestStreamEmitterError(t *testing.T) {
	t.Parallel()

	e := Transformer{}.NewStreamEmitter("m")
	events := e.Error("upstream_error", "boom")
	if len(events) != 1 {
		t.Fatalf("events = %d", len(events))
	}
	r := gjson.ParseBytes(events[0].Data)
	if got := r.Get("error.status").String(); got != "upstream_error" {
		t.Errorf("error frame = %s", events[0].Data)
	}
}
