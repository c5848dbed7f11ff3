// Package gemini implements the Google Gemini dialect transformer.
package gemini

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
)

const dialectName = plexus.DialectGemini

// Transformer converts between the Gemini generateContent wire format and
// the unified model.
type Transformer struct{}

var _ dialect.Transformer = Transformer{}

// New returns the gemini transformer.
func New() Transformer { return Transformer{} }

// Dialect returns plexus.DialectGemini.
func (Transformer) Dialect() plexus.Dialect { return dialectName }

// EndpointPath returns the model-scoped action path. Streaming switches
// the action to streamGenerateContent with alt=sse. "models/" and
// "tunedModels/" prefixes on the model name are preserved.
func (Transformer) EndpointPath(req *plexus.UnifiedRequest) string {
	model := req.Model
	if !strings.HasPrefix(model, "models/") && !strings.HasPrefix(model, "tunedModels/") {
		model = "models/" + model
	}
	if req.Stream {
		return "/v1beta/" + model + ":streamGenerateContent?alt=sse"
	}
	return "/v1beta/" + model + ":generateContent"
}

// --- Wire types ---

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	ToolConfig        *geminiToolCfg  `json:"toolConfig,omitempty"`
	GenerationConfig  *generationCfg  `json:"generationConfig,omitempty"`
	SafetySettings    []safetySetting `json:"safetySettings,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
	FunctionCall     *geminiFnCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResp   `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiFnCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFnResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations,omitempty"`
}

type geminiFnDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiToolCfg struct {
	FunctionCallingConfig *fnCallingCfg `json:"functionCallingConfig,omitempty"`
}

type fnCallingCfg struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type generationCfg struct {
	MaxOutputTokens    *int            `json:"maxOutputTokens,omitempty"`
	Temperature        *float64        `json:"temperature,omitempty"`
	TopP               *float64        `json:"topP,omitempty"`
	StopSequences      []string        `json:"stopSequences,omitempty"`
	ResponseMIMEType   string          `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
	ThinkingConfig     *thinkingCfg    `json:"thinkingConfig,omitempty"`
	ResponseModalities []string        `json:"responseModalities,omitempty"`
	ImageConfig        *imageCfg       `json:"imageConfig,omitempty"`
}

type thinkingCfg struct {
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

type imageCfg struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// blockNone disables blocking on all five safety categories.
var blockNone = []safetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "BLOCK_NONE"},
}

// --- Request parsing ---

// ParseRequest converts a generateContent body to a unified request. The
// model name travels in the URL, not the body; the caller fills it in.
func (Transformer) ParseRequest(body []byte) (*plexus.UnifiedRequest, error) {
	var req geminiRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, plexus.NewParseError(dialectName, "body", err.Error())
	}

	out := &plexus.UnifiedRequest{}

	if req.SystemInstruction != nil {
		var parts []plexus.Part
		for _, p := range req.SystemInstruction.Parts {
			parts = append(parts, plexus.TextPart(p.Text))
		}
		out.Messages = append(out.Messages, plexus.Message{Role: plexus.RoleSystem, Parts: parts})
	}

	for i, c := range req.Contents {
		msgs, err := parseContent(i, c)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		for _, fd := range t.FunctionDeclarations {
			out.Tools = append(out.Tools, plexus.Tool{
				Name:        fd.Name,
				Description: fd.Description,
				Parameters:  fd.Parameters,
			})
		}
	}
	if req.ToolConfig != nil && req.ToolConfig.FunctionCallingConfig != nil {
		tc, err := parseToolMode(req.ToolConfig.FunctionCallingConfig)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = tc
	}

	if gc := req.GenerationConfig; gc != nil {
		out.MaxTokens = gc.MaxOutputTokens
		out.Temperature = gc.Temperature
		out.TopP = gc.TopP
		out.Stop = gc.StopSequences
		out.Modalities = gc.ResponseModalities
		out.ResponseFormat = parseResponseFormat(gc)
		if gc.ThinkingConfig != nil {
			out.Reasoning = &plexus.ReasoningConfig{
				Enabled:   gc.ThinkingConfig.IncludeThoughts || gc.ThinkingConfig.ThinkingBudget > 0,
				MaxTokens: gc.ThinkingConfig.ThinkingBudget,
			}
		}
		if gc.ImageConfig != nil {
			out.ImageConfig = &plexus.ImageConfig{AspectRatio: gc.ImageConfig.AspectRatio}
		}
	}

	return out, nil
}

func parseToolMode(cfg *fnCallingCfg) (*plexus.ToolChoice, error) {
	switch cfg.Mode {
	case "", "AUTO":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceAuto}, nil
	case "NONE":
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceNone}, nil
	case "ANY":
		if len(cfg.AllowedFunctionNames) == 1 {
			return &plexus.ToolChoice{Mode: plexus.ToolChoiceFunction, Name: cfg.AllowedFunctionNames[0]}, nil
		}
		return &plexus.ToolChoice{Mode: plexus.ToolChoiceRequired}, nil
	default:
		return nil, plexus.NewParseError(dialectName, "toolConfig.functionCallingConfig.mode",
			"unknown value "+cfg.Mode)
	}
}

// parseResponseFormat normalizes Gemini's structured-output config into the
// chat-style response_format object used internally.
func parseResponseFormat(gc *generationCfg) json.RawMessage {
	if len(gc.ResponseJSONSchema) > 0 {
		raw, _ := json.Marshal(map[string]any{
			"type":        "json_schema",
			"json_schema": map[string]any{"schema": gc.ResponseJSONSchema},
		})
		return raw
	}
	if gc.ResponseMIMEType == "application/json" {
		return json.RawMessage(`{"type":"json_object"}`)
	}
	return nil
}

// parseContent converts one contents entry. functionResponse parts peel off
// into tool-role messages; the model role maps to assistant.
func parseContent(i int, c geminiContent) ([]plexus.Message, error) {
	var role plexus.Role
	switch c.Role {
	case "user", "":
		role = plexus.RoleUser
	case "model":
		role = plexus.RoleAssistant
	default:
		return nil, plexus.NewParseError(dialectName, fmt.Sprintf("contents[%d].role", i), "unknown role "+c.Role)
	}

	var out []plexus.Message
	current := plexus.Message{Role: role}
	flush := func() {
		if len(current.Parts) > 0 || len(current.ToolCalls) > 0 || current.Thinking != nil {
			out = append(out, current)
			current = plexus.Message{Role: role}
		}
	}

	for _, p := range c.Parts {
		switch {
		case p.FunctionResponse != nil:
			flush()
			out = append(out, plexus.Message{
				Role:       plexus.RoleTool,
				Name:       p.FunctionResponse.Name,
				ToolCallID: p.FunctionResponse.Name,
				Parts:      []plexus.Part{plexus.TextPart(string(p.FunctionResponse.Response))},
			})
		case p.FunctionCall != nil:
			args := string(p.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			current.ToolCalls = append(current.ToolCalls, plexus.ToolCall{
				Name:      p.FunctionCall.Name,
				Arguments: args,
			})
		case p.InlineData != nil:
			current.Parts = append(current.Parts, plexus.Part{
				Kind:  plexus.PartImage,
				Image: &plexus.ImageData{MIME: p.InlineData.MIMEType, Data: p.InlineData.Data},
			})
		case p.FileData != nil:
			current.Parts = append(current.Parts, plexus.Part{
				Kind:  plexus.PartImage,
				Image: &plexus.ImageData{MIME: p.FileData.MIMEType, URL: p.FileData.FileURI},
			})
		case p.Thought:
			current.Thinking = &plexus.Thinking{Content: p.Text, Signature: p.ThoughtSignature}
		default:
			current.Parts = append(current.Parts, plexus.TextPart(p.Text))
		}
	}
	flush()
	return out, nil
}

// --- Request emission ---

// EmitRequest converts a unified request to generateContent bytes. System
// messages become systemInstruction; safety blocking is disabled on all
// categories.
func (Transformer) EmitRequest(req *plexus.UnifiedRequest) ([]byte, error) {
	out := geminiRequest{SafetySettings: blockNone}

	var systemParts []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case plexus.RoleSystem:
			for _, p := range m.Parts {
				if p.Kind == plexus.PartText {
					systemParts = append(systemParts, geminiPart{Text: p.Text})
				}
			}
		case plexus.RoleUser, plexus.RoleAssistant:
			out.Contents = append(out.Contents, emitContent(m))
		case plexus.RoleTool:
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFnResp{
					Name:     name,
					Response: toolResponseJSON(m.Text()),
				}}},
			})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	if len(req.Tools) > 0 {
		var decls []geminiFnDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFnDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if req.ToolChoice != nil {
		out.ToolConfig = &geminiToolCfg{FunctionCallingConfig: emitToolMode(req.ToolChoice)}
	}

	out.GenerationConfig = emitGenerationConfig(req)

	return json.Marshal(out)
}

// toolResponseJSON wraps a tool result for the functionResponse field,
// which requires a JSON object.
func toolResponseJSON(text string) json.RawMessage {
	if json.Valid([]byte(text)) && len(text) > 0 && text[0] == '{' {
		return json.RawMessage(text)
	}
	raw, _ := json.Marshal(map[string]any{"result": text})
	return raw
}

func emitToolMode(tc *plexus.ToolChoice) *fnCallingCfg {
	switch tc.Mode {
	case plexus.ToolChoiceNone:
		return &fnCallingCfg{Mode: "NONE"}
	case plexus.ToolChoiceRequired:
		return &fnCallingCfg{Mode: "ANY"}
	case plexus.ToolChoiceFunction:
		return &fnCallingCfg{Mode: "ANY", AllowedFunctionNames: []string{tc.Name}}
	default:
		return &fnCallingCfg{Mode: "AUTO"}
	}
}

func emitGenerationConfig(req *plexus.UnifiedRequest) *generationCfg {
	gc := &generationCfg{
		MaxOutputTokens:    req.MaxTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		StopSequences:      req.Stop,
		ResponseModalities: req.Modalities,
	}
	if req.Reasoning != nil {
		gc.ThinkingConfig = &thinkingCfg{
			IncludeThoughts: req.Reasoning.Enabled,
			ThinkingBudget:  req.Reasoning.MaxTokens,
		}
	}
	if req.ImageConfig != nil {
		gc.ImageConfig = &imageCfg{AspectRatio: req.ImageConfig.AspectRatio}
	}
	if len(req.ResponseFormat) > 0 {
		rf := gjson.ParseBytes(req.ResponseFormat)
		switch rf.Get("type").String() {
		case "json_object":
			gc.ResponseMIMEType = "application/json"
		case "json_schema":
			gc.ResponseMIMEType = "application/json"
			if schema := rf.Get("json_schema.schema"); schema.Exists() {
				gc.ResponseJSONSchema = json.RawMessage(schema.Raw)
			}
		}
	}
	return gc
}

func emitContent(m plexus.Message) geminiContent {
	role := "user"
	if m.Role == plexus.RoleAssistant {
		role = "model"
	}
	gc := geminiContent{Role: role}
	if m.Thinking != nil {
		gc.Parts = append(gc.Parts, geminiPart{
			Text:             m.Thinking.Content,
			Thought:          true,
			ThoughtSignature: m.Thinking.Signature,
		})
	}
	for _, p := range m.Parts {
		switch p.Kind {
		case plexus.PartText:
			gc.Parts = append(gc.Parts, geminiPart{Text: p.Text})
		case plexus.PartImage:
			if p.Image.URL != "" {
				gc.Parts = append(gc.Parts, geminiPart{FileData: &geminiFileData{
					MIMEType: p.Image.MIME, FileURI: p.Image.URL,
				}})
			} else {
				gc.Parts = append(gc.Parts, geminiPart{InlineData: &geminiBlob{
					MIMEType: p.Image.MIME, Data: p.Image.Data,
				}})
			}
		}
	}
	for _, tc := range m.ToolCalls {
		args := tc.Arguments
		if args == "" {
			args = "{}"
		}
		gc.Parts = append(gc.Parts, geminiPart{FunctionCall: &geminiFnCall{
			Name: tc.Name,
			Args: json.RawMessage(args),
		}})
	}
	return gc
}

// --- Response parsing ---

// ParseResponse converts a generateContent response to a unified response.
func (Transformer) ParseResponse(body []byte) (*plexus.UnifiedResponse, error) {
	r := gjson.ParseBytes(body)
	if e := r.Get("error"); e.Exists() {
		return nil, plexus.NewParseError(dialectName, "body", e.Get("message").String())
	}

	candidate := r.Get("candidates.0")
	msg, err := parseCandidateParts(candidate.Get("content.parts"))
	if err != nil {
		return nil, err
	}

	finish, err := mapFinishReason(candidate.Get("finishReason").String())
	if err != nil {
		return nil, err
	}
	if len(msg.ToolCalls) > 0 && finish == plexus.FinishStop {
		finish = plexus.FinishToolCalls
	}

	return &plexus.UnifiedResponse{
		ID:           r.Get("responseId").String(),
		Model:        r.Get("modelVersion").String(),
		Message:      msg,
		FinishReason: finish,
		Usage:        parseUsage(r.Get("usageMetadata")),
	}, nil
}

func parseCandidateParts(parts gjson.Result) (plexus.Message, error) {
	msg := plexus.Message{Role: plexus.RoleAssistant}
	var thinking strings.Builder
	var signature string

	parts.ForEach(func(_, p gjson.Result) bool {
		switch {
		case p.Get("functionCall").Exists():
			args := p.Get("functionCall.args").Raw
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, plexus.ToolCall{
				Name:      p.Get("functionCall.name").String(),
				Arguments: args,
			})
		case p.Get("inlineData").Exists():
			msg.Parts = append(msg.Parts, plexus.Part{Kind: plexus.PartImage, Image: &plexus.ImageData{
				MIME: p.Get("inlineData.mimeType").String(),
				Data: p.Get("inlineData.data").String(),
			}})
		case p.Get("thought").Bool():
			thinking.WriteString(p.Get("text").String())
			if sig := p.Get("thoughtSignature").String(); sig != "" {
				signature = sig
			}
		default:
			msg.Parts = append(msg.Parts, plexus.TextPart(p.Get("text").String()))
		}
		return true
	})
	if thinking.Len() > 0 {
		msg.Thinking = &plexus.Thinking{Content: thinking.String(), Signature: signature}
	}
	return msg, nil
}

func parseUsage(u gjson.Result) plexus.Usage {
	return plexus.Usage{
		InputTokens:     int(u.Get("promptTokenCount").Int()),
		OutputTokens:    int(u.Get("candidatesTokenCount").Int()),
		ReasoningTokens: int(u.Get("thoughtsTokenCount").Int()),
		CacheReadTokens: int(u.Get("cachedContentTokenCount").Int()),
		TotalTokens:     int(u.Get("totalTokenCount").Int()),
	}
}

func mapFinishReason(s string) (plexus.FinishReason, error) {
	switch s {
	case "", "STOP":
		return plexus.FinishStop, nil
	case "MAX_TOKENS":
		return plexus.FinishLength, nil
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII", "IMAGE_SAFETY":
		return plexus.FinishContentFilter, nil
	case "MALFORMED_FUNCTION_CALL", "OTHER":
		return plexus.FinishError, nil
	default:
		return "", plexus.NewParseError(dialectName, "finishReason", "unknown value "+s)
	}
}

func emitFinishReason(f plexus.FinishReason) string {
	switch f {
	case plexus.FinishLength:
		return "MAX_TOKENS"
	case plexus.FinishContentFilter:
		return "SAFETY"
	case plexus.FinishError:
		return "OTHER"
	default:
		return "STOP" // tool calls finish with STOP in this dialect
	}
}

// --- Response emission ---

// EmitResponse converts a unified response to a generateContent response
// body.
func (Transformer) EmitResponse(resp *plexus.UnifiedResponse) ([]byte, error) {
	content := emitContent(resp.Message)
	out := map[string]any{
		"candidates": []map[string]any{{
			"content":      content,
			"finishReason": emitFinishReason(resp.FinishReason),
			"index":        0,
		}},
		"usageMetadata": emitUsage(resp.Usage),
		"modelVersion":  resp.Model,
	}
	if resp.ID != "" {
		out["responseId"] = resp.ID
	}
	return json.Marshal(out)
}

func emitUsage(u plexus.Usage) map[string]any {
	out := map[string]any{
		"promptTokenCount":     u.InputTokens,
		"candidatesTokenCount": u.OutputTokens,
		"totalTokenCount":      u.TotalTokens,
	}
	if u.ReasoningTokens > 0 {
		out["thoughtsTokenCount"] = u.ReasoningTokens
	}
	if u.CacheReadTokens > 0 {
		out["cachedContentTokenCount"] = u.CacheReadTokens
	}
	return out
}
