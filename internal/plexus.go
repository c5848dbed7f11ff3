// Package plexus defines domain types and interfaces for the Plexus LLM
// gateway. This package has no project imports -- it is the dependency root.
package plexus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// --- Dialects ---

// Dialect identifies one of the four wire protocols the gateway speaks.
type Dialect string

const (
	DialectChat      Dialect = "chat"      // OpenAI Chat Completions
	DialectMessages  Dialect = "messages"  // Anthropic Messages
	DialectGemini    Dialect = "gemini"    // Google Gemini generateContent
	DialectResponses Dialect = "responses" // OpenAI Responses
)

// Valid reports whether d is one of the four known dialects.
func (d Dialect) Valid() bool {
	switch d {
	case DialectChat, DialectMessages, DialectGemini, DialectResponses:
		return true
	}
	return false
}

// --- Unified request ---

// Role is a unified message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags a content part variant.
type PartKind int

const (
	PartText PartKind = iota
	PartImage
	PartToolResult
)

// Part is one element of a message's ordered content.
type Part struct {
	Kind       PartKind
	Text       string
	Image      *ImageData
	ToolResult *ToolResult
}

// TextPart builds a text content part.
func TextPart(s string) Part { return Part{Kind: PartText, Text: s} }

// ImageData is an inline or referenced image.
type ImageData struct {
	MIME string // e.g. "image/png"
	Data string // base64 payload; empty when URL is set
	URL  string
}

// ToolResult carries the output of a tool invocation back to the model.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Thinking is an opaque reasoning block preserved across dialects that
// support it. Signature is provider-issued and must round-trip untouched.
type Thinking struct {
	Content   string
	Signature string
}

// ToolCall is a completed function invocation requested by the assistant.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON text
}

// Message is a unified chat message.
type Message struct {
	Role       Role
	Parts      []Part
	Name       string
	ToolCallID string // set on RoleTool messages
	ToolCalls  []ToolCall
	Thinking   *Thinking
}

// Text concatenates the text parts of the message.
func (m *Message) Text() string {
	if len(m.Parts) == 1 && m.Parts[0].Kind == PartText {
		return m.Parts[0].Text
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
}

// ToolChoiceMode constrains how the model uses tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function" // force a named function
)

// ToolChoice selects the tool-use policy for a request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode == ToolChoiceFunction
}

// ReasoningConfig controls extended-thinking behavior.
type ReasoningConfig struct {
	Enabled   bool
	MaxTokens int // 0 = provider default
}

// ImageConfig holds image-generation options.
type ImageConfig struct {
	AspectRatio string
}

// UnifiedRequest is the dialect-agnostic request representation -- the
// lingua franca between parsing and emission.
type UnifiedRequest struct {
	Model          string
	Messages       []Message
	Tools          []Tool
	ToolChoice     *ToolChoice
	MaxTokens      *int
	Temperature    *float64
	TopP           *float64
	Stop           []string
	Stream         bool
	ResponseFormat json.RawMessage // client-dialect response_format / JSON schema
	Reasoning      *ReasoningConfig
	Modalities     []string
	ImageConfig    *ImageConfig
}

// --- Unified response ---

// FinishReason is a unified stop reason.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
)

// Usage is the normalized token accounting for one exchange.
//
// InputTokens is "uncached input" where the vendor reports cached tokens
// separately (OpenAI Responses); TotalTokens is the authoritative sum and
// is never recomputed from the parts.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	ReasoningTokens     int
	CacheReadTokens     int
	CacheCreationTokens int
	TotalTokens         int
}

// UnifiedResponse is the dialect-agnostic response representation.
type UnifiedResponse struct {
	ID           string
	Model        string
	Message      Message // role assistant
	FinishReason FinishReason
	Usage        Usage
}

// --- Unified stream chunks ---

// ChunkKind tags a StreamChunk variant.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkThinking
	ChunkToolCall
	ChunkImage
	ChunkUsage
	ChunkDone
)

// ToolCallDelta is an incremental tool-call fragment. Name and ID are set
// on the first fragment of an index; ArgsDelta carries JSON argument text
// fragments whose boundaries must be preserved per index.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// StreamChunk is one unit of a unified response stream. Chunks are
// monotonic within a request.
type StreamChunk struct {
	Kind         ChunkKind
	Text         string // ChunkText and ChunkThinking payload
	ToolCall     *ToolCallDelta
	Image        *ImageData
	Usage        *Usage
	FinishReason FinishReason // set on ChunkDone
}

// --- Config snapshot records ---

// AuthKind selects how a provider is authenticated.
type AuthKind string

const (
	AuthAPIKey AuthKind = "api_key"
	AuthOAuth  AuthKind = "oauth"
)

// ProviderAuth is a provider's credential configuration.
type ProviderAuth struct {
	Kind        AuthKind
	APIKey      string   // AuthAPIKey
	OAuthKind   string   // AuthOAuth: credential provider kind (e.g. "claude-code")
	AccountPool []string // AuthOAuth: user identifiers, load-balanced
}

// PricingKind selects the pricing shape for a model.
type PricingKind string

const (
	PricingSimple     PricingKind = "simple"
	PricingRanges     PricingKind = "ranges"
	PricingOpenRouter PricingKind = "openrouter"
)

// PriceRate is a set of per-million-token USD rates.
type PriceRate struct {
	InputPerM  float64
	OutputPerM float64
	CachedPerM float64
}

// PriceRange is one tier of tiered pricing. The range is half-open
// [Lower, Upper) in input tokens; Upper == 0 means unbounded.
type PriceRange struct {
	Lower int
	Upper int
	PriceRate
}

// Pricing is the tagged pricing variant for one model.
type Pricing struct {
	Kind           PricingKind
	Simple         *PriceRate
	Ranges         []PriceRange
	OpenRouterSlug string
}

// ModelRecord is a provider-side model entry.
type ModelRecord struct {
	Pricing   Pricing
	AccessVia []Dialect // dialects this model is reachable through; empty = all supported
}

// ProviderRecord is an immutable provider snapshot shared across requests.
type ProviderRecord struct {
	ID          string
	DisplayName string
	Dialects    []Dialect // supported dialects, config order significant
	BaseURLs    map[Dialect]string
	Auth        ProviderAuth
	Models      map[string]ModelRecord
	Discount    float64 // [0,1], multiplicative on cost
	Headers     map[string]string
	ExtraBody   json.RawMessage
	Enabled     bool
}

// BaseURL returns the API base URL for the given dialect.
func (p *ProviderRecord) BaseURL(d Dialect) string { return p.BaseURLs[d] }

// SupportsDialect reports whether the provider speaks d.
func (p *ProviderRecord) SupportsDialect(d Dialect) bool {
	for _, pd := range p.Dialects {
		if pd == d {
			return true
		}
	}
	return false
}

// AliasTarget is one (provider, canonical slug) pair within an alias.
type AliasTarget struct {
	ProviderID string
	ModelSlug  string
	Enabled    bool
}

// ModelAlias maps a client-facing model name to provider targets.
type ModelAlias struct {
	ID       string
	Aliases  []string      // secondary names
	Selector string        // random | in_order | cost | latency | usage | performance
	Priority string        // "selector" (default) | "api_match"
	Targets  []AliasTarget // order significant for in_order
}

// --- Mutable persisted state ---

// CooldownEntry marks a provider or account as unhealthy until Expiry.
type CooldownEntry struct {
	Key                 string // provider_id or provider_id#account_email
	Expiry              time.Time
	Reason              string
	ConsecutiveFailures int
}

// Credential is an OAuth credential for one account of a provider kind.
// At most one credential exists per (ProviderKind, UserID).
type Credential struct {
	ProviderKind string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Metadata     json.RawMessage
}

// --- Usage records ---

// UsageRecord is one append-only accounting row per request.
type UsageRecord struct {
	ID              string
	RequestID       string
	CreatedAt       time.Time
	SourceIP        string
	APIKeyID        string
	IncomingDialect Dialect
	OutgoingDialect Dialect
	ModelAlias      string // model name as the client wrote it
	ProviderID      string
	ModelSlug       string

	InputTokens         int
	OutputTokens        int
	ReasoningTokens     int
	CacheReadTokens     int
	CacheCreationTokens int
	TotalTokens         int

	CostUSD        float64
	PricingUnknown bool
	DurationMs     int64
	TTFTMs         int64 // first-token latency; 0 when not streamed
	IsStreamed     bool
	StatusCode     int
	ErrorCode      string
	ErrorMessage   string
}

// UsageRollup is an hourly aggregate of usage rows, maintained by a
// background worker for cheap dashboard queries.
type UsageRollup struct {
	APIKeyID   string
	ProviderID string
	ModelSlug  string
	Period     string // "hourly"
	Bucket     string // RFC3339 hour start, UTC

	RequestCount  int
	ErrorCount    int
	StreamedCount int
	InputTokens   int64
	OutputTokens  int64
	TotalTokens   int64
	CostUSD       float64
}

// SetUsage copies normalized token counts into the record.
func (r *UsageRecord) SetUsage(u Usage) {
	r.InputTokens = u.InputTokens
	r.OutputTokens = u.OutputTokens
	r.ReasoningTokens = u.ReasoningTokens
	r.CacheReadTokens = u.CacheReadTokens
	r.CacheCreationTokens = u.CacheCreationTokens
	r.TotalTokens = u.TotalTokens
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// APIKeyID is set later by the authenticate middleware via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	APIKeyID  string
	SourceIP  string
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// ContextWithRequestMeta returns a context carrying request metadata.
func ContextWithRequestMeta(ctx context.Context, requestID, sourceIP string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: requestID, SourceIP: sourceIP})
}

// SetContextAPIKeyID stores the authenticated key ID in the existing
// requestMeta if present, falling back to a fresh allocation (tests).
func SetContextAPIKeyID(ctx context.Context, keyID string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.APIKeyID = keyID
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{APIKeyID: keyID})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// APIKeyIDFromContext extracts the authenticated key ID from ctx, or "".
func APIKeyIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.APIKeyID
	}
	return ""
}

// SourceIPFromContext extracts the client address from ctx, or "".
func SourceIPFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.SourceIP
	}
	return ""
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a raw client API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
