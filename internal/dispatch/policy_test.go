package dispatch

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/credential"
)

func TestChooseDialect(t *testing.T) {
	t.Parallel()

	provider := &plexus.ProviderRecord{
		Dialects: []plexus.Dialect{plexus.DialectMessages, plexus.DialectChat},
	}

	cases := []struct {
		name      string
		accessVia []plexus.Dialect
		client    plexus.Dialect
		want      plexus.Dialect
	}{
		{"client dialect preferred", nil, plexus.DialectChat, plexus.DialectChat},
		{"first provider dialect otherwise", nil, plexus.DialectGemini, plexus.DialectMessages},
		{"access_via narrows the choice", []plexus.Dialect{plexus.DialectChat}, plexus.DialectMessages, plexus.DialectChat},
		{"access_via keeps client match", []plexus.Dialect{plexus.DialectChat, plexus.DialectMessages}, plexus.DialectMessages, plexus.DialectMessages},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := chooseDialect(provider, tc.accessVia, tc.client); got != tc.want {
				t.Errorf("chooseDialect = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestInjectClaudeCode(t *testing.T) {
	t.Parallel()

	req := &plexus.UnifiedRequest{
		Messages: []plexus.Message{
			{Role: plexus.RoleUser, Parts: []plexus.Part{plexus.TextPart("hi")}},
		},
	}
	injectClaudeCode(req)
	if len(req.Messages) != 2 || req.Messages[0].Role != plexus.RoleSystem {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if req.Messages[0].Text() != claudeCodeSystemPrompt {
		t.Errorf("system = %q", req.Messages[0].Text())
	}

	// Idempotent: the block is not added twice.
	injectClaudeCode(req)
	if len(req.Messages) != 2 {
		t.Errorf("messages = %d after second injection, want 2", len(req.Messages))
	}
}

func TestClaudeCodeUserID(t *testing.T) {
	t.Parallel()

	id := claudeCodeUserID("dev@example.com")
	if !strings.HasPrefix(id, "user_") {
		t.Errorf("id = %q", id)
	}
	if !strings.Contains(id, "_account_") || !strings.Contains(id, "_session_") {
		t.Errorf("id = %q", id)
	}
	// The account hash is stable; session parts vary.
	other := claudeCodeUserID("dev@example.com")
	if id[:70] != other[:70] {
		t.Error("hash prefix should be deterministic for the same email")
	}
}

func TestShapeBodyExtraBody(t *testing.T) {
	t.Parallel()

	provider := &plexus.ProviderRecord{
		ExtraBody: json.RawMessage(`{"service_tier":"flex","options":{"priority":1}}`),
	}
	body, err := shapeBody([]byte(`{"model":"m"}`), provider, nil, plexus.DialectChat)
	if err != nil {
		t.Fatalf("shapeBody: %v", err)
	}
	if got := gjson.GetBytes(body, "service_tier").String(); got != "flex" {
		t.Errorf("service_tier = %q", got)
	}
	if got := gjson.GetBytes(body, "options.priority").Int(); got != 1 {
		t.Errorf("options.priority = %d", got)
	}
	if got := gjson.GetBytes(body, "model").String(); got != "m" {
		t.Errorf("model = %q", got)
	}
}

func TestShapeBodyClaudeCodeMetadata(t *testing.T) {
	t.Parallel()

	cred := &plexus.Credential{ProviderKind: credential.KindClaudeCode, UserID: "dev@example.com"}
	body, err := shapeBody([]byte(`{"model":"m"}`), &plexus.ProviderRecord{}, cred, plexus.DialectMessages)
	if err != nil {
		t.Fatalf("shapeBody: %v", err)
	}
	if got := gjson.GetBytes(body, "metadata.user_id").String(); !strings.HasPrefix(got, "user_") {
		t.Errorf("metadata.user_id = %q", got)
	}

	// Other dialects are left alone.
	body, err = shapeBody([]byte(`{"model":"m"}`), &plexus.ProviderRecord{}, cred, plexus.DialectChat)
	if err != nil {
		t.Fatalf("shapeBody: %v", err)
	}
	if gjson.GetBytes(body, "metadata").Exists() {
		t.Error("metadata should not be set outside the messages dialect")
	}
}

func TestBuildHeaders(t *testing.T) {
	t.Parallel()

	apiKey := func(d []plexus.Dialect) *plexus.ProviderRecord {
		return &plexus.ProviderRecord{
			Dialects: d,
			Auth:     plexus.ProviderAuth{Kind: plexus.AuthAPIKey, APIKey: "sk-1"},
		}
	}

	h := buildHeaders(apiKey([]plexus.Dialect{plexus.DialectMessages}), nil, plexus.DialectMessages)
	if h.Get("x-api-key") != "sk-1" || h.Get("anthropic-version") == "" {
		t.Errorf("messages headers = %v", h)
	}
	if h.Get("Authorization") != "" {
		t.Error("messages auth should not use a bearer token")
	}

	h = buildHeaders(apiKey([]plexus.Dialect{plexus.DialectGemini}), nil, plexus.DialectGemini)
	if h.Get("x-goog-api-key") != "sk-1" {
		t.Errorf("gemini headers = %v", h)
	}

	h = buildHeaders(apiKey([]plexus.Dialect{plexus.DialectChat}), nil, plexus.DialectChat)
	if h.Get("Authorization") != "Bearer sk-1" {
		t.Errorf("chat headers = %v", h)
	}
	if h.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", h.Get("Content-Type"))
	}
}

func TestBuildHeadersOAuthCredential(t *testing.T) {
	t.Parallel()

	provider := &plexus.ProviderRecord{
		Auth:    plexus.ProviderAuth{Kind: plexus.AuthOAuth, OAuthKind: credential.KindClaudeCode},
		Headers: map[string]string{"X-Custom": "yes"},
	}
	cred := &plexus.Credential{ProviderKind: credential.KindClaudeCode, AccessToken: "tok"}

	h := buildHeaders(provider, cred, plexus.DialectMessages)
	if h.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("anthropic-version") == "" {
		t.Error("anthropic-version missing for messages")
	}
	if !strings.Contains(h.Get("Anthropic-Beta"), "oauth") {
		t.Errorf("Anthropic-Beta = %q", h.Get("Anthropic-Beta"))
	}
	if h.Get("User-Agent") == "" || h.Get("X-App") != "cli" {
		t.Errorf("client headers = %v", h)
	}
	if h.Get("X-Custom") != "yes" {
		t.Error("provider extra header missing")
	}
}
