package plexus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestHashKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "typical key", raw: "plx_abc123xyz"},
		{name: "long key", raw: "plx_" + "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HashKey(tt.raw)
			h := sha256.Sum256([]byte(tt.raw))
			want := hex.EncodeToString(h[:])
			if got != want {
				t.Errorf("HashKey(%q) = %q, want %q", tt.raw, got, want)
			}
		})
	}
}

func TestDialectValid(t *testing.T) {
	t.Parallel()

	for _, d := range []Dialect{DialectChat, DialectMessages, DialectGemini, DialectResponses} {
		if !d.Valid() {
			t.Errorf("%q should be valid", d)
		}
	}
	for _, d := range []Dialect{"", "openai", "CHAT"} {
		if d.Valid() {
			t.Errorf("%q should not be valid", d)
		}
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()

	m := Message{Role: RoleUser, Parts: []Part{
		TextPart("hello "),
		{Kind: PartImage, Image: &ImageData{URL: "https://example.com/x.png"}},
		TextPart("world"),
	}}
	if got := m.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

func TestUpstreamErrorKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   UpstreamErrorKind
	}{
		{401, UpstreamAuth},
		{403, UpstreamAuth},
		{429, UpstreamRateLimited},
		{408, UpstreamServer},
		{500, UpstreamServer},
		{503, UpstreamServer},
		{0, UpstreamServer}, // network error
		{404, UpstreamClient},
		{422, UpstreamClient},
	}
	for _, tt := range tests {
		e := &UpstreamError{Provider: "p", Status: tt.status}
		if got := e.Kind(); got != tt.want {
			t.Errorf("status %d: Kind() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRequestMetaContext(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestMeta(context.Background(), "req-1", "10.0.0.1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("RequestIDFromContext = %q", got)
	}
	if got := SourceIPFromContext(ctx); got != "10.0.0.1" {
		t.Errorf("SourceIPFromContext = %q", got)
	}

	// Key ID is stored by mutation of the existing meta.
	ctx2 := SetContextAPIKeyID(ctx, "key-9")
	if ctx2 != ctx {
		t.Error("expected in-place mutation, got new context")
	}
	if got := APIKeyIDFromContext(ctx); got != "key-9" {
		t.Errorf("APIKeyIDFromContext = %q", got)
	}

	// Without prior meta a fresh context is allocated.
	ctx3 := SetContextAPIKeyID(context.Background(), "key-7")
	if got := APIKeyIDFromContext(ctx3); got != "key-7" {
		t.Errorf("APIKeyIDFromContext = %q", got)
	}
}

func TestUsageRecordSetUsage(t *testing.T) {
	t.Parallel()

	var r UsageRecord
	r.SetUsage(Usage{
		InputTokens:         5233,
		OutputTokens:        2643,
		ReasoningTokens:     1024,
		CacheReadTokens:     54784,
		CacheCreationTokens: 12,
		TotalTokens:         62660,
	})
	if r.InputTokens != 5233 || r.OutputTokens != 2643 || r.TotalTokens != 62660 {
		t.Errorf("token copy mismatch: %+v", r)
	}
	if r.CacheReadTokens != 54784 || r.CacheCreationTokens != 12 || r.ReasoningTokens != 1024 {
		t.Errorf("cache/reasoning copy mismatch: %+v", r)
	}
}
