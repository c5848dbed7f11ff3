package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/credential"
)

// claudeCodeSystemPrompt is the fixed leading system block the claude-code
// credential family requires. It is part of that provider's auth protocol,
// not general prompt injection.
const claudeCodeSystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// chooseDialect picks the wire dialect for the upstream call. Dialects in
// the model's access_via win; within those the client's own dialect is
// preferred to minimize transformation, then provider config order.
func chooseDialect(provider *plexus.ProviderRecord, accessVia []plexus.Dialect, client plexus.Dialect) plexus.Dialect {
	allowed := provider.Dialects
	if len(accessVia) > 0 {
		allowed = accessVia
	}
	for _, d := range allowed {
		if d == client && provider.SupportsDialect(d) {
			return d
		}
	}
	for _, d := range allowed {
		if provider.SupportsDialect(d) {
			return d
		}
	}
	return provider.Dialects[0]
}

// injectClaudeCode prepends the required system block when dispatching to
// the messages dialect with a claude-code credential.
func injectClaudeCode(req *plexus.UnifiedRequest) {
	for _, m := range req.Messages {
		if m.Role == plexus.RoleSystem && m.Text() == claudeCodeSystemPrompt {
			return
		}
	}
	system := plexus.Message{
		Role:  plexus.RoleSystem,
		Parts: []plexus.Part{plexus.TextPart(claudeCodeSystemPrompt)},
	}
	req.Messages = append([]plexus.Message{system}, req.Messages...)
}

// claudeCodeUserID builds the metadata.user_id the claude-code family
// expects: user_<sha256>_account_<uuid>_session_<uuid>.
func claudeCodeUserID(accountEmail string) string {
	sum := sha256.Sum256([]byte(accountEmail))
	return fmt.Sprintf("user_%s_account_%s_session_%s",
		hex.EncodeToString(sum[:]), uuid.NewString(), uuid.NewString())
}

// shapeBody applies provider extra_body and per-credential body fields to
// the emitted wire bytes.
func shapeBody(body []byte, provider *plexus.ProviderRecord, cred *plexus.Credential, out plexus.Dialect) ([]byte, error) {
	var err error
	if len(provider.ExtraBody) > 0 {
		gjson.ParseBytes(provider.ExtraBody).ForEach(func(key, value gjson.Result) bool {
			body, err = sjson.SetRawBytes(body, key.String(), []byte(value.Raw))
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("merge extra_body: %w", err)
		}
	}
	if cred != nil && cred.ProviderKind == credential.KindClaudeCode && out == plexus.DialectMessages {
		body, err = sjson.SetBytes(body, "metadata.user_id", claudeCodeUserID(cred.UserID))
		if err != nil {
			return nil, fmt.Errorf("set metadata.user_id: %w", err)
		}
	}
	return body, nil
}

// buildHeaders assembles the outgoing header set: auth per dialect and
// credential kind, provider extras, and the claude-code beta headers.
func buildHeaders(provider *plexus.ProviderRecord, cred *plexus.Credential, out plexus.Dialect) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	switch {
	case cred != nil:
		h.Set("Authorization", "Bearer "+cred.AccessToken)
	case provider.Auth.Kind == plexus.AuthAPIKey && provider.Auth.APIKey != "":
		switch out {
		case plexus.DialectMessages:
			h.Set("x-api-key", provider.Auth.APIKey)
			h.Set("anthropic-version", "2023-06-01")
		case plexus.DialectGemini:
			h.Set("x-goog-api-key", provider.Auth.APIKey)
		default:
			h.Set("Authorization", "Bearer "+provider.Auth.APIKey)
		}
	}
	if cred != nil && out == plexus.DialectMessages {
		h.Set("anthropic-version", "2023-06-01")
	}

	if cred != nil && cred.ProviderKind == credential.KindClaudeCode {
		h.Set("Anthropic-Beta", "claude-code-20250219,oauth-2025-04-20")
		h.Set("User-Agent", "claude-cli/1.0.83 (external, cli)")
		h.Set("X-App", "cli")
	}

	for key, value := range provider.Headers {
		h.Set(key, value)
	}
	return h
}
