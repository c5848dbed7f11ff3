// Package credential manages OAuth account pools: PKCE login flows,
// token refresh, and round-robin selection across accounts.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	plexus "github.com/plexusgw/plexus/internal"
)

// Credential provider kinds with built-in flows.
const (
	KindClaudeCode = "claude-code"
	KindGeminiCLI  = "gemini-cli"
)

// Refresh thresholds per kind. A token closer to expiry than its
// threshold is refreshed before use.
var refreshThresholds = map[string]time.Duration{
	KindClaudeCode: 10 * time.Minute,
	KindGeminiCLI:  4 * time.Hour,
}

// RefreshThreshold returns the refresh-ahead window for kind.
func RefreshThreshold(kind string) time.Duration {
	if d, ok := refreshThresholds[kind]; ok {
		return d
	}
	return 10 * time.Minute
}

const sessionTTL = 10 * time.Minute

// Flow describes one provider family's OAuth endpoints.
type Flow struct {
	Kind   string
	Config oauth2.Config
	// UserInfoURL resolves the account identity after exchange when the
	// token response itself does not carry it.
	UserInfoURL string
}

// DefaultFlows returns the built-in flows. Client secrets come from
// config; claude-code uses a public client without one.
func DefaultFlows(clientSecrets map[string]string) map[string]*Flow {
	return map[string]*Flow{
		KindClaudeCode: {
			Kind: KindClaudeCode,
			Config: oauth2.Config{
				ClientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
				RedirectURL: "https://console.anthropic.com/oauth/code/callback",
				Scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://claude.ai/oauth/authorize",
					TokenURL: "https://console.anthropic.com/v1/oauth/token",
				},
			},
		},
		KindGeminiCLI: {
			Kind: KindGeminiCLI,
			Config: oauth2.Config{
				ClientID:     "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
				ClientSecret: clientSecrets[KindGeminiCLI],
				RedirectURL:  "http://localhost:8085/oauth2callback",
				Scopes: []string{
					"https://www.googleapis.com/auth/cloud-platform",
					"https://www.googleapis.com/auth/userinfo.email",
					"https://www.googleapis.com/auth/userinfo.profile",
				},
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
					TokenURL: "https://oauth2.googleapis.com/token",
				},
			},
			UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
		},
	}
}

// authSession holds PKCE state between AuthorizeURL and Exchange.
type authSession struct {
	kind         string
	codeVerifier string
	createdAt    time.Time
}

// OAuth drives the PKCE login flows. Sessions are in-memory with a
// 10-minute TTL, garbage collected on access.
type OAuth struct {
	flows      map[string]*Flow
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*authSession
}

// NewOAuth returns an OAuth helper over the given flows.
func NewOAuth(flows map[string]*Flow, httpClient *http.Client) *OAuth {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuth{
		flows:      flows,
		httpClient: httpClient,
		now:        time.Now,
		sessions:   make(map[string]*authSession),
	}
}

// AuthorizeURL starts a login for kind and returns the URL the user must
// visit plus the opaque state identifying the session.
func (o *OAuth) AuthorizeURL(kind string) (authURL, state string, err error) {
	flow, ok := o.flows[kind]
	if !ok {
		return "", "", fmt.Errorf("unknown credential kind %q", kind)
	}

	state = uuid.NewString()
	verifier, err := codeVerifier()
	if err != nil {
		return "", "", fmt.Errorf("generate code verifier: %w", err)
	}

	o.mu.Lock()
	o.gcLocked()
	o.sessions[state] = &authSession{kind: kind, codeVerifier: verifier, createdAt: o.now()}
	o.mu.Unlock()

	authURL = flow.Config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	return authURL, state, nil
}

// Exchange completes the flow: trades the authorization code for tokens
// and resolves the account identity.
func (o *OAuth) Exchange(ctx context.Context, state, code string) (plexus.Credential, error) {
	o.mu.Lock()
	o.gcLocked()
	session, ok := o.sessions[state]
	if ok {
		delete(o.sessions, state)
	}
	o.mu.Unlock()
	if !ok {
		return plexus.Credential{}, fmt.Errorf("unknown or expired oauth state")
	}

	flow := o.flows[session.kind]
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	token, err := flow.Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", session.codeVerifier),
	)
	if err != nil {
		return plexus.Credential{}, fmt.Errorf("exchange code: %w", err)
	}

	userID, err := o.identify(ctx, flow, token)
	if err != nil {
		return plexus.Credential{}, err
	}

	return plexus.Credential{
		ProviderKind: flow.Kind,
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}, nil
}

// Refresh trades the refresh token for a new access token. The returned
// credential keeps the old refresh token when the server omits one.
func (o *OAuth) Refresh(ctx context.Context, cred plexus.Credential) (plexus.Credential, error) {
	flow, ok := o.flows[cred.ProviderKind]
	if !ok {
		return plexus.Credential{}, fmt.Errorf("unknown credential kind %q", cred.ProviderKind)
	}
	if cred.RefreshToken == "" {
		return plexus.Credential{}, fmt.Errorf("no refresh token for %s/%s", cred.ProviderKind, cred.UserID)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	src := flow.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return plexus.Credential{}, fmt.Errorf("refresh token: %w", err)
	}

	cred.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.ExpiresAt = token.Expiry
	return cred, nil
}

// identify resolves the stable account identifier for a fresh token.
func (o *OAuth) identify(ctx context.Context, flow *Flow, token *oauth2.Token) (string, error) {
	// The anthropic token response carries the account inline.
	if account, ok := token.Extra("account").(map[string]any); ok {
		if email, ok := account["email_address"].(string); ok && email != "" {
			return email, nil
		}
	}
	if flow.UserInfoURL == "" {
		return "", fmt.Errorf("token response carries no account identity")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, flow.UserInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch user info: status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode user info: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("user info response has no email")
	}
	return info.Email, nil
}

// gcLocked drops sessions past their TTL. Caller holds o.mu.
func (o *OAuth) gcLocked() {
	cutoff := o.now().Add(-sessionTTL)
	for state, s := range o.sessions {
		if s.createdAt.Before(cutoff) {
			delete(o.sessions, state)
		}
	}
}

func codeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// codeChallenge is S256: BASE64URL(SHA256(verifier)).
func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
