package credential

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	o := NewOAuth(DefaultFlows(nil), nil)
	authURL, state, err := o.AuthorizeURL(KindClaudeCode)
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	if state == "" {
		t.Error("empty state")
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	if u.Host != "claude.ai" {
		t.Errorf("host = %q", u.Host)
	}
	q := u.Query()
	if q.Get("state") != state {
		t.Errorf("state param = %q, want %q", q.Get("state"), state)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("missing code_challenge")
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q", q.Get("access_type"))
	}
}

func TestAuthorizeURLUnknownKind(t *testing.T) {
	t.Parallel()

	o := NewOAuth(DefaultFlows(nil), nil)
	if _, _, err := o.AuthorizeURL("mystery"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestExchange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("code_verifier") == "" {
			t.Error("missing code_verifier in token request")
		}
		if r.Form.Get("code") != "auth-code" {
			t.Errorf("code = %q", r.Form.Get("code"))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"access_token": "at-1",
			"refresh_token": "rt-1",
			"token_type": "Bearer",
			"expires_in": 3600,
			"account": {"email_address": "alice@example.com"}
		}`)
	}))
	defer srv.Close()

	o := NewOAuth(testFlow(srv.URL), srv.Client())
	_, state, err := o.AuthorizeURL("test-kind")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}

	cred, err := o.Exchange(context.Background(), state, "auth-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if cred.ProviderKind != "test-kind" {
		t.Errorf("kind = %q", cred.ProviderKind)
	}
	// The account identity comes from the token response body.
	if cred.UserID != "alice@example.com" {
		t.Errorf("user = %q", cred.UserID)
	}
	if cred.AccessToken != "at-1" || cred.RefreshToken != "rt-1" {
		t.Errorf("tokens = %q %q", cred.AccessToken, cred.RefreshToken)
	}
	if cred.ExpiresAt.IsZero() {
		t.Error("expiry not set")
	}

	// State is single-use.
	if _, err := o.Exchange(context.Background(), state, "auth-code"); err == nil {
		t.Fatal("expected error for reused state")
	}
}

func TestExchangeUnknownState(t *testing.T) {
	t.Parallel()

	o := NewOAuth(DefaultFlows(nil), nil)
	if _, err := o.Exchange(context.Background(), "never-issued", "code"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestExchangeUserInfoFallback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/token"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`)
		case strings.HasSuffix(r.URL.Path, "/userinfo"):
			if got := r.Header.Get("Authorization"); got != "Bearer at-2" {
				t.Errorf("userinfo auth = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"email":"bob@example.com"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	flows := testFlow(srv.URL)
	flows["test-kind"].UserInfoURL = srv.URL + "/userinfo"

	o := NewOAuth(flows, srv.Client())
	_, state, err := o.AuthorizeURL("test-kind")
	if err != nil {
		t.Fatalf("AuthorizeURL: %v", err)
	}
	cred, err := o.Exchange(context.Background(), state, "code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if cred.UserID != "bob@example.com" {
		t.Errorf("user = %q", cred.UserID)
	}
}

func TestRefreshThreshold(t *testing.T) {
	t.Parallel()

	if got := RefreshThreshold(KindGeminiCLI); got.Hours() != 4 {
		t.Errorf("gemini-cli threshold = %v", got)
	}
	if got := RefreshThreshold("unknown"); got.Minutes() != 10 {
		t.Errorf("default threshold = %v", got)
	}
}
