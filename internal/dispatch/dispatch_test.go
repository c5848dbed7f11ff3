package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/credential"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dialect/anthropic"
	"github.com/plexusgw/plexus/internal/dialect/gemini"
	"github.com/plexusgw/plexus/internal/dialect/openaichat"
	"github.com/plexusgw/plexus/internal/dialect/responses"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/testutil"
	"github.com/plexusgw/plexus/internal/usage"
	"github.com/plexusgw/plexus/internal/worker"
)

type captureObserver struct {
	mu      sync.Mutex
	records []plexus.UsageRecord
}

func (c *captureObserver) Observe(r plexus.UsageRecord) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

func (c *captureObserver) last(t *testing.T) plexus.UsageRecord {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.records) == 0 {
		t.Fatal("no usage record written")
	}
	return c.records[len(c.records)-1]
}

type env struct {
	dispatcher *Dispatcher
	cooldowns  *cooldown.Manager
	records    *captureObserver
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEnv wires a dispatcher over the given config YAML and fake store.
// Credentials seeded in fs before the call are loaded into the pool.
func newEnv(t *testing.T, yamlCfg string, fs *testutil.FakeStore) *env {
	t.Helper()

	cfg, err := config.Parse([]byte(yamlCfg))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	snap, err := config.Build(cfg)
	if err != nil {
		t.Fatalf("build config: %v", err)
	}
	cfgStore := config.NewStore(snap)

	log := discard()
	cooldowns := cooldown.NewManager(fs, log)
	oauth := credential.NewOAuth(credential.DefaultFlows(nil), &http.Client{})
	pool := credential.NewPool(fs, oauth, cooldowns, log)
	if err := pool.Load(context.Background()); err != nil {
		t.Fatalf("load pool: %v", err)
	}

	stats := usage.NewStats()
	records := &captureObserver{}
	recorder := worker.NewUsageRecorder(fs, records)

	rtr := router.New(func() router.View {
		s := cfgStore.Snapshot()
		return router.View{Providers: s.Providers, Aliases: s.Aliases}
	}, cooldowns, stats)

	d := New(Deps{
		Transformers: dialect.Table{
			plexus.DialectChat:      openaichat.New(),
			plexus.DialectMessages:  anthropic.New(),
			plexus.DialectGemini:    gemini.New(),
			plexus.DialectResponses: responses.New(),
		},
		Router:    rtr,
		Cooldowns: cooldowns,
		Pool:      pool,
		Pricer:    usage.NewPricer(nil),
		Recorder:  recorder,
		Client:    &http.Client{},
		Config:    cfgStore,
		Log:       log,
	})
	return &env{dispatcher: d, cooldowns: cooldowns, records: records}
}

func chatConfig(baseURL string) string {
	return fmt.Sprintf(`
providers:
  - id: acme
    dialects: [chat]
    api_base_url: %s
    auth:
      value: sk-test
    models:
      acme-large:
        pricing:
          input_per_m: 2
          output_per_m: 10
models:
  giant:
    targets:
      - provider: acme
        model: acme-large
`, baseURL)
}

func oauthConfig(baseURL string) string {
	return fmt.Sprintf(`
providers:
  - id: anthropic
    dialects: [messages]
    api_base_url: %s
    auth:
      kind: oauth
      oauth_kind: claude-code
      account_pool: [dev@example.com]
    models:
      claude-sonnet-4:
        pricing:
          input_per_m: 3
          output_per_m: 15
models:
  sonnet:
    targets:
      - provider: anthropic
        model: claude-sonnet-4
`, baseURL)
}

const chatCompletion = `{
	"id": "chatcmpl-1",
	"object": "chat.completion",
	"model": "acme-large",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150}
}`

func TestHandleUnarySuccess(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusOK, []byte(chatCompletion))
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	res, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"giant","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != http.StatusOK || res.Streaming() {
		t.Fatalf("status = %d streaming = %v", res.Status, res.Streaming())
	}
	// The client sees the alias it asked for, not the provider slug.
	if got := gjson.GetBytes(res.Body, "model").String(); got != "giant" {
		t.Errorf("model = %q, want giant", got)
	}
	if got := gjson.GetBytes(res.Body, "choices.0.message.content").String(); got != "hello" {
		t.Errorf("content = %q", got)
	}

	reqs := up.Requests()
	if len(reqs) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(reqs))
	}
	if reqs[0].Path != "/v1/chat/completions" {
		t.Errorf("path = %q", reqs[0].Path)
	}
	if got := reqs[0].Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gjson.GetBytes(reqs[0].Body, "model").String(); got != "acme-large" {
		t.Errorf("upstream model = %q, want acme-large", got)
	}

	rec := e.records.last(t)
	if rec.StatusCode != 200 || rec.ProviderID != "acme" || rec.ModelSlug != "acme-large" || rec.ModelAlias != "giant" {
		t.Errorf("record = %+v", rec)
	}
	if rec.InputTokens != 100 || rec.OutputTokens != 50 || rec.TotalTokens != 150 {
		t.Errorf("record tokens = %d/%d/%d", rec.InputTokens, rec.OutputTokens, rec.TotalTokens)
	}
	// 100 in at $2/M plus 50 out at $10/M.
	if math.Abs(rec.CostUSD-0.0007) > 1e-12 {
		t.Errorf("cost = %v, want 0.0007", rec.CostUSD)
	}
}

func TestHandleTranslatesDialects(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusOK, []byte(chatCompletion))
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	// Anthropic-shaped request against a chat-only provider.
	res, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectMessages,
		Body:    []byte(`{"model":"giant","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	upBody := up.Requests()[0].Body
	if got := gjson.GetBytes(upBody, "messages.0.content").String(); got != "hi" {
		t.Errorf("upstream chat body = %s", upBody)
	}

	if got := gjson.GetBytes(res.Body, "type").String(); got != "message" {
		t.Errorf("response type = %q, want message", got)
	}
	if got := gjson.GetBytes(res.Body, "content.0.text").String(); got != "hello" {
		t.Errorf("response text = %q", got)
	}
	if got := gjson.GetBytes(res.Body, "usage.input_tokens").Int(); got != 100 {
		t.Errorf("input_tokens = %d", got)
	}

	rec := e.records.last(t)
	if rec.IncomingDialect != plexus.DialectMessages || rec.OutgoingDialect != plexus.DialectChat {
		t.Errorf("dialects = %s -> %s", rec.IncomingDialect, rec.OutgoingDialect)
	}
}

func TestHandleModelNotFound(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusOK, []byte(chatCompletion))
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	_, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"nope","messages":[{"role":"user","content":"hi"}]}`),
	})
	if !errors.Is(err, plexus.ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}

	rec := e.records.last(t)
	if rec.StatusCode != 404 || rec.ErrorCode != "model_not_found" {
		t.Errorf("record = %d %q", rec.StatusCode, rec.ErrorCode)
	}
	if len(up.Requests()) != 0 {
		t.Error("upstream should not be called")
	}
}

func TestHandleBadRequestBody(t *testing.T) {
	t.Parallel()

	e := newEnv(t, chatConfig("http://unused.invalid"), testutil.NewFakeStore())

	_, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"messages":[]}`),
	})
	var pe *plexus.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if rec := e.records.last(t); rec.StatusCode != 400 || rec.ErrorCode != "invalid_request" {
		t.Errorf("record = %d %q", rec.StatusCode, rec.ErrorCode)
	}
}

func TestHandleClientErrorPassthrough(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`)
	up := testutil.NewFakeUpstream(http.StatusBadRequest, body)
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	res, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"giant","messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Status != http.StatusBadRequest || string(res.Body) != string(body) {
		t.Errorf("res = %d %s", res.Status, res.Body)
	}
	// Provider health is untouched by the client's own mistakes.
	if !e.cooldowns.Healthy("acme") {
		t.Error("provider should stay healthy after a 4xx")
	}
	if rec := e.records.last(t); rec.StatusCode != 400 || rec.ErrorCode != "upstream_client" {
		t.Errorf("record = %d %q", rec.StatusCode, rec.ErrorCode)
	}
}

func TestHandleServerErrorCoolsProvider(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusInternalServerError, []byte(`oops`))
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	_, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"giant","messages":[{"role":"user","content":"hi"}]}`),
	})
	var uerr *plexus.UpstreamError
	if !errors.As(err, &uerr) || uerr.Status != 500 {
		t.Fatalf("err = %v, want upstream 500", err)
	}
	if e.cooldowns.Healthy("acme") {
		t.Error("provider should be on cooldown after a 5xx")
	}
	if rec := e.records.last(t); rec.StatusCode != 502 || rec.ErrorCode != "upstream_error" {
		t.Errorf("record = %d %q", rec.StatusCode, rec.ErrorCode)
	}
}

const messagesResponse = `{
	"id": "msg_1",
	"type": "message",
	"role": "assistant",
	"model": "claude-sonnet-4",
	"content": [{"type": "text", "text": "hi there"}],
	"stop_reason": "end_turn",
	"usage": {"input_tokens": 10, "output_tokens": 5}
}`

func seedClaudeCodeCredential(fs *testutil.FakeStore) {
	fs.UpsertCredential(context.Background(), plexus.Credential{
		ProviderKind: credential.KindClaudeCode,
		UserID:       "dev@example.com",
		AccessToken:  "oauth-tok",
		RefreshToken: "refresh-tok",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	})
}

func TestHandleClaudeCodeInjection(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusOK, []byte(messagesResponse))
	defer up.Close()
	fs := testutil.NewFakeStore()
	seedClaudeCodeCredential(fs)
	e := newEnv(t, oauthConfig(up.URL()), fs)

	_, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectMessages,
		Body:    []byte(`{"model":"sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	req := up.Requests()[0]
	if got := req.Header.Get("Authorization"); got != "Bearer oauth-tok" {
		t.Errorf("Authorization = %q", got)
	}
	if got := req.Header.Get("Anthropic-Beta"); !strings.Contains(got, "claude-code") {
		t.Errorf("Anthropic-Beta = %q", got)
	}
	if got := req.Header.Get("anthropic-version"); got == "" {
		t.Error("anthropic-version missing")
	}
	if got := req.Header.Get("x-api-key"); got != "" {
		t.Errorf("x-api-key should be unset, got %q", got)
	}

	if got := gjson.GetBytes(req.Body, "system.0.text").String(); got != claudeCodeSystemPrompt {
		t.Errorf("system block = %q", got)
	}
	if got := gjson.GetBytes(req.Body, "metadata.user_id").String(); !strings.HasPrefix(got, "user_") {
		t.Errorf("metadata.user_id = %q", got)
	}
}

func TestHandleRateLimitCoolsAccountOnly(t *testing.T) {
	t.Parallel()

	up := testutil.NewFakeUpstream(http.StatusTooManyRequests, []byte(`{"error":{"type":"rate_limit_error"}}`))
	defer up.Close()
	fs := testutil.NewFakeStore()
	seedClaudeCodeCredential(fs)
	e := newEnv(t, oauthConfig(up.URL()), fs)

	_, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectMessages,
		Body:    []byte(`{"model":"sonnet","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`),
	})
	var uerr *plexus.UpstreamError
	if !errors.As(err, &uerr) || uerr.Status != 429 {
		t.Fatalf("err = %v, want upstream 429", err)
	}
	if e.cooldowns.Healthy("anthropic#dev@example.com") {
		t.Error("account should be on cooldown")
	}
	if !e.cooldowns.Healthy("anthropic") {
		t.Error("provider key should stay healthy")
	}
	if rec := e.records.last(t); rec.ErrorCode != "upstream_rate_limited" {
		t.Errorf("record code = %q", rec.ErrorCode)
	}
}

func TestHandleStream(t *testing.T) {
	t.Parallel()

	chunk := `{"id":"c1","object":"chat.completion.chunk","model":"acme-large","choices":[{"index":0,"delta":%s,"finish_reason":%s}]%s}`
	frames := []string{
		"data: " + fmt.Sprintf(chunk, `{"role":"assistant","content":"Hel"}`, "null", "") + "\n\n",
		"data: " + fmt.Sprintf(chunk, `{"content":"lo"}`, "null", "") + "\n\n",
		"data: " + fmt.Sprintf(chunk, `{}`, `"stop"`, `,"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}`) + "\n\n",
		"data: [DONE]\n\n",
	}
	up := testutil.NewFakeSSEUpstream(frames)
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	res, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"giant","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Streaming() {
		t.Fatal("want a streaming result")
	}

	var payloads []string
	for ev := range res.Events {
		payloads = append(payloads, string(ev.Data))
	}
	if len(payloads) == 0 {
		t.Fatal("no events received")
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Errorf("last event = %q, want [DONE]", payloads[len(payloads)-1])
	}
	joined := strings.Join(payloads, "\n")
	if !strings.Contains(joined, "Hel") || !strings.Contains(joined, "lo") {
		t.Errorf("text deltas missing from stream:\n%s", joined)
	}

	rec := e.records.last(t)
	if !rec.IsStreamed || rec.StatusCode != 200 || rec.ErrorCode != "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.TotalTokens != 9 {
		t.Errorf("total tokens = %d, want 9", rec.TotalTokens)
	}
	if !e.cooldowns.Healthy("acme") {
		t.Error("provider should be healthy after a clean stream")
	}
}

func TestHandleStreamSynthesizesDone(t *testing.T) {
	t.Parallel()

	// Upstream closes without finish_reason or [DONE].
	frames := []string{
		`data: {"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"partial"}}]}` + "\n\n",
	}
	up := testutil.NewFakeSSEUpstream(frames)
	defer up.Close()
	e := newEnv(t, chatConfig(up.URL()), testutil.NewFakeStore())

	res, err := e.dispatcher.Handle(context.Background(), Request{
		Dialect: plexus.DialectChat,
		Body:    []byte(`{"model":"giant","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var payloads []string
	for ev := range res.Events {
		payloads = append(payloads, string(ev.Data))
	}
	if payloads[len(payloads)-1] != "[DONE]" {
		t.Errorf("last event = %q, want synthesized [DONE]", payloads[len(payloads)-1])
	}
	joined := strings.Join(payloads, "\n")
	if !strings.Contains(joined, `"finish_reason":"stop"`) {
		t.Errorf("no synthesized finish frame:\n%s", joined)
	}
}
