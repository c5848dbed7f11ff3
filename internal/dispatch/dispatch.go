// Package dispatch orchestrates one request end to end: parse the client
// dialect, route to a provider target, acquire a credential, transform,
// call upstream, and translate the result back, writing one usage record
// per request regardless of outcome.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/credential"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/telemetry"
	"github.com/plexusgw/plexus/internal/usage"
	"github.com/plexusgw/plexus/internal/worker"
)

// maxErrorBody bounds how much of an upstream error body is retained for
// logs and usage records.
const maxErrorBody = 8 << 10

// Request is one client call handed to the dispatcher by the HTTP layer.
type Request struct {
	Dialect plexus.Dialect
	Body    []byte

	// ModelOverride carries the model name for dialects that put it in
	// the URL instead of the body (Gemini).
	ModelOverride string
	// ForceStream marks streaming endpoints that have no body flag
	// (Gemini streamGenerateContent).
	ForceStream bool
}

// Result is a completed dispatch. Exactly one of Body or Events is set:
// Body for unary exchanges, Events for streams. The Events channel is
// closed when the stream ends.
type Result struct {
	Status int
	Body   []byte
	Events <-chan dialect.Event
}

// Streaming reports whether the result is a stream.
func (r *Result) Streaming() bool { return r.Events != nil }

// Dispatcher wires the routing, credential, transform and accounting
// components into the per-request pipeline. Safe for concurrent use.
type Dispatcher struct {
	transformers dialect.Table
	router       *router.Router
	cooldowns    *cooldown.Manager
	pool         *credential.Pool
	pricer       *usage.Pricer
	recorder     *worker.UsageRecorder
	client       *http.Client
	cfg          *config.Store
	metrics      *telemetry.Metrics
	log          *slog.Logger
	now          func() time.Time
}

// Deps bundles the dispatcher's collaborators. Metrics may be nil.
type Deps struct {
	Transformers dialect.Table
	Router       *router.Router
	Cooldowns    *cooldown.Manager
	Pool         *credential.Pool
	Pricer       *usage.Pricer
	Recorder     *worker.UsageRecorder
	Client       *http.Client
	Config       *config.Store
	Metrics      *telemetry.Metrics
	Log          *slog.Logger
}

// New returns a Dispatcher over deps.
func New(deps Deps) *Dispatcher {
	return &Dispatcher{
		transformers: deps.Transformers,
		router:       deps.Router,
		cooldowns:    deps.Cooldowns,
		pool:         deps.Pool,
		pricer:       deps.Pricer,
		recorder:     deps.Recorder,
		client:       deps.Client,
		cfg:          deps.Config,
		metrics:      deps.Metrics,
		log:          deps.Log,
		now:          time.Now,
	}
}

// call carries the per-request state threaded through the pipeline stages.
type call struct {
	start    time.Time
	clientTr dialect.Transformer
	upTr     dialect.Transformer
	provider *plexus.ProviderRecord
	model    plexus.ModelRecord
	cred     *plexus.Credential
	record   plexus.UsageRecord
}

// Handle runs the full pipeline for one request. Errors are sentinel or
// typed values the HTTP layer maps to status codes; a non-nil Result with
// nil error is ready to send.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*Result, error) {
	c := &call{start: d.now()}
	c.record = plexus.UsageRecord{
		RequestID:       plexus.RequestIDFromContext(ctx),
		CreatedAt:       c.start,
		SourceIP:        plexus.SourceIPFromContext(ctx),
		APIKeyID:        plexus.APIKeyIDFromContext(ctx),
		IncomingDialect: req.Dialect,
	}

	clientTr, ok := d.transformers.For(req.Dialect)
	if !ok {
		return nil, plexus.NewParseError(req.Dialect, "dialect", "unsupported")
	}
	c.clientTr = clientTr

	ureq, err := clientTr.ParseRequest(req.Body)
	if err != nil {
		d.fail(ctx, c, http.StatusBadRequest, "invalid_request", err)
		return nil, err
	}
	if req.ModelOverride != "" {
		ureq.Model = req.ModelOverride
	}
	if req.ForceStream {
		ureq.Stream = true
	}
	clientModel := ureq.Model
	c.record.ModelAlias = clientModel
	c.record.IsStreamed = ureq.Stream

	res, err := d.router.Resolve(ureq.Model, req.Dialect)
	if err != nil {
		switch {
		case errors.Is(err, plexus.ErrModelNotFound):
			d.fail(ctx, c, http.StatusNotFound, "model_not_found", err)
		default:
			d.fail(ctx, c, http.StatusServiceUnavailable, "no_healthy_target", err)
		}
		return nil, err
	}
	c.provider = res.Provider
	c.model = res.Provider.Models[res.Slug]
	c.record.ProviderID = res.ProviderID
	c.record.ModelSlug = res.Slug

	out := chooseDialect(res.Provider, c.model.AccessVia, req.Dialect)
	c.record.OutgoingDialect = out
	upTr, ok := d.transformers.For(out)
	if !ok {
		err := fmt.Errorf("no transformer for dialect %q", out)
		d.fail(ctx, c, http.StatusInternalServerError, "internal", err)
		return nil, err
	}
	c.upTr = upTr

	if res.Provider.Auth.Kind == plexus.AuthOAuth {
		cred, err := d.pool.Take(res.ProviderID, res.Provider.Auth.OAuthKind, res.Provider.Auth.AccountPool)
		if err != nil {
			d.fail(ctx, c, http.StatusServiceUnavailable, "accounts_exhausted", err)
			return nil, err
		}
		cred, err = d.pool.RefreshIfNeeded(ctx, cred)
		if err != nil {
			d.cooldowns.MarkFailure(ctx, accountKey(res.ProviderID, cred.UserID), "refresh_failed")
			d.fail(ctx, c, http.StatusBadGateway, "refresh_failed", err)
			return nil, &plexus.UpstreamError{Provider: res.ProviderID, Status: 401, Err: err}
		}
		c.cred = &cred
	}

	ureq.Model = res.Slug
	if out == plexus.DialectMessages && c.cred != nil && c.cred.ProviderKind == credential.KindClaudeCode {
		injectClaudeCode(ureq)
	}

	body, err := upTr.EmitRequest(ureq)
	if err != nil {
		d.fail(ctx, c, http.StatusInternalServerError, "emit_failed", err)
		return nil, err
	}
	body, err = shapeBody(body, res.Provider, c.cred, out)
	if err != nil {
		d.fail(ctx, c, http.StatusInternalServerError, "emit_failed", err)
		return nil, err
	}

	url := res.Provider.BaseURL(out) + upTr.EndpointPath(ureq)
	headers := buildHeaders(res.Provider, c.cred, out)

	if ureq.Stream {
		return d.stream(ctx, c, clientModel, url, headers, body)
	}
	return d.unary(ctx, c, clientModel, url, headers, body)
}

// unary performs a non-streaming upstream exchange.
func (d *Dispatcher) unary(ctx context.Context, c *call, clientModel, url string, headers http.Header, body []byte) (*Result, error) {
	timeout := d.cfg.Snapshot().Upstream.RequestTimeout
	upCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upStart := d.now()
	status, respBody, err := d.roundTrip(upCtx, url, headers, body)
	d.observeUpstream(c, upStart)
	if err != nil {
		return nil, d.failUpstream(ctx, c, err)
	}
	if status != http.StatusOK {
		uerr := &plexus.UpstreamError{Provider: c.provider.ID, Status: status, Body: truncate(respBody, maxErrorBody)}
		if uerr.Kind() == plexus.UpstreamClient {
			// Provider rejected the request itself; pass the body through
			// untouched and leave health state alone.
			d.fail(ctx, c, status, "upstream_client", uerr)
			return &Result{Status: status, Body: respBody}, nil
		}
		return nil, d.failUpstream(ctx, c, uerr)
	}

	uresp, err := c.upTr.ParseResponse(respBody)
	if err != nil {
		uerr := &plexus.UpstreamError{Provider: c.provider.ID, Status: http.StatusBadGateway, Err: err}
		d.fail(ctx, c, http.StatusBadGateway, "upstream_parse", err)
		return nil, uerr
	}

	d.markSuccess(ctx, c)
	uresp.Model = clientModel
	c.record.SetUsage(uresp.Usage)
	d.price(ctx, c, uresp.Usage)
	d.finish(c, http.StatusOK, "", "")

	outBody, err := c.clientTr.EmitResponse(uresp)
	if err != nil {
		return nil, err
	}
	return &Result{Status: http.StatusOK, Body: outBody}, nil
}

// roundTrip issues the upstream POST and reads the full response body.
func (d *Dispatcher) roundTrip(ctx context.Context, url string, headers http.Header, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header = headers

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

// failUpstream classifies an upstream failure, applies the cooldown policy
// and writes the usage row. It returns the error the HTTP layer should map.
func (d *Dispatcher) failUpstream(ctx context.Context, c *call, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		d.fail(ctx, c, 499, "client_disconnect", plexus.ErrClientDisconnect)
		return plexus.ErrClientDisconnect
	}

	var uerr *plexus.UpstreamError
	if !errors.As(err, &uerr) {
		status := 0
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		uerr = &plexus.UpstreamError{Provider: c.provider.ID, Status: status, Err: err}
	}

	if d.metrics != nil {
		d.metrics.UpstreamErrors.WithLabelValues(c.provider.ID, strconv.Itoa(uerr.Status)).Inc()
	}

	var clientStatus int
	var code string
	switch uerr.Kind() {
	case plexus.UpstreamAuth:
		// Only the failing account is unhealthy; other pool members and
		// API-key access stay in rotation.
		d.cooldowns.MarkFailure(ctx, d.failureKey(c, true), "auth")
		clientStatus, code = http.StatusBadGateway, "upstream_auth"
	case plexus.UpstreamRateLimited:
		d.cooldowns.MarkFailure(ctx, d.failureKey(c, true), "rate_limited")
		clientStatus, code = http.StatusBadGateway, "upstream_rate_limited"
	default:
		d.cooldowns.MarkFailure(ctx, c.provider.ID, "server_error")
		clientStatus, code = http.StatusBadGateway, "upstream_error"
		if uerr.Status == http.StatusRequestTimeout || errors.Is(uerr.Err, context.DeadlineExceeded) {
			clientStatus, code = http.StatusRequestTimeout, "upstream_timeout"
		}
	}

	d.fail(ctx, c, clientStatus, code, uerr)
	return uerr
}

// failureKey returns the cooldown key for a failure: per-account when the
// call used a pooled credential, otherwise the provider itself.
func (d *Dispatcher) failureKey(c *call, perAccount bool) string {
	if perAccount && c.cred != nil {
		return accountKey(c.provider.ID, c.cred.UserID)
	}
	return c.provider.ID
}

func accountKey(providerID, userID string) string {
	return providerID + "#" + userID
}

// markSuccess clears cooldown state for the provider and, when pooled, the
// account that served the request.
func (d *Dispatcher) markSuccess(ctx context.Context, c *call) {
	d.cooldowns.MarkSuccess(ctx, c.provider.ID)
	if c.cred != nil {
		d.cooldowns.MarkSuccess(ctx, accountKey(c.provider.ID, c.cred.UserID))
	}
}

// price computes the request cost and folds it into the usage record and
// metrics.
func (d *Dispatcher) price(ctx context.Context, c *call, u plexus.Usage) {
	cost, unknown := d.pricer.Cost(ctx, c.model.Pricing, c.provider.Discount, u)
	c.record.CostUSD = cost
	c.record.PricingUnknown = unknown
	if d.metrics != nil {
		d.metrics.TokensProcessed.WithLabelValues(c.provider.ID, c.record.ModelSlug, "input").Add(float64(u.InputTokens))
		d.metrics.TokensProcessed.WithLabelValues(c.provider.ID, c.record.ModelSlug, "output").Add(float64(u.OutputTokens))
		d.metrics.CostUSD.WithLabelValues(c.provider.ID, c.record.ModelSlug).Add(cost)
	}
}

// fail stamps the record with the failure and writes it.
func (d *Dispatcher) fail(ctx context.Context, c *call, status int, code string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	d.finish(c, status, code, msg)
	d.log.LogAttrs(ctx, slog.LevelWarn, "dispatch failed",
		slog.String("request_id", c.record.RequestID),
		slog.String("provider", c.record.ProviderID),
		slog.String("model", c.record.ModelAlias),
		slog.Int("status", status),
		slog.String("code", code),
	)
}

// finish completes the record and enqueues it.
func (d *Dispatcher) finish(c *call, status int, code, msg string) {
	c.record.StatusCode = status
	c.record.ErrorCode = code
	c.record.ErrorMessage = msg
	c.record.DurationMs = d.now().Sub(c.start).Milliseconds()
	d.recorder.Record(c.record)
}

func (d *Dispatcher) observeUpstream(c *call, upStart time.Time) {
	if d.metrics != nil {
		d.metrics.UpstreamDuration.WithLabelValues(c.provider.ID, c.record.ModelSlug).
			Observe(d.now().Sub(upStart).Seconds())
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
