package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dialect/sseutil"
)

// streamQueueSize bounds the emitted-event queue between the upstream
// reader and the client writer. A slow client applies back-pressure to
// the upstream read rather than growing memory.
const streamQueueSize = 64

// stream performs a streaming upstream exchange. The upstream total
// timeout does not apply; instead an idle-read watchdog aborts streams
// whose next frame takes longer than the configured request timeout.
func (d *Dispatcher) stream(ctx context.Context, c *call, clientModel, url string, headers http.Header, body []byte) (*Result, error) {
	idle := d.cfg.Snapshot().Upstream.RequestTimeout

	upCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool

	httpReq, err := http.NewRequestWithContext(upCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		d.fail(ctx, c, http.StatusInternalServerError, "internal", err)
		return nil, err
	}
	httpReq.Header = headers
	httpReq.Header.Set("Accept", "text/event-stream")

	upStart := d.now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, d.failUpstream(ctx, c, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		cancel()
		uerr := &plexus.UpstreamError{Provider: c.provider.ID, Status: resp.StatusCode, Body: respBody}
		if uerr.Kind() == plexus.UpstreamClient {
			d.fail(ctx, c, resp.StatusCode, "upstream_client", uerr)
			return &Result{Status: resp.StatusCode, Body: respBody}, nil
		}
		return nil, d.failUpstream(ctx, c, uerr)
	}

	events := make(chan dialect.Event, streamQueueSize)
	go d.pump(ctx, cancel, &timedOut, c, clientModel, resp.Body, events, idle, upStart)
	return &Result{Status: http.StatusOK, Events: events}, nil
}

// pump reads upstream SSE frames, folds them through the dialect pair and
// pushes client events until the stream ends. It owns the usage record
// for the request; every exit path writes exactly one.
func (d *Dispatcher) pump(ctx context.Context, cancel context.CancelFunc, timedOut *atomic.Bool,
	c *call, clientModel string, upBody io.ReadCloser, events chan<- dialect.Event,
	idle time.Duration, upStart time.Time) {

	defer close(events)
	defer upBody.Close()
	defer cancel()

	parser := c.upTr.NewStreamParser()
	emitter := c.clientTr.NewStreamEmitter(clientModel)
	acc := dialect.NewAccumulator()
	splitter := sseutil.NewSplitter(upBody)

	watchdog := time.AfterFunc(idle, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	// Cooldown marks and usage flushes must survive client cancellation.
	bg := context.WithoutCancel(ctx)

	var ttft int64
	send := func(evs []dialect.Event) bool {
		for _, ev := range evs {
			select {
			case events <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	doneSeen := false
	for !doneSeen {
		frame, err := splitter.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			switch {
			case timedOut.Load():
				d.cooldowns.MarkFailure(bg, c.provider.ID, "stream_idle_timeout")
				send(emitter.Error("upstream_timeout", "no data from upstream within idle timeout"))
				d.streamEnd(bg, c, acc, http.StatusOK, "upstream_timeout", err.Error(), ttft)
			case ctx.Err() != nil:
				d.streamEnd(bg, c, acc, 499, "client_disconnect", plexus.ErrClientDisconnect.Error(), ttft)
			default:
				d.cooldowns.MarkFailure(bg, c.provider.ID, "stream_read_error")
				send(emitter.Error("upstream_error", err.Error()))
				d.streamEnd(bg, c, acc, http.StatusOK, "upstream_error", err.Error(), ttft)
			}
			return
		}
		watchdog.Reset(idle)

		chunks, perr := parser.Parse(frame.Name, []byte(frame.Data))
		if perr != nil {
			d.log.LogAttrs(ctx, slog.LevelDebug, "unparseable stream event",
				slog.String("provider", c.provider.ID),
				slog.String("event", frame.Name),
				slog.String("error", perr.Error()),
			)
			continue
		}
		for _, ch := range chunks {
			if ttft == 0 && ch.Text != "" && (ch.Kind == plexus.ChunkText || ch.Kind == plexus.ChunkThinking) {
				ttft = d.now().Sub(c.start).Milliseconds()
				if d.metrics != nil {
					d.metrics.FirstTokenLatency.WithLabelValues(c.provider.ID, c.record.ModelSlug).
						Observe(float64(ttft) / 1000)
				}
			}
			acc.Add(ch)
			if ch.Kind == plexus.ChunkDone {
				doneSeen = true
			}
			if !send(emitter.Emit(ch)) {
				d.streamEnd(bg, c, acc, 499, "client_disconnect", plexus.ErrClientDisconnect.Error(), ttft)
				return
			}
		}
	}

	if !doneSeen {
		// Upstream closed without terminal framing; synthesize one so the
		// client sees a well-formed end of stream.
		done := plexus.StreamChunk{Kind: plexus.ChunkDone, FinishReason: plexus.FinishStop}
		acc.Add(done)
		send(emitter.Emit(done))
	}

	d.observeUpstream(c, upStart)
	d.markSuccess(bg, c)
	d.streamEnd(bg, c, acc, http.StatusOK, "", "", ttft)
}

// streamEnd prices whatever usage the stream reported and writes the
// usage record.
func (d *Dispatcher) streamEnd(ctx context.Context, c *call, acc *dialect.Accumulator, status int, code, msg string, ttft int64) {
	if u := acc.Usage(); u != nil {
		c.record.SetUsage(*u)
		d.price(ctx, c, *u)
	}
	c.record.TTFTMs = ttft
	d.finish(c, status, code, msg)
}
