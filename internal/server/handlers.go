package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dispatch"
)

// maxRequestBody bounds inference request bodies (inline images included).
const maxRequestBody = 32 << 20

// handleDialect returns the handler for one body-addressed dialect route.
func (s *server) handleDialect(d plexus.Dialect) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatchRequest(w, r, d, "", false)
	}
}

// handleGemini routes /v1beta/models/{model}:{op}, where the model name
// and the unary/streaming split live in the URL instead of the body.
func (s *server) handleGemini(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	model, op, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		writeDialectError(w, plexus.DialectGemini, http.StatusNotFound, "unknown method")
		return
	}

	var stream bool
	switch strings.TrimSuffix(op, "?alt=sse") {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		writeDialectError(w, plexus.DialectGemini, http.StatusNotFound, "unknown method "+op)
		return
	}
	s.dispatchRequest(w, r, plexus.DialectGemini, model, stream)
}

// dispatchRequest feeds one client call through the dispatcher and writes
// the unary body or SSE stream back.
func (s *server) dispatchRequest(w http.ResponseWriter, r *http.Request, d plexus.Dialect, modelOverride string, forceStream bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeDialectError(w, d, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	res, err := s.deps.Dispatcher.Handle(r.Context(), dispatch.Request{
		Dialect:       d,
		Body:          body,
		ModelOverride: modelOverride,
		ForceStream:   forceStream,
	})
	if err != nil {
		writeDialectError(w, d, errorStatus(err), err.Error())
		return
	}

	if res.Streaming() {
		s.writeStream(w, r, res.Events)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(res.Status)
	w.Write(res.Body)
}

// writeStream pumps dispatcher events to the client as SSE frames.
func (s *server) writeStream(w http.ResponseWriter, r *http.Request, events <-chan dialect.Event) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()

		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// --- Error envelopes ---

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func errorResponse(msg string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	return e
}

// writeDialectError renders an error in the wire shape the client's SDK
// expects for its dialect.
func writeDialectError(w http.ResponseWriter, d plexus.Dialect, status int, msg string) {
	switch d {
	case plexus.DialectMessages:
		writeJSON(w, status, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": anthropicErrorType(status), "message": msg},
		})
	case plexus.DialectGemini:
		writeJSON(w, status, map[string]any{
			"error": map[string]any{"code": status, "message": msg, "status": googleStatus(status)},
		})
	default:
		writeJSON(w, status, errorResponse(msg))
	}
}

func anthropicErrorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func googleStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

// errorStatus maps pipeline errors to the client-facing HTTP status.
func errorStatus(err error) int {
	var parseErr *plexus.ParseError
	var upErr *plexus.UpstreamError
	switch {
	case errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.Is(err, plexus.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, plexus.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, plexus.ErrNoHealthyTarget), errors.Is(err, plexus.ErrAllAccountsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, plexus.ErrClientDisconnect):
		return 499 // nginx convention: client closed request
	case errors.As(err, &upErr):
		if upErr.Status == http.StatusRequestTimeout || errors.Is(upErr.Err, context.DeadlineExceeded) {
			return http.StatusRequestTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
