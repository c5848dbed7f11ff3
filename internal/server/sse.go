package server

import (
	"net/http"

	"github.com/plexusgw/plexus/internal/dialect"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseEventPrefix = []byte("event: ")
	sseDataPrefix  = []byte("data: ")
	sseLF          = []byte("\n")
	sseNewline     = []byte("\n\n")
	sseKeepAlive   = []byte(": keep-alive\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEEvent writes one frame. A named event produces
// "event: <name>\ndata: <data>\n\n"; an unnamed one a bare data frame.
func writeSSEEvent(w http.ResponseWriter, ev dialect.Event) {
	if ev.Name != "" {
		w.Write(sseEventPrefix)
		w.Write([]byte(ev.Name))
		w.Write(sseLF)
	}
	w.Write(sseDataPrefix)
	w.Write(ev.Data)
	w.Write(sseNewline)
}

// writeSSEKeepAlive writes an SSE comment to keep the connection alive.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
