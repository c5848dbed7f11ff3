package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// FakeUpstream is an httptest server that plays a scripted provider
// response: one JSON body for unary calls or a sequence of raw SSE frames
// for streaming calls. It records the requests it receives.
type FakeUpstream struct {
	Server *httptest.Server

	mu       sync.Mutex
	status   int
	body     []byte
	frames   []string
	requests []RecordedRequest
}

// RecordedRequest captures one upstream call for assertions.
type RecordedRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

// NewFakeUpstream starts a server answering with the given status and body.
func NewFakeUpstream(status int, body []byte) *FakeUpstream {
	u := &FakeUpstream{status: status, body: body}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

// NewFakeSSEUpstream starts a server streaming the given pre-framed SSE
// chunks (each element is written verbatim, e.g. "data: {...}\n\n").
func NewFakeSSEUpstream(frames []string) *FakeUpstream {
	u := &FakeUpstream{status: http.StatusOK, frames: frames}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

func (u *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	u.mu.Lock()
	u.requests = append(u.requests, RecordedRequest{
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	status, respBody, frames := u.status, u.body, u.frames
	u.mu.Unlock()

	if frames != nil {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		flusher := w.(http.Flusher)
		for _, f := range frames {
			w.Write([]byte(f))
			flusher.Flush()
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(respBody)
}

// URL returns the server's base URL.
func (u *FakeUpstream) URL() string { return u.Server.URL }

// Requests returns a copy of the recorded requests.
func (u *FakeUpstream) Requests() []RecordedRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]RecordedRequest, len(u.requests))
	copy(out, u.requests)
	return out
}

// Close shuts the server down.
func (u *FakeUpstream) Close() { u.Server.Close() }
