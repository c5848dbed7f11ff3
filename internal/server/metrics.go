package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// statusText pre-renders status code strings so the hot path never calls
// strconv.Itoa.
var statusText = func() (t [600]string) {
	for i := range t {
		t[i] = strconv.Itoa(i)
	}
	return t
}()

// metrics records per-request counters and latency under the chi route
// pattern, which keeps label cardinality bounded even for the gemini
// wildcard route.
func (s *server) metrics(next http.Handler) http.Handler {
	m := s.deps.Metrics
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		sw := getStatusWriter(w)
		start := time.Now()
		next.ServeHTTP(sw, r)
		status := putStatusWriter(sw)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.RequestsTotal.WithLabelValues(r.Method, route, statusText[status]).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
