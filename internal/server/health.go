package server

import "net/http"

// plainCT mirrors handlers.go:jsonCT, a pre-allocated header value slice
// assigned directly into the header map.
var plainCT = []string{"text/plain"}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// handleHealthz reports process liveness only. Readiness lives on /readyz.
func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "ok")
}

// handleReadyz consults the injected readiness probe, typically a database
// ping. A nil probe means always ready.
func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if check := s.deps.ReadyCheck; check != nil {
		if err := check(r.Context()); err != nil {
			writePlain(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writePlain(w, http.StatusOK, "ok")
}
