package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/plexusgw/plexus/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
		slog.String("error", err.Error()),
	)
	writeJSON(w, http.StatusInternalServerError, errorResponse("internal error"))
}

// --- Cooldowns ---

type cooldownEntry struct {
	Key                 string    `json:"key"`
	Expiry              time.Time `json:"expiry"`
	Reason              string    `json:"reason"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

func (s *server) handleListCooldowns(w http.ResponseWriter, r *http.Request) {
	entries := s.deps.Cooldowns.ActiveEntries()
	out := make([]cooldownEntry, len(entries))
	for i, e := range entries {
		out[i] = cooldownEntry{
			Key:                 e.Key,
			Expiry:              e.Expiry,
			Reason:              e.Reason,
			ConsecutiveFailures: e.ConsecutiveFailures,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (s *server) handleClearCooldowns(w http.ResponseWriter, r *http.Request) {
	s.deps.Cooldowns.ClearAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// --- Usage ---

func parseUsageFilter(w http.ResponseWriter, r *http.Request) (storage.UsageFilter, bool) {
	q := r.URL.Query()
	f := storage.UsageFilter{
		APIKeyID:   q.Get("api_key_id"),
		ProviderID: q.Get("provider"),
		Model:      q.Get("model"),
		Since:      q.Get("since"),
		Until:      q.Get("until"),
	}
	// Validate RFC3339 upfront: SQLite datetime() silently returns NULL on
	// malformed strings, producing empty results instead of a clear error.
	for _, ts := range []string{f.Since, f.Until} {
		if ts == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid since/until format, use RFC3339"))
			return storage.UsageFilter{}, false
		}
	}
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, true
}

func (s *server) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("usage store unavailable"))
		return
	}
	f, ok := parseUsageFilter(w, r)
	if !ok {
		return
	}
	records, err := s.deps.Usage.QueryUsage(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (s *server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("usage store unavailable"))
		return
	}
	f, ok := parseUsageFilter(w, r)
	if !ok {
		return
	}
	summary, err := s.deps.Usage.SummarizeUsage(r.Context(), f)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Credentials ---

type credentialEntry struct {
	ProviderKind string    `json:"provider_kind"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	Expired      bool      `json:"expired"`
}

// handleListCredentials lists pool accounts with tokens redacted.
func (s *server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds := s.deps.Pool.All()
	now := time.Now()
	out := make([]credentialEntry, len(creds))
	for i, c := range creds {
		out[i] = credentialEntry{
			ProviderKind: c.ProviderKind,
			UserID:       c.UserID,
			ExpiresAt:    c.ExpiresAt,
			Expired:      c.ExpiresAt.Before(now),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

// --- OAuth login ---

// handleOAuthAuthorize starts a PKCE login for the given credential kind
// and returns the URL the operator should open in a browser.
func (s *server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	url, state, err := s.deps.OAuth.AuthorizeURL(kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url, "state": state})
}

type oauthCallbackRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

// handleOAuthCallback exchanges the pasted authorization code and adds the
// resulting credential to the pool.
func (s *server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.State == "" || req.Code == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("state and code are required"))
		return
	}
	cred, err := s.deps.OAuth.Exchange(r.Context(), req.State, req.Code)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	if err := s.deps.Pool.Put(r.Context(), cred); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, credentialEntry{
		ProviderKind: cred.ProviderKind,
		UserID:       cred.UserID,
		ExpiresAt:    cred.ExpiresAt,
	})
}
