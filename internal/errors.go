package plexus

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain.
var (
	ErrModelNotFound        = errors.New("model not found")
	ErrNoHealthyTarget      = errors.New("no healthy target")
	ErrAllAccountsExhausted = errors.New("all accounts exhausted")
	ErrClientDisconnect     = errors.New("client disconnected")
	ErrUnauthorized         = errors.New("unauthorized")
)

// ParseError reports malformed client or provider input. It carries the
// dialect and offending field for the 400 body; parsing has no side effects.
type ParseError struct {
	Dialect Dialect
	Field   string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Dialect, e.Field, e.Reason)
}

// NewParseError builds a ParseError for the given dialect and field.
func NewParseError(d Dialect, field, reason string) *ParseError {
	return &ParseError{Dialect: d, Field: field, Reason: reason}
}

// UpstreamErrorKind classifies an upstream failure for cooldown handling.
type UpstreamErrorKind int

const (
	// UpstreamAuth is a 401/403 from the provider; cooldown the credential.
	UpstreamAuth UpstreamErrorKind = iota
	// UpstreamRateLimited is a 429; cooldown the provider with backoff.
	UpstreamRateLimited
	// UpstreamServer is a 5xx, 408, timeout, or network error.
	UpstreamServer
	// UpstreamClient is any other 4xx; passed through, no cooldown.
	UpstreamClient
)

// UpstreamError is a non-200 response or transport failure from a provider.
type UpstreamError struct {
	Provider string
	Status   int    // 0 for network errors
	Body     []byte // truncated upstream body
	Err      error  // transport error, if any
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Kind classifies the failure per the cooldown policy.
func (e *UpstreamError) Kind() UpstreamErrorKind {
	switch {
	case e.Status == 401 || e.Status == 403:
		return UpstreamAuth
	case e.Status == 429:
		return UpstreamRateLimited
	case e.Status == 408 || e.Status >= 500 || e.Status == 0:
		return UpstreamServer
	default:
		return UpstreamClient
	}
}
