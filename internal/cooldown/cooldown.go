// Package cooldown tracks upstream health. A failed provider or account is
// put on an exponential-backoff cooldown that survives restarts; the router
// filters targets through it before selection.
package cooldown

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// Defaults for the backoff schedule.
const (
	DefaultBase = 30 * time.Second
	DefaultCap  = 15 * time.Minute
)

// Store persists cooldown entries across restarts.
type Store interface {
	LoadCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error)
	UpsertCooldown(ctx context.Context, entry plexus.CooldownEntry) error
	DeleteCooldown(ctx context.Context, key string) error
}

// Manager keeps the in-memory cooldown map and mirrors mutations to the
// store. Keys are either "provider_id" or "provider_id#account_email".
// Safe for concurrent use; persistence is best-effort and never blocks
// reads.
type Manager struct {
	store Store
	log   *slog.Logger
	base  time.Duration
	cap   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*plexus.CooldownEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithBackoff overrides the backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(m *Manager) { m.base, m.cap = base, cap }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		log:     log,
		base:    DefaultBase,
		cap:     DefaultCap,
		now:     time.Now,
		entries: make(map[string]*plexus.CooldownEntry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load restores persisted entries, discarding any that expired while the
// process was down.
func (m *Manager) Load(ctx context.Context) error {
	entries, err := m.store.LoadCooldowns(ctx)
	if err != nil {
		return err
	}
	now := m.now()
	var stale []string
	m.mu.Lock()
	for i := range entries {
		e := entries[i]
		if e.Expiry.After(now) {
			m.entries[e.Key] = &e
		} else {
			stale = append(stale, e.Key)
		}
	}
	m.mu.Unlock()
	for _, key := range stale {
		m.persistDelete(ctx, key)
	}
	return nil
}

// MarkFailure records a failure for key and extends its cooldown with
// exponential backoff: min(base * 2^(n-1), cap) for n consecutive
// failures. Returns the entry now in effect.
func (m *Manager) MarkFailure(ctx context.Context, key, reason string) plexus.CooldownEntry {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &plexus.CooldownEntry{Key: key}
		m.entries[key] = e
	}
	e.ConsecutiveFailures++
	e.Reason = reason
	e.Expiry = m.now().Add(m.backoff(e.ConsecutiveFailures))
	snapshot := *e
	m.mu.Unlock()

	m.persistUpsert(ctx, snapshot)
	return snapshot
}

// MarkSuccess clears the failure streak and any active cooldown for key.
func (m *Manager) MarkSuccess(ctx context.Context, key string) {
	m.mu.Lock()
	_, existed := m.entries[key]
	delete(m.entries, key)
	m.mu.Unlock()

	if existed {
		m.persistDelete(ctx, key)
	}
}

// Healthy reports whether key has no active cooldown.
func (m *Manager) Healthy(key string) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	healthy := !ok || !e.Expiry.After(m.now())
	m.mu.Unlock()
	return healthy
}

// ActiveEntries returns unexpired entries, sorted by key, for admin
// introspection.
func (m *Manager) ActiveEntries() []plexus.CooldownEntry {
	now := m.now()
	m.mu.Lock()
	out := make([]plexus.CooldownEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Expiry.After(now) {
			out = append(out, *e)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ClearAll removes every entry. Admin override.
func (m *Manager) ClearAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.entries = make(map[string]*plexus.CooldownEntry)
	m.mu.Unlock()

	for _, key := range keys {
		m.persistDelete(ctx, key)
	}
}

func (m *Manager) backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := m.base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cap {
			return m.cap
		}
	}
	return min(d, m.cap)
}

func (m *Manager) persistUpsert(ctx context.Context, e plexus.CooldownEntry) {
	if err := m.store.UpsertCooldown(ctx, e); err != nil {
		m.log.Warn("cooldown persist failed", "key", e.Key, "error", err)
	}
}

func (m *Manager) persistDelete(ctx context.Context, key string) {
	if err := m.store.DeleteCooldown(ctx, key); err != nil {
		m.log.Warn("cooldown delete failed", "key", key, "error", err)
	}
}
