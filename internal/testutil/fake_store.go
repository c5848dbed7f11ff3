// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sync"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu        sync.RWMutex
	usage     []plexus.UsageRecord
	rollups   []plexus.UsageRollup
	cooldowns map[string]plexus.CooldownEntry
	creds     map[string]plexus.Credential

	// FailWrites makes every mutating call return ErrWriteFailed.
	FailWrites bool
}

// ErrWriteFailed is returned by mutating calls when FailWrites is set.
var ErrWriteFailed = errWriteFailed{}

type errWriteFailed struct{}

func (errWriteFailed) Error() string { return "write failed" }

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		cooldowns: make(map[string]plexus.CooldownEntry),
		creds:     make(map[string]plexus.Credential),
	}
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	s.usage = append(s.usage, records...)
	return nil
}

func (s *FakeStore) QueryUsage(_ context.Context, f storage.UsageFilter) ([]plexus.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []plexus.UsageRecord
	for _, r := range s.usage {
		if f.APIKeyID != "" && r.APIKeyID != f.APIKeyID {
			continue
		}
		if f.ProviderID != "" && r.ProviderID != f.ProviderID {
			continue
		}
		if f.Model != "" && r.ModelAlias != f.Model {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *FakeStore) SummarizeUsage(ctx context.Context, f storage.UsageFilter) (storage.UsageSummary, error) {
	records, err := s.QueryUsage(ctx, f)
	if err != nil {
		return storage.UsageSummary{}, err
	}
	var sum storage.UsageSummary
	for _, r := range records {
		sum.Requests++
		sum.InputTokens += int64(r.InputTokens)
		sum.OutputTokens += int64(r.OutputTokens)
		sum.TotalTokens += int64(r.TotalTokens)
		sum.CostUSD += r.CostUSD
	}
	return sum, nil
}

// UsageRecords returns a copy of all inserted usage records.
func (s *FakeStore) UsageRecords() []plexus.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}

// --- RollupStore ---

func (s *FakeStore) UpsertRollups(_ context.Context, rollups []plexus.UsageRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	s.rollups = append(s.rollups, rollups...)
	return nil
}

func (s *FakeStore) QueryRollups(context.Context, string, string) ([]plexus.UsageRollup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.UsageRollup, len(s.rollups))
	copy(out, s.rollups)
	return out, nil
}

// --- CooldownStore ---

func (s *FakeStore) LoadCooldowns(context.Context) ([]plexus.CooldownEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.CooldownEntry, 0, len(s.cooldowns))
	for _, e := range s.cooldowns {
		out = append(out, e)
	}
	return out, nil
}

func (s *FakeStore) UpsertCooldown(_ context.Context, entry plexus.CooldownEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	s.cooldowns[entry.Key] = entry
	return nil
}

func (s *FakeStore) DeleteCooldown(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	delete(s.cooldowns, key)
	return nil
}

// Cooldown returns the stored entry for key, if any.
func (s *FakeStore) Cooldown(key string) (plexus.CooldownEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cooldowns[key]
	return e, ok
}

// --- CredentialStore ---

func credKey(kind, user string) string { return kind + "/" + user }

func (s *FakeStore) LoadCredentials(context.Context) ([]plexus.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]plexus.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c)
	}
	return out, nil
}

func (s *FakeStore) GetCredential(_ context.Context, providerKind, userID string) (*plexus.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[credKey(providerKind, userID)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *FakeStore) UpsertCredential(_ context.Context, cred plexus.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	s.creds[credKey(cred.ProviderKind, cred.UserID)] = cred
	return nil
}

func (s *FakeStore) DeleteCredential(_ context.Context, providerKind, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return ErrWriteFailed
	}
	delete(s.creds, credKey(providerKind, userID))
	return nil
}

// --- Store ---

func (s *FakeStore) Ping(context.Context) error { return nil }
func (s *FakeStore) Close() error               { return nil }
