// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	plexus "github.com/plexusgw/plexus/internal"
)

// UsageFilter narrows usage queries for admin introspection.
type UsageFilter struct {
	APIKeyID   string
	ProviderID string
	Model      string // incoming alias
	Since      string // RFC3339, inclusive
	Until      string // RFC3339, exclusive
	Limit      int
	Offset     int
}

// UsageSummary aggregates usage rows.
type UsageSummary struct {
	Requests     int
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// UsageStore manages append-only usage record persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []plexus.UsageRecord) error
	QueryUsage(ctx context.Context, f UsageFilter) ([]plexus.UsageRecord, error)
	SummarizeUsage(ctx context.Context, f UsageFilter) (UsageSummary, error)
}

// RollupStore persists hourly usage aggregates.
type RollupStore interface {
	UpsertRollups(ctx context.Context, rollups []plexus.UsageRollup) error
	QueryRollups(ctx context.Context, since, until string) ([]plexus.UsageRollup, error)
}

// CooldownStore persists cooldown entries across restarts.
type CooldownStore interface {
	LoadCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error)
	UpsertCooldown(ctx context.Context, entry plexus.CooldownEntry) error
	DeleteCooldown(ctx context.Context, key string) error
}

// CredentialStore persists OAuth credentials, one row per
// (provider_kind, user_id).
type CredentialStore interface {
	LoadCredentials(ctx context.Context) ([]plexus.Credential, error)
	GetCredential(ctx context.Context, providerKind, userID string) (*plexus.Credential, error)
	UpsertCredential(ctx context.Context, cred plexus.Credential) error
	DeleteCredential(ctx context.Context, providerKind, userID string) error
}

// Store combines all storage interfaces.
type Store interface {
	UsageStore
	RollupStore
	CooldownStore
	CredentialStore
	Ping(ctx context.Context) error
	Close() error
}
