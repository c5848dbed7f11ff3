package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "plexus_test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func usageRow(id, apiKey, provider string, at time.Time) plexus.UsageRecord {
	return plexus.UsageRecord{
		ID:              id,
		RequestID:       "req-" + id,
		CreatedAt:       at,
		APIKeyID:        apiKey,
		IncomingDialect: plexus.DialectChat,
		OutgoingDialect: plexus.DialectMessages,
		ModelAlias:      "giant",
		ProviderID:      provider,
		ModelSlug:       "m-1",
		InputTokens:     10,
		OutputTokens:    5,
		TotalTokens:     15,
		CostUSD:         0.003,
		DurationMs:      120,
		IsStreamed:      true,
		StatusCode:      200,
	}
}

func TestUsageRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.InsertUsage(ctx, []plexus.UsageRecord{
		usageRow("u1", "team-a", "acme", base),
		usageRow("u2", "team-b", "acme", base.Add(time.Minute)),
		usageRow("u3", "team-a", "other", base.Add(2*time.Minute)),
	})
	if err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	all, err := s.QueryUsage(ctx, storage.UsageFilter{})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("rows = %d, want 3", len(all))
	}
	// Newest first.
	if all[0].ID != "u3" || all[2].ID != "u1" {
		t.Errorf("order = %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	r := all[2]
	if r.IncomingDialect != plexus.DialectChat || r.OutgoingDialect != plexus.DialectMessages {
		t.Errorf("dialects = %s -> %s", r.IncomingDialect, r.OutgoingDialect)
	}
	if !r.IsStreamed || r.PricingUnknown {
		t.Errorf("flags = streamed %v unknown %v", r.IsStreamed, r.PricingUnknown)
	}
	if !r.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", r.CreatedAt, base)
	}

	byKey, err := s.QueryUsage(ctx, storage.UsageFilter{APIKeyID: "team-a"})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(byKey) != 2 {
		t.Errorf("team-a rows = %d, want 2", len(byKey))
	}

	byProvider, err := s.QueryUsage(ctx, storage.UsageFilter{ProviderID: "other"})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(byProvider) != 1 || byProvider[0].ID != "u3" {
		t.Errorf("other rows = %+v", byProvider)
	}
}

func TestUsageTimeWindow(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var rows []plexus.UsageRecord
	for i, id := range []string{"u1", "u2", "u3"} {
		rows = append(rows, usageRow(id, "k", "p", base.Add(time.Duration(i)*time.Hour)))
	}
	if err := s.InsertUsage(ctx, rows); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	got, err := s.QueryUsage(ctx, storage.UsageFilter{
		Since: base.Add(time.Hour).Format(time.RFC3339),
		Until: base.Add(2 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	// Since is inclusive, until exclusive.
	if len(got) != 1 || got[0].ID != "u2" {
		t.Errorf("window rows = %+v", got)
	}
}

func TestUsagePagination(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var rows []plexus.UsageRecord
	for i := 0; i < 5; i++ {
		rows = append(rows, usageRow(string(rune('a'+i)), "k", "p", base.Add(time.Duration(i)*time.Second)))
	}
	if err := s.InsertUsage(ctx, rows); err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	page, err := s.QueryUsage(ctx, storage.UsageFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(page) != 2 || page[0].ID != "d" || page[1].ID != "c" {
		t.Errorf("page = %+v", page)
	}
}

func TestSummarizeUsage(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.InsertUsage(ctx, []plexus.UsageRecord{
		usageRow("u1", "team-a", "acme", base),
		usageRow("u2", "team-a", "acme", base.Add(time.Second)),
	})
	if err != nil {
		t.Fatalf("InsertUsage: %v", err)
	}

	sum, err := s.SummarizeUsage(ctx, storage.UsageFilter{APIKeyID: "team-a"})
	if err != nil {
		t.Fatalf("SummarizeUsage: %v", err)
	}
	if sum.Requests != 2 || sum.InputTokens != 20 || sum.OutputTokens != 10 || sum.TotalTokens != 30 {
		t.Errorf("summary = %+v", sum)
	}

	empty, err := s.SummarizeUsage(ctx, storage.UsageFilter{APIKeyID: "nobody"})
	if err != nil {
		t.Fatalf("SummarizeUsage: %v", err)
	}
	if empty.Requests != 0 || empty.CostUSD != 0 {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestCooldownRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entry := plexus.CooldownEntry{
		Key:                 "acme#dev@example.com",
		Expiry:              expiry,
		Reason:              "rate_limited",
		ConsecutiveFailures: 2,
	}
	if err := s.UpsertCooldown(ctx, entry); err != nil {
		t.Fatalf("UpsertCooldown: %v", err)
	}

	// Replacing the same key keeps a single row.
	entry.ConsecutiveFailures = 3
	entry.Expiry = expiry.Add(time.Minute)
	if err := s.UpsertCooldown(ctx, entry); err != nil {
		t.Fatalf("UpsertCooldown: %v", err)
	}

	entries, err := s.LoadCooldowns(ctx)
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.Key != entry.Key || got.Reason != "rate_limited" || got.ConsecutiveFailures != 3 {
		t.Errorf("entry = %+v", got)
	}
	if !got.Expiry.Equal(expiry.Add(time.Minute)) {
		t.Errorf("expiry = %v", got.Expiry)
	}

	if err := s.DeleteCooldown(ctx, entry.Key); err != nil {
		t.Fatalf("DeleteCooldown: %v", err)
	}
	if err := s.DeleteCooldown(ctx, "missing"); err != nil {
		t.Errorf("deleting a missing key should not error: %v", err)
	}
	entries, _ = s.LoadCooldowns(ctx)
	if len(entries) != 0 {
		t.Errorf("entries after delete = %+v", entries)
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cred := plexus.Credential{
		ProviderKind: "claude-code",
		UserID:       "dev@example.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    expires,
		Metadata:     json.RawMessage(`{"scopes":["user:inference"]}`),
	}
	if err := s.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}

	got, err := s.GetCredential(ctx, "claude-code", "dev@example.com")
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if got == nil {
		t.Fatal("credential missing")
	}
	if got.AccessToken != "at-1" || got.RefreshToken != "rt-1" || !got.ExpiresAt.Equal(expires) {
		t.Errorf("credential = %+v", got)
	}
	if string(got.Metadata) != `{"scopes":["user:inference"]}` {
		t.Errorf("metadata = %s", got.Metadata)
	}

	missing, err := s.GetCredential(ctx, "claude-code", "nobody@example.com")
	if err != nil || missing != nil {
		t.Errorf("missing credential = %v, %v", missing, err)
	}

	// Refresh path: same key, new tokens.
	cred.AccessToken = "at-2"
	if err := s.UpsertCredential(ctx, cred); err != nil {
		t.Fatalf("UpsertCredential: %v", err)
	}
	all, err := s.LoadCredentials(ctx)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	if len(all) != 1 || all[0].AccessToken != "at-2" {
		t.Errorf("credentials = %+v", all)
	}

	if err := s.DeleteCredential(ctx, "claude-code", "dev@example.com"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	all, _ = s.LoadCredentials(ctx)
	if len(all) != 0 {
		t.Errorf("credentials after delete = %+v", all)
	}
}

func TestRollupUpsertIdempotent(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	r := plexus.UsageRollup{
		APIKeyID:     "team-a",
		ProviderID:   "acme",
		ModelSlug:    "m-1",
		Period:       "hour",
		Bucket:       "2026-03-01T12:00:00Z",
		RequestCount: 5,
		InputTokens:  100,
		OutputTokens: 50,
		TotalTokens:  150,
		CostUSD:      0.01,
	}
	if err := s.UpsertRollups(ctx, []plexus.UsageRollup{r}); err != nil {
		t.Fatalf("UpsertRollups: %v", err)
	}

	// Re-running the window replaces the counters instead of adding a row.
	r.RequestCount = 8
	r.ErrorCount = 1
	if err := s.UpsertRollups(ctx, []plexus.UsageRollup{r}); err != nil {
		t.Fatalf("UpsertRollups: %v", err)
	}

	got, err := s.QueryRollups(ctx, "", "")
	if err != nil {
		t.Fatalf("QueryRollups: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rollups = %d, want 1", len(got))
	}
	if got[0].RequestCount != 8 || got[0].ErrorCount != 1 {
		t.Errorf("rollup = %+v", got[0])
	}
}

func TestQueryRollupsWindow(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	ctx := context.Background()

	var rollups []plexus.UsageRollup
	for _, bucket := range []string{"2026-03-01T10:00:00Z", "2026-03-01T11:00:00Z", "2026-03-01T12:00:00Z"} {
		rollups = append(rollups, plexus.UsageRollup{
			APIKeyID: "k", ProviderID: "p", ModelSlug: "m", Period: "hour",
			Bucket: bucket, RequestCount: 1,
		})
	}
	if err := s.UpsertRollups(ctx, rollups); err != nil {
		t.Fatalf("UpsertRollups: %v", err)
	}

	got, err := s.QueryRollups(ctx, "2026-03-01T11:00:00Z", "2026-03-01T12:00:00Z")
	if err != nil {
		t.Fatalf("QueryRollups: %v", err)
	}
	if len(got) != 1 || got[0].Bucket != "2026-03-01T11:00:00Z" {
		t.Errorf("window = %+v", got)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	s := newStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
