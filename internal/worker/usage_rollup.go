package worker

import (
	"context"
	"log/slog"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

const rollupInterval = 5 * time.Minute

// RollupStore is the persistence interface consumed by UsageRollupWorker.
type RollupStore interface {
	QueryUsage(ctx context.Context, f storage.UsageFilter) ([]plexus.UsageRecord, error)
	UpsertRollups(ctx context.Context, rollups []plexus.UsageRollup) error
}

// UsageRollupWorker periodically aggregates raw usage records into hourly
// rollups keyed by (api_key, provider, model, hour).
type UsageRollupWorker struct {
	store RollupStore
}

// NewUsageRollupWorker creates a new rollup worker.
func NewUsageRollupWorker(store RollupStore) *UsageRollupWorker {
	return &UsageRollupWorker{store: store}
}

// Name returns the worker identifier.
func (w *UsageRollupWorker) Name() string { return "usage_rollup" }

// Run aggregates usage records into hourly rollups on a periodic schedule.
func (w *UsageRollupWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.rollup(ctx)
		}
	}
}

func (w *UsageRollupWorker) rollup(ctx context.Context) {
	// Aggregate the last 2 hours to cover any late-arriving records.
	now := time.Now().UTC()
	since := now.Add(-2 * time.Hour).Truncate(time.Hour).Format(time.RFC3339)
	until := now.Truncate(time.Hour).Format(time.RFC3339)

	records, err := w.store.QueryUsage(ctx, storage.UsageFilter{
		Since: since,
		Until: until,
		Limit: 10_000,
	})
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup query failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(records) == 0 {
		return
	}

	type key struct {
		KeyID    string
		Provider string
		Slug     string
		Bucket   string
	}
	agg := make(map[key]*plexus.UsageRollup)
	for _, r := range records {
		bucket := r.CreatedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
		k := key{KeyID: r.APIKeyID, Provider: r.ProviderID, Slug: r.ModelSlug, Bucket: bucket}
		ru, ok := agg[k]
		if !ok {
			ru = &plexus.UsageRollup{
				APIKeyID:   r.APIKeyID,
				ProviderID: r.ProviderID,
				ModelSlug:  r.ModelSlug,
				Period:     "hourly",
				Bucket:     bucket,
			}
			agg[k] = ru
		}
		ru.RequestCount++
		ru.InputTokens += int64(r.InputTokens)
		ru.OutputTokens += int64(r.OutputTokens)
		ru.TotalTokens += int64(r.TotalTokens)
		ru.CostUSD += r.CostUSD
		if r.StatusCode >= 400 {
			ru.ErrorCount++
		}
		if r.IsStreamed {
			ru.StreamedCount++
		}
	}

	rollups := make([]plexus.UsageRollup, 0, len(agg))
	for _, r := range agg {
		rollups = append(rollups, *r)
	}

	if err := w.store.UpsertRollups(ctx, rollups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "rollup upsert failed",
			slog.String("error", err.Error()),
		)
		return
	}
	slog.Info("usage rollup completed", "rollups", len(rollups), "records", len(records))
}
