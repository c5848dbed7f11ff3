package sqlite

import (
	"context"

	plexus "github.com/plexusgw/plexus/internal"
)

// UpsertRollups writes hourly aggregates, replacing an existing bucket's
// counters. Re-running a rollup window is idempotent.
func (s *Store) UpsertRollups(ctx context.Context, rollups []plexus.UsageRollup) error {
	if len(rollups) == 0 {
		return nil
	}

	const query = `INSERT INTO usage_rollups
		(api_key_id, provider_id, model_slug, period, bucket,
		 request_count, error_count, streamed_count,
		 input_tokens, output_tokens, total_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(api_key_id, provider_id, model_slug, period, bucket) DO UPDATE SET
		 request_count = excluded.request_count,
		 error_count = excluded.error_count,
		 streamed_count = excluded.streamed_count,
		 input_tokens = excluded.input_tokens,
		 output_tokens = excluded.output_tokens,
		 total_tokens = excluded.total_tokens,
		 cost_usd = excluded.cost_usd`

	for _, r := range rollups {
		_, err := s.write.ExecContext(ctx, query,
			r.APIKeyID, r.ProviderID, r.ModelSlug, r.Period, r.Bucket,
			r.RequestCount, r.ErrorCount, r.StreamedCount,
			r.InputTokens, r.OutputTokens, r.TotalTokens, r.CostUSD,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// QueryRollups returns rollups whose bucket falls in [since, until),
// both RFC3339. Empty bounds are open.
func (s *Store) QueryRollups(ctx context.Context, since, until string) ([]plexus.UsageRollup, error) {
	query := `SELECT api_key_id, provider_id, model_slug, period, bucket,
		request_count, error_count, streamed_count,
		input_tokens, output_tokens, total_tokens, cost_usd
		FROM usage_rollups WHERE 1=1`
	var args []any
	if since != "" {
		query += " AND bucket >= ?"
		args = append(args, since)
	}
	if until != "" {
		query += " AND bucket < ?"
		args = append(args, until)
	}
	query += " ORDER BY bucket DESC"

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.UsageRollup
	for rows.Next() {
		var r plexus.UsageRollup
		if err := rows.Scan(
			&r.APIKeyID, &r.ProviderID, &r.ModelSlug, &r.Period, &r.Bucket,
			&r.RequestCount, &r.ErrorCount, &r.StreamedCount,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CostUSD,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
