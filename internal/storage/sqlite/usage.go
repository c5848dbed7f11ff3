package sqlite

import (
	"context"
	"strings"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// InsertUsage batch-inserts usage records. A single multi-row INSERT
// avoids N round-trips for large batches.
func (s *Store) InsertUsage(ctx context.Context, records []plexus.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 24
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.RequestID, r.CreatedAt.UTC().Format(time.RFC3339Nano),
			r.SourceIP, r.APIKeyID,
			string(r.IncomingDialect), string(r.OutgoingDialect),
			r.ModelAlias, r.ProviderID, r.ModelSlug,
			r.InputTokens, r.OutputTokens, r.ReasoningTokens,
			r.CacheReadTokens, r.CacheCreationTokens, r.TotalTokens,
			r.CostUSD, boolToInt(r.PricingUnknown),
			r.DurationMs, r.TTFTMs, boolToInt(r.IsStreamed),
			r.StatusCode, r.ErrorCode, r.ErrorMessage,
		)
	}

	query := `INSERT INTO usage_records
		(id, request_id, created_at, source_ip, api_key_id,
		 incoming_dialect, outgoing_dialect, model_alias, provider_id, model_slug,
		 input_tokens, output_tokens, reasoning_tokens,
		 cache_read_tokens, cache_creation_tokens, total_tokens,
		 cost_usd, pricing_unknown, duration_ms, ttft_ms, is_streamed,
		 status_code, error_code, error_message)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryUsage returns usage records matching the filter, newest first.
func (s *Store) QueryUsage(ctx context.Context, f storage.UsageFilter) ([]plexus.UsageRecord, error) {
	where, args := usageWhere(f)
	query := `SELECT id, request_id, created_at, source_ip, api_key_id,
		incoming_dialect, outgoing_dialect, model_alias, provider_id, model_slug,
		input_tokens, output_tokens, reasoning_tokens,
		cache_read_tokens, cache_creation_tokens, total_tokens,
		cost_usd, pricing_unknown, duration_ms, ttft_ms, is_streamed,
		status_code, error_code, error_message
		FROM usage_records` + where + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plexus.UsageRecord
	for rows.Next() {
		var r plexus.UsageRecord
		var createdAt string
		var pricingUnknown, isStreamed int
		var inDialect, outDialect string
		err := rows.Scan(
			&r.ID, &r.RequestID, &createdAt, &r.SourceIP, &r.APIKeyID,
			&inDialect, &outDialect, &r.ModelAlias, &r.ProviderID, &r.ModelSlug,
			&r.InputTokens, &r.OutputTokens, &r.ReasoningTokens,
			&r.CacheReadTokens, &r.CacheCreationTokens, &r.TotalTokens,
			&r.CostUSD, &pricingUnknown, &r.DurationMs, &r.TTFTMs, &isStreamed,
			&r.StatusCode, &r.ErrorCode, &r.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		r.IncomingDialect = plexus.Dialect(inDialect)
		r.OutgoingDialect = plexus.Dialect(outDialect)
		r.PricingUnknown = pricingUnknown != 0
		r.IsStreamed = isStreamed != 0
		if t, e := time.Parse(time.RFC3339Nano, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeUsage aggregates rows matching the filter.
func (s *Store) SummarizeUsage(ctx context.Context, f storage.UsageFilter) (storage.UsageSummary, error) {
	where, args := usageWhere(f)
	var sum storage.UsageSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records`+where, args...,
	).Scan(&sum.Requests, &sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens, &sum.CostUSD)
	return sum, err
}

func usageWhere(f storage.UsageFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.APIKeyID != "" {
		clauses = append(clauses, "api_key_id = ?")
		args = append(args, f.APIKeyID)
	}
	if f.ProviderID != "" {
		clauses = append(clauses, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Model != "" {
		clauses = append(clauses, "model_alias = ?")
		args = append(args, f.Model)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
