package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plexusgw/plexus/internal/credential"
)

const (
	tokenRefreshInterval    = 5 * time.Minute
	tokenRefreshConcurrency = 4
)

// TokenRefreshWorker proactively renews OAuth credentials approaching
// expiry so dispatches rarely pay refresh latency. A failed refresh is
// logged only; the account stays in the pool until a dispatch-time 401
// puts it on cooldown.
type TokenRefreshWorker struct {
	pool *credential.Pool
}

// NewTokenRefreshWorker creates a TokenRefreshWorker.
func NewTokenRefreshWorker(pool *credential.Pool) *TokenRefreshWorker {
	return &TokenRefreshWorker{pool: pool}
}

// Name returns the worker identifier.
func (w *TokenRefreshWorker) Name() string { return "token_refresh" }

// Run refreshes expiring credentials immediately, then on every tick,
// until ctx is cancelled.
func (w *TokenRefreshWorker) Run(ctx context.Context) error {
	w.refreshExpiring(ctx)

	ticker := time.NewTicker(tokenRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.refreshExpiring(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *TokenRefreshWorker) refreshExpiring(ctx context.Context) {
	expiring := w.pool.Expiring()
	if len(expiring) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(tokenRefreshConcurrency)
	for _, cred := range expiring {
		g.Go(func() error {
			if _, err := w.pool.RefreshIfNeeded(ctx, cred); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "background token refresh failed",
					slog.String("kind", cred.ProviderKind),
					slog.String("user", cred.UserID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
