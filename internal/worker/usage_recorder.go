package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	plexus "github.com/plexusgw/plexus/internal"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageStore is the persistence interface consumed by UsageRecorder.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []plexus.UsageRecord) error
}

// UsageObserver receives every record synchronously at enqueue time. The
// router's rolling stats hang off this hook.
type UsageObserver interface {
	Observe(r plexus.UsageRecord)
}

// UsageRecorder accepts usage records from the dispatch hot path and
// batch-flushes them to the store in the background. A slow database
// never blocks a request; when the buffer is full, records are dropped.
type UsageRecorder struct {
	ch       chan plexus.UsageRecord
	store    UsageStore
	observer UsageObserver
	pending  []plexus.UsageRecord
}

// NewUsageRecorder creates a UsageRecorder backed by store. observer may
// be nil.
func NewUsageRecorder(store UsageStore, observer UsageObserver) *UsageRecorder {
	return &UsageRecorder{
		ch:       make(chan plexus.UsageRecord, usageChanSize),
		store:    store,
		observer: observer,
		pending:  make([]plexus.UsageRecord, 0, usageBatchSize),
	}
}

func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record without blocking. The observer sees the
// record even when the channel is full and the store write is lost.
func (u *UsageRecorder) Record(r plexus.UsageRecord) {
	if u.observer != nil {
		u.observer.Observe(r)
	}
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full")
	}
}

// Run batches records until ctx is cancelled, then drains what is left
// under a fresh deadline so shutdown does not lose the tail.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case r := <-u.ch:
			u.buffer(ctx, r)
		case <-ticker.C:
			u.flush(ctx)
		case <-ctx.Done():
			u.drain()
			return nil
		}
	}
}

// buffer appends r and flushes once a full batch has accumulated.
func (u *UsageRecorder) buffer(ctx context.Context, r plexus.UsageRecord) {
	u.pending = append(u.pending, r)
	if len(u.pending) >= usageBatchSize {
		u.flush(ctx)
	}
}

func (u *UsageRecorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			u.buffer(ctx, r)
		default:
			u.flush(ctx)
			return
		}
	}
}

// flush writes the pending batch, assigning IDs off the hot path; callers
// of Record leave ID empty.
func (u *UsageRecorder) flush(ctx context.Context) {
	if len(u.pending) == 0 {
		return
	}
	batch := make([]plexus.UsageRecord, len(u.pending))
	copy(batch, u.pending)
	u.pending = u.pending[:0]

	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
