package usage

import (
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// statsWindow is the number of recent records a rolling average covers.
const statsWindow = 100

// targetStats is the rolling state for one (provider, slug) pair.
type targetStats struct {
	durations   ring
	tokensPerS  ring
	lastSuccess time.Time
}

// ring is a fixed-capacity sample buffer with a running sum.
type ring struct {
	samples [statsWindow]float64
	head    int
	n       int
	sum     float64
}

func (r *ring) add(v float64) {
	if r.n == statsWindow {
		r.sum -= r.samples[r.head]
	} else {
		r.n++
	}
	r.samples[r.head] = v
	r.sum += v
	r.head = (r.head + 1) % statsWindow
}

func (r *ring) avg() (float64, bool) {
	if r.n == 0 {
		return 0, false
	}
	return r.sum / float64(r.n), true
}

// Stats maintains per-target rolling averages over the last N successful
// records, fed synchronously from the usage recorder. Reads come from
// routing selectors; all methods are safe for concurrent use.
type Stats struct {
	mu      sync.RWMutex
	targets map[string]*targetStats
}

// NewStats returns empty rolling stats.
func NewStats() *Stats {
	return &Stats{targets: make(map[string]*targetStats)}
}

func statsKey(providerID, slug string) string { return providerID + "\x00" + slug }

// Observe folds one usage record into the rolling state. Failed requests
// update nothing; selectors rank on successful traffic only.
func (s *Stats) Observe(r plexus.UsageRecord) {
	if r.StatusCode < 200 || r.StatusCode >= 300 || r.ProviderID == "" {
		return
	}
	key := statsKey(r.ProviderID, r.ModelSlug)

	s.mu.Lock()
	t, ok := s.targets[key]
	if !ok {
		t = &targetStats{}
		s.targets[key] = t
	}
	if r.DurationMs > 0 {
		t.durations.add(float64(r.DurationMs))
		if r.OutputTokens > 0 {
			t.tokensPerS.add(float64(r.OutputTokens) / (float64(r.DurationMs) / 1000))
		}
	}
	if !r.CreatedAt.IsZero() {
		t.lastSuccess = r.CreatedAt
	} else {
		t.lastSuccess = time.Now()
	}
	s.mu.Unlock()
}

// AvgLatencyMs returns the rolling average request duration.
func (s *Stats) AvgLatencyMs(providerID, slug string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[statsKey(providerID, slug)]
	if !ok {
		return 0, false
	}
	return t.durations.avg()
}

// AvgTokensPerSecond returns the rolling average output throughput.
func (s *Stats) AvgTokensPerSecond(providerID, slug string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[statsKey(providerID, slug)]
	if !ok {
		return 0, false
	}
	return t.tokensPerS.avg()
}

// LastSuccess returns the time of the most recent successful record.
func (s *Stats) LastSuccess(providerID, slug string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[statsKey(providerID, slug)]
	if !ok || t.lastSuccess.IsZero() {
		return time.Time{}, false
	}
	return t.lastSuccess, true
}
