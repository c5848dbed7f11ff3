package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	plexus "github.com/plexusgw/plexus/internal"
)

const (
	openRouterModelsURL  = "https://openrouter.ai/api/v1/models"
	openRouterCacheTTL   = time.Hour
	openRouterFetchGrace = 5 * time.Minute
)

// OpenRouterSource resolves dynamic rates from the public OpenRouter
// model listing. Rates are cached for an hour; a failed fetch backs off
// and lookups miss, so affected requests are priced as unknown rather
// than wrong.
type OpenRouterSource struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
	cache      *otter.Cache[string, plexus.PriceRate]

	mu        sync.Mutex
	lastFetch time.Time
}

// NewOpenRouterSource returns a source over the public models endpoint.
func NewOpenRouterSource(httpClient *http.Client, log *slog.Logger) (*OpenRouterSource, error) {
	cache, err := otter.New[string, plexus.PriceRate](&otter.Options[string, plexus.PriceRate]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, plexus.PriceRate](openRouterCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create pricing cache: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &OpenRouterSource{
		url:        openRouterModelsURL,
		httpClient: httpClient,
		log:        log,
		cache:      cache,
	}, nil
}

// WithURL overrides the listing endpoint. Tests point it at a fake.
func (s *OpenRouterSource) WithURL(url string) *OpenRouterSource {
	s.url = url
	return s
}

// Rate returns the cached rate for slug, fetching the listing on a miss.
func (s *OpenRouterSource) Rate(ctx context.Context, slug string) (plexus.PriceRate, bool) {
	if rate, ok := s.cache.GetIfPresent(slug); ok {
		return rate, true
	}
	s.refresh(ctx)
	return s.cache.GetIfPresent(slug)
}

// refresh re-fetches the full listing at most once per grace period.
func (s *OpenRouterSource) refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastFetch) < openRouterFetchGrace {
		return
	}
	s.lastFetch = time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("openrouter pricing fetch failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("openrouter pricing fetch failed", "status", resp.StatusCode)
		return
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		s.log.Warn("openrouter pricing read failed", "error", err)
		return
	}

	count := 0
	gjson.GetBytes(body, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		// Listing rates are USD per token; convert to per-million.
		s.cache.Set(id, plexus.PriceRate{
			InputPerM:  perTokenToPerM(m.Get("pricing.prompt").String()),
			OutputPerM: perTokenToPerM(m.Get("pricing.completion").String()),
			CachedPerM: perTokenToPerM(m.Get("pricing.input_cache_read").String()),
		})
		count++
		return true
	})
	s.log.Debug("openrouter pricing refreshed", "models", count)
}

func perTokenToPerM(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v * 1e6
}
