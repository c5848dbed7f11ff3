// Package router resolves client-facing model names to provider targets.
package router

import (
	"math/rand/v2"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// View is the routing slice of the active config snapshot. Provider and
// alias order follow config order, which the in_order selector and
// tie-breaking depend on.
type View struct {
	Providers []*plexus.ProviderRecord
	Aliases   []*plexus.ModelAlias
}

// Health reports whether a cooldown key is currently usable.
type Health interface {
	Healthy(key string) bool
}

// TargetStats is a read-only rolling-stats view maintained by the usage
// component, keyed by (provider, slug).
type TargetStats interface {
	AvgLatencyMs(providerID, slug string) (float64, bool)
	AvgTokensPerSecond(providerID, slug string) (float64, bool)
	LastSuccess(providerID, slug string) (time.Time, bool)
}

// Resolution is a successfully routed target.
type Resolution struct {
	ProviderID string
	Slug       string
	Provider   *plexus.ProviderRecord
	AliasID    string // empty for direct provider-model hits
}

// Router picks one healthy provider target per request. Safe for
// concurrent use.
type Router struct {
	view   func() View
	health Health
	stats  TargetStats

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Router.
type Option func(*Router)

// WithRand overrides the randomness source. Tests use a seeded source for
// deterministic selection.
func WithRand(rng *rand.Rand) Option {
	return func(r *Router) { r.rng = rng }
}

// New returns a Router over the given config view.
func New(view func() View, health Health, stats TargetStats, opts ...Option) *Router {
	r := &Router{
		view:   view,
		health: health,
		stats:  stats,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type candidate struct {
	providerID string
	slug       string
	provider   *plexus.ProviderRecord
}

// Resolve maps a model name to one target. Alias lookup (primary id and
// secondary aliases) wins over a direct provider-model scan. Targets on
// cooldown are filtered before selection.
func (r *Router) Resolve(model string, incoming plexus.Dialect) (Resolution, error) {
	v := r.view()
	providers := make(map[string]*plexus.ProviderRecord, len(v.Providers))
	for _, p := range v.Providers {
		providers[p.ID] = p
	}

	alias := findAlias(v.Aliases, model)

	var candidates []candidate
	selector := "in_order"
	priority := ""
	aliasID := ""
	if alias != nil {
		aliasID = alias.ID
		if alias.Selector != "" {
			selector = alias.Selector
		}
		priority = alias.Priority
		for _, t := range alias.Targets {
			if !t.Enabled {
				continue
			}
			p, ok := providers[t.ProviderID]
			if !ok || !p.Enabled {
				continue
			}
			candidates = append(candidates, candidate{providerID: p.ID, slug: t.ModelSlug, provider: p})
		}
	} else {
		for _, p := range v.Providers {
			if !p.Enabled {
				continue
			}
			if _, ok := p.Models[model]; ok {
				candidates = append(candidates, candidate{providerID: p.ID, slug: model, provider: p})
			}
		}
	}
	if len(candidates) == 0 {
		return Resolution{}, plexus.ErrModelNotFound
	}

	healthy := candidates[:0:0]
	for _, c := range candidates {
		if r.health.Healthy(c.providerID) {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		return Resolution{}, plexus.ErrNoHealthyTarget
	}

	if priority == "api_match" && incoming.Valid() {
		if matched := filterDialect(healthy, incoming); len(matched) > 0 {
			healthy = matched
		}
	}

	chosen := r.selectTarget(selector, healthy)
	return Resolution{
		ProviderID: chosen.providerID,
		Slug:       chosen.slug,
		Provider:   chosen.provider,
		AliasID:    aliasID,
	}, nil
}

func findAlias(aliases []*plexus.ModelAlias, model string) *plexus.ModelAlias {
	for _, a := range aliases {
		if a.ID == model {
			return a
		}
		for _, name := range a.Aliases {
			if name == model {
				return a
			}
		}
	}
	return nil
}

func filterDialect(cands []candidate, d plexus.Dialect) []candidate {
	var out []candidate
	for _, c := range cands {
		if c.provider.SupportsDialect(d) {
			out = append(out, c)
		}
	}
	return out
}
