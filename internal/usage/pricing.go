// Package usage computes request cost and maintains the rolling
// per-target statistics that feed routing selectors.
package usage

import (
	"context"

	plexus "github.com/plexusgw/plexus/internal"
)

// PriceSource resolves dynamic per-slug rates. The openrouter pricing
// kind is backed by one.
type PriceSource interface {
	Rate(ctx context.Context, slug string) (plexus.PriceRate, bool)
}

// Pricer turns normalized token counts into USD cost.
type Pricer struct {
	openrouter PriceSource
}

// NewPricer returns a Pricer. source may be nil when no provider uses
// openrouter pricing.
func NewPricer(source PriceSource) *Pricer {
	return &Pricer{openrouter: source}
}

// Cost prices a request against the model's pricing shape, then applies
// the provider discount. unknown is true when dynamic pricing had no
// entry for the slug; such requests cost 0 and the usage record is
// tagged pricing_unknown.
func (p *Pricer) Cost(ctx context.Context, pricing plexus.Pricing, discount float64, u plexus.Usage) (cost float64, unknown bool) {
	var rate plexus.PriceRate
	switch pricing.Kind {
	case plexus.PricingSimple:
		if pricing.Simple == nil {
			return 0, true
		}
		rate = *pricing.Simple
	case plexus.PricingRanges:
		r, ok := pickRange(pricing.Ranges, u.InputTokens)
		if !ok {
			return 0, true
		}
		rate = r.PriceRate
	case plexus.PricingOpenRouter:
		if p.openrouter == nil {
			return 0, true
		}
		slug := pricing.OpenRouterSlug
		r, ok := p.openrouter.Rate(ctx, slug)
		if !ok {
			return 0, true
		}
		rate = r
	default:
		return 0, true
	}

	cost = float64(u.InputTokens)/1e6*rate.InputPerM +
		float64(u.OutputTokens)/1e6*rate.OutputPerM +
		float64(u.CacheReadTokens)/1e6*rate.CachedPerM
	cost *= 1 - discount
	if cost < 0 {
		cost = 0
	}
	return cost, false
}

// pickRange finds the tier whose half-open [Lower, Upper) interval
// contains inputTokens. Upper == 0 means unbounded.
func pickRange(ranges []plexus.PriceRange, inputTokens int) (plexus.PriceRange, bool) {
	for _, r := range ranges {
		if inputTokens >= r.Lower && (r.Upper == 0 || inputTokens < r.Upper) {
			return r, true
		}
	}
	return plexus.PriceRange{}, false
}
