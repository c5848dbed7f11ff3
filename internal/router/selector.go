package router

import (
	"math"
	"time"
)

// selectTarget applies the named selector strategy to a non-empty healthy
// candidate list. Unknown selector names degrade to in_order.
func (r *Router) selectTarget(selector string, cands []candidate) candidate {
	switch selector {
	case "random":
		r.mu.Lock()
		i := r.rng.IntN(len(cands))
		r.mu.Unlock()
		return cands[i]
	case "cost":
		return pickMin(cands, projectedCostPer1kOut)
	case "latency":
		return pickMin(cands, r.latencyScore)
	case "usage":
		return pickMin(cands, r.usageScore)
	case "performance":
		return pickMin(cands, r.performanceScore)
	default: // in_order
		return cands[0]
	}
}

// pickMin returns the candidate with the lowest score, first-wins on ties
// so config order breaks them.
func pickMin(cands []candidate, score func(candidate) float64) candidate {
	best := cands[0]
	bestScore := score(best)
	for _, c := range cands[1:] {
		if s := score(c); s < bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// projectedCostPer1kOut estimates $ per 1k output tokens from static
// pricing. Dynamic (openrouter) and missing pricing score +Inf so priced
// targets win.
func projectedCostPer1kOut(c candidate) float64 {
	m, ok := c.provider.Models[c.slug]
	if !ok {
		return math.Inf(1)
	}
	var perM float64
	switch {
	case m.Pricing.Simple != nil:
		perM = m.Pricing.Simple.OutputPerM
	case len(m.Pricing.Ranges) > 0:
		perM = m.Pricing.Ranges[0].OutputPerM
	default:
		return math.Inf(1)
	}
	return perM / 1000 * (1 - c.provider.Discount)
}

// latencyScore is the rolling average duration; unseen targets score -Inf
// so they get tried first.
func (r *Router) latencyScore(c candidate) float64 {
	avg, ok := r.stats.AvgLatencyMs(c.providerID, c.slug)
	if !ok {
		return math.Inf(-1)
	}
	return avg
}

// usageScore is the age of the last successful record; unseen targets get
// priority.
func (r *Router) usageScore(c candidate) float64 {
	last, ok := r.stats.LastSuccess(c.providerID, c.slug)
	if !ok {
		return math.Inf(-1)
	}
	return float64(last.UnixNano()) / float64(time.Second)
}

// performanceScore is negated throughput so pickMin favors the fastest;
// unseen targets get priority.
func (r *Router) performanceScore(c candidate) float64 {
	tps, ok := r.stats.AvgTokensPerSecond(c.providerID, c.slug)
	if !ok {
		return math.Inf(-1)
	}
	return -tps
}
