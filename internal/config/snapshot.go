package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"

	plexus "github.com/plexusgw/plexus/internal"
)

// Snapshot is the frozen, validated view of one config load. It is shared
// read-only across requests; in-flight requests keep the snapshot they
// started with.
type Snapshot struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Upstream  UpstreamConfig
	Telemetry TelemetryConfig
	OAuth     OAuthConfig

	Providers []*plexus.ProviderRecord
	Aliases   []*plexus.ModelAlias

	// keyByHash maps sha256(client key) to the opaque api_key_id.
	keyByHash map[string]string
}

// APIKeyID resolves a bearer token to its key id. Empty means unknown.
func (s *Snapshot) APIKeyID(token string) string {
	return s.keyByHash[plexus.HashKey(token)]
}

// Provider returns the provider with the given id, or nil.
func (s *Snapshot) Provider(id string) *plexus.ProviderRecord {
	for _, p := range s.Providers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Build validates cfg and freezes it into a Snapshot.
func Build(cfg *Config) (*Snapshot, error) {
	snap := &Snapshot{
		Server:    cfg.Server,
		Database:  cfg.Database,
		Upstream:  cfg.Upstream,
		Telemetry: cfg.Telemetry,
		OAuth:     cfg.OAuth,
		keyByHash: make(map[string]string, len(cfg.Keys)),
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for _, pe := range cfg.Providers {
		if pe.ID == "" {
			return nil, fmt.Errorf("provider with empty id")
		}
		if seen[pe.ID] {
			return nil, fmt.Errorf("duplicate provider id %q", pe.ID)
		}
		seen[pe.ID] = true
		p, err := buildProvider(pe)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pe.ID, err)
		}
		snap.Providers = append(snap.Providers, p)
	}

	for id, ae := range cfg.Models {
		alias, err := buildAlias(id, ae, seen)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", id, err)
		}
		snap.Aliases = append(snap.Aliases, alias)
	}
	// YAML maps have no order; keep alias iteration stable.
	sort.Slice(snap.Aliases, func(i, j int) bool { return snap.Aliases[i].ID < snap.Aliases[j].ID })

	for _, k := range cfg.Keys {
		if k.ID == "" || k.Key == "" {
			return nil, fmt.Errorf("key entries need both id and key")
		}
		snap.keyByHash[plexus.HashKey(k.Key)] = k.ID
	}

	return snap, nil
}

func buildProvider(pe ProviderEntry) (*plexus.ProviderRecord, error) {
	dialects, err := parseDialects(pe.Dialects)
	if err != nil {
		return nil, err
	}
	if len(dialects) == 0 {
		return nil, fmt.Errorf("no dialects")
	}

	baseURLs := make(map[plexus.Dialect]string, len(dialects))
	if pe.APIBaseURL.Single != "" {
		for _, d := range dialects {
			baseURLs[d] = pe.APIBaseURL.Single
		}
	}
	for name, url := range pe.APIBaseURL.ByDialect {
		d := plexus.Dialect(name)
		if !d.Valid() {
			return nil, fmt.Errorf("api_base_url: unknown dialect %q", name)
		}
		baseURLs[d] = url
	}
	for _, d := range dialects {
		if baseURLs[d] == "" {
			return nil, fmt.Errorf("no api_base_url for dialect %q", d)
		}
	}

	auth, err := buildAuth(pe.Auth)
	if err != nil {
		return nil, err
	}
	if pe.Discount < 0 || pe.Discount > 1 {
		return nil, fmt.Errorf("discount %v out of [0,1]", pe.Discount)
	}

	models := make(map[string]plexus.ModelRecord, len(pe.Models))
	for slug, me := range pe.Models {
		m, err := buildModel(me, dialects)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", slug, err)
		}
		models[slug] = m
	}

	var extraBody json.RawMessage
	if len(pe.ExtraBody) > 0 {
		raw, err := json.Marshal(pe.ExtraBody)
		if err != nil {
			return nil, fmt.Errorf("extra_body: %w", err)
		}
		extraBody = raw
	}

	return &plexus.ProviderRecord{
		ID:          pe.ID,
		DisplayName: pe.DisplayName,
		Dialects:    dialects,
		BaseURLs:    baseURLs,
		Auth:        auth,
		Models:      models,
		Discount:    pe.Discount,
		Headers:     pe.Headers,
		ExtraBody:   extraBody,
		Enabled:     pe.IsEnabled(),
	}, nil
}

func buildAuth(ae ProviderAuthEntry) (plexus.ProviderAuth, error) {
	switch ae.Kind {
	case "", "api_key":
		return plexus.ProviderAuth{Kind: plexus.AuthAPIKey, APIKey: ae.Value}, nil
	case "oauth":
		if ae.OAuthKind == "" {
			return plexus.ProviderAuth{}, fmt.Errorf("oauth auth needs oauth_kind")
		}
		return plexus.ProviderAuth{
			Kind:        plexus.AuthOAuth,
			OAuthKind:   ae.OAuthKind,
			AccountPool: ae.AccountPool,
		}, nil
	default:
		return plexus.ProviderAuth{}, fmt.Errorf("unknown auth kind %q", ae.Kind)
	}
}

func buildModel(me ModelEntry, provDialects []plexus.Dialect) (plexus.ModelRecord, error) {
	pricing, err := buildPricing(me.Pricing)
	if err != nil {
		return plexus.ModelRecord{}, err
	}
	accessVia, err := parseDialects(me.AccessVia)
	if err != nil {
		return plexus.ModelRecord{}, err
	}
	for _, d := range accessVia {
		found := false
		for _, pd := range provDialects {
			if d == pd {
				found = true
				break
			}
		}
		if !found {
			return plexus.ModelRecord{}, fmt.Errorf("access_via %q not in provider dialects", d)
		}
	}
	return plexus.ModelRecord{Pricing: pricing, AccessVia: accessVia}, nil
}

func buildPricing(pe PricingEntry) (plexus.Pricing, error) {
	switch pe.Kind {
	case "", "simple":
		return plexus.Pricing{
			Kind: plexus.PricingSimple,
			Simple: &plexus.PriceRate{
				InputPerM:  pe.InputPerM,
				OutputPerM: pe.OutputPerM,
				CachedPerM: pe.CachedPerM,
			},
		}, nil
	case "ranges":
		if len(pe.Ranges) == 0 {
			return plexus.Pricing{}, fmt.Errorf("ranges pricing with no ranges")
		}
		ranges := make([]plexus.PriceRange, 0, len(pe.Ranges))
		for _, r := range pe.Ranges {
			ranges = append(ranges, plexus.PriceRange{
				Lower: r.Lower,
				Upper: r.Upper,
				PriceRate: plexus.PriceRate{
					InputPerM:  r.InputPerM,
					OutputPerM: r.OutputPerM,
					CachedPerM: r.CachedPerM,
				},
			})
		}
		return plexus.Pricing{Kind: plexus.PricingRanges, Ranges: ranges}, nil
	case "openrouter":
		if pe.Slug == "" {
			return plexus.Pricing{}, fmt.Errorf("openrouter pricing needs slug")
		}
		return plexus.Pricing{Kind: plexus.PricingOpenRouter, OpenRouterSlug: pe.Slug}, nil
	default:
		return plexus.Pricing{}, fmt.Errorf("unknown pricing kind %q", pe.Kind)
	}
}

func buildAlias(id string, ae AliasEntry, providers map[string]bool) (*plexus.ModelAlias, error) {
	switch ae.Selector {
	case "", "random", "in_order", "cost", "latency", "usage", "performance":
	default:
		return nil, fmt.Errorf("unknown selector %q", ae.Selector)
	}
	switch ae.Priority {
	case "", "selector", "api_match":
	default:
		return nil, fmt.Errorf("unknown priority %q", ae.Priority)
	}
	if len(ae.Targets) == 0 {
		return nil, fmt.Errorf("no targets")
	}

	targets := make([]plexus.AliasTarget, 0, len(ae.Targets))
	for _, t := range ae.Targets {
		if !providers[t.Provider] {
			return nil, fmt.Errorf("target references unknown provider %q", t.Provider)
		}
		targets = append(targets, plexus.AliasTarget{
			ProviderID: t.Provider,
			ModelSlug:  t.Model,
			Enabled:    t.IsEnabled(),
		})
	}
	return &plexus.ModelAlias{
		ID:       id,
		Aliases:  ae.Aliases,
		Selector: ae.Selector,
		Priority: ae.Priority,
		Targets:  targets,
	}, nil
}

func parseDialects(names []string) ([]plexus.Dialect, error) {
	var out []plexus.Dialect
	for _, name := range names {
		d := plexus.Dialect(name)
		if !d.Valid() {
			return nil, fmt.Errorf("unknown dialect %q", name)
		}
		out = append(out, d)
	}
	return out, nil
}

// Store holds the active snapshot behind an atomic pointer. Hot reload
// swaps the whole snapshot; readers never see a partial update.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a Store seeded with snap.
func NewStore(snap *Snapshot) *Store {
	s := &Store{}
	s.current.Store(snap)
	return s
}

// Snapshot returns the active snapshot.
func (s *Store) Snapshot() *Snapshot { return s.current.Load() }

// Swap replaces the active snapshot.
func (s *Store) Swap(snap *Snapshot) { s.current.Store(snap) }
