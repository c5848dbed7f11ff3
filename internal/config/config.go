// Package config handles YAML configuration loading with environment
// variable expansion, snapshot building and hot reload.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration as written in YAML.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	Upstream  UpstreamConfig        `yaml:"upstream"`
	Telemetry TelemetryConfig       `yaml:"telemetry"`
	OAuth     OAuthConfig           `yaml:"oauth"`
	Providers []ProviderEntry       `yaml:"providers"`
	Models    map[string]AliasEntry `yaml:"models"`
	Keys      []KeyEntry            `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// UpstreamConfig holds outbound HTTP settings.
type UpstreamConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"` // default 10s
	RequestTimeout time.Duration `yaml:"request_timeout"` // unary total / streaming idle-read, default 60s
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// OAuthConfig carries client secrets for credential kinds that need one.
type OAuthConfig struct {
	ClientSecrets map[string]string `yaml:"client_secrets"` // kind -> secret
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	ID          string                `yaml:"id"`
	DisplayName string                `yaml:"display_name"`
	Dialects    []string              `yaml:"dialects"`
	APIBaseURL  BaseURLEntry          `yaml:"api_base_url"`
	Auth        ProviderAuthEntry     `yaml:"auth"`
	Models      map[string]ModelEntry `yaml:"models"`
	Discount    float64               `yaml:"discount"`
	Headers     map[string]string     `yaml:"headers"`
	ExtraBody   map[string]any        `yaml:"extra_body"`
	Enabled     *bool                 `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// BaseURLEntry accepts either a single URL string or a dialect-to-URL map.
type BaseURLEntry struct {
	Single    string
	ByDialect map[string]string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *BaseURLEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&b.Single)
	case yaml.MappingNode:
		return node.Decode(&b.ByDialect)
	default:
		return fmt.Errorf("api_base_url: expected string or map, got yaml kind %d", node.Kind)
	}
}

// ProviderAuthEntry configures provider authentication.
type ProviderAuthEntry struct {
	Kind        string   `yaml:"kind"`  // "api_key" (default) or "oauth"
	Value       string   `yaml:"value"` // api_key: the key
	OAuthKind   string   `yaml:"oauth_kind"`
	AccountPool []string `yaml:"account_pool"`
}

// ModelEntry is one canonical model under a provider.
type ModelEntry struct {
	Pricing   PricingEntry `yaml:"pricing"`
	AccessVia []string     `yaml:"access_via"`
}

// PricingEntry is the tagged pricing shape.
type PricingEntry struct {
	Kind       string       `yaml:"kind"` // simple | ranges | openrouter
	InputPerM  float64      `yaml:"input_per_m"`
	OutputPerM float64      `yaml:"output_per_m"`
	CachedPerM float64      `yaml:"cached_per_m"`
	Ranges     []RangeEntry `yaml:"ranges"`
	Slug       string       `yaml:"slug"` // openrouter
}

// RangeEntry is one tier of tiered pricing; upper 0 means unbounded.
type RangeEntry struct {
	Lower      int     `yaml:"lower"`
	Upper      int     `yaml:"upper"`
	InputPerM  float64 `yaml:"input_per_m"`
	OutputPerM float64 `yaml:"output_per_m"`
	CachedPerM float64 `yaml:"cached_per_m"`
}

// AliasEntry is a client-facing model alias.
type AliasEntry struct {
	Aliases  []string           `yaml:"aliases"`
	Selector string             `yaml:"selector"` // default in_order
	Priority string             `yaml:"priority"` // "selector" (default) or "api_match"
	Targets  []AliasTargetEntry `yaml:"targets"`
}

// AliasTargetEntry is a single alias target.
type AliasTargetEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Enabled  *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the target is enabled (defaults to true when nil).
func (t AliasTargetEntry) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// KeyEntry is a client API key in the config file.
type KeyEntry struct {
	ID  string `yaml:"id"`
	Key string `yaml:"key"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, expanding environment variables.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "plexus.db",
		},
		Upstream: UpstreamConfig{
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 60 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
