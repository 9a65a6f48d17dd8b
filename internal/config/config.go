// Package config handles YAML configuration for esiwatch.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/esiwatch/internal/esi"
)

// Config is the root configuration structure.
type Config struct {
	ESI        ESIConfig        `yaml:"esi"`
	Budget     BudgetConfig     `yaml:"budget"`
	Lookup     LookupConfig     `yaml:"lookup"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	OTEL       OTELConfig       `yaml:"otel"`
	Log        LogConfig        `yaml:"log"`
	SSO        SSOConfig        `yaml:"sso"`
	Identities []IdentityConfig `yaml:"identities"`
}

// ESIConfig holds remote API settings.
type ESIConfig struct {
	BaseURL           string   `yaml:"base_url"`
	UserAgent         string   `yaml:"user_agent"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// BudgetConfig holds error budget limits.
type BudgetConfig struct {
	Threshold      int      `yaml:"threshold"`
	Ceiling        int      `yaml:"ceiling"`
	MaxResetWindow Duration `yaml:"max_reset_window"`
}

// LookupConfig holds structure lookup settings.
type LookupConfig struct {
	Concurrency       int64    `yaml:"concurrency"`
	MaxBudgetWait     Duration `yaml:"max_budget_wait"`
	InaccessibleRetry Duration `yaml:"inaccessible_retry"`
}

// MonitorConfig holds polling settings.
type MonitorConfig struct {
	Tick               Duration            `yaml:"tick"`
	StaggerPerIdentity Duration            `yaml:"stagger_per_identity"`
	StaggerJitter      Duration            `yaml:"stagger_jitter"`
	RetryDelay         Duration            `yaml:"retry_delay"`
	DefaultInterval    Duration            `yaml:"default_interval"`
	Intervals          map[string]Duration `yaml:"intervals"`
	Extended           bool                `yaml:"extended"`
	// Resources lists the polled resources by name. Empty means every
	// per-identity resource.
	Resources []string `yaml:"resources"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	Path         string   `yaml:"path"`
	SaveDebounce Duration `yaml:"save_debounce"`
	// StationsFile adds NPC stations over the bundled table.
	StationsFile string `yaml:"stations_file"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	Traces      TracesConfig      `yaml:"traces"`
	Metrics     OTELMetricsConfig `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// OTELMetricsConfig holds OTLP metric export settings.
type OTELMetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// SSOConfig holds the OAuth2 client used to refresh identity tokens.
type SSOConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
}

// Refreshes reports whether tokens can be refreshed.
func (s SSOConfig) Refreshes() bool { return s.ClientID != "" && s.TokenURL != "" }

// IdentityConfig is a statically configured identity.
type IdentityConfig struct {
	ID           int64     `yaml:"id"`
	Name         string    `yaml:"name"`
	Monitored    *bool     `yaml:"monitored"`
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token"`
	Expiry       time.Time `yaml:"expiry"`
	Scopes       []string  `yaml:"scopes"`
}

// IsMonitored defaults to true.
func (i IdentityConfig) IsMonitored() bool { return i.Monitored == nil || *i.Monitored }

// Duration is a time.Duration read from strings such as "90s".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: parse duration %q: %w", node.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a runnable configuration without a file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	setString(&cfg.ESI.BaseURL, esi.DefaultBaseURL)
	setString(&cfg.ESI.UserAgent, "esiwatch")
	setDuration(&cfg.ESI.Timeout, 30*time.Second)
	if cfg.ESI.RequestsPerSecond == 0 {
		cfg.ESI.RequestsPerSecond = 20
	}
	if cfg.ESI.Burst == 0 {
		cfg.ESI.Burst = 10
	}

	if cfg.Budget.Threshold == 0 {
		cfg.Budget.Threshold = 10
	}
	if cfg.Budget.Ceiling == 0 {
		cfg.Budget.Ceiling = 100
	}
	setDuration(&cfg.Budget.MaxResetWindow, 2*time.Minute)

	if cfg.Lookup.Concurrency == 0 {
		cfg.Lookup.Concurrency = 3
	}
	setDuration(&cfg.Lookup.MaxBudgetWait, 5*time.Minute)
	setDuration(&cfg.Lookup.InaccessibleRetry, time.Hour)

	setDuration(&cfg.Monitor.Tick, time.Second)
	setDuration(&cfg.Monitor.StaggerPerIdentity, 5*time.Second)
	setDuration(&cfg.Monitor.StaggerJitter, 2*time.Second)
	setDuration(&cfg.Monitor.RetryDelay, 30*time.Second)
	setDuration(&cfg.Monitor.DefaultInterval, 5*time.Minute)

	setString(&cfg.Storage.Path, defaultStoragePath())
	setDuration(&cfg.Storage.SaveDebounce, 10*time.Second)

	setString(&cfg.Metrics.Addr, ":9464")

	setString(&cfg.OTEL.ServiceName, "esiwatch")

	setString(&cfg.Log.Level, "info")
	setString(&cfg.Log.Format, "console")

	setString(&cfg.SSO.AuthURL, "https://login.eveonline.com/v2/oauth/authorize")
	setString(&cfg.SSO.TokenURL, "https://login.eveonline.com/v2/oauth/token")
}

func setString(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

func defaultStoragePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "esiwatch.db"
	}
	return dir + string(os.PathSeparator) + "esiwatch" + string(os.PathSeparator) + "esiwatch.db"
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.ESI.BaseURL == "" {
		return fmt.Errorf("esi: base_url is required")
	}
	if c.ESI.RequestsPerSecond < 0 || c.ESI.Burst < 0 {
		return fmt.Errorf("esi: requests_per_second and burst must not be negative")
	}
	if c.Budget.Threshold >= c.Budget.Ceiling {
		return fmt.Errorf("budget: threshold (%d) must be below ceiling (%d)", c.Budget.Threshold, c.Budget.Ceiling)
	}
	if c.Lookup.Concurrency < 1 {
		return fmt.Errorf("lookup: concurrency must be at least 1 (got %d)", c.Lookup.Concurrency)
	}
	if c.Lookup.InaccessibleRetry < 0 {
		return fmt.Errorf("lookup: inaccessible_retry must not be negative")
	}
	for _, name := range c.Monitor.Resources {
		if err := checkResource(name); err != nil {
			return fmt.Errorf("monitor: resources: %w", err)
		}
	}
	for name := range c.Monitor.Intervals {
		if err := checkResource(name); err != nil {
			return fmt.Errorf("monitor: intervals: %w", err)
		}
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}

	seen := make(map[int64]bool, len(c.Identities))
	for i, ident := range c.Identities {
		if ident.ID <= 0 {
			return fmt.Errorf("identities[%d]: id is required", i)
		}
		if seen[ident.ID] {
			return fmt.Errorf("identities[%d]: duplicate id %d", i, ident.ID)
		}
		seen[ident.ID] = true
		if ident.RefreshToken != "" && !c.SSO.Refreshes() {
			return fmt.Errorf("identities[%d]: refresh_token needs sso.client_id", i)
		}
	}
	return nil
}

func checkResource(name string) error {
	d, ok := esi.ByName(name)
	if !ok {
		return fmt.Errorf("unknown resource %q", name)
	}
	if d.ID == esi.CitadelInfo {
		return fmt.Errorf("resource %q is not polled per identity", name)
	}
	return nil
}
