// Package config loads and validates the keeper YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ridafkih/keeper.sh-sub000/internal/model"
)

// Defaults applied by validate.
const (
	DefaultListen             = "127.0.0.1:8080"
	DefaultLogLevel           = "info"
	DefaultSchedule           = "*/15 * * * *"
	DefaultRemoteHorizon      = 2 * 365 * 24 * time.Hour
	DefaultGenerationTTL      = 24 * time.Hour
	DefaultTokenRefreshBuffer = 5 * time.Minute

	DefaultConcurrency       = 5
	DefaultRequestsPerMinute = 300
	DefaultInitialBackoff    = time.Second
	DefaultMaxBackoff        = time.Minute
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// DatabasePath is the SQLite state file. Defaults to state.DefaultDBPath.
	DatabasePath string `yaml:"database_path"`

	// Listen is the HTTP address of the status and WebSocket server.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Schedule is a standard five-field cron spec for periodic syncs.
	Schedule string `yaml:"schedule"`

	// RedisURL, when set, stores sync generations in Redis so several
	// processes share them. Empty keeps them in memory.
	RedisURL string `yaml:"redis_url,omitempty"`

	// CredentialsPassphrase, when set, encrypts OAuth tokens at rest.
	CredentialsPassphrase string `yaml:"credentials_passphrase,omitempty"`

	Google    GoogleConfig    `yaml:"google"`
	Sync      SyncConfig      `yaml:"sync"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Users     []UserConfig    `yaml:"users"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GoogleConfig holds the OAuth client used to refresh Google tokens.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// SyncConfig tunes reconciliation.
type SyncConfig struct {
	// RemoteHorizon bounds how far ahead remote events are listed and local
	// recurrences are expanded.
	RemoteHorizon time.Duration `yaml:"remote_horizon"`

	// GenerationTTL is how long a user's generation counter lives.
	GenerationTTL time.Duration `yaml:"generation_ttl"`

	// UIDMarker is the suffix identifying events this system created.
	UIDMarker string `yaml:"uid_marker"`

	// TokenRefreshBuffer refreshes access tokens this long before expiry.
	TokenRefreshBuffer time.Duration `yaml:"token_refresh_buffer"`
}

// RateLimitConfig applies to each provider's shared limiter.
type RateLimitConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// UserConfig lists one user's source feeds and destination calendars.
type UserConfig struct {
	ID           string              `yaml:"id"`
	Sources      []SourceConfig      `yaml:"sources"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

// SourceConfig is an ICS feed whose busy times are mirrored.
type SourceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// DestinationConfig is a calendar events are pushed to.
type DestinationConfig struct {
	ID         string `yaml:"id"`
	Provider   string `yaml:"provider"`
	CalendarID string `yaml:"calendar_id"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "keeper".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRatio is the fraction of traces kept. Zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// supportedProviders lists the destination providers this build can push to.
var supportedProviders = map[string]bool{
	"google": true,
}

// DefaultPath returns the default config file path: ~/.config/keeper/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "keeper", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// User returns the configured user with the given id, or nil.
func (c *Config) User(id string) *UserConfig {
	for i := range c.Users {
		if c.Users[i].ID == id {
			return &c.Users[i]
		}
	}
	return nil
}

// UserIDs returns every configured user id in file order.
func (c *Config) UserIDs() []string {
	ids := make([]string, 0, len(c.Users))
	for _, u := range c.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

// Destinations returns every configured destination as a model value.
func (c *Config) Destinations() []model.Destination {
	var out []model.Destination
	for _, u := range c.Users {
		for _, d := range u.Destinations {
			out = append(out, model.Destination{
				ID:         d.ID,
				UserID:     u.ID,
				Provider:   d.Provider,
				CalendarID: d.CalendarID,
			})
		}
	}
	return out
}

// validate checks required fields and applies defaults.
func (c *Config) validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}

	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q: %w", c.Schedule, err)
	}

	if c.RedisURL != "" {
		u, err := url.Parse(c.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return fmt.Errorf("redis_url %q must be a redis:// or rediss:// URL", c.RedisURL)
		}
	}

	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}

	if len(c.Users) == 0 {
		return errors.New("users must contain at least one entry")
	}
	if err := c.validateUsers(); err != nil {
		return err
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return errors.New("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio %v must be between 0 and 1", c.Telemetry.SampleRatio)
		}
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.RemoteHorizon == 0 {
		s.RemoteHorizon = DefaultRemoteHorizon
	}
	if s.RemoteHorizon < 24*time.Hour {
		return fmt.Errorf("sync.remote_horizon %v is too short (minimum 24h)", s.RemoteHorizon)
	}
	if s.GenerationTTL == 0 {
		s.GenerationTTL = DefaultGenerationTTL
	}
	if s.GenerationTTL < time.Minute {
		return fmt.Errorf("sync.generation_ttl %v is too short (minimum 1m)", s.GenerationTTL)
	}
	if s.UIDMarker == "" {
		s.UIDMarker = model.DefaultUIDMarker
	}
	if s.TokenRefreshBuffer == 0 {
		s.TokenRefreshBuffer = DefaultTokenRefreshBuffer
	}
	if s.TokenRefreshBuffer < 0 {
		return fmt.Errorf("sync.token_refresh_buffer %v must not be negative", s.TokenRefreshBuffer)
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.Concurrency == 0 {
		r.Concurrency = DefaultConcurrency
	}
	if r.RequestsPerMinute == 0 {
		r.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if r.InitialBackoff == 0 {
		r.InitialBackoff = DefaultInitialBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
	if r.Concurrency < 0 || r.RequestsPerMinute < 0 {
		return errors.New("rate_limit.concurrency and rate_limit.requests_per_minute must be positive")
	}
	if r.MaxBackoff < r.InitialBackoff {
		return fmt.Errorf("rate_limit.max_backoff %v is shorter than initial_backoff %v", r.MaxBackoff, r.InitialBackoff)
	}
	return nil
}

func (c *Config) validateUsers() error {
	users := make(map[string]bool)
	dests := make(map[string]bool)
	needsGoogle := false

	for i, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("users[%d].id is required", i)
		}
		if users[u.ID] {
			return fmt.Errorf("users[%d].id %q is duplicated", i, u.ID)
		}
		users[u.ID] = true

		sources := make(map[string]bool)
		for j, s := range u.Sources {
			if s.ID == "" {
				return fmt.Errorf("users[%q].sources[%d].id is required", u.ID, j)
			}
			if sources[s.ID] {
				return fmt.Errorf("users[%q].sources[%d].id %q is duplicated", u.ID, j, s.ID)
			}
			sources[s.ID] = true
			parsed, err := url.ParseRequestURI(s.URL)
			if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return fmt.Errorf("users[%q].sources[%q].url must be a valid http or https URL", u.ID, s.ID)
			}
		}

		for j, d := range u.Destinations {
			if d.ID == "" {
				return fmt.Errorf("users[%q].destinations[%d].id is required", u.ID, j)
			}
			if dests[d.ID] {
				return fmt.Errorf("destination id %q is duplicated", d.ID)
			}
			dests[d.ID] = true
			if !supportedProviders[d.Provider] {
				return fmt.Errorf("destination %q has unsupported provider %q", d.ID, d.Provider)
			}
			if d.CalendarID == "" {
				return fmt.Errorf("destination %q: calendar_id is required", d.ID)
			}
			if d.Provider == "google" {
				needsGoogle = true
			}
		}
	}

	if needsGoogle && (c.Google.ClientID == "" || c.Google.ClientSecret == "") {
		return errors.New("google.client_id and google.client_secret are required for google destinations")
	}
	return nil
}
