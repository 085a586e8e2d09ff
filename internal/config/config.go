// Package config provides configuration management for the lost-and-found
// search service.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vyrodovalexey/lostfound/internal/backend"
)

// Default configuration values.
const (
	DefaultServerPort      = 8080
	DefaultProbePort       = 9090
	DefaultLogLevel        = "info"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMetricsEnabled  = true

	DefaultSearchThreshold = 0.3
	DefaultSearchDistance  = 100
	DefaultSearchTimezone  = "UTC"
	DefaultSimilarRadiusKm = 0.5
	DefaultSimilarLimit    = 3
)

// Environment variable names.
const (
	EnvConfigFile      = "APP_CONFIG_FILE"
	EnvServerPort      = "APP_SERVER_PORT"
	EnvProbePort       = "APP_PROBE_PORT"
	EnvLogLevel        = "APP_LOG_LEVEL"
	EnvShutdownTimeout = "APP_SHUTDOWN_TIMEOUT"
	EnvMetricsEnabled  = "APP_METRICS_ENABLED"
	EnvCORSOrigins     = "APP_CORS_ORIGINS"

	EnvBackendURL         = "APP_BACKEND_URL"
	EnvBackendAPIKey      = "APP_BACKEND_API_KEY"      //nolint:gosec // env var name, not a credential
	EnvBackendAccessToken = "APP_BACKEND_ACCESS_TOKEN" //nolint:gosec // env var name, not a credential
	EnvBackendSchema      = "APP_BACKEND_SCHEMA"
	EnvBackendTable       = "APP_BACKEND_TABLE"
	EnvBackendChannel     = "APP_BACKEND_CHANNEL"
	EnvBackendTimeout     = "APP_BACKEND_TIMEOUT"
	EnvBackendHeartbeat   = "APP_BACKEND_HEARTBEAT"

	EnvSearchThreshold = "APP_SEARCH_THRESHOLD"
	EnvSearchDistance  = "APP_SEARCH_DISTANCE"
	EnvSearchTimezone  = "APP_SEARCH_TIMEZONE"
	EnvSimilarRadiusKm = "APP_SIMILAR_RADIUS_KM"
	EnvSimilarLimit    = "APP_SIMILAR_LIMIT"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Search  SearchConfig  `yaml:"search"`
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ProbePort       int           `yaml:"probe_port"` // 0 disables the probe server.
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// BackendConfig holds the data service connection settings.
type BackendConfig struct {
	URL            string        `yaml:"url"`
	APIKey         string        `yaml:"api_key"`
	AccessToken    string        `yaml:"access_token"`
	Schema         string        `yaml:"schema"`
	Table          string        `yaml:"table"`
	Channel        string        `yaml:"channel"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// SearchConfig tunes the search pipeline.
type SearchConfig struct {
	Threshold       float64 `yaml:"threshold"`
	Distance        int     `yaml:"distance"`
	Timezone        string  `yaml:"timezone"`
	SimilarRadiusKm float64 `yaml:"similar_radius_km"`
	SimilarLimit    int     `yaml:"similar_limit"`
}

// Validation errors.
var (
	ErrInvalidServerPort      = errors.New("server port must be between 1 and 65535")
	ErrInvalidProbePort       = errors.New("probe port must be between 0 and 65535")
	ErrProbePortConflict      = errors.New("probe port must differ from server port when probe port is not 0")
	ErrInvalidLogLevel        = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	ErrMissingBackendURL     = errors.New("backend URL must be set")
	ErrInvalidBackendURL     = errors.New("backend URL must be an absolute http or https URL")
	ErrMissingBackendAPIKey  = errors.New("backend API key must be set")
	ErrInvalidBackendTimeout = errors.New("backend request timeout must be positive")
	ErrInvalidHeartbeat      = errors.New("backend heartbeat must be positive")

	ErrInvalidSearchThreshold = errors.New("search threshold must be between 0 and 1")
	ErrInvalidSearchDistance  = errors.New("search distance must not be negative")
	ErrInvalidTimezone        = errors.New("search timezone must be a valid IANA time zone")
	ErrInvalidSimilarRadius   = errors.New("similar radius must be positive")
	ErrInvalidSimilarLimit    = errors.New("similar limit must be at least 1")
)

// Default returns the configuration used before any file or environment
// overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            DefaultServerPort,
			ProbePort:       DefaultProbePort,
			LogLevel:        DefaultLogLevel,
			ShutdownTimeout: DefaultShutdownTimeout,
			MetricsEnabled:  DefaultMetricsEnabled,
		},
		Backend: BackendConfig{
			Schema:         backend.DefaultSchema,
			Table:          backend.DefaultTable,
			Channel:        backend.DefaultChannel,
			RequestTimeout: backend.DefaultRequestTimeout,
			Heartbeat:      backend.DefaultHeartbeat,
		},
		Search: SearchConfig{
			Threshold:       DefaultSearchThreshold,
			Distance:        DefaultSearchDistance,
			Timezone:        DefaultSearchTimezone,
			SimilarRadiusKm: DefaultSimilarRadiusKm,
			SimilarLimit:    DefaultSimilarLimit,
		},
	}
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	cfg, err := Read()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Read builds the configuration from defaults, the optional YAML file
// named by APP_CONFIG_FILE and environment variables, in that order of
// increasing priority. It does not validate.
func Read() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file at path. Keys missing from the file
// keep their current values.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// loadFromEnv loads configuration values from environment variables.
func (c *Config) loadFromEnv() error {
	if err := c.loadServerEnv(); err != nil {
		return err
	}

	if err := c.loadBackendEnv(); err != nil {
		return err
	}

	return c.loadSearchEnv()
}

// loadServerEnv loads server-related environment variables.
func (c *Config) loadServerEnv() error {
	if err := envInt(EnvServerPort, &c.Server.Port); err != nil {
		return err
	}

	if err := envInt(EnvProbePort, &c.Server.ProbePort); err != nil {
		return err
	}

	if val := os.Getenv(EnvLogLevel); val != "" {
		c.Server.LogLevel = val
	}

	if err := envDuration(EnvShutdownTimeout, &c.Server.ShutdownTimeout); err != nil {
		return err
	}

	if val := os.Getenv(EnvMetricsEnabled); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", EnvMetricsEnabled, err)
		}
		c.Server.MetricsEnabled = enabled
	}

	if val := os.Getenv(EnvCORSOrigins); val != "" {
		c.Server.CORSOrigins = splitList(val)
	}

	return nil
}

// loadBackendEnv loads data service environment variables.
func (c *Config) loadBackendEnv() error {
	envString(EnvBackendURL, &c.Backend.URL)
	envString(EnvBackendAPIKey, &c.Backend.APIKey)
	envString(EnvBackendAccessToken, &c.Backend.AccessToken)
	envString(EnvBackendSchema, &c.Backend.Schema)
	envString(EnvBackendTable, &c.Backend.Table)
	envString(EnvBackendChannel, &c.Backend.Channel)

	if err := envDuration(EnvBackendTimeout, &c.Backend.RequestTimeout); err != nil {
		return err
	}

	return envDuration(EnvBackendHeartbeat, &c.Backend.Heartbeat)
}

// loadSearchEnv loads search pipeline environment variables.
func (c *Config) loadSearchEnv() error {
	if err := envFloat(EnvSearchThreshold, &c.Search.Threshold); err != nil {
		return err
	}

	if err := envInt(EnvSearchDistance, &c.Search.Distance); err != nil {
		return err
	}

	envString(EnvSearchTimezone, &c.Search.Timezone)

	if err := envFloat(EnvSimilarRadiusKm, &c.Search.SimilarRadiusKm); err != nil {
		return err
	}

	return envInt(EnvSimilarLimit, &c.Search.SimilarLimit)
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = n

	return nil
}

func envFloat(name string, dst *float64) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}

	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = f

	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	*dst = d

	return nil
}

// splitList splits a comma separated list and drops empty entries.
func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks if the configuration values are valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}

	if err := c.validateBackend(); err != nil {
		return err
	}

	return c.validateSearch()
}

// validateServer validates server-related configuration.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrInvalidServerPort
	}

	if c.Server.ProbePort < 0 || c.Server.ProbePort > 65535 {
		return ErrInvalidProbePort
	}

	if c.Server.ProbePort != 0 && c.Server.ProbePort == c.Server.Port {
		return ErrProbePortConflict
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Server.LogLevel] {
		return ErrInvalidLogLevel
	}

	if c.Server.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}

	return nil
}

// validateBackend validates the data service settings.
func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return ErrMissingBackendURL
	}

	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidBackendURL
	}

	if c.Backend.APIKey == "" {
		return ErrMissingBackendAPIKey
	}

	if c.Backend.RequestTimeout <= 0 {
		return ErrInvalidBackendTimeout
	}

	if c.Backend.Heartbeat <= 0 {
		return ErrInvalidHeartbeat
	}

	return nil
}

// validateSearch validates the search pipeline settings.
func (c *Config) validateSearch() error {
	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		return ErrInvalidSearchThreshold
	}

	if c.Search.Distance < 0 {
		return ErrInvalidSearchDistance
	}

	if _, err := time.LoadLocation(c.Search.Timezone); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Search.Timezone)
	}

	if c.Search.SimilarRadiusKm <= 0 {
		return ErrInvalidSimilarRadius
	}

	if c.Search.SimilarLimit < 1 {
		return ErrInvalidSimilarLimit
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// ProbeAddress returns the probe server address in host:port format.
func (c *Config) ProbeAddress() string {
	return fmt.Sprintf(":%d", c.Server.ProbePort)
}

// Location returns the time zone used for date bounds. It falls back to
// UTC when the zone cannot be loaded; Validate reports that case.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Search.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BackendOptions returns the data service client options.
func (c *Config) BackendOptions() backend.Options {
	return backend.Options{
		URL:            c.Backend.URL,
		APIKey:         c.Backend.APIKey,
		AccessToken:    c.Backend.AccessToken,
		Schema:         c.Backend.Schema,
		Table:          c.Backend.Table,
		Channel:        c.Backend.Channel,
		RequestTimeout: c.Backend.RequestTimeout,
		Heartbeat:      c.Backend.Heartbeat,
	}
}
