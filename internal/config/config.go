// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for gemweb.
//
// TOML configuration with sensible defaults, environment variable overrides,
// and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.gemweb/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/gemweb/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete gemweb configuration.
type Config struct {
	Version string `toml:"version"`

	// Server configuration
	Server ServerConfig `toml:"server"`

	// Credential storage and refresh configuration
	Credentials CredentialsConfig `toml:"credentials"`

	// Web chat surface configuration
	Web WebConfig `toml:"web"`

	// Official API configuration
	Official OfficialConfig `toml:"official"`

	// Tier classifier configuration
	Tier TierConfig `toml:"tier"`

	// Telemetry configuration
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// ServerConfig contains the HTTP API server configuration.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `toml:"addr"`
	// AuthToken protects the /v1/ surface when non-empty.
	// SECURITY: prefer the GEMWEB_AUTH_TOKEN environment variable over
	// writing the token into the config file.
	AuthToken string `toml:"auth_token"`
	// RequestTimeoutSecs bounds a single routed completion.
	RequestTimeoutSecs int `toml:"request_timeout_secs"`
	// MaxBodyBytes limits request body size on /v1/ endpoints.
	MaxBodyBytes int64 `toml:"max_body_bytes"`
	// MaxMessages limits the message count per completion request.
	MaxMessages int `toml:"max_messages"`
	// MaxTotalMessageChars limits combined message content length.
	MaxTotalMessageChars int `toml:"max_total_message_chars"`
	// MaxInflight caps concurrent /v1/ requests.
	MaxInflight int `toml:"max_inflight"`
	// RequestsPerMinute is the per-client rate limit.
	RequestsPerMinute int `toml:"requests_per_minute"`
	// EnableStreaming allows stream=true requests.
	EnableStreaming bool `toml:"enable_streaming"`
}

// CredentialsConfig contains credential storage and refresh tuning.
type CredentialsConfig struct {
	// StorePath is the encrypted credential store location
	// (empty = ~/.gemweb/credentials.enc).
	StorePath string `toml:"store_path"`
	// ProfileDir is the browser profile handed to the refresh driver
	// (empty = ~/.gemweb/profile).
	ProfileDir string `toml:"profile_dir"`
	// HarvestCommand is the external credential-harvest program and its
	// arguments. The program drives a real browser and prints the captured
	// artifact set as JSON on stdout.
	HarvestCommand []string `toml:"harvest_command"`
	// BrowserTimeoutSecs bounds a single driver invocation.
	BrowserTimeoutSecs int `toml:"browser_timeout_secs"`
	// MaxAttempts is the in-call refresh retry budget.
	MaxAttempts int `toml:"max_attempts"`
	// BackoffInitialMs, BackoffMultiplier and BackoffCapSecs parameterize
	// the refresh retry schedule.
	BackoffInitialMs  int     `toml:"backoff_initial_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffCapSecs    int     `toml:"backoff_cap_secs"`
	// CircuitThreshold is the cumulative failure count that opens the circuit.
	CircuitThreshold int `toml:"circuit_threshold"`
	// DeadTimeoutSecs is how long the circuit stays open before the next
	// call may attempt recovery.
	DeadTimeoutSecs int `toml:"dead_timeout_secs"`
	// SuppressionWindowSecs deduplicates refreshes arriving just after a
	// successful one.
	SuppressionWindowSecs int `toml:"suppression_window_secs"`
	// MaxCredentialAgeHours invalidates a stored set by age. Zero disables.
	MaxCredentialAgeHours int `toml:"max_credential_age_hours"`
}

// WebConfig contains the web chat surface configuration.
type WebConfig struct {
	// Enabled controls whether the web provider is wired into routing.
	Enabled bool `toml:"enabled"`
	// BaseURL is the chat frontend origin.
	BaseURL string `toml:"base_url"`
	// Language is the default BCP 47 response language tag.
	Language string `toml:"language"`
	// TimeoutSecs bounds one upstream call.
	TimeoutSecs int `toml:"timeout_secs"`
	// RequestsPerMinute paces outbound calls client-side. Zero disables.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// OfficialConfig contains the official API surface configuration.
type OfficialConfig struct {
	// Enabled controls whether the official provider is wired into routing.
	Enabled bool `toml:"enabled"`
	// APIKey authenticates against the official API.
	// SECURITY: prefer the GOOGLE_API_KEY environment variable over
	// writing the key into the config file.
	APIKey string `toml:"api_key"`
	// BaseURL is the API origin (empty = production endpoint).
	BaseURL string `toml:"base_url"`
	// DefaultModel serves logical model names with no gemini- prefix.
	DefaultModel string `toml:"default_model"`
	// TimeoutSecs bounds one upstream call.
	TimeoutSecs int `toml:"timeout_secs"`
	// MaxAttempts is the per-call retry budget for transient failures.
	MaxAttempts int `toml:"max_attempts"`
	// BackoffInitialMs and BackoffMaxSecs parameterize the retry schedule.
	BackoffInitialMs int `toml:"backoff_initial_ms"`
	BackoffMaxSecs   int `toml:"backoff_max_secs"`
	// BreakerThreshold consecutive failures open the breaker for
	// BreakerResetSecs. Zero threshold disables the breaker.
	BreakerThreshold int `toml:"breaker_threshold"`
	BreakerResetSecs int `toml:"breaker_reset_secs"`
}

// TierConfig contains tier classifier configuration.
type TierConfig struct {
	// ConfigPath is an optional external classifier tuning file
	// (empty = built-in defaults).
	ConfigPath string `toml:"config_path"`
	// Watch reloads the tuning file on change.
	Watch bool `toml:"watch"`
	// PriorityOrder is the provider priority for routing: entries are
	// provider names, most preferred first.
	PriorityOrder []string `toml:"priority_order"`
}

// TelemetryConfig contains the attempt-ledger configuration.
type TelemetryConfig struct {
	// Enabled controls the SQLite attempt ledger.
	Enabled bool `toml:"enabled"`
	// LedgerPath is the SQLite database location
	// (empty = ~/.gemweb/attempts.db).
	LedgerPath string `toml:"ledger_path"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:                 "127.0.0.1:8787",
			RequestTimeoutSecs:   120,
			MaxBodyBytes:         1 * 1024 * 1024,
			MaxMessages:          100,
			MaxTotalMessageChars: 200000,
			MaxInflight:          8,
			RequestsPerMinute:    100,
			EnableStreaming:      true,
		},

		Credentials: CredentialsConfig{
			HarvestCommand:        []string{"gemweb-harvest"},
			BrowserTimeoutSecs:    90,
			MaxAttempts:           3,
			BackoffInitialMs:      500,
			BackoffMultiplier:     2,
			BackoffCapSecs:        8,
			CircuitThreshold:      5,
			DeadTimeoutSecs:       300,
			SuppressionWindowSecs: 10,
			MaxCredentialAgeHours: 6,
		},

		Web: WebConfig{
			Enabled:           true,
			BaseURL:           "https://gemini.google.com",
			Language:          "en",
			TimeoutSecs:       60,
			RequestsPerMinute: 30,
		},

		Official: OfficialConfig{
			Enabled:          true,
			DefaultModel:     "gemini-2.5-flash",
			TimeoutSecs:      60,
			MaxAttempts:      3,
			BackoffInitialMs: 500,
			BackoffMaxSecs:   8,
			BreakerThreshold: 5,
			BreakerResetSecs: 30,
		},

		Tier: TierConfig{
			PriorityOrder: []string{"gemini-web", "gemini-official"},
		},

		Telemetry: TelemetryConfig{
			Enabled: true,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the gemweb configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".gemweb"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) because
// they may carry auth tokens.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// StorePath resolves the credential store path, defaulting under the
// config directory.
func (c *Config) StorePath() (string, error) {
	if c.Credentials.StorePath != "" {
		return c.Credentials.StorePath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.enc"), nil
}

// ProfileDir resolves the browser profile directory, defaulting under the
// config directory.
func (c *Config) ProfileDir() (string, error) {
	if c.Credentials.ProfileDir != "" {
		return c.Credentials.ProfileDir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profile"), nil
}

// LedgerPath resolves the attempt-ledger path, defaulting under the config
// directory.
func (c *Config) LedgerPath() (string, error) {
	if c.Telemetry.LedgerPath != "" {
		return c.Telemetry.LedgerPath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "attempts.db"), nil
}

// Passphrase returns the credential-store passphrase from the environment.
// The passphrase never lives in the config file.
func Passphrase() (string, error) {
	passphrase := os.Getenv("GEMWEB_CREDENTIALS_KEY")
	if passphrase == "" {
		return "", errors.New("GEMWEB_CREDENTIALS_KEY is required for encrypted credential storage")
	}
	return passphrase, nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when it does not exist. Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := loadTOML(cfg, path); err != nil {
				return nil, fmt.Errorf("failed to load config: %w", err)
			}
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := loadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML decodes a TOML file over cfg.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all systems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Server.Addr == "" {
		c.Server.Addr = defaults.Server.Addr
	}
	if c.Server.RequestTimeoutSecs == 0 {
		c.Server.RequestTimeoutSecs = defaults.Server.RequestTimeoutSecs
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = defaults.Server.MaxBodyBytes
	}
	if c.Server.MaxMessages == 0 {
		c.Server.MaxMessages = defaults.Server.MaxMessages
	}
	if c.Server.MaxTotalMessageChars == 0 {
		c.Server.MaxTotalMessageChars = defaults.Server.MaxTotalMessageChars
	}
	if c.Server.MaxInflight == 0 {
		c.Server.MaxInflight = defaults.Server.MaxInflight
	}
	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = defaults.Server.RequestsPerMinute
	}

	if c.Credentials.BrowserTimeoutSecs == 0 {
		c.Credentials.BrowserTimeoutSecs = defaults.Credentials.BrowserTimeoutSecs
	}
	if c.Credentials.MaxAttempts == 0 {
		c.Credentials.MaxAttempts = defaults.Credentials.MaxAttempts
	}
	if c.Credentials.BackoffInitialMs == 0 {
		c.Credentials.BackoffInitialMs = defaults.Credentials.BackoffInitialMs
	}
	if c.Credentials.BackoffMultiplier == 0 {
		c.Credentials.BackoffMultiplier = defaults.Credentials.BackoffMultiplier
	}
	if c.Credentials.BackoffCapSecs == 0 {
		c.Credentials.BackoffCapSecs = defaults.Credentials.BackoffCapSecs
	}
	if c.Credentials.CircuitThreshold == 0 {
		c.Credentials.CircuitThreshold = defaults.Credentials.CircuitThreshold
	}
	if c.Credentials.DeadTimeoutSecs == 0 {
		c.Credentials.DeadTimeoutSecs = defaults.Credentials.DeadTimeoutSecs
	}

	if c.Web.BaseURL == "" {
		c.Web.BaseURL = defaults.Web.BaseURL
	}
	if c.Web.Language == "" {
		c.Web.Language = defaults.Web.Language
	}
	if c.Web.TimeoutSecs == 0 {
		c.Web.TimeoutSecs = defaults.Web.TimeoutSecs
	}

	if c.Official.DefaultModel == "" {
		c.Official.DefaultModel = defaults.Official.DefaultModel
	}
	if c.Official.TimeoutSecs == 0 {
		c.Official.TimeoutSecs = defaults.Official.TimeoutSecs
	}
	if c.Official.MaxAttempts == 0 {
		c.Official.MaxAttempts = defaults.Official.MaxAttempts
	}
	if c.Official.BackoffInitialMs == 0 {
		c.Official.BackoffInitialMs = defaults.Official.BackoffInitialMs
	}
	if c.Official.BackoffMaxSecs == 0 {
		c.Official.BackoffMaxSecs = defaults.Official.BackoffMaxSecs
	}
	if c.Official.BreakerResetSecs == 0 {
		c.Official.BreakerResetSecs = defaults.Official.BreakerResetSecs
	}

	if len(c.Tier.PriorityOrder) == 0 {
		c.Tier.PriorityOrder = defaults.Tier.PriorityOrder
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over file values.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEMWEB_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("GEMWEB_AUTH_TOKEN"); v != "" {
		c.Server.AuthToken = v
	}
	if v := os.Getenv("GEMWEB_ENABLE_STREAMING"); v != "" {
		c.Server.EnableStreaming = parseBool(v)
	}
	if v := os.Getenv("GEMWEB_CREDENTIALS_PATH"); v != "" {
		c.Credentials.StorePath = v
	}
	if v := os.Getenv("GEMWEB_PROFILE_DIR"); v != "" {
		c.Credentials.ProfileDir = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Official.APIKey = v
	}
	if v := os.Getenv("GEMWEB_LEDGER_PATH"); v != "" {
		c.Telemetry.LedgerPath = v
	}
	if v := os.Getenv("GEMWEB_TIER_CONFIG"); v != "" {
		c.Tier.ConfigPath = v
	}
}

// parseBool interprets common truthy spellings; anything else is false.
func parseBool(v string) bool {
	parsed, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v)))
	return err == nil && parsed
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# gemweb configuration file")
	fmt.Fprintln(&buf, "# Generated by gemweb - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors aggregates every validation failure.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, ValidationError{"server.addr", "must be host:port"})
	}
	if c.Server.RequestTimeoutSecs <= 0 {
		errs = append(errs, ValidationError{"server.request_timeout_secs", "must be positive"})
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, ValidationError{"server.max_body_bytes", "must be positive"})
	}
	if c.Server.MaxInflight <= 0 {
		errs = append(errs, ValidationError{"server.max_inflight", "must be positive"})
	}

	if c.Credentials.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"credentials.max_attempts", "must be at least 1"})
	}
	if c.Credentials.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{"credentials.backoff_multiplier", "must be at least 1"})
	}
	if c.Credentials.BackoffCapSecs*1000 < c.Credentials.BackoffInitialMs {
		errs = append(errs, ValidationError{"credentials.backoff_cap_secs", "must be at least backoff_initial_ms"})
	}
	if c.Credentials.CircuitThreshold < 1 {
		errs = append(errs, ValidationError{"credentials.circuit_threshold", "must be at least 1"})
	}
	if c.Credentials.DeadTimeoutSecs <= 0 {
		errs = append(errs, ValidationError{"credentials.dead_timeout_secs", "must be positive"})
	}

	if u, err := url.Parse(c.Web.BaseURL); err != nil || u.Scheme != "https" || u.Host == "" {
		errs = append(errs, ValidationError{"web.base_url", "must be an https URL"})
	}
	if c.Web.RequestsPerMinute < 0 {
		errs = append(errs, ValidationError{"web.requests_per_minute", "must not be negative"})
	}

	if c.Official.BaseURL != "" {
		if u, err := url.Parse(c.Official.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{"official.base_url", "must be an absolute URL"})
		}
	}
	if c.Official.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"official.max_attempts", "must be at least 1"})
	}

	if c.Web.Enabled && len(c.Credentials.HarvestCommand) == 0 {
		errs = append(errs, ValidationError{"credentials.harvest_command", "required when the web surface is enabled"})
	}
	if !c.Web.Enabled && !c.Official.Enabled {
		errs = append(errs, ValidationError{"web.enabled", "at least one provider surface must be enabled"})
	}
	for _, name := range c.Tier.PriorityOrder {
		if name != "gemini-web" && name != "gemini-official" {
			errs = append(errs, ValidationError{"tier.priority_order", fmt.Sprintf("unknown provider %q", name)})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
