// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for apilab.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.apilab/config.toml
//   - ~/.apilab/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/api"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/pricing"
	"github.com/cyber-tao/openai-api-lab-sub000/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete apilab configuration.
type Config struct {
	Version       string `toml:"version" json:"version"`
	ActiveProfile string `toml:"active_profile" json:"active_profile"`

	Profiles []ProfileConfig `toml:"profiles" json:"profiles"`

	History HistoryConfig `toml:"history" json:"history"`
	Bench   BenchConfig   `toml:"bench" json:"bench"`

	// Prices maps model ids to user price overrides.
	Prices map[string]PriceConfig `toml:"prices" json:"prices"`
}

// ProfileConfig is one named endpoint profile.
type ProfileConfig struct {
	Name string `toml:"name" json:"name"`
	// BaseURL is the API root, e.g. https://api.openai.com/v1
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey is the bearer credential. Never logged in full.
	APIKey string `toml:"api_key" json:"api_key"`
	Model  string `toml:"model" json:"model"`
	// Temperature left unset means "endpoint default"; an explicit 0
	// is a real sampling temperature and is sent as such.
	Temperature *float64 `toml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens   int      `toml:"max_tokens" json:"max_tokens"`
	// TimeoutSeconds bounds non-streaming requests.
	TimeoutSeconds int `toml:"timeout_seconds" json:"timeout_seconds"`
}

// HistoryConfig controls the exchange log.
type HistoryConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// BenchConfig carries sweep defaults.
type BenchConfig struct {
	Concurrency    int     `toml:"concurrency" json:"concurrency"`
	TimeoutSeconds int     `toml:"timeout_seconds" json:"timeout_seconds"`
	RPS            float64 `toml:"rps" json:"rps"`
}

// PriceConfig is a per-1K-token price override.
type PriceConfig struct {
	InputPer1K  float64 `toml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `toml:"output_per_1k" json:"output_per_1k"`
	Currency    string  `toml:"currency" json:"currency"`
}

// =============================================================================
// DEFAULTS AND PATHS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: "1",
		Profiles: []ProfileConfig{
			{
				Name:           "default",
				BaseURL:        "https://api.openai.com/v1",
				TimeoutSeconds: 60,
			},
		},
		ActiveProfile: "default",
		History: HistoryConfig{
			Enabled: true,
		},
		Bench: BenchConfig{
			Concurrency:    5,
			TimeoutSeconds: 30,
		},
		Prices: make(map[string]PriceConfig),
	}
}

// ConfigDir returns ~/.apilab.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".apilab"), nil
}

// ConfigPathTOML returns the preferred config path.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the fallback config path.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// HistoryPath resolves the exchange-log location, defaulting under the
// config directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads configuration from disk (TOML first, JSON fallback),
// applies environment overrides, then validates. Missing files yield
// defaults rather than an error.
func Load() (*Config, error) {
	cfg := Default()

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := loadTOML(cfg, tomlPath); err != nil {
				return nil, fmt.Errorf("failed to load TOML config: %w", err)
			}
			return finish(cfg)
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := loadJSON(cfg, jsonPath); err != nil {
				return nil, fmt.Errorf("failed to load JSON config: %w", err)
			}
			return finish(cfg)
		}
	}

	return finish(cfg)
}

// LoadFromPath loads configuration from an explicit file, dispatching
// on extension.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	var err error
	if strings.HasSuffix(path, ".json") {
		err = loadJSON(cfg, path)
	} else {
		err = loadTOML(cfg, path)
	}
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

func loadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the
// active profile.
//
// Supported environment variables:
//   - APILAB_BASE_URL
//   - APILAB_API_KEY
//   - APILAB_MODEL
func (c *Config) ApplyEnvOverrides() {
	p := c.profile(c.ActiveProfile)
	if p == nil {
		return
	}
	if base := os.Getenv("APILAB_BASE_URL"); base != "" {
		p.BaseURL = base
	}
	if key := os.Getenv("APILAB_API_KEY"); key != "" {
		p.APIKey = key
	}
	if model := os.Getenv("APILAB_MODEL"); model != "" {
		p.Model = model
	}
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1"
	}
	if c.ActiveProfile == "" && len(c.Profiles) > 0 {
		c.ActiveProfile = c.Profiles[0].Name
	}
	if c.Bench.Concurrency <= 0 {
		c.Bench.Concurrency = 5
	}
	if c.Bench.TimeoutSeconds <= 0 {
		c.Bench.TimeoutSeconds = 30
	}
	if c.Prices == nil {
		c.Prices = make(map[string]PriceConfig)
	}
	for i := range c.Profiles {
		if c.Profiles[i].TimeoutSeconds <= 0 {
			c.Profiles[i].TimeoutSeconds = 60
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks structural invariants. An unset API key is allowed;
// commands that need one report it at call time.
func (c *Config) Validate() error {
	if len(c.Profiles) == 0 {
		return fmt.Errorf("no profiles defined")
	}
	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
		if p.BaseURL != "" {
			u, err := url.Parse(p.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("profile %q: invalid base_url %q", p.Name, p.BaseURL)
			}
		}
	}
	if c.ActiveProfile != "" && !seen[c.ActiveProfile] {
		return fmt.Errorf("active_profile %q not defined", c.ActiveProfile)
	}
	return nil
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the configuration as TOML at the preferred path.
// SECURITY: config files carry credentials; written 0600.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes the configuration to a TOML file.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var b strings.Builder
	b.WriteString("# apilab configuration file\n")
	b.WriteString("# Generated by apilab - edit with care\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.WriteFileAtomic(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

func (c *Config) profile(name string) *ProfileConfig {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i]
		}
	}
	return nil
}

// Profile returns the named profile, or the active one for "".
func (c *Config) Profile(name string) (*ProfileConfig, error) {
	if name == "" {
		name = c.ActiveProfile
	}
	p := c.profile(name)
	if p == nil {
		return nil, fmt.Errorf("profile %q not defined", name)
	}
	return p, nil
}

// ToTransport converts a profile to the transport client's form. An
// unset temperature maps to the transport's negative sentinel.
func (p *ProfileConfig) ToTransport() api.Profile {
	temp := -1.0
	if p.Temperature != nil {
		temp = *p.Temperature
	}
	return api.Profile{
		ID:          p.Name,
		BaseURL:     p.BaseURL,
		APIKey:      p.APIKey,
		Model:       p.Model,
		Temperature: temp,
		MaxTokens:   p.MaxTokens,
		Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
	}
}

// MaskedKey returns the API key safe for display: first 4 and last 4
// characters with the middle elided.
func (p *ProfileConfig) MaskedKey() string {
	key := p.APIKey
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// PriceOverride resolves a user override for a model, nil when none.
func (c *Config) PriceOverride(modelID string) *pricing.Price {
	pc, ok := c.Prices[modelID]
	if !ok {
		return nil
	}
	currency := pc.Currency
	if currency == "" {
		currency = pricing.DefaultCurrency
	}
	return &pricing.Price{
		InputPer1K:  pc.InputPer1K,
		OutputPer1K: pc.OutputPer1K,
		Currency:    currency,
	}
}
