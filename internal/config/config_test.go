// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "default", cfg.ActiveProfile)
	require.Equal(t, 5, cfg.Bench.Concurrency)
	require.Equal(t, 30, cfg.Bench.TimeoutSeconds)
}

func TestLoadFromPath_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
active_profile = "lab"

[[profiles]]
name = "lab"
base_url = "https://lab.example.com/v1"
api_key = "sk-lab-key"
model = "gpt-4o-mini"
max_tokens = 512

[bench]
concurrency = 2
timeout_seconds = 10

[prices."gpt-4o-mini"]
input_per_1k = 0.0001
output_per_1k = 0.0004
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	p, err := cfg.Profile("")
	require.NoError(t, err)
	require.Equal(t, "https://lab.example.com/v1", p.BaseURL)
	require.Equal(t, "gpt-4o-mini", p.Model)
	require.Equal(t, 512, p.MaxTokens)
	require.Equal(t, 60, p.TimeoutSeconds, "unset timeout gets the default")
	require.Equal(t, 2, cfg.Bench.Concurrency)

	price := cfg.PriceOverride("gpt-4o-mini")
	require.NotNil(t, price)
	require.Equal(t, 0.0001, price.InputPer1K)
	require.Equal(t, "USD", price.Currency)
	require.Nil(t, cfg.PriceOverride("other-model"))
}

func TestProfileTemperature_UnsetVersusZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
active_profile = "unset"

[[profiles]]
name = "unset"
base_url = "https://lab.example.com/v1"

[[profiles]]
name = "zero"
base_url = "https://lab.example.com/v1"
temperature = 0.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	unset, err := cfg.Profile("unset")
	require.NoError(t, err)
	require.Nil(t, unset.Temperature)
	require.Equal(t, -1.0, unset.ToTransport().Temperature, "unset maps to the endpoint-default sentinel")

	zero, err := cfg.Profile("zero")
	require.NoError(t, err)
	require.NotNil(t, zero.Temperature)
	require.Equal(t, 0.0, zero.ToTransport().Temperature, "an explicit zero stays a real temperature")
}

func TestLoadFromPath_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"active_profile": "j",
		"profiles": [{"name": "j", "base_url": "http://localhost:8080/v1", "api_key": "sk-j"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	p, err := cfg.Profile("j")
	require.NoError(t, err)
	require.Equal(t, "sk-j", p.APIKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APILAB_BASE_URL", "https://env.example.com/v1")
	t.Setenv("APILAB_API_KEY", "sk-env")
	t.Setenv("APILAB_MODEL", "env-model")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	p, err := cfg.Profile("")
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com/v1", p.BaseURL)
	require.Equal(t, "sk-env", p.APIKey)
	require.Equal(t, "env-model", p.Model)
}

func TestValidate_Rejections(t *testing.T) {
	cfg := Default()
	cfg.Profiles = nil
	require.Error(t, cfg.Validate(), "no profiles")

	cfg = Default()
	cfg.Profiles = append(cfg.Profiles, ProfileConfig{Name: "default"})
	require.Error(t, cfg.Validate(), "duplicate name")

	cfg = Default()
	cfg.Profiles[0].BaseURL = "not a url"
	require.Error(t, cfg.Validate(), "invalid base_url")

	cfg = Default()
	cfg.ActiveProfile = "ghost"
	require.Error(t, cfg.Validate(), "unknown active profile")
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.toml")

	cfg := Default()
	cfg.Profiles[0].APIKey = "sk-roundtrip"
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm(), "config carries credentials")

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	p, err := loaded.Profile("")
	require.NoError(t, err)
	require.Equal(t, "sk-roundtrip", p.APIKey)
}

func TestMaskedKey(t *testing.T) {
	p := &ProfileConfig{APIKey: "sk-abcdefghijklmnop"}
	masked := p.MaskedKey()
	require.Equal(t, "sk-a...mnop", masked)
	require.NotContains(t, masked, "bcdefghijkl")

	require.Equal(t, "(not set)", (&ProfileConfig{}).MaskedKey())
	require.Equal(t, "****", (&ProfileConfig{APIKey: "short"}).MaskedKey())
}
