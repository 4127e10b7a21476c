// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabasePathResolution(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, tmpDir string) (configPath string, envDataDir string, expectedDBPath string)
	}{
		{
			name: "default_next_to_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				content := "logLevel = \"INFO\"\n"
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(tmpDir, "fetcharr.db")
			},
		},
		{
			name: "explicit_data_dir_in_config",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				dataDir := filepath.Join(tmpDir, "data")
				require.NoError(t, os.MkdirAll(dataDir, 0o755))
				content := fmt.Sprintf("logLevel = \"INFO\"\ndataDir = %q\n", dataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, "", filepath.Join(dataDir, "fetcharr.db")
			},
		},
		{
			name: "env_var_override",
			prepare: func(t *testing.T, tmpDir string) (string, string, string) {
				configPath := filepath.Join(tmpDir, "config.toml")
				configDataDir := filepath.Join(tmpDir, "config-data")
				envDataDir := filepath.Join(tmpDir, "env-data")
				require.NoError(t, os.MkdirAll(configDataDir, 0o755))
				require.NoError(t, os.MkdirAll(envDataDir, 0o755))
				content := fmt.Sprintf("logLevel = \"INFO\"\ndataDir = %q\n", configDataDir)
				require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))
				return configPath, envDataDir, filepath.Join(envDataDir, "fetcharr.db")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath, envValue, expectedDBPath := tt.prepare(t, tmpDir)
			if envValue != "" {
				t.Setenv(envPrefix+"DATA_DIR", envValue)
			}

			cfg, err := New(configPath)
			require.NoError(t, err)

			assert.Equal(t, filepath.Clean(expectedDBPath), filepath.Clean(cfg.GetDatabasePath()))
		})
	}
}

func TestDefaultsApplied(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("logLevel = \"DEBUG\"\n"), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Config.LogLevel)
	assert.Equal(t, 30, cfg.Config.Search.SourceTimeoutSeconds)
	assert.Equal(t, 2, cfg.Config.Queue.Workers)
	assert.Equal(t, 3, cfg.Config.Queue.MaxRetries)
	assert.Equal(t, "manager", cfg.Config.VPN.Provider)
	assert.Equal(t, 1, cfg.Config.VPN.ResolverCheckMin)
	assert.Equal(t, "http://localhost:8080", cfg.Config.TorrentClient.Host)
}

func TestWriteDefaultConfigCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "config.toml")

	require.NoError(t, WriteDefaultConfig(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[torrentClient]")
	assert.Contains(t, string(data), "[vpn]")
	assert.Contains(t, string(data), "[[profiles]]")
}

func TestIndexersAndProfilesUnmarshal(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	content := `
logLevel = "INFO"

[[indexers]]
name = "yts"
type = "yts"
baseUrl = "https://yts.mx"
enabled = true

[[indexers]]
name = "jackett-all"
type = "torznab"
baseUrl = "http://localhost:9117/api/v2.0/indexers/all/results/torznab"
apiKey = "secret"
enabled = false

[[profiles]]
name = "hd"
preferredQualities = ["1080p", "720p"]
minSeeders = 10
excludedGroups = ["BADGRP"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := New(configPath)
	require.NoError(t, err)

	require.Len(t, cfg.Config.Indexers, 2)
	assert.Equal(t, "yts", cfg.Config.Indexers[0].Name)
	assert.True(t, cfg.Config.Indexers[0].Enabled)
	assert.Equal(t, "torznab", cfg.Config.Indexers[1].Type)
	assert.False(t, cfg.Config.Indexers[1].Enabled)

	require.Len(t, cfg.Config.Profiles, 1)
	assert.Equal(t, []string{"1080p", "720p"}, cfg.Config.Profiles[0].PreferredQualities)
	assert.Equal(t, 10, cfg.Config.Profiles[0].MinSeeders)
	assert.Equal(t, []string{"BADGRP"}, cfg.Config.Profiles[0].ExcludedGroups)
}
