// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fetcharr/fetcharr/internal/domain"
)

var envPrefix = "FETCHARR__"

type AppConfig struct {
	Config  *domain.Config
	viper   *viper.Viper
	dataDir string
	version string

	listenersMu sync.RWMutex
	listeners   []func(*domain.Config)
}

func New(configDirOrPath string, versions ...string) (*AppConfig, error) {
	version := "dev"
	if len(versions) > 0 && strings.TrimSpace(versions[0]) != "" {
		version = versions[0]
	}

	c := &AppConfig{
		viper:   viper.New(),
		Config:  &domain.Config{},
		version: version,
	}

	c.defaults()

	if err := c.load(configDirOrPath); err != nil {
		return nil, err
	}

	c.loadFromEnv()

	if err := c.viper.Unmarshal(c.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	c.Config.Version = c.version

	c.resolveDataDir()

	c.watchConfig()

	return c, nil
}

func (c *AppConfig) defaults() {
	c.viper.SetDefault("logLevel", "INFO")
	c.viper.SetDefault("logPath", "")
	c.viper.SetDefault("logMaxSize", 50)
	c.viper.SetDefault("logMaxBackups", 3)
	c.viper.SetDefault("dataDir", "") // Empty means auto-detect (next to config file)
	c.viper.SetDefault("metricsEnabled", false)
	c.viper.SetDefault("metricsHost", "127.0.0.1")
	c.viper.SetDefault("metricsPort", 9713)

	c.viper.SetDefault("torrentClient.host", "http://localhost:8080")
	c.viper.SetDefault("torrentClient.username", "admin")
	c.viper.SetDefault("torrentClient.password", "")
	c.viper.SetDefault("torrentClient.category", "fetcharr")
	c.viper.SetDefault("torrentClient.downloadPath", "")
	c.viper.SetDefault("torrentClient.timeoutSeconds", 60)
	c.viper.SetDefault("torrentClient.tlsSkipVerify", false)

	c.viper.SetDefault("vpn.provider", "manager")
	c.viper.SetDefault("vpn.managerUrl", "http://localhost:8000")
	c.viper.SetDefault("vpn.wireguardInterface", "wg0")
	c.viper.SetDefault("vpn.assignedIp", "")
	c.viper.SetDefault("vpn.ispNetworks", []string{})
	c.viper.SetDefault("vpn.publicIpUrl", "https://api.ipify.org")
	c.viper.SetDefault("vpn.ipv6CheckHost", "api6.ipify.org:443")
	c.viper.SetDefault("vpn.timeoutSeconds", 10)
	c.viper.SetDefault("vpn.resolverCheckMin", 1)

	c.viper.SetDefault("search.enabledSources", []string{})
	c.viper.SetDefault("search.sourceTimeoutSeconds", 30)
	c.viper.SetDefault("search.overallTimeoutSeconds", 60)
	c.viper.SetDefault("search.maxResults", 100)

	c.viper.SetDefault("queue.workers", 2)
	c.viper.SetDefault("queue.maxAttempts", 3)
	c.viper.SetDefault("queue.maxRetries", 3)
	c.viper.SetDefault("queue.retryDelaySeconds", 30)
	c.viper.SetDefault("queue.maxRetryDelaySeconds", 300)
	c.viper.SetDefault("queue.pollIntervalSeconds", 5)
	c.viper.SetDefault("queue.scanIntervalSeconds", 60)
}

func (c *AppConfig) load(configDirOrPath string) error {
	c.viper.SetConfigType("toml")

	if configDirOrPath != "" {
		configPath := c.resolveConfigPath(configDirOrPath)
		c.viper.SetConfigFile(configPath)

		if err := c.viper.ReadInConfig(); err != nil {
			// If file doesn't exist, create it
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				if err := c.writeDefaultConfig(configPath); err != nil {
					return err
				}
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		c.viper.SetConfigName("config")
		c.viper.AddConfigPath(".")
		c.viper.AddConfigPath(GetDefaultConfigDir())

		if err := c.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				defaultConfigPath := filepath.Join(GetDefaultConfigDir(), "config.toml")
				if err := c.writeDefaultConfig(defaultConfigPath); err != nil {
					return err
				}
				c.viper.SetConfigFile(defaultConfigPath)
				if err := c.viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read newly created config: %w", err)
				}
				c.dataDir = filepath.Dir(defaultConfigPath)
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	return nil
}

func (c *AppConfig) loadFromEnv() {
	// DO NOT use AutomaticEnv() - it reads ALL env vars and causes conflicts
	// with orchestrator-injected variables. Bind explicitly instead.
	c.viper.BindEnv("logLevel", envPrefix+"LOG_LEVEL")
	c.viper.BindEnv("logPath", envPrefix+"LOG_PATH")
	c.viper.BindEnv("logMaxSize", envPrefix+"LOG_MAX_SIZE")
	c.viper.BindEnv("logMaxBackups", envPrefix+"LOG_MAX_BACKUPS")
	c.viper.BindEnv("dataDir", envPrefix+"DATA_DIR")
	c.viper.BindEnv("metricsEnabled", envPrefix+"METRICS_ENABLED")
	c.viper.BindEnv("metricsHost", envPrefix+"METRICS_HOST")
	c.viper.BindEnv("metricsPort", envPrefix+"METRICS_PORT")

	c.viper.BindEnv("torrentClient.host", envPrefix+"TORRENT_CLIENT_HOST")
	c.viper.BindEnv("torrentClient.username", envPrefix+"TORRENT_CLIENT_USERNAME")
	c.viper.BindEnv("torrentClient.password", envPrefix+"TORRENT_CLIENT_PASSWORD")
	c.viper.BindEnv("torrentClient.category", envPrefix+"TORRENT_CLIENT_CATEGORY")
	c.viper.BindEnv("torrentClient.downloadPath", envPrefix+"TORRENT_CLIENT_DOWNLOAD_PATH")

	c.viper.BindEnv("vpn.provider", envPrefix+"VPN_PROVIDER")
	c.viper.BindEnv("vpn.managerUrl", envPrefix+"VPN_MANAGER_URL")
	c.viper.BindEnv("vpn.wireguardInterface", envPrefix+"VPN_WIREGUARD_INTERFACE")
	c.viper.BindEnv("vpn.assignedIp", envPrefix+"VPN_ASSIGNED_IP")

	c.viper.BindEnv("search.sourceTimeoutSeconds", envPrefix+"SEARCH_SOURCE_TIMEOUT_SECONDS")
	c.viper.BindEnv("queue.workers", envPrefix+"QUEUE_WORKERS")
	c.viper.BindEnv("queue.maxAttempts", envPrefix+"QUEUE_MAX_ATTEMPTS")
}

func (c *AppConfig) watchConfig() {
	c.viper.WatchConfig()
	c.viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Msgf("Config file changed: %s", e.Name)

		if err := c.viper.Unmarshal(c.Config); err != nil {
			log.Error().Err(err).Msg("Failed to reload configuration")
			return
		}

		c.applyDynamicChanges()
	})
}

func (c *AppConfig) applyDynamicChanges() {
	c.Config.Version = c.version
	c.ApplyLogConfig()

	c.notifyListeners()
}

// RegisterReloadListener registers a callback that's invoked when the configuration file is reloaded.
func (c *AppConfig) RegisterReloadListener(fn func(*domain.Config)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *AppConfig) notifyListeners() {
	c.listenersMu.RLock()
	listeners := append([]func(*domain.Config){}, c.listeners...)
	c.listenersMu.RUnlock()

	if len(listeners) == 0 {
		return
	}

	copied := *c.Config
	for _, listener := range listeners {
		listener(&copied)
	}
}

func (c *AppConfig) writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Msgf("Config file already exists at: %s", path)
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	log.Debug().Msgf("Created config directory: %s", dir)

	configTemplate := `# config.toml - Auto-generated on first run

# Log level
# Default: "INFO"
# Options: "ERROR", "DEBUG", "INFO", "WARN", "TRACE"
logLevel = "{{ .logLevel }}"

# Log file path
# If not defined, logs to stdout
# Optional
#logPath = "log/fetcharr.log"

# Log rotation
# Maximum log file size in megabytes before rotation
# Default: {{ .logMaxSize }}
#logMaxSize = {{ .logMaxSize }}

# Number of rotated log files to retain (0 keeps all)
# Default: {{ .logMaxBackups }}
#logMaxBackups = {{ .logMaxBackups }}

# Data directory (default: next to config file)
# Database file (fetcharr.db) will be created inside this directory
#dataDir = "/var/db/fetcharr"

# Prometheus metrics
# Default: false
#metricsEnabled = false
#metricsHost = "127.0.0.1"
#metricsPort = 9713

[torrentClient]
# qBittorrent-compatible WebUI endpoint
host = "http://localhost:8080"
username = "admin"
password = ""
category = "fetcharr"
#downloadPath = "/data/downloads"

[vpn]
# Backend: "manager" (HTTP service) or "wireguard"
provider = "manager"
managerUrl = "http://localhost:8000"
#wireguardInterface = "wg0"
# Expected VPN-assigned public IP; empty trusts the provider-reported IP
#assignedIp = ""
# Local ISP CIDR ranges; a DNS resolver inside one is treated as a leak
#ispNetworks = ["203.0.113.0/24"]
# Minimum resolver count before the DNS leak check can pass
# Default: 1
#resolverCheckMin = 1

[search]
# Allow-list of indexer names; empty enables all configured indexers
#enabledSources = ["yts", "piratebay"]
sourceTimeoutSeconds = 30
overallTimeoutSeconds = 60

[queue]
workers = 2
maxAttempts = 3
maxRetries = 3
retryDelaySeconds = 30

# Indexers
#[[indexers]]
#name = "yts"
#type = "yts"
#baseUrl = "https://yts.mx"
#enabled = true
#
#[[indexers]]
#name = "piratebay"
#type = "piratebay"
#baseUrl = "https://apibay.org"
#enabled = true
#
#[[indexers]]
#name = "my-torznab"
#type = "torznab"
#baseUrl = "http://localhost:9117/api/v2.0/indexers/all/results/torznab"
#apiKey = "changeme"
#enabled = true

# Quality profiles
[[profiles]]
name = "default"
preferredQualities = ["1080p", "720p"]
minSeeders = 5
# Hold back a below-top-quality release while it is younger than waitHours
#waitForBetterQuality = true
#waitHours = 24
`

	data := map[string]any{
		"logLevel":      c.viper.GetString("logLevel"),
		"logMaxSize":    c.viper.GetInt("logMaxSize"),
		"logMaxBackups": c.viper.GetInt("logMaxBackups"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse config template: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Info().Msgf("Created default config file: %s", path)
	return nil
}

// GetDefaultConfigDir returns the OS-specific config directory
func GetDefaultConfigDir() string {
	// XDG_CONFIG_HOME is set to /config in our container images
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		if xdgConfig == "/config" {
			return xdgConfig
		}
		return filepath.Join(xdgConfig, "fetcharr")
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "fetcharr")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", "fetcharr")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "fetcharr")
	}
}

func (c *AppConfig) ApplyLogConfig() {
	zerolog.TimeFieldFormat = time.RFC3339

	setLogLevel(c.Config.LogLevel)

	writer := c.baseLogWriter()

	if c.Config.LogPath != "" {
		multiWriter, err := setupLogFile(c.Config.LogPath, writer, c.Config.LogMaxSize, c.Config.LogMaxBackups)
		if err != nil {
			log.Error().Err(err).Msg("Failed to setup log file")
		} else {
			writer = multiWriter
		}
	}

	log.Logger = log.Logger.Output(writer)
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Logger.Level(lvl)
}

func setupLogFile(path string, base io.Writer, maxSize, maxBackups int) (io.Writer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if maxSize <= 0 {
		maxSize = 50
	}

	if maxBackups < 0 {
		maxBackups = 0
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
	}

	return io.MultiWriter(base, rotator), nil
}

func baseLogWriter(version string) io.Writer {
	if isDevBuild(version) {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		writer.PartsOrder = []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName}
		return writer
	}
	return os.Stderr
}

func (c *AppConfig) baseLogWriter() io.Writer {
	return baseLogWriter(c.version)
}

// DefaultLogWriter returns the base log writer for the provided version.
func DefaultLogWriter(version string) io.Writer {
	return baseLogWriter(version)
}

// InitDefaultLogger configures zerolog with the default writer for this version.
// This is used by CLI entry points before a configuration file is loaded.
func InitDefaultLogger(version string) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Logger.Output(DefaultLogWriter(version))
}

func isDevBuild(version string) bool {
	v := strings.ToLower(strings.TrimSpace(version))
	return v == "" || v == "dev" || strings.HasSuffix(v, "-dev")
}

// resolveConfigPath determines the actual config file path from the provided directory or file path
func (c *AppConfig) resolveConfigPath(configDirOrPath string) string {
	if strings.HasSuffix(strings.ToLower(configDirOrPath), ".toml") {
		return configDirOrPath
	}

	if info, err := os.Stat(configDirOrPath); err == nil && !info.IsDir() {
		return configDirOrPath
	}

	return filepath.Join(configDirOrPath, "config.toml")
}

// resolveDataDir sets the data directory based on configuration
func (c *AppConfig) resolveDataDir() {
	switch {
	case c.Config.DataDir != "":
		c.dataDir = c.Config.DataDir
	case c.viper.ConfigFileUsed() != "":
		c.dataDir = filepath.Dir(c.viper.ConfigFileUsed())
	default:
		c.dataDir = "."
	}
}

// GetDatabasePath returns the path to the database file
func (c *AppConfig) GetDatabasePath() string {
	return filepath.Join(c.dataDir, "fetcharr.db")
}

// GetDataDir returns the resolved data directory path.
func (c *AppConfig) GetDataDir() string {
	return c.dataDir
}

// SetDataDir sets the data directory (used by CLI flags)
func (c *AppConfig) SetDataDir(dir string) {
	c.dataDir = dir
}

func WriteDefaultConfig(path string) error {
	c := &AppConfig{
		viper: viper.New(),
	}

	c.defaults()

	return c.writeDefaultConfig(path)
}
