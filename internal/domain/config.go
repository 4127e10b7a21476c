// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the root configuration unmarshaled from config.toml plus
// environment overrides.
type Config struct {
	Version string `mapstructure:"-"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`
	DataDir       string `mapstructure:"dataDir"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	TorrentClient TorrentClientConfig `mapstructure:"torrentClient"`
	VPN           VPNConfig           `mapstructure:"vpn"`
	Search        SearchConfig        `mapstructure:"search"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Indexers      []IndexerConfig     `mapstructure:"indexers"`
	Profiles      []ProfileConfig     `mapstructure:"profiles"`
}

// TorrentClientConfig describes the qBittorrent-compatible client daemon.
type TorrentClientConfig struct {
	Host           string `mapstructure:"host"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	Category       string `mapstructure:"category"`
	DownloadPath   string `mapstructure:"downloadPath"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
	TLSSkipVerify  bool   `mapstructure:"tlsSkipVerify"`
}

// VPNConfig configures the VPN gate, its provider backend and the leak test
// probes.
type VPNConfig struct {
	// Provider selects the backend: "manager" (HTTP service) or "wireguard".
	Provider string `mapstructure:"provider"`
	// ManagerURL is the base URL of the VPN manager service when the
	// "manager" provider is selected.
	ManagerURL string `mapstructure:"managerUrl"`
	// WireguardInterface is the wg interface name for the "wireguard"
	// provider.
	WireguardInterface string `mapstructure:"wireguardInterface"`
	// AssignedIP is the VPN-assigned public IP expected by the leak test.
	// Empty means the leak test trusts the provider-reported IP.
	AssignedIP string `mapstructure:"assignedIp"`
	// ISPNetworks are CIDR ranges belonging to the local ISP; a DNS
	// resolver inside one of these is treated as a leak.
	ISPNetworks []string `mapstructure:"ispNetworks"`
	// PublicIPURL and IPv6CheckHost override leak probe endpoints.
	PublicIPURL      string `mapstructure:"publicIpUrl"`
	IPv6CheckHost    string `mapstructure:"ipv6CheckHost"`
	ResolverCheckMin int    `mapstructure:"resolverCheckMin"`
	TimeoutSeconds   int    `mapstructure:"timeoutSeconds"`
}

// SearchConfig tunes the aggregator fan-out.
type SearchConfig struct {
	// EnabledSources is an allow-list of searcher names; empty enables all
	// registered searchers.
	EnabledSources []string `mapstructure:"enabledSources"`
	// SourceTimeoutSeconds bounds each individual searcher call.
	SourceTimeoutSeconds int `mapstructure:"sourceTimeoutSeconds"`
	// OverallTimeoutSeconds bounds the whole aggregate search; on expiry
	// the aggregator returns whatever per-source results completed.
	OverallTimeoutSeconds int `mapstructure:"overallTimeoutSeconds"`
	MaxResults            int `mapstructure:"maxResults"`
}

// QueueConfig tunes the acquisition worker pool and retry policy.
type QueueConfig struct {
	Workers              int `mapstructure:"workers"`
	MaxAttempts          int `mapstructure:"maxAttempts"`
	MaxRetries           int `mapstructure:"maxRetries"`
	RetryDelaySeconds    int `mapstructure:"retryDelaySeconds"`
	MaxRetryDelaySeconds int `mapstructure:"maxRetryDelaySeconds"`
	PollIntervalSeconds  int `mapstructure:"pollIntervalSeconds"`
	ScanIntervalSeconds  int `mapstructure:"scanIntervalSeconds"`
}

// IndexerConfig describes one torrent indexer source.
type IndexerConfig struct {
	// Name is the unique searcher name, also used in allow-lists.
	Name string `mapstructure:"name"`
	// Type selects the implementation: "torznab", "yts" or "piratebay".
	Type    string `mapstructure:"type"`
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Enabled bool   `mapstructure:"enabled"`
}

// ProfileConfig is a named quality profile.
type ProfileConfig struct {
	Name                 string   `mapstructure:"name"`
	PreferredQualities   []string `mapstructure:"preferredQualities"`
	MinSizeGB            float64  `mapstructure:"minSizeGb"`
	MaxSizeGB            float64  `mapstructure:"maxSizeGb"`
	PreferredSources     []string `mapstructure:"preferredSources"`
	ExcludedSources      []string `mapstructure:"excludedSources"`
	PreferredGroups      []string `mapstructure:"preferredGroups"`
	ExcludedGroups       []string `mapstructure:"excludedGroups"`
	MinSeeders           int      `mapstructure:"minSeeders"`
	WaitForBetterQuality bool     `mapstructure:"waitForBetterQuality"`
	WaitHours            int      `mapstructure:"waitHours"`
}
