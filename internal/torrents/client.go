// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torrents wraps the qBittorrent WebAPI client with capability
// detection and the simplified state view the rest of the system uses.
package torrents

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/domain"
)

var (
	setTagsMinVersion        = semver.MustParse("2.11.4")
	torrentTmpPathMinVersion = semver.MustParse("2.8.4")
	subcategoriesMinVersion  = semver.MustParse("2.9.0")
)

// State is the simplified torrent state the pipeline cares about.
type State string

const (
	StatePaused      State = "paused"
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StateQueued      State = "queued"
	StateError       State = "error"
	StateUnknown     State = "unknown"
)

// Torrent is the client-agnostic view of a torrent.
type Torrent struct {
	Hash      string
	Name      string
	State     State
	RawState  string
	Progress  float64
	Size      int64
	DlSpeed   int64
	UpSpeed   int64
	ETA       int64
	Ratio     float64
	NumSeeds  int64
	NumLeechs int64
	Category  string
	SavePath  string
}

// TransferStats mirrors the client's global transfer info.
type TransferStats struct {
	DownloadSpeed int64
	UploadSpeed   int64
	Downloaded    int64
	Uploaded      int64
}

// ErrTorrentNotFound is returned when a hash is unknown to the client.
var ErrTorrentNotFound = errors.New("torrents: torrent not found")

// Client wraps the qBittorrent WebAPI client. Capabilities are derived
// from the WebAPI version at connect time.
type Client struct {
	*qbt.Client

	cfg domain.TorrentClientConfig

	mu                     sync.RWMutex
	webAPIVersion          string
	supportsSetTags        bool
	supportsSubcategories  bool
	supportsTorrentTmpPath bool

	healthMu        sync.RWMutex
	isHealthy       bool
	lastHealthCheck time.Time
}

// NewClient connects and logs in. Capability detection failure is not
// fatal; the client starts unhealthy and recovers on the next check.
func NewClient(ctx context.Context, cfg domain.TorrentClientConfig) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	qbtClient := qbt.NewClient(qbt.Config{
		Host:          cfg.Host,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Timeout:       int(timeout.Seconds()),
		TLSSkipVerify: cfg.TLSSkipVerify,
	})

	loginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := qbtClient.LoginCtx(loginCtx); err != nil {
		return nil, errors.Wrap(err, "failed to connect to torrent client")
	}

	client := &Client{
		Client:          qbtClient,
		cfg:             cfg,
		lastHealthCheck: time.Now(),
	}

	if err := client.RefreshCapabilities(loginCtx); err != nil {
		log.Warn().Err(err).Str("host", cfg.Host).Msg("failed to detect torrent client capabilities")
		client.updateHealthStatus(false)
	} else {
		client.updateHealthStatus(true)
	}

	return client, nil
}

// RefreshCapabilities fetches the WebAPI version and recalculates
// feature support flags.
func (c *Client) RefreshCapabilities(ctx context.Context) error {
	version, err := c.Client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return err
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return errors.New("web API version is empty")
	}

	parsed, err := semver.NewVersion(version)
	if err != nil {
		return errors.Wrapf(err, "unparseable web API version %q", version)
	}

	c.mu.Lock()
	c.webAPIVersion = version
	c.supportsSetTags = !parsed.LessThan(setTagsMinVersion)
	c.supportsSubcategories = !parsed.LessThan(subcategoriesMinVersion)
	c.supportsTorrentTmpPath = !parsed.LessThan(torrentTmpPathMinVersion)
	c.mu.Unlock()

	log.Debug().
		Str("webAPIVersion", version).
		Bool("supportsSetTags", c.SupportsSetTags()).
		Bool("supportsSubcategories", c.SupportsSubcategories()).
		Msg("torrent client capabilities detected")
	return nil
}

func (c *Client) WebAPIVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webAPIVersion
}

func (c *Client) SupportsSetTags() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSetTags
}

func (c *Client) SupportsSubcategories() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsSubcategories
}

func (c *Client) SupportsTorrentTmpPath() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supportsTorrentTmpPath
}

func (c *Client) updateHealthStatus(healthy bool) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.isHealthy = healthy
	c.lastHealthCheck = time.Now()
}

// IsHealthy reports the outcome of the last API interaction.
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.isHealthy
}

// HealthCheck performs a lightweight round trip and updates health.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.Client.GetWebAPIVersionCtx(ctx)
	c.updateHealthStatus(err == nil)
	return err
}

// AddOptions overrides the configured category and save path for a
// single add.
type AddOptions struct {
	Category string
	SavePath string
	Paused   bool
}

// AddMagnet hands a magnet URI to the client under the configured
// category and save path.
func (c *Client) AddMagnet(ctx context.Context, magnetURI string) error {
	return c.AddMagnetOpts(ctx, magnetURI, AddOptions{})
}

// AddMagnetOpts is AddMagnet with per-call overrides.
func (c *Client) AddMagnetOpts(ctx context.Context, magnetURI string, opts AddOptions) error {
	category := opts.Category
	if category == "" {
		category = c.cfg.Category
	}
	savePath := opts.SavePath
	if savePath == "" {
		savePath = c.cfg.DownloadPath
	}

	options := map[string]string{}
	if category != "" {
		options["category"] = category
	}
	if savePath != "" {
		options["savepath"] = savePath
	}
	if opts.Paused {
		options["stopped"] = "true"
		// Older WebAPI versions only understand "paused".
		options["paused"] = "true"
	}

	if err := c.Client.AddTorrentFromUrlCtx(ctx, magnetURI, options); err != nil {
		c.updateHealthStatus(false)
		return errors.Wrap(err, "failed to add magnet to torrent client")
	}
	c.updateHealthStatus(true)
	return nil
}

// GetTorrent fetches a single torrent by hash.
func (c *Client) GetTorrent(ctx context.Context, hash string) (Torrent, error) {
	torrents, err := c.Client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Hashes: []string{hash},
	})
	if err != nil {
		c.updateHealthStatus(false)
		return Torrent{}, errors.Wrap(err, "failed to fetch torrent")
	}
	c.updateHealthStatus(true)

	for _, t := range torrents {
		if strings.EqualFold(t.Hash, hash) {
			return fromQbt(t), nil
		}
	}
	return Torrent{}, ErrTorrentNotFound
}

// ListTorrents returns all torrents in the configured category, or
// everything when no category is set.
func (c *Client) ListTorrents(ctx context.Context) ([]Torrent, error) {
	opts := qbt.TorrentFilterOptions{}
	if c.cfg.Category != "" {
		opts.Category = c.cfg.Category
	}

	raw, err := c.Client.GetTorrentsCtx(ctx, opts)
	if err != nil {
		c.updateHealthStatus(false)
		return nil, errors.Wrap(err, "failed to list torrents")
	}
	c.updateHealthStatus(true)

	out := make([]Torrent, 0, len(raw))
	for _, t := range raw {
		out = append(out, fromQbt(t))
	}
	return out, nil
}

func (c *Client) Pause(ctx context.Context, hash string) error {
	if err := c.Client.PauseCtx(ctx, []string{hash}); err != nil {
		return errors.Wrap(err, "failed to pause torrent")
	}
	return nil
}

func (c *Client) Resume(ctx context.Context, hash string) error {
	if err := c.Client.ResumeCtx(ctx, []string{hash}); err != nil {
		return errors.Wrap(err, "failed to resume torrent")
	}
	return nil
}

// Remove deletes the torrent, optionally with its files.
func (c *Client) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	if err := c.Client.DeleteTorrentsCtx(ctx, []string{hash}, deleteFiles); err != nil {
		return errors.Wrap(err, "failed to remove torrent")
	}
	return nil
}

// Stats returns the client's global transfer info.
func (c *Client) Stats(ctx context.Context) (TransferStats, error) {
	info, err := c.Client.GetTransferInfoCtx(ctx)
	if err != nil {
		c.updateHealthStatus(false)
		return TransferStats{}, errors.Wrap(err, "failed to fetch transfer info")
	}
	c.updateHealthStatus(true)

	return TransferStats{
		DownloadSpeed: info.DlInfoSpeed,
		UploadSpeed:   info.UpInfoSpeed,
		Downloaded:    info.DlInfoData,
		Uploaded:      info.UpInfoData,
	}, nil
}

func fromQbt(t qbt.Torrent) Torrent {
	return Torrent{
		Hash:      strings.ToLower(t.Hash),
		Name:      t.Name,
		State:     MapState(t.State),
		RawState:  string(t.State),
		Progress:  t.Progress,
		Size:      t.Size,
		DlSpeed:   t.DlSpeed,
		UpSpeed:   t.UpSpeed,
		ETA:       t.ETA,
		Ratio:     t.Ratio,
		NumSeeds:  t.NumSeeds,
		NumLeechs: t.NumLeechs,
		Category:  t.Category,
		SavePath:  t.SavePath,
	}
}

// MapState collapses the client's many states into the handful the
// pipeline acts on. Both the legacy Paused* and the 5.x Stopped*
// variants are handled.
func MapState(state qbt.TorrentState) State {
	switch state {
	case qbt.TorrentStatePausedDl, qbt.TorrentStateStoppedDl,
		qbt.TorrentStatePausedUp, qbt.TorrentStateStoppedUp:
		return StatePaused
	case qbt.TorrentStateQueuedDl, qbt.TorrentStateQueuedUp:
		return StateQueued
	case qbt.TorrentStateDownloading, qbt.TorrentStateMetaDl,
		qbt.TorrentStateStalledDl, qbt.TorrentStateForcedDl,
		qbt.TorrentStateAllocating, qbt.TorrentStateCheckingDl:
		return StateDownloading
	case qbt.TorrentStateUploading, qbt.TorrentStateStalledUp,
		qbt.TorrentStateForcedUp, qbt.TorrentStateCheckingUp:
		return StateSeeding
	case qbt.TorrentStateError, qbt.TorrentStateMissingFiles:
		return StateError
	default:
		return StateUnknown
	}
}

// Complete reports whether the torrent finished downloading.
func (t Torrent) Complete() bool {
	return t.Progress >= 1.0 || t.State == StateSeeding ||
		(t.State == StatePaused && t.Progress >= 1.0)
}
