// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/downloads"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/matcher"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/torrents"
)

// SearchService is the aggregator surface the pipeline needs.
type SearchService interface {
	Search(ctx context.Context, opts indexers.SearchOptions) []indexers.Result
	MagnetLink(ctx context.Context, result indexers.Result) (string, error)
}

// VPNGate verifies the tunnel before any torrent traffic starts.
type VPNGate interface {
	Require(ctx context.Context) error
}

// TorrentClient is the torrent daemon surface the pipeline needs.
type TorrentClient interface {
	AddMagnet(ctx context.Context, magnetURI string) error
	GetTorrent(ctx context.Context, hash string) (torrents.Torrent, error)
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
}

// ErrCancelled reports that an in-flight item was cancelled by the
// user. Workers abort without booking a failed attempt.
var ErrCancelled = errors.New("queue: item cancelled while in flight")

// errShutdown aborts an in-flight item on Stop. The item keeps its
// current status and is picked up again on the next run.
var errShutdown = errors.New("shutdown requested while download in flight")

// Encoder hands a finished download to the transcoding backend.
type Encoder interface {
	Encode(ctx context.Context, d *downloads.Download) (jobID string, err error)
}

// Subtitler fetches subtitles for a finished encode.
type Subtitler interface {
	Fetch(ctx context.Context, d *downloads.Download) error
}

// Publisher moves the finished files to their final destination.
type Publisher interface {
	Publish(ctx context.Context, d *downloads.Download) error
}

// NoopEncoder, NoopSubtitler and NoopPublisher pass the pipeline
// straight through for deployments without post-processing backends.
type (
	NoopEncoder   struct{}
	NoopSubtitler struct{}
	NoopPublisher struct{}
)

func (NoopEncoder) Encode(context.Context, *downloads.Download) (string, error) { return "", nil }
func (NoopSubtitler) Fetch(context.Context, *downloads.Download) error          { return nil }
func (NoopPublisher) Publish(context.Context, *downloads.Download) error        { return nil }

// Deps are the manager's collaborators. Encoder, Subtitler and
// Publisher default to their noop implementations.
type Deps struct {
	Store     *Store
	Downloads *downloads.Machine
	Search    SearchService
	Gate      VPNGate
	Client    TorrentClient
	Profiles  []domain.ProfileConfig
	Encoder   Encoder
	Subtitler Subtitler
	Publisher Publisher
}

// Options tune the worker pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	ScanInterval time.Duration
	// MaxRetries is the per-download retry budget handed to new
	// download records. Zero falls back to the store default.
	MaxRetries int
}

// Manager runs the acquisition pipeline: claim, search, match, gate,
// download, post-process.
type Manager struct {
	deps Deps
	opts Options

	wg     sync.WaitGroup
	stopCh chan struct{}
	stopMu sync.Mutex
}

func NewManager(deps Deps, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = 10 * time.Second
	}
	if deps.Encoder == nil {
		deps.Encoder = NoopEncoder{}
	}
	if deps.Subtitler == nil {
		deps.Subtitler = NoopSubtitler{}
	}
	if deps.Publisher == nil {
		deps.Publisher = NoopPublisher{}
	}
	return &Manager{deps: deps, opts: opts, stopCh: make(chan struct{})}
}

// Start launches the worker pool. Workers stop when ctx is cancelled
// or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Int("workers", m.opts.Workers).Msg("acquisition queue started")
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight items to wind down.
func (m *Manager) Stop() {
	m.stopMu.Lock()
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.stopMu.Unlock()
	m.wg.Wait()
	log.Info().Msg("acquisition queue stopped")
}

func (m *Manager) worker(ctx context.Context, id int) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}

		m.updateQueueDepth(ctx)

		item, err := m.deps.Store.ClaimNext(ctx)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("failed to claim queue item")
			continue
		}
		if item == nil {
			continue
		}

		log.Info().
			Int64("itemID", item.ID).
			Str("content", item.ContentName).
			Int("worker", id).
			Msg("processing acquisition")

		if err := m.process(ctx, item); err != nil {
			if errors.Is(err, ErrCancelled) {
				log.Info().
					Int64("itemID", item.ID).
					Str("content", item.ContentName).
					Msg("acquisition cancelled while in flight")
				m.updateQueueDepth(ctx)
				continue
			}
			m.handleFailure(ctx, item, err)
		}
	}
}

func (m *Manager) updateQueueDepth(ctx context.Context) {
	if n, err := m.deps.Store.CountActive(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}

// process walks one item through the full pipeline.
func (m *Manager) process(ctx context.Context, item *Item) error {
	profile := m.profileFor(item.Profile)

	results := m.deps.Search.Search(ctx, indexers.SearchOptions{
		Query:   item.ContentName,
		Year:    item.Year,
		Season:  item.Season,
		Episode: item.Episode,
	})

	best := matcher.FindBestMatch(matcher.Desired{
		Title:   item.ContentName,
		Year:    item.Year,
		Season:  item.Season,
		Episode: item.Episode,
	}, results, profile)
	if best == nil {
		return errors.Errorf("no acceptable release found among %d results", len(results))
	}

	magnetURI, err := m.deps.Search.MagnetLink(ctx, *best)
	if err != nil {
		return errors.Wrap(err, "failed to resolve magnet link")
	}

	d, err := m.deps.Downloads.Store().Create(ctx, best.Title, magnetURI, m.opts.MaxRetries)
	if err != nil {
		return err
	}
	if err := m.deps.Store.SetMatch(ctx, item.ID, best.Title, d.ID); err != nil {
		return err
	}

	if err := m.runDownload(ctx, item, d, best.InfoHash); err != nil {
		return err
	}

	applied, err := m.deps.Store.advance(ctx, item.ID, StatusCompleted,
		StatusSearching, StatusMatched, StatusDownloading)
	if err != nil {
		return err
	}
	if !applied {
		log.Warn().
			Int64("itemID", item.ID).
			Msg("download finished but queue item is no longer active, leaving its status untouched")
	}
	m.updateQueueDepth(ctx)
	return nil
}

// runDownload drives the download state machine from vpn_connecting to
// completed. The VPN gate is checked before anything reaches the
// torrent client; refusal aborts without adding the torrent. Transient
// client failures are retried with backoff until the retry budget runs
// out.
func (m *Manager) runDownload(ctx context.Context, item *Item, d *downloads.Download, infoHash string) error {
	machine := m.deps.Downloads

	if err := machine.Transition(ctx, d.ID, downloads.StateVPNConnecting, ""); err != nil {
		return err
	}
	if err := m.deps.Gate.Require(ctx); err != nil {
		machine.Fail(ctx, d.ID, err)
		return err
	}

	if err := machine.Transition(ctx, d.ID, downloads.StateSearching, "candidate "+d.Title); err != nil {
		return err
	}

	for {
		err := m.downloadAttempt(ctx, item, d, infoHash)
		if err == nil {
			break
		}
		if errors.Is(err, ErrCancelled) {
			if cerr := machine.Cancel(ctx, d.ID); cerr != nil && !errors.Is(cerr, &downloads.InvalidTransitionError{}) {
				log.Error().Err(cerr).Int64("downloadID", d.ID).Msg("failed to cancel download record")
			}
			return err
		}
		if ctx.Err() != nil || errors.Is(err, errShutdown) {
			machine.Fail(ctx, d.ID, err)
			return err
		}

		backoff, rerr := machine.Retry(ctx, d.ID, err)
		if rerr != nil {
			return rerr
		}
		log.Warn().
			Err(err).
			Int64("downloadID", d.ID).
			Dur("backoff", backoff).
			Msg("download attempt failed, backing off before retry")

		select {
		case <-ctx.Done():
			machine.Fail(ctx, d.ID, ctx.Err())
			return ctx.Err()
		case <-m.stopCh:
			machine.Fail(ctx, d.ID, errShutdown)
			return errShutdown
		case <-time.After(backoff):
		}
	}

	return m.postProcess(ctx, d.ID)
}

// downloadAttempt hands the magnet to the client and tracks it to
// completion. Each attempt re-adds the magnet; the client treats a
// duplicate add as a no-op.
func (m *Manager) downloadAttempt(ctx context.Context, item *Item, d *downloads.Download, infoHash string) error {
	machine := m.deps.Downloads

	if err := m.deps.Client.AddMagnet(ctx, d.MagnetURI); err != nil {
		return errors.Wrap(err, "failed to hand magnet to torrent client")
	}
	if err := machine.Transition(ctx, d.ID, downloads.StateDownloading, ""); err != nil {
		return err
	}
	if infoHash != "" {
		if err := machine.Store().SetTorrentHash(ctx, d.ID, infoHash); err != nil {
			return err
		}
	}
	applied, err := m.deps.Store.advance(ctx, item.ID, StatusDownloading,
		StatusSearching, StatusMatched, StatusDownloading)
	if err != nil {
		return err
	}
	if !applied {
		return ErrCancelled
	}
	metrics.DownloadsStartedTotal.Inc()

	return m.watchTorrent(ctx, item, d.ID, infoHash)
}

// watchTorrent polls the client until the torrent finishes, mirroring
// progress into the download record. A cancel issued while the torrent
// runs is honoured on the next tick.
func (m *Manager) watchTorrent(ctx context.Context, item *Item, downloadID int64, hash string) error {
	if hash == "" {
		return errors.New("torrent hash unknown, cannot track progress")
	}

	ticker := time.NewTicker(m.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopCh:
			return errShutdown
		case <-ticker.C:
		}

		current, err := m.deps.Store.Get(ctx, item.ID)
		if err != nil {
			log.Warn().Err(err).Int64("itemID", item.ID).Msg("queue item poll failed")
		} else if current.Status == StatusCancelled {
			return ErrCancelled
		}

		t, err := m.deps.Client.GetTorrent(ctx, hash)
		if err != nil {
			if errors.Is(err, torrents.ErrTorrentNotFound) {
				return errors.New("torrent disappeared from client")
			}
			log.Warn().Err(err).Str("hash", hash).Msg("torrent progress poll failed")
			continue
		}

		if err := m.deps.Downloads.Store().SetProgress(ctx, downloadID, t.Progress); err != nil {
			return err
		}
		if t.State == torrents.StateError {
			return errors.Errorf("torrent client reports error state %q", t.RawState)
		}
		if t.Complete() {
			return nil
		}
	}
}

// postProcess walks the finished payload through encode, subtitles,
// publish and finalize.
func (m *Manager) postProcess(ctx context.Context, downloadID int64) error {
	machine := m.deps.Downloads

	d, err := machine.Store().Get(ctx, downloadID)
	if err != nil {
		return err
	}

	if err := machine.Transition(ctx, d.ID, downloads.StateEncoding, ""); err != nil {
		return err
	}
	jobID, err := m.deps.Encoder.Encode(ctx, d)
	if err != nil {
		machine.Fail(ctx, d.ID, err)
		return errors.Wrap(err, "encoding failed")
	}
	if jobID != "" {
		if err := machine.Store().SetEncodingJobID(ctx, d.ID, jobID); err != nil {
			return err
		}
	}

	if err := machine.Transition(ctx, d.ID, downloads.StateSubtitles, ""); err != nil {
		return err
	}
	if err := m.deps.Subtitler.Fetch(ctx, d); err != nil {
		machine.Fail(ctx, d.ID, err)
		return errors.Wrap(err, "subtitle fetch failed")
	}

	if err := machine.Transition(ctx, d.ID, downloads.StateUploading, ""); err != nil {
		return err
	}
	if err := m.deps.Publisher.Publish(ctx, d); err != nil {
		machine.Fail(ctx, d.ID, err)
		return errors.Wrap(err, "publish failed")
	}

	if err := machine.Transition(ctx, d.ID, downloads.StateFinalizing, ""); err != nil {
		return err
	}
	return machine.Transition(ctx, d.ID, downloads.StateCompleted, "")
}

// PauseDownload pauses a download in the state machine and tells the
// client to stop moving bytes for it.
func (m *Manager) PauseDownload(ctx context.Context, downloadID int64) error {
	d, err := m.deps.Downloads.Store().Get(ctx, downloadID)
	if err != nil {
		return err
	}
	if err := m.deps.Downloads.Pause(ctx, d.ID); err != nil {
		return err
	}
	if d.TorrentHash != "" {
		if err := m.deps.Client.Pause(ctx, d.TorrentHash); err != nil {
			log.Warn().Err(err).Str("hash", d.TorrentHash).Msg("torrent client pause failed")
		}
	}
	return nil
}

// ResumeDownload re-checks the VPN gate before a paused download is
// allowed back onto the network.
func (m *Manager) ResumeDownload(ctx context.Context, downloadID int64) error {
	if err := m.deps.Gate.Require(ctx); err != nil {
		return err
	}
	d, err := m.deps.Downloads.Store().Get(ctx, downloadID)
	if err != nil {
		return err
	}
	if err := m.deps.Downloads.Resume(ctx, d.ID); err != nil {
		return err
	}
	if d.TorrentHash != "" {
		if err := m.deps.Client.Resume(ctx, d.TorrentHash); err != nil {
			log.Warn().Err(err).Str("hash", d.TorrentHash).Msg("torrent client resume failed")
		}
	}
	return nil
}

// handleFailure books a failed attempt and requeues when budget remains.
func (m *Manager) handleFailure(ctx context.Context, item *Item, cause error) {
	retryable, err := m.deps.Store.RecordFailure(ctx, item.ID, cause.Error())
	if err != nil {
		log.Error().Err(err).Int64("itemID", item.ID).Msg("failed to record acquisition failure")
		return
	}

	evt := log.Warn().
		Int64("itemID", item.ID).
		Str("content", item.ContentName).
		Err(cause)
	if retryable {
		evt.Msg("acquisition attempt failed, requeued")
	} else {
		evt.Msg("acquisition failed permanently")
	}
	m.updateQueueDepth(ctx)
}

func (m *Manager) profileFor(name string) domain.ProfileConfig {
	for _, p := range m.deps.Profiles {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	if len(m.deps.Profiles) > 0 {
		return m.deps.Profiles[0]
	}
	// Sensible floor when nothing is configured.
	return domain.ProfileConfig{
		Name:               "default",
		PreferredQualities: []string{"1080p", "720p"},
		MinSeeders:         1,
	}
}
