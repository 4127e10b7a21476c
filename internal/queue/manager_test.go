// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/downloads"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/releases"
	"github.com/fetcharr/fetcharr/internal/torrents"
	"github.com/fetcharr/fetcharr/internal/vpn"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

var errAddRefused = errors.New("client refused magnet")

type fakeSearch struct {
	results []indexers.Result
}

func (f *fakeSearch) Search(ctx context.Context, opts indexers.SearchOptions) []indexers.Result {
	return f.results
}

func (f *fakeSearch) MagnetLink(ctx context.Context, result indexers.Result) (string, error) {
	return result.MagnetURI, nil
}

type fakeGate struct {
	err error
}

func (f *fakeGate) Require(ctx context.Context) error { return f.err }

type fakeClient struct {
	mu            sync.Mutex
	added         []string
	polls         int
	completeAfter int
	state         torrents.State
	addFailures   int
	paused        []string
	resumed       []string
}

func (f *fakeClient) AddMagnet(ctx context.Context, magnetURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addFailures > 0 {
		f.addFailures--
		return errAddRefused
	}
	f.added = append(f.added, magnetURI)
	return nil
}

func (f *fakeClient) Pause(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, hash)
	return nil
}

func (f *fakeClient) Resume(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, hash)
	return nil
}

func (f *fakeClient) GetTorrent(ctx context.Context, hash string) (torrents.Torrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	state := f.state
	if state == "" {
		state = torrents.StateDownloading
	}
	t := torrents.Torrent{Hash: hash, State: state, Progress: 0.5}
	if f.polls >= f.completeAfter {
		t.Progress = 1.0
		t.State = torrents.StateSeeding
	}
	return t, nil
}

func (f *fakeClient) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

func testResult() indexers.Result {
	title := "The.Matrix.1999.1080p.BluRay.x264-GROUP"
	return indexers.Result{
		Title:           title,
		NormalizedTitle: releases.NormalizeTitle(title),
		MagnetURI:       "magnet:?xt=urn:btih:" + testHash,
		InfoHash:        testHash,
		Size:            8 << 30,
		Seeders:         120,
		Source:          "test",
		Parsed:          releases.Parse(title),
	}
}

func newTestManager(t *testing.T, search SearchService, gate VPNGate, client TorrentClient) (*Manager, *Store, *downloads.Store) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewStore(db)
	dstore := downloads.NewStore(db)
	machine := downloads.NewMachine(dstore, downloads.RetryPolicy{Delay: time.Millisecond})

	m := NewManager(Deps{
		Store:     store,
		Downloads: machine,
		Search:    search,
		Gate:      gate,
		Client:    client,
		Profiles: []domain.ProfileConfig{{
			Name:               "default",
			PreferredQualities: []string{"1080p", "720p"},
			MinSeeders:         5,
		}},
	}, Options{ScanInterval: 10 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	return m, store, dstore
}

func claim(t *testing.T, store *Store, name string, year int) *Item {
	t.Helper()
	_, err := store.Add(context.Background(), Item{ContentName: name, Year: year})
	require.NoError(t, err)
	item, err := store.ClaimNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	return item
}

func TestPipelineRefusesWithoutVPN(t *testing.T) {
	client := &fakeClient{completeAfter: 1}
	m, store, dstore := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{err: vpn.ErrInactive},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "The Matrix", 1999)
	err := m.process(ctx, item)
	require.ErrorIs(t, err, vpn.ErrInactive)

	// nothing reached the torrent client
	assert.Zero(t, client.addCount())

	// the download failed with the gate's message
	ds, listErr := dstore.List(ctx, downloads.StateFailed)
	require.NoError(t, listErr)
	require.Len(t, ds, 1)
	assert.Contains(t, ds[0].ErrorMessage, "VPN must be active")

	// the item gets another attempt
	m.handleFailure(ctx, item, err)
	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestPipelineHappyPath(t *testing.T) {
	client := &fakeClient{completeAfter: 2}
	m, store, dstore := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "The Matrix", 1999)
	require.NoError(t, m.process(ctx, item))

	assert.Equal(t, 1, client.addCount())

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "The.Matrix.1999.1080p.BluRay.x264-GROUP", got.MatchedTorrent)
	require.NotZero(t, got.DownloadID)

	d, err := dstore.Get(ctx, got.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StateCompleted, d.State)
	assert.Equal(t, 1.0, d.Progress)
	assert.Equal(t, testHash, d.TorrentHash)

	// full lifecycle present in the transition log
	transitions, err := dstore.Transitions(ctx, d.ID)
	require.NoError(t, err)
	var visited []downloads.State
	for _, tr := range transitions {
		visited = append(visited, tr.To)
	}
	assert.Equal(t, []downloads.State{
		downloads.StateCreated, downloads.StateVPNConnecting, downloads.StateSearching,
		downloads.StateDownloading, downloads.StateEncoding, downloads.StateSubtitles,
		downloads.StateUploading, downloads.StateFinalizing, downloads.StateCompleted,
	}, visited)
}

func TestPipelineCancelMidDownload(t *testing.T) {
	// The torrent never finishes, so the item sits in downloading until
	// the cancel lands.
	client := &fakeClient{completeAfter: 1 << 30}
	m, store, dstore := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "The Matrix", 1999)
	errCh := make(chan error, 1)
	go func() { errCh <- m.process(ctx, item) }()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, item.ID)
		return err == nil && got.Status == StatusDownloading
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, store.Cancel(ctx, item.ID))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline kept running after cancel")
	}

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotZero(t, got.DownloadID)

	d, err := dstore.Get(ctx, got.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StateCancelled, d.State)
}

func TestPipelineRetriesTransientClientFailure(t *testing.T) {
	client := &fakeClient{addFailures: 2, completeAfter: 1}
	m, store, dstore := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "The Matrix", 1999)
	require.NoError(t, m.process(ctx, item))

	// two refused adds, then one accepted
	assert.Equal(t, 1, client.addCount())

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	d, err := dstore.Get(ctx, got.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StateCompleted, d.State)
	assert.Equal(t, 2, d.RetryCount)
}

func TestPipelineRetryBudgetExhausts(t *testing.T) {
	client := &fakeClient{addFailures: 1 << 30}
	m, store, dstore := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "The Matrix", 1999)
	err := m.process(ctx, item)
	require.ErrorIs(t, err, &downloads.RetryExhaustedError{})

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	require.NotZero(t, got.DownloadID)

	d, err := dstore.Get(ctx, got.DownloadID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StateFailed, d.State)
	assert.Equal(t, d.MaxRetries, d.RetryCount)
	assert.Contains(t, d.ErrorMessage, "refused magnet")
}

func TestPipelineNoMatch(t *testing.T) {
	client := &fakeClient{completeAfter: 1}
	m, store, _ := newTestManager(t,
		&fakeSearch{},
		&fakeGate{},
		client,
	)
	ctx := context.Background()

	item := claim(t, store, "Obscure Film", 1950)
	err := m.process(ctx, item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no acceptable release")
	assert.Zero(t, client.addCount())
}

func TestPipelineAttemptsExhaust(t *testing.T) {
	m, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	_, err := store.Add(ctx, Item{ContentName: "Nothing Ever Matches", MaxAttempts: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		item, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item, "attempt %d", i+1)
		procErr := m.process(ctx, item)
		require.Error(t, procErr)
		m.handleFailure(ctx, item, procErr)
	}

	// budget spent, item is failed and no longer claimable
	items, err := store.List(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Attempts)

	next, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStoreClaimPriorityOrder(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	_, err := store.Add(ctx, Item{ContentName: "low", Priority: 0})
	require.NoError(t, err)
	_, err = store.Add(ctx, Item{ContentName: "high", Priority: 10})
	require.NoError(t, err)
	_, err = store.Add(ctx, Item{ContentName: "mid", Priority: 5})
	require.NoError(t, err)

	var order []string
	for {
		item, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.ContentName)
	}
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestStoreRetryOnlyFailed(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	item, err := store.Add(ctx, Item{ContentName: "x", MaxAttempts: 1})
	require.NoError(t, err)

	assert.Error(t, store.Retry(ctx, item.ID))

	retryable, err := store.RecordFailure(ctx, item.ID, "boom")
	require.NoError(t, err)
	assert.False(t, retryable)

	require.NoError(t, store.Retry(ctx, item.ID))
	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.ErrorMessage)
}

func TestStoreCancel(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	item, err := store.Add(ctx, Item{ContentName: "x"})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, item.ID))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// cancelled items cannot be cancelled again
	assert.Error(t, store.Cancel(ctx, item.ID))

	// but they can be retried
	require.NoError(t, store.Retry(ctx, item.ID))
}

func TestStoreRecordFailureLeavesCancelled(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	item, err := store.Add(ctx, Item{ContentName: "x"})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, item.ID))

	retryable, err := store.RecordFailure(ctx, item.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, retryable)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestStoreAdvanceSkipsInactive(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	item, err := store.Add(ctx, Item{ContentName: "x"})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, item.ID))

	applied, err := store.advance(ctx, item.ID, StatusCompleted,
		StatusSearching, StatusMatched, StatusDownloading)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	active, err := store.Add(ctx, Item{ContentName: "y"})
	require.NoError(t, err)
	applied, err = store.advance(ctx, active.ID, StatusDownloading, StatusPending)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStoreSetMatchKeepsCancelled(t *testing.T) {
	_, store, _ := newTestManager(t, &fakeSearch{}, &fakeGate{}, &fakeClient{})
	ctx := context.Background()

	item, err := store.Add(ctx, Item{ContentName: "x"})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, item.ID))
	require.NoError(t, store.SetMatch(ctx, item.ID, "Some.Release", 7))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.EqualValues(t, 7, got.DownloadID)
}

func TestResumeDownloadRechecksGate(t *testing.T) {
	client := &fakeClient{}
	gate := &fakeGate{}
	m, _, dstore := newTestManager(t, &fakeSearch{}, gate, client)
	ctx := context.Background()

	machine := m.deps.Downloads
	d, err := machine.Store().Create(ctx, "The.Matrix.1999.1080p.BluRay.x264-GROUP",
		"magnet:?xt=urn:btih:"+testHash, 0)
	require.NoError(t, err)
	require.NoError(t, machine.Transition(ctx, d.ID, downloads.StateVPNConnecting, ""))
	require.NoError(t, machine.Transition(ctx, d.ID, downloads.StateSearching, ""))
	require.NoError(t, machine.Transition(ctx, d.ID, downloads.StateDownloading, ""))
	require.NoError(t, machine.Store().SetTorrentHash(ctx, d.ID, testHash))

	require.NoError(t, m.PauseDownload(ctx, d.ID))
	got, err := dstore.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StatePaused, got.State)
	assert.Contains(t, client.paused, testHash)

	// tunnel dropped while paused, resume must be refused
	gate.err = vpn.ErrInactive
	err = m.ResumeDownload(ctx, d.ID)
	require.ErrorIs(t, err, vpn.ErrInactive)

	got, err = dstore.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StatePaused, got.State)
	assert.Empty(t, client.resumed)

	gate.err = nil
	require.NoError(t, m.ResumeDownload(ctx, d.ID))

	got, err = dstore.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, downloads.StateDownloading, got.State)
	assert.Contains(t, client.resumed, testHash)
}

func TestManagerWorkerLoop(t *testing.T) {
	client := &fakeClient{completeAfter: 1}
	m, store, _ := newTestManager(t,
		&fakeSearch{results: []indexers.Result{testResult()}},
		&fakeGate{},
		client,
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Add(ctx, Item{ContentName: "The Matrix", Year: 1999})
	require.NoError(t, err)

	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		items, err := store.List(ctx, StatusCompleted)
		return err == nil && len(items) == 1
	}, 5*time.Second, 20*time.Millisecond)
}
