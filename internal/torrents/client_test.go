// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torrents

import (
	"testing"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/stretchr/testify/assert"
)

func TestMapState(t *testing.T) {
	tests := []struct {
		state qbt.TorrentState
		want  State
	}{
		{qbt.TorrentStateDownloading, StateDownloading},
		{qbt.TorrentStateMetaDl, StateDownloading},
		{qbt.TorrentStateStalledDl, StateDownloading},
		{qbt.TorrentStateForcedDl, StateDownloading},
		{qbt.TorrentStateAllocating, StateDownloading},
		{qbt.TorrentStateCheckingDl, StateDownloading},
		{qbt.TorrentStateUploading, StateSeeding},
		{qbt.TorrentStateStalledUp, StateSeeding},
		{qbt.TorrentStateForcedUp, StateSeeding},
		{qbt.TorrentStateCheckingUp, StateSeeding},
		{qbt.TorrentStateQueuedDl, StateQueued},
		{qbt.TorrentStateQueuedUp, StateQueued},
		{qbt.TorrentStatePausedDl, StatePaused},
		{qbt.TorrentStatePausedUp, StatePaused},
		{qbt.TorrentStateStoppedDl, StatePaused},
		{qbt.TorrentStateStoppedUp, StatePaused},
		{qbt.TorrentStateError, StateError},
		{qbt.TorrentStateMissingFiles, StateError},
		{qbt.TorrentState("something-new"), StateUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, MapState(tt.state))
		})
	}
}

func TestTorrentComplete(t *testing.T) {
	assert.True(t, Torrent{State: StateSeeding, Progress: 0.99}.Complete())
	assert.True(t, Torrent{State: StateDownloading, Progress: 1.0}.Complete())
	assert.True(t, Torrent{State: StatePaused, Progress: 1.0}.Complete())
	assert.False(t, Torrent{State: StateDownloading, Progress: 0.42}.Complete())
	assert.False(t, Torrent{State: StatePaused, Progress: 0.42}.Complete())
}

func TestFromQbtLowercasesHash(t *testing.T) {
	out := fromQbt(qbt.Torrent{
		Hash:  "0123456789ABCDEF0123456789ABCDEF01234567",
		Name:  "Some Release",
		State: qbt.TorrentStateDownloading,
	})
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", out.Hash)
	assert.Equal(t, StateDownloading, out.State)
	assert.Equal(t, string(qbt.TorrentStateDownloading), out.RawState)
}
