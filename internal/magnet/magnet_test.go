// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package magnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

func TestInfoHash(t *testing.T) {
	uri := "magnet:?xt=urn:btih:" + testHash + "&dn=Some+Release"

	hash, err := InfoHash(uri)
	require.NoError(t, err)
	assert.Equal(t, testHash, hash)
}

func TestInfoHashUppercase(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567"

	hash, err := InfoHash(uri)
	require.NoError(t, err)
	assert.Equal(t, testHash, hash)
}

func TestInfoHashMissing(t *testing.T) {
	_, err := InfoHash("magnet:?dn=No+Hash+Here")
	assert.ErrorIs(t, err, ErrNoInfoHash)

	// base32 hashes are rejected
	_, err = InfoHash("magnet:?xt=urn:btih:MFRGGZDFMZTWQ2LKNNWG23TPOBYXE43UOQQQ====")
	assert.ErrorIs(t, err, ErrNoInfoHash)
}

func TestBuild(t *testing.T) {
	uri, err := Build(testHash, "Some Release", []string{"udp://tracker.example.org:1337/announce"})
	require.NoError(t, err)

	assert.Equal(t, "magnet:?xt=urn:btih:"+testHash+
		"&dn=Some+Release&tr=udp%3A%2F%2Ftracker.example.org%3A1337%2Fannounce", uri)

	roundTrip, err := InfoHash(uri)
	require.NoError(t, err)
	assert.Equal(t, testHash, roundTrip)
}

func TestBuildInvalidHash(t *testing.T) {
	_, err := Build("not-a-hash", "x", nil)
	assert.Error(t, err)

	_, err = Build(testHash[:39], "x", nil)
	assert.Error(t, err)
}

func TestIsMagnet(t *testing.T) {
	assert.True(t, IsMagnet("magnet:?xt=urn:btih:"+testHash))
	assert.True(t, IsMagnet("  MAGNET:?xt=urn:btih:"+testHash))
	assert.False(t, IsMagnet("https://example.org/file.torrent"))
	assert.False(t, IsMagnet(""))
}
