// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/releases"
)

func candidate(title string, seeders int, sizeGB float64) indexers.Result {
	return indexers.Result{
		Title:           title,
		NormalizedTitle: releases.NormalizeTitle(title),
		Seeders:         seeders,
		Size:            int64(sizeGB * (1 << 30)),
		Parsed:          releases.Parse(title),
	}
}

func defaultProfile() domain.ProfileConfig {
	return domain.ProfileConfig{
		Name:               "default",
		PreferredQualities: []string{"1080p", "720p"},
		MinSeeders:         5,
	}
}

func TestFindBestMatchPrefersQualityOverSeeders(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("The.Matrix.1999.720p.WEB-DL.x264-OTHER", 200, 4),
		candidate("The.Matrix.1999.1080p.BluRay.x264-GROUP", 100, 8),
	}

	best := FindBestMatch(desired, candidates, defaultProfile())
	require.NotNil(t, best)
	assert.Equal(t, "The.Matrix.1999.1080p.BluRay.x264-GROUP", best.Title)
	assert.Equal(t, best.Score, best.Breakdown.Total())
}

func TestScoreBoundedAt100(t *testing.T) {
	profile := domain.ProfileConfig{
		PreferredQualities: []string{"1080p"},
		PreferredSources:   []string{"BluRay"},
		PreferredGroups:    []string{"GROUP"},
		MinSizeGB:          4,
		MaxSizeGB:          20,
	}

	c := candidate("The.Matrix.1999.1080p.BluRay.x264-GROUP", 150, 8)
	breakdown := Score(c, profile)

	assert.Equal(t, 100, breakdown.Total())
	assert.Equal(t, 30, breakdown.Quality)
	assert.Equal(t, 25, breakdown.Source)
	assert.Equal(t, 20, breakdown.Seeders)
	assert.Equal(t, 15, breakdown.SizeFit)
	assert.Equal(t, 10, breakdown.Group)
}

func TestFindBestMatchMinSeedersFilter(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("The.Matrix.1999.1080p.BluRay.x264-GROUP", 2, 8),
	}

	best := FindBestMatch(desired, candidates, defaultProfile())
	assert.Nil(t, best)
}

func TestFindBestMatchExcludedGroup(t *testing.T) {
	profile := defaultProfile()
	profile.ExcludedGroups = []string{"BADGRP"}

	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("The.Matrix.1999.1080p.BluRay.x264-BADGRP", 300, 8),
		candidate("The.Matrix.1999.720p.HDTV.x264-OKGRP", 50, 2),
	}

	best := FindBestMatch(desired, candidates, profile)
	require.NotNil(t, best)
	assert.Equal(t, "OKGRP", best.Parsed.Group)
}

func TestFindBestMatchExcludedSource(t *testing.T) {
	profile := defaultProfile()
	profile.ExcludedSources = []string{"CAM"}

	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("The.Matrix.1999.1080p.CAM.x264-GRP", 500, 2),
	}

	assert.Nil(t, FindBestMatch(desired, candidates, profile))
}

func TestFindBestMatchRejectsWrongTitle(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("Completely.Different.Film.1999.1080p.BluRay.x264-GRP", 100, 8),
	}

	assert.Nil(t, FindBestMatch(desired, candidates, defaultProfile()))
}

func TestFindBestMatchRejectsSequel(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	candidates := []indexers.Result{
		candidate("The.Matrix.Reloaded.2003.1080p.BluRay.x264-GRP", 100, 8),
	}

	assert.Nil(t, FindBestMatch(desired, candidates, defaultProfile()))
}

func TestFindBestMatchRejectsWrongYear(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 2021}
	candidates := []indexers.Result{
		candidate("The.Matrix.1999.1080p.BluRay.x264-GRP", 100, 8),
	}

	assert.Nil(t, FindBestMatch(desired, candidates, defaultProfile()))
}

func TestFindBestMatchEpisode(t *testing.T) {
	desired := Desired{Title: "Some Show", Season: 2, Episode: 5}
	candidates := []indexers.Result{
		candidate("Some.Show.S02E04.1080p.WEB-DL.x264-GRP", 80, 2),
		candidate("Some.Show.S02E05.1080p.WEB-DL.x264-GRP", 40, 2),
		candidate("Some.Show.S03E05.1080p.WEB-DL.x264-GRP", 90, 2),
	}

	best := FindBestMatch(desired, candidates, defaultProfile())
	require.NotNil(t, best)
	assert.Equal(t, 2, best.Parsed.Season)
	assert.Equal(t, 5, best.Parsed.Episode)
}

func TestFindBestMatchTieBreakSeeders(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	a := candidate("The.Matrix.1999.1080p.BluRay.x264-AAA", 25, 8)
	b := candidate("The.Matrix.1999.1080p.BluRay.x264-BBB", 30, 8)

	best := FindBestMatch(desired, []indexers.Result{a, b}, defaultProfile())
	require.NotNil(t, best)
	assert.Equal(t, 30, best.Seeders)
}

func TestFindBestMatchTieBreakUploadDate(t *testing.T) {
	desired := Desired{Title: "The Matrix", Year: 1999}
	older := candidate("The.Matrix.1999.1080p.BluRay.x264-AAA", 25, 8)
	older.UploadDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := candidate("The.Matrix.1999.1080p.BluRay.x264-BBB", 25, 8)
	newer.UploadDate = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	best := FindBestMatch(desired, []indexers.Result{newer, older}, defaultProfile())
	require.NotNil(t, best)
	assert.Equal(t, older.UploadDate, best.UploadDate)
}

func TestFindBestMatchWaitsForBetterQuality(t *testing.T) {
	profile := defaultProfile()
	profile.WaitForBetterQuality = true
	profile.WaitHours = 24

	desired := Desired{Title: "The Matrix", Year: 1999}
	fresh := candidate("The.Matrix.1999.720p.WEB-DL.x264-GROUP", 100, 4)
	fresh.UploadDate = time.Now().Add(-2 * time.Hour)

	// A second-choice quality inside the wait window is held back.
	assert.Nil(t, FindBestMatch(desired, []indexers.Result{fresh}, profile))

	// Once the window lapses the second choice is taken.
	stale := fresh
	stale.UploadDate = time.Now().Add(-48 * time.Hour)
	best := FindBestMatch(desired, []indexers.Result{stale}, profile)
	require.NotNil(t, best)
	assert.Equal(t, stale.Title, best.Title)
}

func TestFindBestMatchTopQualityNeverWaits(t *testing.T) {
	profile := defaultProfile()
	profile.WaitForBetterQuality = true
	profile.WaitHours = 24

	desired := Desired{Title: "The Matrix", Year: 1999}
	fresh := candidate("The.Matrix.1999.1080p.BluRay.x264-GROUP", 100, 8)
	fresh.UploadDate = time.Now().Add(-time.Hour)

	best := FindBestMatch(desired, []indexers.Result{fresh}, profile)
	require.NotNil(t, best)
	assert.Equal(t, fresh.Title, best.Title)
}

func TestFindBestMatchUnknownUploadDateNeverWaits(t *testing.T) {
	profile := defaultProfile()
	profile.WaitForBetterQuality = true
	profile.WaitHours = 24

	desired := Desired{Title: "The Matrix", Year: 1999}
	best := FindBestMatch(desired, []indexers.Result{
		candidate("The.Matrix.1999.720p.WEB-DL.x264-GROUP", 100, 4),
	}, profile)
	require.NotNil(t, best)
}

func TestFindBestMatchEmptyCandidates(t *testing.T) {
	assert.Nil(t, FindBestMatch(Desired{Title: "Anything"}, nil, defaultProfile()))
}

func TestScoreSizeDecay(t *testing.T) {
	profile := domain.ProfileConfig{MinSizeGB: 4, MaxSizeGB: 10}

	inBand := Score(candidate("The.Matrix.1999.1080p.BluRay.x264-GRP", 10, 8), profile)
	assert.Equal(t, 15, inBand.SizeFit)

	wayOver := Score(candidate("The.Matrix.1999.1080p.BluRay.x264-GRP", 10, 40), profile)
	assert.Zero(t, wayOver.SizeFit)

	slightlyOver := Score(candidate("The.Matrix.1999.1080p.BluRay.x264-GRP", 10, 12), profile)
	assert.Greater(t, slightlyOver.SizeFit, 0)
	assert.Less(t, slightlyOver.SizeFit, 15)

	unknown := Score(candidate("The.Matrix.1999.1080p.BluRay.x264-GRP", 10, 0), profile)
	assert.Zero(t, unknown.SizeFit)
}
