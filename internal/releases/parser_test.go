// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package releases

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMovie(t *testing.T) {
	info := Parse("The.Matrix.1999.1080p.BluRay.x264-GROUP")

	assert.Equal(t, "The Matrix", info.Title)
	assert.Equal(t, 1999, info.Year)
	assert.Equal(t, "1080p", info.Quality)
	assert.Equal(t, "BluRay", info.Source)
	assert.Equal(t, "x264", info.Codec)
	assert.Equal(t, "GROUP", info.Group)
	assert.Equal(t, ContentTypeMovie, info.Type)
	assert.False(t, info.HasEpisode())
}

func TestParseEpisodeBeforeYear(t *testing.T) {
	// The digits in S02E19 must not be mistaken for a release year.
	info := Parse("Some.Show.S02E19.720p.HDTV.x264-TLA")

	assert.Equal(t, "Some Show", info.Title)
	assert.Equal(t, 0, info.Year)
	assert.Equal(t, 2, info.Season)
	assert.Equal(t, 19, info.Episode)
	assert.Equal(t, "720p", info.Quality)
	assert.Equal(t, "HDTV", info.Source)
	assert.Equal(t, ContentTypeTV, info.Type)
	assert.True(t, info.HasEpisode())
}

func TestParseShowWithYearAndEpisode(t *testing.T) {
	info := Parse("Cold.Case.2003.S01E04.1080p.WEB-DL.DD5.1.H.264-NTb")

	assert.Equal(t, "Cold Case", info.Title)
	assert.Equal(t, 2003, info.Year)
	assert.Equal(t, 1, info.Season)
	assert.Equal(t, 4, info.Episode)
	assert.Equal(t, "WEB-DL", info.Source)
	assert.Equal(t, "H.264", info.Codec)
	assert.Equal(t, "NTb", info.Group)
	assert.Equal(t, ContentTypeTV, info.Type)
}

func TestParseTable(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ParsedInfo
	}{
		{
			name: "webrip with alternate episode marker",
			raw:  "Another Show 3x07 WEBRip XviD",
			want: ParsedInfo{
				Title: "Another Show", Season: 3, Episode: 7,
				Source: "WEBRip", Codec: "XviD", Type: ContentTypeTV,
			},
		},
		{
			name: "season pack",
			raw:  "Great.Series.S03.2160p.WEB-DL.DDP5.1.HEVC-FLUX",
			want: ParsedInfo{
				Title: "Great Series", Season: 3,
				Quality: "2160p", Source: "WEB-DL", Codec: "HEVC",
				Audio: "DDP5.1", Group: "FLUX", Type: ContentTypeTV,
			},
		},
		{
			name: "proper repack flags",
			raw:  "Movie.Title.2020.PROPER.REPACK.1080p.BluRay.x265-EVO",
			want: ParsedInfo{
				Title: "Movie Title", Year: 2020, Quality: "1080p",
				Source: "BluRay", Codec: "x265", Group: "EVO",
				Proper: true, Repack: true, Type: ContentTypeMovie,
			},
		},
		{
			name: "web-dl dash tail is not a group",
			raw:  "Thing.2021.1080p.WEB-DL",
			want: ParsedInfo{
				Title: "Thing", Year: 2021, Quality: "1080p",
				Source: "WEB-DL", Type: ContentTypeMovie,
			},
		},
		{
			name: "bdrip folds to bluray",
			raw:  "Old.Film.1977.BDRip.x264-KiNGS",
			want: ParsedInfo{
				Title: "Old Film", Year: 1977, Source: "BluRay",
				Codec: "x264", Group: "KiNGS", Type: ContentTypeMovie,
			},
		},
		{
			name: "language token",
			raw:  "Film.2019.MULTI.1080p.BluRay.x264-LOST",
			want: ParsedInfo{
				Title: "Film", Year: 2019, Quality: "1080p",
				Source: "BluRay", Codec: "x264", Group: "LOST",
				Language: "multi", Type: ContentTypeMovie,
			},
		},
		{
			name: "no structural markers",
			raw:  "just some words",
			want: ParsedInfo{Title: "just some words", Type: ContentTypeUnknown},
		},
		{
			name: "empty",
			raw:  "",
			want: ParsedInfo{Type: ContentTypeUnknown},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.raw))
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The.Matrix", "the matrix"},
		{"The Matrix", "the matrix"},
		{"The_Matrix!!!", "the matrix"},
		{"  Spaced   Out  ", "spaced out"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTitle(tt.in), tt.in)
	}
}

func TestNormalizeTitleEquivalence(t *testing.T) {
	a := NormalizeTitle(Parse("The.Matrix.1999.1080p.BluRay.x264-GROUP").Title)
	b := NormalizeTitle(Parse("The Matrix (1999) 720p WEB-DL").Title)
	assert.Equal(t, a, b)
}
