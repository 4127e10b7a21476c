// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package matcher picks the best release for a request according to a
// quality profile. Scoring is additive over five factors and bounded
// at 100 so scores stay comparable across requests.
package matcher

import (
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/releases"
)

// Factor weights. The per-factor maxima sum to 100.
const (
	qualityWeight = 30
	sourceWeight  = 25
	seedersWeight = 20
	sizeWeight    = 15
	groupWeight   = 10
)

// defaultSourceOrder ranks sources when a profile does not express a
// preference.
var defaultSourceOrder = []string{"BluRay", "WEB-DL", "WEBRip", "HDTV", "DVD"}

// Desired identifies the content being requested.
type Desired struct {
	Title   string
	Year    int
	Season  int
	Episode int
}

// FindBestMatch filters candidates against the profile's hard
// requirements, scores the survivors and returns the winner, or nil
// when nothing qualifies. Ties break on score, then seeders, then
// earlier upload date. Candidates are not mutated; the returned copy
// carries its score and breakdown.
func FindBestMatch(desired Desired, candidates []indexers.Result, profile domain.ProfileConfig) *indexers.Result {
	var best *indexers.Result

	for i := range candidates {
		c := candidates[i]

		if !titleMatches(desired, c) {
			continue
		}
		if c.Seeders < profile.MinSeeders {
			continue
		}
		if containsFold(profile.ExcludedSources, c.Parsed.Source) {
			continue
		}
		if c.Parsed.Group != "" && containsFold(profile.ExcludedGroups, c.Parsed.Group) {
			continue
		}

		breakdown := Score(c, profile)
		scored := c
		scored.Score = breakdown.Total()
		scored.Breakdown = &breakdown

		if best == nil || better(scored, *best) {
			best = &scored
		}
	}

	if best != nil && deferForBetterQuality(*best, profile) {
		log.Info().
			Str("title", best.Title).
			Str("quality", best.Parsed.Quality).
			Int("waitHours", profile.WaitHours).
			Msg("best match is below the preferred quality, waiting for a better release")
		return nil
	}

	if best != nil {
		log.Debug().
			Str("title", best.Title).
			Int("score", best.Score).
			Str("breakdown", best.Breakdown.String()).
			Msg("selected best match")
	}
	return best
}

// deferForBetterQuality reports whether the winner should be held back
// because the profile prefers to wait for its top quality. A release
// is held only while it is younger than the profile's wait window;
// once the window lapses the second choice is taken. Unknown upload
// dates are never held.
func deferForBetterQuality(best indexers.Result, profile domain.ProfileConfig) bool {
	if !profile.WaitForBetterQuality || profile.WaitHours <= 0 {
		return false
	}
	if len(profile.PreferredQualities) == 0 {
		return false
	}
	if strings.EqualFold(best.Parsed.Quality, profile.PreferredQualities[0]) {
		return false
	}
	if best.UploadDate.IsZero() {
		return false
	}
	return time.Since(best.UploadDate) < time.Duration(profile.WaitHours)*time.Hour
}

// better reports whether a should replace b as the current winner.
func better(a, b indexers.Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Seeders != b.Seeders {
		return a.Seeders > b.Seeders
	}
	// Earlier uploads have had longer to prove themselves healthy.
	if !a.UploadDate.IsZero() && !b.UploadDate.IsZero() {
		return a.UploadDate.Before(b.UploadDate)
	}
	return false
}

// Score computes the per-factor breakdown for one candidate. Each
// factor contributes at most its weight, so Total never exceeds 100.
func Score(c indexers.Result, profile domain.ProfileConfig) indexers.ScoreBreakdown {
	return indexers.ScoreBreakdown{
		Quality: scoreRanked(c.Parsed.Quality, profile.PreferredQualities, qualityWeight),
		Source:  scoreSource(c.Parsed.Source, profile.PreferredSources),
		Seeders: scoreSeeders(c.Seeders),
		SizeFit: scoreSize(c, profile),
		Group:   scoreGroup(c.Parsed.Group, profile.PreferredGroups),
	}
}

// titleMatches guards against grabbing the wrong content entirely. It
// parses both sides with rls and compares normalized titles, falling
// back to a strict fuzzy containment check for punctuation drift.
func titleMatches(desired Desired, c indexers.Result) bool {
	wanted := rls.ParseString(desired.Title)
	got := rls.ParseString(c.Title)

	wantNorm := normalizeForComparison(wanted.Title)
	gotNorm := normalizeForComparison(got.Title)
	if wantNorm == "" || gotNorm == "" {
		return false
	}

	if wantNorm != gotNorm && !fuzzy.MatchNormalizedFold(wantNorm, gotNorm) {
		return false
	}
	// "The Matrix" must not fuzzily swallow "The Matrix Reloaded".
	if wantNorm != gotNorm && len(gotNorm) > len(wantNorm)+4 {
		return false
	}

	if desired.Year > 0 && c.Parsed.Year > 0 && desired.Year != c.Parsed.Year {
		return false
	}
	if desired.Episode > 0 {
		if c.Parsed.Season != desired.Season || c.Parsed.Episode != desired.Episode {
			return false
		}
	} else if desired.Season > 0 && c.Parsed.Season != desired.Season {
		return false
	}
	return true
}

// normalizeForComparison strips punctuation that commonly differs
// between space-separated and dot-separated release name formats.
func normalizeForComparison(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	title = strings.ReplaceAll(title, "'", "")
	title = strings.ReplaceAll(title, "’", "")
	title = strings.ReplaceAll(title, ":", "")
	title = strings.ReplaceAll(title, "-", " ")
	return strings.Join(strings.Fields(title), " ")
}

// scoreRanked awards the full weight to the first preferred value and
// proportionally less further down the list. Values outside the list
// score zero; an empty list is indifferent and awards a flat half.
func scoreRanked(value string, preferred []string, weight int) int {
	if value == "" {
		return 0
	}
	if len(preferred) == 0 {
		return weight / 2
	}
	for i, p := range preferred {
		if strings.EqualFold(p, value) {
			return weight * (len(preferred) - i) / len(preferred)
		}
	}
	return 0
}

func scoreSource(source string, preferred []string) int {
	if len(preferred) > 0 {
		return scoreRanked(source, preferred, sourceWeight)
	}
	return scoreRanked(source, defaultSourceOrder, sourceWeight)
}

// scoreSeeders is a step curve: health matters, but 500 seeders is not
// meaningfully better than 100.
func scoreSeeders(seeders int) int {
	switch {
	case seeders >= 100:
		return 20
	case seeders >= 50:
		return 16
	case seeders >= 20:
		return 12
	case seeders >= 5:
		return 8
	case seeders >= 1:
		return 4
	default:
		return 0
	}
}

// scoreSize awards the full weight inside the acceptable band and
// decays linearly outside of it, hitting zero at half the minimum or
// double the maximum. Unknown sizes score zero.
func scoreSize(c indexers.Result, profile domain.ProfileConfig) int {
	if c.Size <= 0 {
		return 0
	}

	minGB, maxGB := profile.MinSizeGB, profile.MaxSizeGB
	if minGB <= 0 && maxGB <= 0 {
		minGB, maxGB = defaultSizeBand(c.Parsed)
	}

	sizeGB := float64(c.Size) / (1 << 30)
	switch {
	case minGB > 0 && sizeGB < minGB:
		floor := minGB / 2
		if sizeGB <= floor {
			return 0
		}
		return int(float64(sizeWeight) * (sizeGB - floor) / (minGB - floor))
	case maxGB > 0 && sizeGB > maxGB:
		ceil := maxGB * 2
		if sizeGB >= ceil {
			return 0
		}
		return int(float64(sizeWeight) * (ceil - sizeGB) / (ceil - maxGB))
	default:
		return sizeWeight
	}
}

// defaultSizeBand returns plausible size bounds in GB for a release
// when the profile does not constrain size.
func defaultSizeBand(p releases.ParsedInfo) (minGB, maxGB float64) {
	episode := p.Type == releases.ContentTypeTV && p.Episode > 0
	switch p.Quality {
	case "2160p":
		if episode {
			return 2, 15
		}
		return 10, 60
	case "1080p":
		if episode {
			return 0.8, 6
		}
		return 4, 25
	case "720p":
		if episode {
			return 0.3, 3
		}
		return 1, 10
	default:
		if episode {
			return 0.1, 3
		}
		return 0.5, 12
	}
}

func scoreGroup(group string, preferred []string) int {
	if group == "" {
		return 0
	}
	if containsFold(preferred, group) {
		return groupWeight
	}
	return 0
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
