// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package releases extracts structured metadata from free-text release
// names. Parsing is best-effort: garbled or missing tokens leave fields
// empty, never errors.
package releases

import (
	"regexp"
	"strconv"
	"strings"
)

// ContentType classifies a release name.
type ContentType string

const (
	ContentTypeMovie   ContentType = "movie"
	ContentTypeTV      ContentType = "tv"
	ContentTypeUnknown ContentType = "unknown"
)

// ParsedInfo is the structured view of a raw release name. It is derived
// data: recompute it from the name rather than persisting it on its own.
type ParsedInfo struct {
	Title    string
	Year     int
	Season   int
	Episode  int
	Quality  string
	Source   string
	Codec    string
	Audio    string
	Group    string
	Language string
	Proper   bool
	Repack   bool
	Type     ContentType
}

// HasEpisode reports whether a season/episode marker was found.
func (p ParsedInfo) HasEpisode() bool {
	return p.Season > 0 && p.Episode > 0
}

// Token vocabularies are fixed and matched as whole tokens, case
// insensitively. Substring matching would false-positive inside release
// group names (e.g. "DTS" inside "DTSCREW").
var qualityTokens = []string{"2160p", "1080p", "720p", "576p", "480p"}

// sourceAliases fold near-duplicate tokens into the canonical vocabulary.
var sourceAliases = map[string]string{
	"webdl":  "WEB-DL",
	"web-dl": "WEB-DL",
	"web":    "WEB-DL",
	"webrip": "WEBRip",
	"bdrip":  "BluRay",
	"brrip":  "BluRay",
	"bluray": "BluRay",
	"dvdrip": "DVD",
	"dvd":    "DVD",
	"hdtv":   "HDTV",
	"cam":    "CAM",
	"ts":     "TS",
}

var languageTokens = map[string]string{
	"multi":    "multi",
	"french":   "french",
	"german":   "german",
	"italian":  "italian",
	"spanish":  "spanish",
	"nordic":   "nordic",
	"japanese": "japanese",
	"korean":   "korean",
}

// Codec and audio tags carry dots and dashes that the token splitter
// destroys, so they are scanned on the raw name in priority order.
type taggedPattern struct {
	canonical string
	re        *regexp.Regexp
}

var codecPatterns = []taggedPattern{
	{"x264", regexp.MustCompile(`(?i)\bx264\b`)},
	{"x265", regexp.MustCompile(`(?i)\bx265\b`)},
	{"H.264", regexp.MustCompile(`(?i)\bH\.?264\b`)},
	{"H.265", regexp.MustCompile(`(?i)\bH\.?265\b`)},
	{"HEVC", regexp.MustCompile(`(?i)\bHEVC\b`)},
	{"AV1", regexp.MustCompile(`(?i)\bAV1\b`)},
	{"XviD", regexp.MustCompile(`(?i)\bXviD\b`)},
}

var audioPatterns = []taggedPattern{
	{"Atmos", regexp.MustCompile(`(?i)\bAtmos\b`)},
	{"TrueHD", regexp.MustCompile(`(?i)\bTrueHD\b`)},
	{"DTS-HD", regexp.MustCompile(`(?i)\bDTS-HD\b`)},
	{"DTS", regexp.MustCompile(`(?i)\bDTS\b`)},
	{"DDP5.1", regexp.MustCompile(`(?i)\bDDP5\.1\b`)},
	{"DD5.1", regexp.MustCompile(`(?i)\bDD5\.1\b`)},
	{"DDP", regexp.MustCompile(`(?i)\bDDP\b`)},
	{"EAC3", regexp.MustCompile(`(?i)\bEAC3\b`)},
	{"AC3", regexp.MustCompile(`(?i)\bAC3\b`)},
	{"AAC", regexp.MustCompile(`(?i)\bAAC\b`)},
	{"FLAC", regexp.MustCompile(`(?i)\bFLAC\b`)},
	{"MP3", regexp.MustCompile(`(?i)\bMP3\b`)},
}

var (
	// Season/episode markers are checked before bare year tokens; an
	// episode tag contains digit runs that can look like a year.
	episodeRe     = regexp.MustCompile(`(?i)\bS(\d{1,2})[\s._-]?E(\d{1,3})\b`)
	altEpisodeRe  = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)
	seasonOnlyRe  = regexp.MustCompile(`(?i)\bS(\d{1,2})\b`)
	seasonTokenRe = regexp.MustCompile(`(?i)^s\d{1,2}(e\d{1,3})?$`)
	yearRe        = regexp.MustCompile(`\b(19\d{2}|20\d{2})\b`)
	tokenSplitRe  = regexp.MustCompile(`[.\s_()\[\]]+`)
	groupTailRe   = regexp.MustCompile(`-([A-Za-z0-9]{2,16})$`)
	numericRe     = regexp.MustCompile(`^\d+$`)
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]+`)
	multiSpaceRe  = regexp.MustCompile(`\s+`)
	properTokenRe = regexp.MustCompile(`(?i)\bPROPER\b`)
	repackTokenRe = regexp.MustCompile(`(?i)\bREPACK\b`)
)

// reservedGroupTokens are vocabulary fragments that can trail a dash and
// must not be mistaken for a release group ("WEB-DL" ends in "-DL").
var reservedGroupTokens = map[string]struct{}{
	"dl": {}, "dd": {}, "hd": {}, "web": {}, "rip": {},
	"x264": {}, "x265": {}, "hevc": {}, "h264": {}, "h265": {}, "av1": {}, "xvid": {},
	"bluray": {}, "webdl": {}, "webrip": {}, "hdtv": {}, "dvd": {}, "dvdrip": {},
	"2160p": {}, "1080p": {}, "720p": {}, "576p": {}, "480p": {},
	"aac": {}, "ac3": {}, "dts": {}, "flac": {}, "mp3": {}, "atmos": {}, "truehd": {},
	"proper": {}, "repack": {}, "internal": {}, "limited": {}, "extended": {},
}

// Parse extracts structured metadata from a raw release name. It never
// fails; anything it cannot recognize is simply left unset.
func Parse(raw string) ParsedInfo {
	info := ParsedInfo{Type: ContentTypeUnknown}

	name := strings.TrimSpace(raw)
	if name == "" {
		return info
	}

	// Episode markers first: "S02E19" would otherwise surrender "2019"
	// to the year scan.
	episodeEnd := -1
	if m := episodeRe.FindStringSubmatchIndex(name); m != nil {
		info.Season = atoi(name[m[2]:m[3]])
		info.Episode = atoi(name[m[4]:m[5]])
		episodeEnd = m[0]
	} else if m := altEpisodeRe.FindStringSubmatchIndex(name); m != nil {
		info.Season = atoi(name[m[2]:m[3]])
		info.Episode = atoi(name[m[4]:m[5]])
		episodeEnd = m[0]
	}

	yearStart := -1
	stripped := name
	if episodeEnd >= 0 {
		// Only look for a year left of the episode tag; digits to the
		// right belong to quality and codec noise.
		stripped = name[:episodeEnd]
	}
	if m := yearRe.FindStringIndex(stripped); m != nil {
		info.Year = atoi(stripped[m[0]:m[1]])
		yearStart = m[0]
	}

	for _, tok := range tokenSplitRe.Split(name, -1) {
		lower := strings.ToLower(tok)
		trimmed := strings.Trim(lower, "-")
		if trimmed == "" {
			continue
		}

		if info.Quality == "" {
			for _, q := range qualityTokens {
				if trimmed == q {
					info.Quality = q
					break
				}
			}
		}
		if info.Source == "" {
			if canonical, ok := sourceAliases[lower]; ok {
				info.Source = canonical
			} else if canonical, ok := sourceAliases[trimmed]; ok {
				info.Source = canonical
			}
		}
		if info.Language == "" {
			if lang, ok := languageTokens[trimmed]; ok {
				info.Language = lang
			}
		}
	}

	for _, p := range codecPatterns {
		if p.re.MatchString(name) {
			info.Codec = p.canonical
			break
		}
	}
	for _, p := range audioPatterns {
		if p.re.MatchString(name) {
			info.Audio = p.canonical
			break
		}
	}

	info.Proper = properTokenRe.MatchString(name)
	info.Repack = repackTokenRe.MatchString(name)

	info.Group = extractGroup(name)
	info.Title = extractTitle(name, episodeEnd, yearStart)

	// Season-pack names ("Show.S01.1080p...") still classify as tv.
	switch {
	case info.Season > 0 || info.Episode > 0:
		info.Type = ContentTypeTV
	case seasonOnlyRe.MatchString(name) && info.Year == 0:
		if m := seasonOnlyRe.FindStringSubmatch(name); m != nil {
			info.Season = atoi(m[1])
		}
		info.Type = ContentTypeTV
	case info.Year > 0:
		info.Type = ContentTypeMovie
	}

	return info
}

// extractGroup applies the trailing dash-delimited token heuristic: short,
// alphanumeric, no spaces, and not a vocabulary fragment.
func extractGroup(name string) string {
	m := groupTailRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	candidate := m[1]
	if _, reserved := reservedGroupTokens[strings.ToLower(candidate)]; reserved {
		return ""
	}
	// Purely numeric tails are usually part of a version or date.
	if numericRe.MatchString(candidate) {
		return ""
	}
	return candidate
}

// extractTitle takes everything before the first structural marker
// (episode tag, year, season tag, or a vocabulary token) and joins it
// with spaces.
func extractTitle(name string, episodeEnd, yearStart int) string {
	end := len(name)
	if episodeEnd >= 0 && episodeEnd < end {
		end = episodeEnd
	}
	if yearStart >= 0 && yearStart < end {
		end = yearStart
	}

	var out []string
	for _, tok := range tokenSplitRe.Split(name[:end], -1) {
		trimmed := strings.Trim(tok, "-")
		if trimmed == "" {
			continue
		}
		if isStructuralToken(strings.ToLower(trimmed)) {
			break
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, " ")
}

func isStructuralToken(lower string) bool {
	for _, q := range qualityTokens {
		if lower == q {
			return true
		}
	}
	if _, ok := sourceAliases[lower]; ok {
		return true
	}
	if seasonTokenRe.MatchString(lower) {
		return true
	}
	switch lower {
	case "proper", "repack", "internal", "limited", "extended", "remastered":
		return true
	}
	return false
}

// NormalizeTitle lower-cases, strips non-alphanumerics and collapses
// whitespace. Two releases of the same content normalize identically
// regardless of separator style.
func NormalizeTitle(s string) string {
	lower := strings.ToLower(s)
	lower = nonAlnumRe.ReplaceAllString(lower, " ")
	lower = multiSpaceRe.ReplaceAllString(lower, " ")
	return strings.TrimSpace(lower)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
