// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/magnet"
	"github.com/fetcharr/fetcharr/internal/releases"
)

// ytsTrackers are appended to magnets built from bare info hashes so
// clients can find peers without DHT bootstrap.
var ytsTrackers = []string{
	"udp://open.demonii.com:1337/announce",
	"udp://tracker.openbittorrent.com:80",
	"udp://tracker.opentrackr.org:1337/announce",
}

// YTS queries the YTS movie API. Results are movies only; each torrent
// variant of a listing becomes its own result.
type YTS struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func NewYTS(name, baseURL string, timeout time.Duration) *YTS {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://yts.mx"
	}
	return &YTS{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (y *YTS) Name() string { return y.name }

type ytsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Movies []ytsMovie `json:"movies"`
	} `json:"data"`
}

type ytsMovie struct {
	Title    string       `json:"title"`
	Year     int          `json:"year"`
	URL      string       `json:"url"`
	Torrents []ytsTorrent `json:"torrents"`
}

type ytsTorrent struct {
	Hash         string `json:"hash"`
	Quality      string `json:"quality"`
	Type         string `json:"type"`
	Seeds        int    `json:"seeds"`
	Peers        int    `json:"peers"`
	SizeBytes    int64  `json:"size_bytes"`
	DateUploaded string `json:"date_uploaded"`
}

func (y *YTS) Search(ctx context.Context, opts SearchOptions) ([]Result, error) {
	q := url.Values{}
	q.Set("query_term", opts.Query)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	reqURL := fmt.Sprintf("%s/api/v2/list_movies.json?%s", y.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build yts request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "yts request to %s failed", y.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &SearchError{StatusCode: resp.StatusCode, URL: y.baseURL}
	}

	var payload ytsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTorznabResponseBytes)).Decode(&payload); err != nil {
		return nil, errors.Wrapf(err, "failed to decode yts response from %s", y.name)
	}
	if payload.Status != "ok" {
		return nil, errors.Errorf("yts %s returned status %q", y.name, payload.Status)
	}

	var results []Result
	for _, movie := range payload.Data.Movies {
		if opts.Year > 0 && movie.Year != opts.Year {
			continue
		}
		for _, tor := range movie.Torrents {
			// Synthesize a release-style name so downstream parsing and
			// scoring see the same shape as every other source.
			title := fmt.Sprintf("%s %d %s %s YTS", movie.Title, movie.Year, tor.Quality, normalizeYTSType(tor.Type))

			uri, err := magnet.Build(tor.Hash, title, ytsTrackers)
			if err != nil {
				log.Debug().Str("indexer", y.name).Str("hash", tor.Hash).Msg("skipping yts torrent with invalid hash")
				continue
			}

			r := Result{
				Title:           title,
				NormalizedTitle: releases.NormalizeTitle(title),
				MagnetURI:       uri,
				InfoHash:        strings.ToLower(tor.Hash),
				Size:            tor.SizeBytes,
				Seeders:         tor.Seeds,
				Leechers:        tor.Peers,
				Source:          y.name,
				SourceURL:       movie.URL,
				Parsed:          releases.Parse(title),
			}
			if ts, err := time.Parse("2006-01-02 15:04:05", tor.DateUploaded); err == nil {
				r.UploadDate = ts
			}
			results = append(results, r)
		}
	}

	log.Debug().Str("indexer", y.name).Int("results", len(results)).Msg("yts search complete")
	return results, nil
}

func normalizeYTSType(t string) string {
	switch strings.ToLower(t) {
	case "bluray":
		return "BluRay"
	case "web":
		return "WEB-DL"
	default:
		return t
	}
}
