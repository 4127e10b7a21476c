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

var piratebayTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://open.stealth.si:80/announce",
	"udp://tracker.torrent.eu.org:451/announce",
}

// PirateBay queries the apibay JSON endpoint that fronts The Pirate Bay.
type PirateBay struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

func NewPirateBay(name, baseURL string, timeout time.Duration) *PirateBay {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://apibay.org"
	}
	return &PirateBay{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *PirateBay) Name() string { return p.name }

type apibayItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	InfoHash string `json:"info_hash"`
	Seeders  string `json:"seeders"`
	Leechers string `json:"leechers"`
	Size     string `json:"size"`
	Added    string `json:"added"`
}

func (p *PirateBay) Search(ctx context.Context, opts SearchOptions) ([]Result, error) {
	query := buildQuery(opts)

	reqURL := fmt.Sprintf("%s/q.php?q=%s", p.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build apibay request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "apibay request to %s failed", p.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &SearchError{StatusCode: resp.StatusCode, URL: p.baseURL}
	}

	var items []apibayItem
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxTorznabResponseBytes)).Decode(&items); err != nil {
		return nil, errors.Wrapf(err, "failed to decode apibay response from %s", p.name)
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		// apibay signals "no results" with a single placeholder row.
		if item.ID == "0" || strings.EqualFold(item.Name, "No results returned") {
			continue
		}

		uri, err := magnet.Build(item.InfoHash, item.Name, piratebayTrackers)
		if err != nil {
			log.Debug().Str("indexer", p.name).Str("hash", item.InfoHash).Msg("skipping apibay row with invalid hash")
			continue
		}

		r := Result{
			Title:           item.Name,
			NormalizedTitle: releases.NormalizeTitle(item.Name),
			MagnetURI:       uri,
			InfoHash:        strings.ToLower(item.InfoHash),
			Source:          p.name,
			SourceURL:       fmt.Sprintf("%s/description.php?id=%s", p.baseURL, item.ID),
			Parsed:          releases.Parse(item.Name),
		}
		r.Seeders, _ = strconv.Atoi(item.Seeders)
		r.Leechers, _ = strconv.Atoi(item.Leechers)
		r.Size, _ = strconv.ParseInt(item.Size, 10, 64)
		if added, err := strconv.ParseInt(item.Added, 10, 64); err == nil && added > 0 {
			r.UploadDate = time.Unix(added, 0).UTC()
		}

		results = append(results, r)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}

	log.Debug().Str("indexer", p.name).Int("results", len(results)).Msg("apibay search complete")
	return results, nil
}
