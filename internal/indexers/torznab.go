// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package indexers

import (
	"context"
	"encoding/xml"
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

const maxTorznabResponseBytes int64 = 16 << 20 // 16 MiB safety limit for feed bodies

// SearchError represents an HTTP error from an indexer API.
// It preserves the status code for rate-limit detection.
type SearchError struct {
	StatusCode int
	URL        string
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search against %s returned status %d", e.URL, e.StatusCode)
}

func (e *SearchError) Is(target error) bool {
	_, ok := target.(*SearchError)
	return ok
}

// IsRateLimited returns true if this error indicates rate limiting (HTTP 429).
func (e *SearchError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Torznab queries a torznab-compatible API (Jackett, Prowlarr, or a
// native indexer endpoint) over its XML feed.
type Torznab struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewTorznab(name, baseURL, apiKey string, timeout time.Duration) *Torznab {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Torznab{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *Torznab) Name() string { return t.name }

type torznabFeed struct {
	Channel struct {
		Items []torznabItem `xml:"item"`
	} `xml:"channel"`
}

type torznabItem struct {
	Title   string        `xml:"title"`
	GUID    string        `xml:"guid"`
	Link    string        `xml:"link"`
	Size    int64         `xml:"size"`
	PubDate string        `xml:"pubDate"`
	Attrs   []torznabAttr `xml:"attr"`
}

type torznabAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

func (i torznabItem) attr(name string) string {
	for _, a := range i.Attrs {
		if strings.EqualFold(a.Name, name) {
			return a.Value
		}
	}
	return ""
}

func (t *Torznab) Search(ctx context.Context, opts SearchOptions) ([]Result, error) {
	q := url.Values{}
	q.Set("t", "search")
	q.Set("apikey", t.apiKey)
	q.Set("q", buildQuery(opts))
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	reqURL := fmt.Sprintf("%s/api?%s", t.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build torznab request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "torznab request to %s failed", t.name)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &SearchError{StatusCode: resp.StatusCode, URL: t.baseURL}
	}

	var feed torznabFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxTorznabResponseBytes)).Decode(&feed); err != nil {
		return nil, errors.Wrapf(err, "failed to decode torznab feed from %s", t.name)
	}

	results := make([]Result, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		r := Result{
			Title:           item.Title,
			NormalizedTitle: releases.NormalizeTitle(item.Title),
			Size:            item.Size,
			Source:          t.name,
			SourceURL:       item.GUID,
			Parsed:          releases.Parse(item.Title),
		}
		if r.SourceURL == "" {
			r.SourceURL = item.Link
		}

		r.Seeders = atoiAttr(item.attr("seeders"))
		if peers := atoiAttr(item.attr("peers")); peers >= r.Seeders {
			r.Leechers = peers - r.Seeders
		}
		if r.Size == 0 {
			r.Size = int64(atoiAttr(item.attr("size")))
		}
		if item.PubDate != "" {
			if ts, err := time.Parse(time.RFC1123Z, item.PubDate); err == nil {
				r.UploadDate = ts
			}
		}

		if magnetURL := item.attr("magneturl"); magnet.IsMagnet(magnetURL) {
			r.MagnetURI = magnetURL
		} else if magnet.IsMagnet(item.Link) {
			r.MagnetURI = item.Link
		}

		if hash := item.attr("infohash"); hash != "" {
			r.InfoHash = strings.ToLower(hash)
		} else if r.MagnetURI != "" {
			if hash, err := magnet.InfoHash(r.MagnetURI); err == nil {
				r.InfoHash = hash
			}
		}
		if r.MagnetURI == "" && r.InfoHash != "" {
			if uri, err := magnet.Build(r.InfoHash, item.Title, nil); err == nil {
				r.MagnetURI = uri
			}
		}

		results = append(results, r)
	}

	log.Debug().Str("indexer", t.name).Int("results", len(results)).Msg("torznab search complete")
	return results, nil
}

// MagnetLink resolves a torznab download link to a magnet URI by
// following the redirect Jackett-style endpoints emit.
func (t *Torznab) MagnetLink(ctx context.Context, sourceURL string) (string, error) {
	if magnet.IsMagnet(sourceURL) {
		return sourceURL, nil
	}

	client := &http.Client{
		Timeout: t.httpClient.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build magnet resolve request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "magnet resolve against %s failed", t.name)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if magnet.IsMagnet(loc) {
			return loc, nil
		}
	}
	return "", ErrMagnetUnsupported
}

func buildQuery(opts SearchOptions) string {
	parts := []string{opts.Query}
	if opts.Season > 0 && opts.Episode > 0 {
		parts = append(parts, fmt.Sprintf("S%02dE%02d", opts.Season, opts.Episode))
	} else if opts.Season > 0 {
		parts = append(parts, fmt.Sprintf("S%02d", opts.Season))
	} else if opts.Year > 0 {
		parts = append(parts, strconv.Itoa(opts.Year))
	}
	return strings.Join(parts, " ")
}

func atoiAttr(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
