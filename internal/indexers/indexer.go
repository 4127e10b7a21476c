// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package indexers defines the search source abstraction and the
// concrete torznab, YTS and apibay implementations.
package indexers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/releases"
)

// SearchOptions narrows a query. Zero values mean "any".
type SearchOptions struct {
	Query   string
	Year    int
	Season  int
	Episode int
	Limit   int
}

// Result is a single candidate from one indexer.
type Result struct {
	Title           string
	NormalizedTitle string
	MagnetURI       string
	InfoHash        string
	Size            int64
	Seeders         int
	Leechers        int
	UploadDate      time.Time
	Source          string
	SourceURL       string
	Parsed          releases.ParsedInfo
	Score           int
	Breakdown       *ScoreBreakdown
}

// ScoreBreakdown records the per-factor contribution behind a match
// score. Factors are additive and Total always equals their sum.
type ScoreBreakdown struct {
	Quality int
	Source  int
	Seeders int
	SizeFit int
	Group   int
}

func (b ScoreBreakdown) Total() int {
	return b.Quality + b.Source + b.Seeders + b.SizeFit + b.Group
}

func (b ScoreBreakdown) String() string {
	return fmt.Sprintf("quality=%d source=%d seeders=%d sizeFit=%d group=%d total=%d",
		b.Quality, b.Source, b.Seeders, b.SizeFit, b.Group, b.Total())
}

// Searcher is a single search source. Implementations must be safe for
// concurrent use.
type Searcher interface {
	Name() string
	Search(ctx context.Context, opts SearchOptions) ([]Result, error)
}

// MagnetProvider is implemented by searchers that can resolve a result
// URL into a magnet URI after the fact. Sources that inline magnets in
// their results return them directly.
type MagnetProvider interface {
	MagnetLink(ctx context.Context, sourceURL string) (string, error)
}

// ErrMagnetUnsupported is returned when a source cannot produce a
// magnet link for a result.
var ErrMagnetUnsupported = errors.New("indexers: source does not provide magnet links")

// Health tracks consecutive failures per source so operators can see a
// flapping indexer without scraping logs.
type Health struct {
	mu       sync.Mutex
	failures map[string]int
	lastErr  map[string]string
	lastOK   map[string]time.Time
}

func NewHealth() *Health {
	return &Health{
		failures: make(map[string]int),
		lastErr:  make(map[string]string),
		lastOK:   make(map[string]time.Time),
	}
}

func (h *Health) RecordSuccess(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[source] = 0
	delete(h.lastErr, source)
	h.lastOK[source] = time.Now()
}

func (h *Health) RecordFailure(source string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[source]++
	if err != nil {
		h.lastErr[source] = err.Error()
	}
}

// Status returns consecutive failure count and last error per source.
func (h *Health) Status(source string) (failures int, lastErr string, lastOK time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[source], h.lastErr[source], h.lastOK[source]
}

// Registry holds the configured searchers keyed by name.
type Registry struct {
	mu        sync.RWMutex
	searchers map[string]Searcher
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{searchers: make(map[string]Searcher)}
}

func (r *Registry) Register(s Searcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.searchers[s.Name()]; !dup {
		r.order = append(r.order, s.Name())
	}
	r.searchers[s.Name()] = s
}

func (r *Registry) Get(name string) (Searcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.searchers[name]
	return s, ok
}

// All returns searchers in registration order.
func (r *Registry) All() []Searcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Searcher, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.searchers[name])
	}
	return out
}

// FromConfig builds a registry from configured indexer entries. Unknown
// types are an error so a typo in config does not silently drop a source.
func FromConfig(configs []domain.IndexerConfig, timeout time.Duration) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		switch cfg.Type {
		case "torznab":
			reg.Register(NewTorznab(cfg.Name, cfg.BaseURL, cfg.APIKey, timeout))
		case "yts":
			reg.Register(NewYTS(cfg.Name, cfg.BaseURL, timeout))
		case "piratebay":
			reg.Register(NewPirateBay(cfg.Name, cfg.BaseURL, timeout))
		default:
			return nil, errors.Errorf("indexers: unknown indexer type %q for %q", cfg.Type, cfg.Name)
		}
	}
	return reg, nil
}
