// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package search fans a query out to every configured indexer and
// merges the answers into one deduplicated, seeder-sorted list.
package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/metrics"
)

const (
	defaultSourceTimeout  = 30 * time.Second
	defaultOverallTimeout = 2 * time.Minute
)

// Options tune aggregator behavior. Zero values fall back to defaults.
type Options struct {
	SourceTimeout  time.Duration
	OverallTimeout time.Duration
	MaxResults     int
}

// Aggregator queries all registered sources concurrently. One slow or
// broken source never sinks the others: its results are simply absent.
type Aggregator struct {
	registry *indexers.Registry
	health   *indexers.Health
	opts     Options
}

func NewAggregator(registry *indexers.Registry, health *indexers.Health, opts Options) *Aggregator {
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = defaultSourceTimeout
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = defaultOverallTimeout
	}
	return &Aggregator{registry: registry, health: health, opts: opts}
}

type sourceResult struct {
	source  string
	results []indexers.Result
	err     error
}

// Search queries every source and returns the merged result list. It
// never returns an error: per-source failures are logged and recorded
// in health, and whatever arrived before the overall deadline is kept.
func (a *Aggregator) Search(ctx context.Context, opts indexers.SearchOptions) []indexers.Result {
	sources := a.registry.All()
	if len(sources) == 0 {
		log.Warn().Msg("search requested but no indexers are configured")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.opts.OverallTimeout)
	defer cancel()

	metrics.SearchesTotal.Inc()

	resultsChan := make(chan sourceResult, len(sources))
	for _, src := range sources {
		go func(s indexers.Searcher) {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in indexer goroutine: %v", r)
					log.Error().Err(err).Str("indexer", s.Name()).Msg("recovered from panic in indexer search")
					resultsChan <- sourceResult{source: s.Name(), err: err}
				}
			}()

			srcCtx, srcCancel := context.WithTimeout(ctx, a.opts.SourceTimeout)
			defer srcCancel()

			start := time.Now()
			results, err := s.Search(srcCtx, opts)
			log.Debug().
				Str("indexer", s.Name()).
				Int("results", len(results)).
				Dur("elapsed", time.Since(start)).
				Msg("indexer search finished")
			resultsChan <- sourceResult{source: s.Name(), results: results, err: err}
		}(src)
	}

	var merged []indexers.Result
	failures := 0
	for range sources {
		select {
		case <-ctx.Done():
			log.Warn().
				Int("collected", len(merged)).
				Msg("overall search deadline hit, returning partial results")
			return a.finalize(merged)
		case res := <-resultsChan:
			if res.err != nil {
				failures++
				metrics.SearchFailuresTotal.WithLabelValues(res.source).Inc()
				if a.health != nil {
					a.health.RecordFailure(res.source, res.err)
				}
				log.Warn().Err(res.err).Str("indexer", res.source).Msg("indexer search failed")
				continue
			}
			if a.health != nil {
				a.health.RecordSuccess(res.source)
			}
			merged = append(merged, res.results...)
		}
	}

	log.Debug().
		Int("sources", len(sources)).
		Int("failed", failures).
		Int("results", len(merged)).
		Msg("search fan-out complete")

	return a.finalize(merged)
}

func (a *Aggregator) finalize(results []indexers.Result) []indexers.Result {
	out := Dedupe(results)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Seeders > out[j].Seeders
	})
	if a.opts.MaxResults > 0 && len(out) > a.opts.MaxResults {
		out = out[:a.opts.MaxResults]
	}
	return out
}

// MagnetLink resolves a result's magnet URI, asking the originating
// source when the result carries none inline.
func (a *Aggregator) MagnetLink(ctx context.Context, result indexers.Result) (string, error) {
	if result.MagnetURI != "" {
		return result.MagnetURI, nil
	}
	src, ok := a.registry.Get(result.Source)
	if !ok {
		return "", indexers.ErrMagnetUnsupported
	}
	provider, ok := src.(indexers.MagnetProvider)
	if !ok {
		return "", indexers.ErrMagnetUnsupported
	}
	return provider.MagnetLink(ctx, result.SourceURL)
}

// Dedupe collapses results with identical normalized titles, keeping
// the entry with the most seeders. Ties keep the first seen, so the
// operation is idempotent and order-stable.
func Dedupe(results []indexers.Result) []indexers.Result {
	seen := make(map[string]int, len(results))
	out := make([]indexers.Result, 0, len(results))
	for _, r := range results {
		key := r.NormalizedTitle
		if key == "" {
			// Nothing meaningful to collapse on.
			out = append(out, r)
			continue
		}
		if idx, dup := seen[key]; dup {
			if r.Seeders > out[idx].Seeders {
				out[idx] = r
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, r)
	}
	return out
}
