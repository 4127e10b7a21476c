// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package search

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/indexers"
)

type fakeSearcher struct {
	name    string
	results []indexers.Result
	err     error
	delay   time.Duration
}

func (f *fakeSearcher) Name() string { return f.name }

func (f *fakeSearcher) Search(ctx context.Context, opts indexers.SearchOptions) ([]indexers.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func result(title string, seeders int, source string) indexers.Result {
	return indexers.Result{
		Title:           title,
		NormalizedTitle: normalize(title),
		Seeders:         seeders,
		Source:          source,
	}
}

func normalize(title string) string {
	// Mirrors releases.NormalizeTitle for simple inputs.
	out := make([]rune, 0, len(title))
	for _, r := range title {
		switch {
		case r >= 'A' && r <= 'Z':
			out = append(out, r+('a'-'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			out = append(out, r)
		default:
			out = append(out, ' ')
		}
	}
	return string(out)
}

func newTestAggregator(opts Options, searchers ...indexers.Searcher) (*Aggregator, *indexers.Health) {
	reg := indexers.NewRegistry()
	for _, s := range searchers {
		reg.Register(s)
	}
	health := indexers.NewHealth()
	return NewAggregator(reg, health, opts), health
}

func TestSearchMergesAndSorts(t *testing.T) {
	agg, _ := newTestAggregator(Options{},
		&fakeSearcher{name: "a", results: []indexers.Result{result("Release One", 10, "a")}},
		&fakeSearcher{name: "b", results: []indexers.Result{result("Release Two", 50, "b"), result("Release Three", 5, "b")}},
	)

	got := agg.Search(context.Background(), indexers.SearchOptions{Query: "release"})
	require.Len(t, got, 3)
	assert.Equal(t, "Release Two", got[0].Title)
	assert.Equal(t, "Release One", got[1].Title)
	assert.Equal(t, "Release Three", got[2].Title)
}

func TestSearchFailureIsolation(t *testing.T) {
	agg, health := newTestAggregator(Options{},
		&fakeSearcher{name: "broken", err: errors.New("connection refused")},
		&fakeSearcher{name: "working", results: []indexers.Result{result("Release", 3, "working")}},
	)

	got := agg.Search(context.Background(), indexers.SearchOptions{Query: "release"})
	require.Len(t, got, 1)
	assert.Equal(t, "working", got[0].Source)

	failures, lastErr, _ := health.Status("broken")
	assert.Equal(t, 1, failures)
	assert.Contains(t, lastErr, "connection refused")

	failures, _, _ = health.Status("working")
	assert.Zero(t, failures)
}

func TestSearchPerSourceTimeout(t *testing.T) {
	agg, _ := newTestAggregator(Options{SourceTimeout: 50 * time.Millisecond},
		&fakeSearcher{name: "slow", delay: 5 * time.Second, results: []indexers.Result{result("Never", 99, "slow")}},
		&fakeSearcher{name: "fast", results: []indexers.Result{result("Release", 3, "fast")}},
	)

	start := time.Now()
	got := agg.Search(context.Background(), indexers.SearchOptions{Query: "release"})
	require.Len(t, got, 1)
	assert.Equal(t, "fast", got[0].Source)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSearchOverallTimeoutReturnsPartial(t *testing.T) {
	agg, _ := newTestAggregator(Options{SourceTimeout: 10 * time.Second, OverallTimeout: 100 * time.Millisecond},
		&fakeSearcher{name: "slow", delay: 5 * time.Second},
		&fakeSearcher{name: "fast", results: []indexers.Result{result("Release", 3, "fast")}},
	)

	got := agg.Search(context.Background(), indexers.SearchOptions{Query: "release"})
	require.Len(t, got, 1)
	assert.Equal(t, "fast", got[0].Source)
}

func TestSearchNoSources(t *testing.T) {
	agg, _ := newTestAggregator(Options{})
	assert.Empty(t, agg.Search(context.Background(), indexers.SearchOptions{Query: "anything"}))
}

func TestSearchMaxResults(t *testing.T) {
	agg, _ := newTestAggregator(Options{MaxResults: 2},
		&fakeSearcher{name: "a", results: []indexers.Result{
			result("One", 1, "a"), result("Two", 2, "a"), result("Three", 3, "a"),
		}},
	)

	got := agg.Search(context.Background(), indexers.SearchOptions{Query: "x"})
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Seeders)
	assert.Equal(t, 2, got[1].Seeders)
}

func TestDedupeKeepsHigherSeeders(t *testing.T) {
	in := []indexers.Result{
		result("Same Release", 10, "a"),
		result("same release", 40, "b"),
		result("Other Release", 5, "a"),
	}

	out := Dedupe(in)
	require.Len(t, out, 2)
	assert.Equal(t, 40, out[0].Seeders)
	assert.Equal(t, "b", out[0].Source)
	assert.Equal(t, "Other Release", out[1].Title)
}

func TestDedupeTieKeepsFirstSeen(t *testing.T) {
	in := []indexers.Result{
		result("Same Release", 10, "first"),
		result("Same Release", 10, "second"),
	}

	out := Dedupe(in)
	require.Len(t, out, 1)
	assert.Equal(t, "first", out[0].Source)
}

func TestDedupeIdempotent(t *testing.T) {
	in := []indexers.Result{
		result("A", 1, "x"),
		result("A", 9, "y"),
		result("B", 2, "x"),
	}

	once := Dedupe(in)
	twice := Dedupe(once)
	assert.Equal(t, once, twice)
}
