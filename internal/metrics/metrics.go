// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes Prometheus instrumentation for searches,
// downloads and the acquisition queue.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	SearchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_searches_total",
		Help: "Total number of aggregated searches executed.",
	})

	SearchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_search_failures_total",
		Help: "Per-source search failures.",
	}, []string{"source"})

	DownloadsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_downloads_started_total",
		Help: "Downloads handed to the torrent client.",
	})

	DownloadsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_downloads_completed_total",
		Help: "Downloads that reached the completed state.",
	})

	DownloadsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcharr_downloads_failed_total",
		Help: "Downloads that reached the failed state.",
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fetcharr_queue_depth",
		Help: "Acquisition requests currently pending or in flight.",
	})

	VPNLeakChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcharr_vpn_leak_checks_total",
		Help: "VPN leak test outcomes.",
	}, []string{"outcome"})
)

// Server serves the Prometheus scrape endpoint.
type Server struct {
	srv *http.Server
}

func NewServer(host string, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("metrics endpoint listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
