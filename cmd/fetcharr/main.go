// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/downloads"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/metrics"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/search"
	"github.com/fetcharr/fetcharr/internal/torrents"
	"github.com/fetcharr/fetcharr/internal/vpn"
)

func main() {
	config.InitDefaultLogger(buildinfo.Version)

	var rootCmd = &cobra.Command{
		Use:   "fetcharr",
		Short: "VPN-gated torrent acquisition daemon",
		Long: `fetcharr - search torrent indexers, pick the best release for a
quality profile and hand it to qBittorrent, but only over a verified VPN.`,
	}

	rootCmd.Version = buildinfo.Version

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand(buildinfo.Version))
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunSearchCommand())
	rootCmd.AddCommand(RunBestMatchCommand())
	rootCmd.AddCommand(RunAddCommand())
	rootCmd.AddCommand(RunListCommand())
	rootCmd.AddCommand(RunPauseCommand())
	rootCmd.AddCommand(RunResumeCommand())
	rootCmd.AddCommand(RunStatsCommand())
	rootCmd.AddCommand(RunVPNCommand())
	rootCmd.AddCommand(RunQueueCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the acquisition daemon",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/fetcharr/). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for database and other files (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stdout)")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath)
		app.runDaemon()
	}

	return command
}

func RunVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fetcharr",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var configPath string
			if configDir != "" {
				if strings.HasSuffix(strings.ToLower(configDir), ".toml") {
					configPath = configDir
				} else if info, err := os.Stat(configDir); err == nil && !info.IsDir() {
					configPath = configDir
				} else {
					configPath = filepath.Join(configDir, "config.toml")
				}
			} else {
				configPath = filepath.Join(config.GetDefaultConfigDir(), "config.toml")
			}

			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file already exists at %s", configPath)
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			cmd.Printf("Generated default config at %s\n", configPath)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

func (app *Application) runDaemon() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		os.Setenv("FETCHARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("FETCHARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting fetcharr")

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	registry, err := indexers.FromConfig(enabledIndexers(cfg.Config),
		time.Duration(cfg.Config.Search.SourceTimeoutSeconds)*time.Second)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build indexer registry")
	}
	if len(registry.All()) == 0 {
		log.Warn().Msg("No indexers enabled, searches will return nothing")
	}

	health := indexers.NewHealth()
	aggregator := search.NewAggregator(registry, health, search.Options{
		SourceTimeout:  time.Duration(cfg.Config.Search.SourceTimeoutSeconds) * time.Second,
		OverallTimeout: time.Duration(cfg.Config.Search.OverallTimeoutSeconds) * time.Second,
		MaxResults:     cfg.Config.Search.MaxResults,
	})

	gate, err := vpn.NewGateFromConfig(cfg.Config.VPN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize VPN gate")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to torrent client")
	}

	dstore := downloads.NewStore(db)
	machine := downloads.NewMachine(dstore, downloads.RetryPolicy{
		Delay:    time.Duration(cfg.Config.Queue.RetryDelaySeconds) * time.Second,
		MaxDelay: time.Duration(cfg.Config.Queue.MaxRetryDelaySeconds) * time.Second,
	})

	manager := queue.NewManager(queue.Deps{
		Store:     queue.NewStore(db),
		Downloads: machine,
		Search:    aggregator,
		Gate:      gate,
		Client:    client,
		Profiles:  cfg.Config.Profiles,
	}, queue.Options{
		Workers:      cfg.Config.Queue.Workers,
		PollInterval: time.Duration(cfg.Config.Queue.PollIntervalSeconds) * time.Second,
		ScanInterval: time.Duration(cfg.Config.Queue.ScanIntervalSeconds) * time.Second,
		MaxRetries:   cfg.Config.Queue.MaxRetries,
	})
	manager.Start(ctx)

	var metricsSrv *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsSrv = metrics.NewServer(cfg.Config.MetricsHost, cfg.Config.MetricsPort)
		go func() {
			if err := metricsSrv.Start(); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	cfg.RegisterReloadListener(func(newCfg *domain.Config) {
		log.Info().Str("logLevel", newCfg.LogLevel).Msg("Configuration reloaded")
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown

	log.Info().Msg("Shutting down")
	cancel()
	manager.Stop()

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
