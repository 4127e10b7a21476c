// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
	"github.com/fetcharr/fetcharr/internal/config"
	"github.com/fetcharr/fetcharr/internal/database"
	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/downloads"
	"github.com/fetcharr/fetcharr/internal/indexers"
	"github.com/fetcharr/fetcharr/internal/magnet"
	"github.com/fetcharr/fetcharr/internal/matcher"
	"github.com/fetcharr/fetcharr/internal/queue"
	"github.com/fetcharr/fetcharr/internal/search"
	"github.com/fetcharr/fetcharr/internal/torrents"
	"github.com/fetcharr/fetcharr/internal/vpn"
)

// loadConfig resolves the shared --config-dir flag into an AppConfig without
// touching the global logger, so one-shot commands keep quiet output.
func loadConfig(configDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func openDatabase(cfg *config.AppConfig) (*sql.DB, error) {
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// enabledIndexers applies the search.enabledSources allow-list on top of the
// per-indexer enabled flags. An empty allow-list keeps every enabled indexer.
func enabledIndexers(cfg *domain.Config) []domain.IndexerConfig {
	if len(cfg.Search.EnabledSources) == 0 {
		return cfg.Indexers
	}
	allowed := make(map[string]struct{}, len(cfg.Search.EnabledSources))
	for _, name := range cfg.Search.EnabledSources {
		allowed[name] = struct{}{}
	}
	var out []domain.IndexerConfig
	for _, ic := range cfg.Indexers {
		if _, ok := allowed[ic.Name]; ok {
			out = append(out, ic)
		}
	}
	return out
}

func buildAggregator(cfg *domain.Config) (*search.Aggregator, error) {
	registry, err := indexers.FromConfig(enabledIndexers(cfg),
		time.Duration(cfg.Search.SourceTimeoutSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	return search.NewAggregator(registry, indexers.NewHealth(), search.Options{
		SourceTimeout:  time.Duration(cfg.Search.SourceTimeoutSeconds) * time.Second,
		OverallTimeout: time.Duration(cfg.Search.OverallTimeoutSeconds) * time.Second,
		MaxResults:     cfg.Search.MaxResults,
	}), nil
}

func profileByName(cfg *domain.Config, name string) domain.ProfileConfig {
	for _, p := range cfg.Profiles {
		if p.Name == name {
			return p
		}
	}
	if len(cfg.Profiles) > 0 {
		return cfg.Profiles[0]
	}
	return domain.ProfileConfig{
		Name:               "default",
		PreferredQualities: []string{"1080p", "720p"},
		MinSeeders:         1,
	}
}

type searchFlags struct {
	configDir  string
	year       int
	season     int
	episode    int
	limit      int
	quality    string
	minSeeders int
}

func (f *searchFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configDir, "config-dir", "", "config directory or file path")
	cmd.Flags().IntVar(&f.year, "year", 0, "release year filter")
	cmd.Flags().IntVar(&f.season, "season", 0, "season number for TV searches")
	cmd.Flags().IntVar(&f.episode, "episode", 0, "episode number for TV searches")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "maximum results per source")
	cmd.Flags().StringVar(&f.quality, "quality", "", "only results with this parsed quality (e.g. 1080p)")
	cmd.Flags().IntVar(&f.minSeeders, "min-seeders", 0, "drop results below this seeder count")
}

func (f *searchFlags) filter(results []indexers.Result, contentType string) []indexers.Result {
	out := results[:0]
	for _, r := range results {
		if f.quality != "" && !strings.EqualFold(r.Parsed.Quality, f.quality) {
			continue
		}
		if r.Seeders < f.minSeeders {
			continue
		}
		if contentType != "" && string(r.Parsed.Type) != contentType {
			continue
		}
		out = append(out, r)
	}
	return out
}

func RunSearchCommand() *cobra.Command {
	var (
		flags       searchFlags
		contentType string
	)

	command := &cobra.Command{
		Use:   "search <query>",
		Short: "Search all enabled indexers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configDir)
			if err != nil {
				return err
			}
			agg, err := buildAggregator(cfg.Config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(),
				time.Duration(cfg.Config.Search.OverallTimeoutSeconds)*time.Second+5*time.Second)
			defer cancel()

			results := agg.Search(ctx, indexers.SearchOptions{
				Query:   args[0],
				Year:    flags.year,
				Season:  flags.season,
				Episode: flags.episode,
				Limit:   flags.limit,
			})
			results = flags.filter(results, contentType)
			if len(results) == 0 {
				cmd.Println("No results")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TITLE\tSIZE\tSEEDERS\tQUALITY\tSOURCE\tINDEXER")
			for _, r := range results {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					r.Title, humanizeSize(r.Size), r.Seeders,
					r.Parsed.Quality, r.Parsed.Source, r.Source)
			}
			return w.Flush()
		},
	}

	flags.register(command)
	command.Flags().StringVar(&contentType, "type", "", "only movie or tv results")
	return command
}

func RunBestMatchCommand() *cobra.Command {
	var (
		flags    searchFlags
		profile  string
		download bool
	)

	command := &cobra.Command{
		Use:   "best-match <query>",
		Short: "Search and print the best release for a quality profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configDir)
			if err != nil {
				return err
			}
			agg, err := buildAggregator(cfg.Config)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(),
				time.Duration(cfg.Config.Search.OverallTimeoutSeconds)*time.Second+5*time.Second)
			defer cancel()

			results := agg.Search(ctx, indexers.SearchOptions{
				Query:   args[0],
				Year:    flags.year,
				Season:  flags.season,
				Episode: flags.episode,
				Limit:   flags.limit,
			})
			results = flags.filter(results, "")

			best := matcher.FindBestMatch(matcher.Desired{
				Title:   args[0],
				Year:    flags.year,
				Season:  flags.season,
				Episode: flags.episode,
			}, results, profileByName(cfg.Config, profile))
			if best == nil {
				return fmt.Errorf("no acceptable release found among %d results", len(results))
			}

			cmd.Printf("Title:    %s\n", best.Title)
			cmd.Printf("Indexer:  %s\n", best.Source)
			cmd.Printf("Size:     %s\n", humanizeSize(best.Size))
			cmd.Printf("Seeders:  %d\n", best.Seeders)
			cmd.Printf("Score:    %d (%s)\n", best.Score, best.Breakdown)
			if best.MagnetURI != "" {
				cmd.Printf("Magnet:   %s\n", best.MagnetURI)
			}

			if !download {
				return nil
			}

			gate, err := vpn.NewGateFromConfig(cfg.Config.VPN)
			if err != nil {
				return err
			}
			if err := gate.Require(ctx); err != nil {
				return err
			}

			magnetURI, err := agg.MagnetLink(ctx, *best)
			if err != nil {
				return fmt.Errorf("failed to resolve magnet link: %w", err)
			}

			client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
			if err != nil {
				return fmt.Errorf("failed to connect to torrent client: %w", err)
			}
			if err := client.AddMagnet(ctx, magnetURI); err != nil {
				return err
			}
			cmd.Println("Added to torrent client")
			return nil
		},
	}

	flags.register(command)
	command.Flags().StringVar(&profile, "profile", "default", "quality profile name")
	command.Flags().BoolVar(&download, "download", false, "add the best match to the torrent client (requires an active VPN)")
	return command
}

func RunAddCommand() *cobra.Command {
	var (
		configDir string
		category  string
		savePath  string
		paused    bool
	)

	command := &cobra.Command{
		Use:   "add <magnet-uri>",
		Short: "Add a magnet link to the torrent client (requires an active VPN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !magnet.IsMagnet(args[0]) {
				return fmt.Errorf("not a magnet URI: %q", args[0])
			}

			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			gate, err := vpn.NewGateFromConfig(cfg.Config.VPN)
			if err != nil {
				return err
			}
			if err := gate.Require(ctx); err != nil {
				return err
			}

			client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
			if err != nil {
				return fmt.Errorf("failed to connect to torrent client: %w", err)
			}

			if err := client.AddMagnetOpts(ctx, args[0], torrents.AddOptions{
				Category: category,
				SavePath: savePath,
				Paused:   paused,
			}); err != nil {
				return err
			}

			if hash, err := magnet.InfoHash(args[0]); err == nil {
				cmd.Printf("Added %s\n", hash)
			} else {
				cmd.Println("Added")
			}
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&category, "category", "", "override the configured category")
	command.Flags().StringVar(&savePath, "path", "", "override the configured save path")
	command.Flags().BoolVar(&paused, "paused", false, "add in stopped state")
	return command
}

func RunPauseCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "pause <download-id>",
		Short: "Pause an in-flight download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid download id %q", args[0])
			}
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			machine := downloads.NewMachine(downloads.NewStore(db), downloads.RetryPolicy{})
			d, err := machine.Store().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := machine.Pause(ctx, id); err != nil {
				return err
			}
			if d.TorrentHash != "" {
				client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
				if err != nil {
					return fmt.Errorf("failed to connect to torrent client: %w", err)
				}
				if err := client.Pause(ctx, d.TorrentHash); err != nil {
					return err
				}
			}
			cmd.Printf("Paused download #%d\n", id)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	return command
}

func RunResumeCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "resume <download-id>",
		Short: "Resume a paused download (requires an active VPN)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid download id %q", args[0])
			}
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			// Resuming puts traffic back on the wire, so the tunnel is
			// checked the same way as a fresh add.
			gate, err := vpn.NewGateFromConfig(cfg.Config.VPN)
			if err != nil {
				return err
			}
			if err := gate.Require(ctx); err != nil {
				return err
			}

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			machine := downloads.NewMachine(downloads.NewStore(db), downloads.RetryPolicy{})
			d, err := machine.Store().Get(ctx, id)
			if err != nil {
				return err
			}
			if err := machine.Resume(ctx, id); err != nil {
				return err
			}
			if d.TorrentHash != "" {
				client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
				if err != nil {
					return fmt.Errorf("failed to connect to torrent client: %w", err)
				}
				if err := client.Resume(ctx, d.TorrentHash); err != nil {
					return err
				}
			}
			cmd.Printf("Resumed download #%d\n", id)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	return command
}

func RunListCommand() *cobra.Command {
	var (
		configDir string
		state     string
	)

	command := &cobra.Command{
		Use:   "list",
		Short: "List downloads and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			items, err := downloads.NewStore(db).List(cmd.Context(), downloads.State(state))
			if err != nil {
				return err
			}
			if len(items) == 0 {
				cmd.Println("No downloads")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATE\tPROGRESS\tRETRIES\tUPDATED")
			for _, d := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%.0f%%\t%d/%d\t%s\n",
					d.ID, d.Title, d.State, d.Progress*100,
					d.RetryCount, d.MaxRetries,
					d.UpdatedAt.Local().Format(time.RFC822))
			}
			return w.Flush()
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	command.Flags().StringVar(&state, "state", "", "filter by download state")
	return command
}

func RunStatsCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "stats",
		Short: "Show torrent client transfer statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			client, err := torrents.NewClient(ctx, cfg.Config.TorrentClient)
			if err != nil {
				return fmt.Errorf("failed to connect to torrent client: %w", err)
			}

			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}

			cmd.Printf("WebAPI version:  %s\n", client.WebAPIVersion())
			cmd.Printf("Download speed:  %s/s\n", humanizeSize(stats.DownloadSpeed))
			cmd.Printf("Upload speed:    %s/s\n", humanizeSize(stats.UploadSpeed))
			cmd.Printf("Downloaded:      %s\n", humanizeSize(stats.Downloaded))
			cmd.Printf("Uploaded:        %s\n", humanizeSize(stats.Uploaded))

			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			active, err := queue.NewStore(db).CountActive(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Active queue:    %d\n", active)
			return nil
		},
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory or file path")
	return command
}

func RunVPNCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "vpn",
		Short: "Inspect the VPN gate",
	}
	command.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory or file path")

	newGate := func() (*vpn.Gate, error) {
		cfg, err := loadConfig(configDir)
		if err != nil {
			return nil, err
		}
		return vpn.NewGateFromConfig(cfg.Config.VPN)
	}

	command.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show VPN connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := newGate()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			status, err := gate.Status(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Connected:    %t\n", status.Connected)
			cmd.Printf("Public IP:    %s\n", status.PublicIP)
			cmd.Printf("Server:       %s\n", status.Server)
			cmd.Printf("Kill switch:  %t\n", status.KillSwitch)
			return nil
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "leaktest",
		Short: "Run the VPN leak test",
		RunE: func(cmd *cobra.Command, args []string) error {
			gate, err := newGate()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			result, err := gate.TestLeaks(ctx)
			if err != nil {
				return err
			}
			for _, c := range result.Checks {
				mark := "PASS"
				if !c.Passed {
					mark = "FAIL"
				}
				cmd.Printf("%s  %-14s %s\n", mark, c.Name, c.Detail)
			}
			if !result.Passed() {
				return fmt.Errorf("leak test failed: %d check(s) did not pass", len(result.Failures()))
			}
			cmd.Println("All leak checks passed")
			return nil
		},
	})

	return command
}

func RunQueueCommand() *cobra.Command {
	var configDir string

	command := &cobra.Command{
		Use:   "queue",
		Short: "Manage the acquisition queue",
	}
	command.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory or file path")

	withStore := func(fn func(ctx context.Context, store *queue.Store, args []string, cmd *cobra.Command) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd.Context(), queue.NewStore(db), args, cmd)
		}
	}

	var (
		year     int
		season   int
		episode  int
		profile  string
		priority int
	)
	addCmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Queue a title for acquisition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			item, err := queue.NewStore(db).Add(cmd.Context(), queue.Item{
				ContentName: args[0],
				Year:        year,
				Season:      season,
				Episode:     episode,
				Profile:     profile,
				Priority:    priority,
				MaxAttempts: cfg.Config.Queue.MaxAttempts,
			})
			if err != nil {
				return fmt.Errorf("failed to queue item: %w", err)
			}
			cmd.Printf("Queued #%d: %s\n", item.ID, formatContent(*item))
			return nil
		},
	}
	addCmd.Flags().IntVar(&year, "year", 0, "release year")
	addCmd.Flags().IntVar(&season, "season", 0, "season number")
	addCmd.Flags().IntVar(&episode, "episode", 0, "episode number")
	addCmd.Flags().StringVar(&profile, "profile", "default", "quality profile name")
	addCmd.Flags().IntVar(&priority, "priority", 0, "queue priority, higher first")
	command.AddCommand(addCmd)

	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: withStore(func(ctx context.Context, store *queue.Store, args []string, cmd *cobra.Command) error {
			items, err := store.List(ctx, queue.ItemStatus(status))
			if err != nil {
				return err
			}
			if len(items) == 0 {
				cmd.Println("Queue is empty")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPRIORITY\tATTEMPTS\tMATCHED")
			for _, it := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d/%d\t%s\n",
					it.ID, formatContent(it), it.Status, it.Priority,
					it.Attempts, it.MaxAttempts, it.MatchedTorrent)
			}
			return w.Flush()
		}),
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by item status")
	command.AddCommand(listCmd)

	command.AddCommand(&cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed or cancelled item",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store *queue.Store, args []string, cmd *cobra.Command) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			if err := store.Retry(ctx, id); err != nil {
				return err
			}
			cmd.Printf("Requeued #%d\n", id)
			return nil
		}),
	})

	command.AddCommand(&cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or in-flight item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid item id %q", args[0])
			}
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			db, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			store := queue.NewStore(db)
			if err := store.Cancel(ctx, id); err != nil {
				return err
			}

			// An in-flight item carries a download record; cancel that
			// too so it does not linger in a running state.
			item, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if item.DownloadID != 0 {
				machine := downloads.NewMachine(downloads.NewStore(db), downloads.RetryPolicy{})
				if err := machine.Cancel(ctx, item.DownloadID); err != nil && !errors.Is(err, &downloads.InvalidTransitionError{}) {
					return err
				}
			}
			cmd.Printf("Cancelled #%d\n", id)
			return nil
		},
	})

	return command
}

func formatContent(it queue.Item) string {
	switch {
	case it.Season > 0 && it.Episode > 0:
		return fmt.Sprintf("%s S%02dE%02d", it.ContentName, it.Season, it.Episode)
	case it.Season > 0:
		return fmt.Sprintf("%s S%02d", it.ContentName, it.Season)
	case it.Year > 0:
		return fmt.Sprintf("%s (%d)", it.ContentName, it.Year)
	default:
		return it.ContentName
	}
}

func humanizeSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(n))
}
