// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// migrations run in order; user_version tracks the last applied index.
var migrations = []string{
	`CREATE TABLE acquisitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		content_name TEXT NOT NULL,
		year INTEGER,
		season INTEGER,
		episode INTEGER,
		profile TEXT NOT NULL DEFAULT 'default',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		matched_torrent TEXT,
		download_id INTEGER,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX idx_acquisitions_status ON acquisitions (status, priority DESC, created_at);

	CREATE TABLE downloads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'created',
		progress REAL NOT NULL DEFAULT 0,
		magnet_uri TEXT,
		torrent_hash TEXT,
		encoding_job_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		error_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX idx_downloads_state ON downloads (state);

	CREATE TABLE download_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		download_id INTEGER NOT NULL REFERENCES downloads (id) ON DELETE CASCADE,
		from_state TEXT,
		to_state TEXT NOT NULL,
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX idx_download_transitions_download ON download_transitions (download_id, id);`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		log.Info().Int("version", i+1).Msg("Applied database migration")
	}

	return nil
}
