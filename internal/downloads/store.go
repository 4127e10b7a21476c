// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloads

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// Download is a persisted download with its lifecycle position.
type Download struct {
	ID            int64
	Title         string
	State         State
	Progress      float64
	MagnetURI     string
	TorrentHash   string
	EncodingJobID string
	RetryCount    int
	MaxRetries    int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition is one row of the append-only transition log.
type Transition struct {
	ID         int64
	DownloadID int64
	From       State
	To         State
	Metadata   string
	CreatedAt  time.Time
}

// ErrNotFound is returned for unknown download IDs.
var ErrNotFound = errors.New("downloads: download not found")

// Store persists downloads and their transition log in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const downloadColumns = `id, title, state, progress, COALESCE(magnet_uri, ''), COALESCE(torrent_hash, ''),
	COALESCE(encoding_job_id, ''), retry_count, max_retries, COALESCE(error_message, ''), created_at, updated_at`

// Create inserts a download in the created state and logs the initial
// transition.
func (s *Store) Create(ctx context.Context, title, magnetURI string, maxRetries int) (*Download, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin create download")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO downloads (title, state, magnet_uri, max_retries, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		title, StateCreated, magnetURI, maxRetries,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert download")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "read download id")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO download_transitions (download_id, from_state, to_state, metadata, created_at)
		 VALUES (?, NULL, ?, '', ?)`,
		id, StateCreated, now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, errors.Wrap(err, "log initial transition")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit create download")
	}

	return &Download{
		ID:         id,
		Title:      title,
		State:      StateCreated,
		MagnetURI:  magnetURI,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Download, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	return scanDownload(row)
}

// List returns downloads, optionally filtered to one state, newest first.
func (s *Store) List(ctx context.Context, state State) ([]Download, error) {
	query := `SELECT ` + downloadColumns + ` FROM downloads`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list downloads")
	}
	defer rows.Close()

	var out []Download
	for rows.Next() {
		d, err := scanDownloadRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Transitions returns the transition log for one download in order.
func (s *Store) Transitions(ctx context.Context, downloadID int64) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, download_id, COALESCE(from_state, ''), to_state, COALESCE(metadata, ''), created_at
		 FROM download_transitions WHERE download_id = ? ORDER BY id`, downloadID)
	if err != nil {
		return nil, errors.Wrap(err, "list transitions")
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, created string
		if err := rows.Scan(&t.ID, &t.DownloadID, &from, &t.To, &t.Metadata, &created); err != nil {
			return nil, errors.Wrap(err, "scan transition")
		}
		t.From = State(from)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetProgress updates download progress without a state change.
func (s *Store) SetProgress(ctx context.Context, id int64, progress float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC().Format(time.RFC3339Nano), id)
	return errors.Wrap(err, "update progress")
}

// SetTorrentHash records the client-side hash once the torrent is added.
func (s *Store) SetTorrentHash(ctx context.Context, id int64, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET torrent_hash = ?, updated_at = ? WHERE id = ?`,
		hash, time.Now().UTC().Format(time.RFC3339Nano), id)
	return errors.Wrap(err, "update torrent hash")
}

// SetEncodingJobID records the external encoder's job handle.
func (s *Store) SetEncodingJobID(ctx context.Context, id int64, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE downloads SET encoding_job_id = ?, updated_at = ? WHERE id = ?`,
		jobID, time.Now().UTC().Format(time.RFC3339Nano), id)
	return errors.Wrap(err, "update encoding job id")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row *sql.Row) (*Download, error) {
	d, err := scanDownloadRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func scanDownloadRow(row rowScanner) (*Download, error) {
	var d Download
	var state, created, updated string
	if err := row.Scan(&d.ID, &d.Title, &state, &d.Progress, &d.MagnetURI, &d.TorrentHash,
		&d.EncodingJobID, &d.RetryCount, &d.MaxRetries, &d.ErrorMessage, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan download")
	}
	d.State = State(state)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &d, nil
}
