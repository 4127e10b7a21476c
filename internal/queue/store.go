// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package queue is the acquisition queue: requested content waiting to
// be searched, matched and handed to the torrent client.
package queue

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ItemStatus is the lifecycle of an acquisition request.
type ItemStatus string

const (
	StatusPending     ItemStatus = "pending"
	StatusSearching   ItemStatus = "searching"
	StatusMatched     ItemStatus = "matched"
	StatusDownloading ItemStatus = "downloading"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusCancelled   ItemStatus = "cancelled"
)

var activeStatuses = []ItemStatus{StatusPending, StatusSearching, StatusMatched, StatusDownloading}

// Item is one acquisition request persisted in SQLite.
type Item struct {
	ID             int64
	ContentName    string
	Year           int
	Season         int
	Episode        int
	Profile        string
	Status         ItemStatus
	Priority       int
	Attempts       int
	MaxAttempts    int
	MatchedTorrent string
	DownloadID     int64
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrNotFound is returned for unknown item IDs.
var ErrNotFound = errors.New("queue: item not found")

// Store persists acquisition requests. Claiming is serialized under a
// mutex so two workers never grab the same item.
type Store struct {
	db      *sql.DB
	claimMu sync.Mutex
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const itemColumns = `id, content_name, COALESCE(year, 0), COALESCE(season, 0), COALESCE(episode, 0),
	profile, status, priority, attempts, max_attempts, COALESCE(matched_torrent, ''),
	COALESCE(download_id, 0), COALESCE(error_message, ''), created_at, updated_at`

// Add enqueues a request. Profile defaults to "default" and
// maxAttempts to 3 when unset.
func (s *Store) Add(ctx context.Context, item Item) (*Item, error) {
	if item.Profile == "" {
		item.Profile = "default"
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = 3
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO acquisitions (content_name, year, season, episode, profile, status, priority, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ContentName, item.Year, item.Season, item.Episode, item.Profile,
		StatusPending, item.Priority, item.MaxAttempts,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert acquisition")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "read acquisition id")
	}

	item.ID = id
	item.Status = StatusPending
	item.CreatedAt = now
	item.UpdatedAt = now
	return &item, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM acquisitions WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// ClaimNext atomically takes the highest-priority pending item and
// marks it searching. Returns nil when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*Item, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM acquisitions
		 WHERE status = ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT 1`, StatusPending)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.SetStatus(ctx, item.ID, StatusSearching, ""); err != nil {
		return nil, err
	}
	item.Status = StatusSearching
	return item, nil
}

// SetStatus updates an item's status, replacing the error message.
func (s *Store) SetStatus(ctx context.Context, id int64, status ItemStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE acquisitions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, errorMessage, time.Now().UTC().Format(time.RFC3339Nano), id)
	return errors.Wrap(err, "update acquisition status")
}

// advance moves an item to the next in-flight status only while it is
// still in one of the expected prior statuses, so a concurrent Cancel
// is never overwritten. Reports whether the update applied.
func (s *Store) advance(ctx context.Context, id int64, to ItemStatus, from ...ItemStatus) (bool, error) {
	query := `UPDATE acquisitions SET status = ?, updated_at = ? WHERE id = ? AND status IN (`
	args := []any{to, time.Now().UTC().Format(time.RFC3339Nano), id}
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, f)
	}
	query += ")"

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "advance acquisition status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "advance acquisition rows")
	}
	return n > 0, nil
}

// SetMatch records the chosen release and the download it spawned. The
// linkage is always written so a cancelled item still points at its
// download, but a cancel is never flipped back to matched.
func (s *Store) SetMatch(ctx context.Context, id int64, matchedTorrent string, downloadID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE acquisitions
		 SET status = CASE WHEN status = ? THEN status ELSE ? END,
		     matched_torrent = ?, download_id = ?, updated_at = ?
		 WHERE id = ?`,
		StatusCancelled, StatusMatched, matchedTorrent, downloadID,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return errors.Wrap(err, "record acquisition match")
}

// RecordFailure counts a failed attempt. The item returns to pending
// until its attempt budget is spent, then fails for good. Reports
// whether the item can still be retried.
func (s *Store) RecordFailure(ctx context.Context, id int64, cause string) (bool, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if item.Status == StatusCancelled {
		return false, nil
	}

	attempts := item.Attempts + 1
	status := StatusPending
	if attempts >= item.MaxAttempts {
		status = StatusFailed
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE acquisitions SET status = ?, attempts = ?, error_message = ?, updated_at = ?
		 WHERE id = ? AND status != ?`,
		status, attempts, cause, time.Now().UTC().Format(time.RFC3339Nano), id, StatusCancelled)
	if err != nil {
		return false, errors.Wrap(err, "record acquisition failure")
	}
	return status == StatusPending, nil
}

// Retry returns a failed or cancelled item to pending with a fresh
// attempt budget.
func (s *Store) Retry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisitions SET status = ?, attempts = 0, error_message = '', updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusPending, time.Now().UTC().Format(time.RFC3339Nano), id, StatusFailed, StatusCancelled)
	if err != nil {
		return errors.Wrap(err, "retry acquisition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "retry acquisition rows")
	}
	if n == 0 {
		return errors.New("queue: only failed or cancelled items can be retried")
	}
	return nil
}

// Cancel stops an item that has not completed.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE acquisitions SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?, ?)`,
		StatusCancelled, time.Now().UTC().Format(time.RFC3339Nano), id,
		StatusPending, StatusSearching, StatusMatched, StatusDownloading)
	if err != nil {
		return errors.Wrap(err, "cancel acquisition")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "cancel acquisition rows")
	}
	if n == 0 {
		return errors.New("queue: item is not active")
	}
	return nil
}

// List returns items, optionally filtered to one status, by priority
// then age.
func (s *Store) List(ctx context.Context, status ItemStatus) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM acquisitions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list acquisitions")
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, rows.Err()
}

// CountActive returns how many items are pending or in flight.
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM acquisitions WHERE status IN (?, ?, ?, ?)`,
		activeStatuses[0], activeStatuses[1], activeStatuses[2], activeStatuses[3],
	).Scan(&n)
	return n, errors.Wrap(err, "count active acquisitions")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var status, created, updated string
	if err := row.Scan(&item.ID, &item.ContentName, &item.Year, &item.Season, &item.Episode,
		&item.Profile, &status, &item.Priority, &item.Attempts, &item.MaxAttempts,
		&item.MatchedTorrent, &item.DownloadID, &item.ErrorMessage, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan acquisition")
	}
	item.Status = ItemStatus(status)
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &item, nil
}
