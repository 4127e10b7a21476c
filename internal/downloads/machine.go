// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloads

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/metrics"
)

// RetryPolicy controls the per-stage retry budget and backoff curve.
type RetryPolicy struct {
	// Delay is multiplied by the attempt number, capped at MaxDelay.
	Delay    time.Duration
	MaxDelay time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		p.Delay = 30 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Minute
	}
	d := p.Delay * time.Duration(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Machine serializes state changes per download and enforces
// transition legality. Different downloads move concurrently; the same
// download never does.
type Machine struct {
	store  *Store
	policy RetryPolicy

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewMachine(store *Store, policy RetryPolicy) *Machine {
	return &Machine{
		store:  store,
		policy: policy,
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (m *Machine) lockFor(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// Transition moves a download to the target state, appending to the
// transition log in the same transaction. Illegal moves return
// InvalidTransitionError and change nothing.
func (m *Machine) Transition(ctx context.Context, id int64, to State, metadata string) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	return m.transitionLocked(ctx, id, to, metadata, func(*Download) error { return nil })
}

// transitionLocked runs the transition inside one SQL transaction.
// mutate may adjust counters on the loaded row before the update.
func (m *Machine) transitionLocked(ctx context.Context, id int64, to State, metadata string, mutate func(*Download) error) error {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transition")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id)
	d, err := scanDownloadRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	if !CanTransition(d.State, to) {
		return &InvalidTransitionError{DownloadID: id, From: d.State, To: to}
	}
	from := d.State
	if err := mutate(d); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE downloads SET state = ?, retry_count = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		to, d.RetryCount, d.ErrorMessage, now, id,
	); err != nil {
		return errors.Wrap(err, "update download state")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO download_transitions (download_id, from_state, to_state, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, from, to, metadata, now,
	); err != nil {
		return errors.Wrap(err, "log transition")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transition")
	}

	switch to {
	case StateCompleted:
		metrics.DownloadsCompletedTotal.Inc()
	case StateFailed:
		metrics.DownloadsFailedTotal.Inc()
	}

	log.Debug().
		Int64("downloadID", id).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("download transitioned")
	return nil
}

// Retry re-enters the current stage after a transient failure. It
// returns the backoff the caller should wait before the next attempt.
// Once the retry budget is spent the download is failed, the last
// error retained, and RetryExhaustedError returned.
func (m *Machine) Retry(ctx context.Context, id int64, cause error) (time.Duration, error) {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	d, err := m.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	causeMsg := ""
	if cause != nil {
		causeMsg = cause.Error()
	}

	if d.RetryCount >= d.MaxRetries {
		failErr := m.transitionLocked(ctx, id, StateFailed, "retry budget exhausted", func(dl *Download) error {
			if causeMsg != "" {
				dl.ErrorMessage = causeMsg
			}
			return nil
		})
		if failErr != nil {
			return 0, failErr
		}
		return 0, &RetryExhaustedError{DownloadID: id, Attempts: d.RetryCount, LastError: causeMsg}
	}

	// Self-loop on the current stage, counting the attempt.
	if err := m.transitionLocked(ctx, id, d.State, "retry: "+causeMsg, func(dl *Download) error {
		dl.RetryCount++
		dl.ErrorMessage = causeMsg
		return nil
	}); err != nil {
		return 0, err
	}

	backoff := m.policy.backoff(d.RetryCount + 1)
	log.Warn().
		Int64("downloadID", id).
		Int("attempt", d.RetryCount+1).
		Int("maxRetries", d.MaxRetries).
		Dur("backoff", backoff).
		Str("cause", causeMsg).
		Msg("download stage retry scheduled")
	return backoff, nil
}

// Fail moves the download to failed, recording the cause.
func (m *Machine) Fail(ctx context.Context, id int64, cause error) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return m.transitionLocked(ctx, id, StateFailed, msg, func(d *Download) error {
		d.ErrorMessage = msg
		return nil
	})
}

// Cancel moves the download to cancelled.
func (m *Machine) Cancel(ctx context.Context, id int64) error {
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return m.transitionLocked(ctx, id, StateCancelled, "cancelled by user", func(*Download) error { return nil })
}

// Pause suspends an active download; only downloading may pause.
func (m *Machine) Pause(ctx context.Context, id int64) error {
	return m.Transition(ctx, id, StatePaused, "paused by user")
}

// Resume returns a paused download to downloading.
func (m *Machine) Resume(ctx context.Context, id int64) error {
	return m.Transition(ctx, id, StateDownloading, "resumed by user")
}

// Store exposes the backing store for read paths.
func (m *Machine) Store() *Store {
	return m.store
}
