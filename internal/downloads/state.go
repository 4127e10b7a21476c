// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloads is the durable download lifecycle: a persisted
// state machine with an append-only transition log and a retry policy.
package downloads

import (
	"fmt"
)

// State is one position in the download lifecycle.
type State string

const (
	StateCreated       State = "created"
	StateVPNConnecting State = "vpn_connecting"
	StateSearching     State = "searching"
	StateDownloading   State = "downloading"
	StateEncoding      State = "encoding"
	StateSubtitles     State = "subtitles"
	StateUploading     State = "uploading"
	StateFinalizing    State = "finalizing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StatePaused        State = "paused"
)

var allStates = []State{
	StateCreated,
	StateVPNConnecting,
	StateSearching,
	StateDownloading,
	StateEncoding,
	StateSubtitles,
	StateUploading,
	StateFinalizing,
	StateCompleted,
	StateFailed,
	StateCancelled,
	StatePaused,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, s := range allStates {
		set[s] = struct{}{}
	}
	return set
}()

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := stateSet[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// transitions maps each state to its legal successors. Self-loops on
// searching and downloading represent retries of the same stage.
var transitions = map[State][]State{
	StateCreated:       {StateVPNConnecting},
	StateVPNConnecting: {StateSearching},
	StateSearching:     {StateDownloading, StateSearching},
	StateDownloading:   {StateEncoding, StateDownloading, StatePaused},
	StatePaused:        {StateDownloading},
	StateEncoding:      {StateSubtitles},
	StateSubtitles:     {StateUploading},
	StateUploading:     {StateFinalizing},
	StateFinalizing:    {StateCompleted},
}

// CanTransition reports whether from may move to to. Failure and
// cancellation are reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a requested transition is
// not legal for the download's current state.
type InvalidTransitionError struct {
	DownloadID int64
	From       State
	To         State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("download %d: invalid transition %s -> %s", e.DownloadID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// RetryExhaustedError is returned when a retry is requested past the
// download's retry budget.
type RetryExhaustedError struct {
	DownloadID int64
	Attempts   int
	LastError  string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("download %d: retries exhausted after %d attempts (last error: %s)", e.DownloadID, e.Attempts, e.LastError)
}

func (e *RetryExhaustedError) Is(target error) bool {
	_, ok := target.(*RetryExhaustedError)
	return ok
}
