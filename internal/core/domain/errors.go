package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by session lookups when the user has no row.
	ErrNotFound = errors.New("call session not found")

	// ErrNoCandidate is returned by candidate queries when nobody else is
	// available.
	ErrNoCandidate = errors.New("no available candidate")

	// ErrPermissionDenied means camera or microphone access was refused.
	ErrPermissionDenied = errors.New("camera or microphone permission denied")

	// ErrCallInProgress is returned when a search is started while the call
	// lifecycle is not idle.
	ErrCallInProgress = errors.New("call already in progress")

	// ErrNoActiveCall is returned by in-call controls when the lifecycle is
	// idle.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNotAuthenticated is returned when no current user identity exists.
	ErrNotAuthenticated = errors.New("user not authenticated")
)

// StorageError wraps a session-store read or write failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("session store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// MatchError wraps a storage failure that interrupted matching.
type MatchError struct {
	Err error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("match: %v", e.Err)
}

func (e *MatchError) Unwrap() error { return e.Err }

// EngineError is a fault reported by the RTC engine.
type EngineError struct {
	Code    int
	Message string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}
