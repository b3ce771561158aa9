package main

import "errors"

// Error taxonomy for connection and delivery operations. Per-item
// recoverable failures (ErrRemoteUnavailable) are logged and degrade a
// single result; structural failures (ErrConfiguration) abort the pass.
var (
	// ErrNotFound means an unknown connection token or request id.
	ErrNotFound = errors.New("not found")

	// ErrRemoteUnavailable means a profile or stream read failed. Always
	// recoverable; it degrades data quality only.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrTimeout means the reasoning hand-off exceeded its budget. The
	// message is still marked processed.
	ErrTimeout = errors.New("hand-off timed out")

	// ErrConfiguration means no active identity or a malformed fee
	// schedule. Surfaced immediately, never retried.
	ErrConfiguration = errors.New("configuration error")
)
