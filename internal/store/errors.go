package store

import "errors"

var (
	// ErrNotFound is returned when no live session exists for a code. Expired
	// sessions are indistinguishable from sessions that never existed.
	ErrNotFound = errors.New("session not found")

	// ErrStoreUnavailable wraps any failure to reach the backing store.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrSessionFull is returned by Join when a different receiver already
	// holds the session.
	ErrSessionFull = errors.New("session already has a receiver")

	// ErrCodeSpaceExhausted is returned by Create when every generated code
	// collided with a live session.
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique session code")
)
