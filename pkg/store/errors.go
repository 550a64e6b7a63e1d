package store

import "errors"

var (
	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("store is closed")

	// ErrCapacityTooLarge is returned by StartExcerpt when the requested
	// capacity does not fit in a single data block.
	ErrCapacityTooLarge = errors.New("excerpt capacity too large")

	// ErrCapacityExceeded is returned when a write runs past the capacity
	// reserved by StartExcerpt.
	ErrCapacityExceeded = errors.New("excerpt capacity exceeded")

	// ErrIndexOutOfBounds is returned for a negative sequence number.
	ErrIndexOutOfBounds = errors.New("sequence number out of bounds")

	// ErrConcurrentWriter is returned by Finish when another appender has
	// advanced the store underneath this one. The store allows exactly one
	// appender at a time; this check is the only guard.
	ErrConcurrentWriter = errors.New("store appended by more than one appender")

	// ErrCorrupt is returned when recovery cannot make sense of the index
	// file.
	ErrCorrupt = errors.New("index file is corrupt")

	// ErrNoExcerpt is returned by Write and Finish without a preceding
	// StartExcerpt.
	ErrNoExcerpt = errors.New("no open excerpt")

	// ErrNotClosed is returned by Clear on a store that is still open.
	ErrNotClosed = errors.New("store is still open")
)
