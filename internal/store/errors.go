package store

import "errors"

var (
	// ErrNotFound is returned when a document does not exist or has expired
	ErrNotFound = errors.New("document not found")

	// ErrEventNotFound is returned when marking an event that does not exist
	ErrEventNotFound = errors.New("event not found")

	// ErrClosed is returned by a store after Close
	ErrClosed = errors.New("store closed")
)
