package store

import "errors"

var (
	// ErrStoreClosed is returned when operations are performed on a closed store
	ErrStoreClosed = errors.New("store is closed")
	// ErrLocked is returned when another process holds the data directory
	ErrLocked = errors.New("data directory is locked by another process")
)
