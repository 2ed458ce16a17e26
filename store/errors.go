package store

import "errors"

// Sentinel errors for run history operations.
var (
	ErrNotFound     = errors.New("not found")
	ErrMissingRunID = errors.New("run ID is required")
)
