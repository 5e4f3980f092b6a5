package ingest

import "errors"

var (
	// ErrForbidden means the caller is not allowed to ingest media.
	ErrForbidden = errors.New("admin privileges required")
	// ErrInvalidRequest means the request is missing fields or names a
	// source that is not a readable regular file.
	ErrInvalidRequest = errors.New("invalid ingest request")
	// ErrInProgress means the same library file is already being ingested.
	ErrInProgress = errors.New("ingest already in progress")
)
