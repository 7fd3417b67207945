package models

import "errors"

// Domain errors represent business logic failures, distinct from
// infrastructure errors. Callers match them with errors.Is.
var (
	// ErrConfiguration indicates an invalid configuration value, such
	// as chunk_overlap >= chunk_size or a non-positive k. Never retried.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrProviderUnavailable indicates an embedding or chat provider
	// failed after exhausting the retry budget.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrDimensionMismatch indicates an embedding vector's length does
	// not match the configured dimensionality. Treated as a permanent
	// ingestion fault, not retried.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrNotFound indicates a requested document or conversation does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrBusy indicates a document is already being processed or a
	// conversation already has a turn in flight.
	ErrBusy = errors.New("busy")

	// ErrDocumentNotReady indicates a chat turn referenced a document
	// that exists but has not completed processing.
	ErrDocumentNotReady = errors.New("document not ready")
)
