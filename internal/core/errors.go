package core

import "errors"

var (
	// ErrOutOfOrder means a message's seq is not exactly tail+1 for its
	// conversation buffer. The transport re-syncs; the engine keeps going.
	ErrOutOfOrder = errors.New("message out of order")

	// ErrInvalidConfig means chunker misconfiguration (overlap >= size).
	// Raised at startup only, never at runtime.
	ErrInvalidConfig = errors.New("invalid chunker config")

	// ErrDimensionMismatch means the provider returned a vector whose
	// length differs from the configured dimension. The record is rejected
	// and never stored.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmbeddingUnavailable means embedding retries are exhausted. The
	// chunk is re-queued, not dropped.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrDuplicateChunk means a record for the same chunk id already
	// exists. Re-ingestion is rejected, not merged.
	ErrDuplicateChunk = errors.New("duplicate chunk")
)
