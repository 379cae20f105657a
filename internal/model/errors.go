package model

import "errors"

// Sentinel errors classifying failures across component boundaries.
// Components wrap these with fmt.Errorf("...: %w", Err...) so the HTTP
// layer can map them to status codes with errors.Is.
var (
	// ErrTimeout marks a sub-deadline expiry (embedding or index search).
	// Transient; clients should retry.
	ErrTimeout = errors.New("operation timed out")

	// ErrExternalService marks an upstream dependency failure (embedding
	// backend unreachable, circuit breaker open).
	ErrExternalService = errors.New("external service unavailable")

	// ErrAIProcessing marks an embedding or index computation failure that
	// is not obviously transient.
	ErrAIProcessing = errors.New("ai processing failed")
)
