package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrAlreadyReviewed is returned when a low-quality queue item has already
// been approved or rejected.
var ErrAlreadyReviewed = errors.New("storage: queue item already reviewed")
