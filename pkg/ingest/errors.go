package ingest

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when the target job does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrJobConflict is returned when ingestion is attempted on a job that is no
// longer in CREATED state. A second upload onto the same job must fail loudly,
// never silently re-append.
var ErrJobConflict = errors.New("job already queued or processed")

// ValidationError rejects a batch before anything is persisted durably. It
// carries enough detail for the client to self-correct.
type ValidationError struct {
	Reason       string
	AllowedTypes []string
}

func (e *ValidationError) Error() string { return e.Reason }

// StorageError wraps a disk write failure. The whole batch rolls back and the
// blobs written so far are cleaned up before this surfaces.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage failure: %v", e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
