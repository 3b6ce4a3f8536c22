package domain

import (
	"errors"
	"fmt"
)

// ErrAlreadyInProgress is returned when a session already targets the same resource, file or object.
var ErrAlreadyInProgress = errors.New("transfer already in progress")

// ErrResumeMismatch is returned when a partial file no longer matches the remote resource.
var ErrResumeMismatch = errors.New("resume state does not match remote resource")

// ErrUserCancelled marks a transfer stopped by its caller. It is an outcome, not a failure.
var ErrUserCancelled = errors.New("transfer cancelled")

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrNotCancellable is returned when the running operation cannot be interrupted.
var ErrNotCancellable = errors.New("transfer cannot be cancelled")

// ErrInvalidRequest is returned when a request fails validation at the boundary.
var ErrInvalidRequest = errors.New("invalid request")

// ErrRangeNotSupported is returned when the server ignores byte-range requests.
var ErrRangeNotSupported = errors.New("server does not support range requests")

// NetworkError is a transient transport failure. The download engine retries
// these a bounded number of times before surfacing them.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("network: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StorageError is a local disk failure (disk full, permissions). Never retried.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// UploadPartError is returned when a part upload fails. By the time callers
// see it the multipart upload has already been aborted.
type UploadPartError struct {
	UploadID   string
	PartNumber int
	Err        error
}

func (e *UploadPartError) Error() string {
	return fmt.Sprintf("upload %s: part %d: %v", e.UploadID, e.PartNumber, e.Err)
}

func (e *UploadPartError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Reason renders err as the human-readable reason carried by terminal events.
func Reason(err error) string {
	var (
		netErr     *NetworkError
		storageErr *StorageError
		partErr    *UploadPartError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUserCancelled):
		return "cancelled"
	case errors.As(err, &storageErr):
		return fmt.Sprintf("could not write %s: %v", storageErr.Path, storageErr.Err)
	case errors.As(err, &partErr):
		return fmt.Sprintf("upload failed on part %d: %v", partErr.PartNumber, partErr.Err)
	case errors.As(err, &netErr):
		return fmt.Sprintf("network failure during %s: %v", netErr.Op, netErr.Err)
	default:
		return err.Error()
	}
}
