package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ligustah/shuttle/internal/domain"
	shttp "github.com/ligustah/shuttle/internal/http"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitSourceNotAccess = 3
	ExitStorageError    = 5
	ExitSourceChanged   = 6
	ExitCancelled       = 8
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)

	err := root.Execute()
	code := exitCode(err)
	if err != nil && code != ExitCancelled {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return code
}

// usageError marks bad flags, arguments or configuration.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

func exitCode(err error) int {
	var (
		usageErr   *usageError
		netErr     *domain.NetworkError
		storageErr *domain.StorageError
		partErr    *domain.UploadPartError
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, domain.ErrUserCancelled):
		return ExitCancelled
	case errors.As(err, &usageErr), errors.Is(err, domain.ErrInvalidRequest):
		return ExitInvalidArgs
	case errors.Is(err, domain.ErrResumeMismatch):
		return ExitSourceChanged
	case errors.As(err, &storageErr), errors.As(err, &partErr):
		return ExitStorageError
	case errors.As(err, &netErr),
		errors.Is(err, shttp.ErrNotFound),
		errors.Is(err, shttp.ErrForbidden),
		errors.Is(err, shttp.ErrUnauthorized):
		return ExitSourceNotAccess
	default:
		return ExitGeneralError
	}
}
