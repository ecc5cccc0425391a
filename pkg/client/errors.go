package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrDaemonNotRunning is returned when the daemon is not running
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied is returned when the user does not have permission to perform the requested action
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound matches an *APIError with status 404
	ErrNotFound = errors.New("not found")

	// ErrBusy matches an *APIError with status 409, returned when the
	// channels are in use or a calibration step is not allowed right now
	ErrBusy = errors.New("busy")
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("got %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrBusy:
		return e.StatusCode == http.StatusConflict
	}
	return false
}
