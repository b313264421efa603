package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrSandboxNotFound means the provider definitively reports the sandbox gone.
	ErrSandboxNotFound = errors.New("sandbox not found")
	// ErrFileNotFound means the sandbox answered but the file does not exist.
	ErrFileNotFound = errors.New("file not found in sandbox")
)

// TransientError wraps a failure that may succeed if tried again later:
// network errors, timeouts and retryable HTTP or RPC statuses.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsRetryable marks transient failures for pkg/retry.
func (e *TransientError) IsRetryable() bool { return true }

// APIError is a non-retryable, unexpected response from a provider API.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// WriteError reports a failed file write.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsNotFound reports whether err means the sandbox no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSandboxNotFound)
}

// IsTransient reports whether err is worth retrying later. Deadline expiry and
// network-level timeouts count as transient; caller cancellation does not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var t *TransientError
	if errors.As(err, &t) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryableStatus reports HTTP statuses that indicate a temporary condition.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// StatusError maps a non-2xx HTTP response. notFound is returned for 404 so
// callers choose between ErrSandboxNotFound and ErrFileNotFound.
func StatusError(op string, code int, message string, notFound error) error {
	switch {
	case code == http.StatusNotFound && notFound != nil:
		return fmt.Errorf("%s: %w", op, notFound)
	case IsRetryableStatus(code):
		return &TransientError{Op: op, StatusCode: code, Err: errors.New(message)}
	}
	return &APIError{Op: op, StatusCode: code, Message: message}
}

// TransportError wraps an error returned by the HTTP client itself.
// Caller cancellation passes through unchanged; everything else is transient.
func TransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
