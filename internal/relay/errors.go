package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory determines how the relay treats a failed delivery.
type ErrorCategory int

const (
	// Recoverable failures keep the event queued for a later attempt.
	Recoverable ErrorCategory = iota

	// Irrecoverable failures mean the collector rejected the event itself;
	// retrying cannot succeed, so the event is dropped.
	Irrecoverable
)

func (c ErrorCategory) String() string {
	switch c {
	case Recoverable:
		return "Recoverable"
	case Irrecoverable:
		return "Irrecoverable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrClosed       = errors.New("relay closed")
	ErrInvalidEvent = errors.New("sync event needs id and type")
)

// TransportError wraps a delivery failure with its category.
type TransportError struct {
	Category   ErrorCategory
	StatusCode int // collector status, 0 for network failures
	Body       string
	Underlying error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%s] status %d: %v", e.Category, e.StatusCode, e.Underlying)
	}
	return fmt.Sprintf("[%s] %v", e.Category, e.Underlying)
}

func (e *TransportError) Unwrap() error {
	return e.Underlying
}

// IsIrrecoverable reports whether err must not be retried.
func IsIrrecoverable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Category == Irrecoverable
	}
	return false
}

// IsAuthFailure reports whether the collector refused the device credentials.
// The event is fine; the session is not.
func IsAuthFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusUnauthorized || te.StatusCode == http.StatusForbidden
	}
	return false
}

// ClassifyStatus maps a collector status code to a TransportError.
// Only a rejected payload (400, 413, 422) is irrecoverable; everything else,
// including auth failures, is retried.
func ClassifyStatus(statusCode int, body string, operation string) *TransportError {
	return &TransportError{
		Category:   categoryFor(statusCode),
		StatusCode: statusCode,
		Body:       body,
		Underlying: fmt.Errorf("%s failed: status %d", operation, statusCode),
	}
}

func categoryFor(statusCode int) ErrorCategory {
	switch statusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return Irrecoverable
	default:
		return Recoverable
	}
}

// NewCredentialsError wraps a failure to mint a device token.
func NewCredentialsError(err error) *TransportError {
	return &TransportError{
		Category:   Recoverable,
		StatusCode: http.StatusUnauthorized,
		Underlying: fmt.Errorf("device token: %w", err),
	}
}

// NewNetworkError wraps a connection-level failure. These are always retried.
func NewNetworkError(operation string, err error) *TransportError {
	return &TransportError{
		Category:   Recoverable,
		Underlying: fmt.Errorf("%s network error: %w", operation, err),
	}
}
