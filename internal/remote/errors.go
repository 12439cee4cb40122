package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers network failures, timeouts, an open breaker and an
	// unconfigured remote.
	ErrUnavailable = errors.New("remote unavailable")
	// ErrRejected is matched by every RejectedError.
	ErrRejected = errors.New("remote rejected")
	ErrNotFound = errors.New("remote document not found")
)

// RejectedError is a business rule refusal from the remote side.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "rejected: " + e.Code
	}
	return e.Message
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

var (
	ErrInvalidCode   = &RejectedError{Code: "invalid_code", Message: "Invalid joining code"}
	ErrCodeExhausted = &RejectedError{Code: "code_exhausted", Message: "This join code has expired. Please ask the admin to regenerate it."}
)

func unavailable(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// IsUnavailable reports whether err should be treated as a transient outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// RejectionCode extracts the code of a RejectedError in err's chain.
func RejectionCode(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Code, true
	}
	return "", false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled)
}
