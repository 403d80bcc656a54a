package enphase

import (
	"errors"
	"fmt"
)

// AuthError indicates the session could not be established or refreshed:
// a failed login, a missing token, or identifiers that could not be
// discovered. Callers should treat it as a credential problem rather than a
// transient fault.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authErr(reason string) error {
	return &AuthError{Reason: reason}
}

func authErrf(reason string, err error) error {
	return &AuthError{Reason: reason, Err: err}
}

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// TransportError is a non-2xx response from the cloud API after any retry
// already happened. Status is the HTTP status code and Body the raw response
// for diagnostics.
type TransportError struct {
	Status int
	Body   string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}
