// ABOUTME: Connection-fatal authentication error type
// ABOUTME: Classifies failures as missing, invalid or expired credentials

package auth

import (
	"errors"
	"fmt"
)

// Reason classifies an authentication failure.
type Reason string

// Authentication failure reasons.
const (
	ReasonMissing Reason = "missing"
	ReasonInvalid Reason = "invalid"
	ReasonExpired Reason = "expired"
)

// AuthError reports why a credential was rejected.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed: %s credential", e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s credential: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AsAuthError maps any validation error onto an AuthError. Errors that are
// not already an AuthError are reported as invalid credentials.
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, ErrExpiredToken) {
		return &AuthError{Reason: ReasonExpired, Err: err}
	}
	return &AuthError{Reason: ReasonInvalid, Err: err}
}
