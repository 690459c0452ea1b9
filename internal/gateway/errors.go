// ABOUTME: Error classes and wire codes for the inbound event pipeline
// ABOUTME: Maps handler failures onto error events and disconnect decisions

package gateway

import (
	"errors"
	"fmt"

	"github.com/2389/pulse-gateway/internal/auth"
)

// ErrStateCorrupted marks a failure after which the connection's server-side
// state can no longer be trusted. The connection is closed.
var ErrStateCorrupted = errors.New("connection state corrupted")

// ErrUnknownConnection is returned for operations on a connection id that is
// not live.
var ErrUnknownConnection = errors.New("unknown connection")

// ErrorClass groups inbound failures by how they are reported.
type ErrorClass int

// Error classes.
const (
	ClassValidation ErrorClass = iota
	ClassAuthorization
	ClassRateLimit
	ClassInternal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassRateLimit:
		return "rate_limit"
	case ClassInternal:
		return "internal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Wire error codes.
const (
	CodeAuthMissing = "AUTH_MISSING"
	CodeAuthInvalid = "AUTH_INVALID"
	CodeAuthExpired = "AUTH_EXPIRED"
	CodeForbidden   = "FORBIDDEN"
	CodeRateLimited = "RATE_LIMITED"
	CodeInternal    = "INTERNAL"
)

// EventError is a failure while handling one inbound event.
type EventError struct {
	Class   ErrorClass
	Event   string
	Message string
	Err     error

	// Stack is the goroutine stack at a recovered handler panic.
	Stack []byte
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Event, e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Event, e.Class, e.Message)
}

func (e *EventError) Unwrap() error {
	return e.Err
}

// Code returns the wire code sent to the client, or "" when nothing is sent.
func (e *EventError) Code() string {
	switch e.Class {
	case ClassAuthorization:
		return CodeForbidden
	case ClassRateLimit:
		return CodeRateLimited
	case ClassInternal:
		return CodeInternal
	default:
		return ""
	}
}

func validationError(event, msg string) *EventError {
	return &EventError{Class: ClassValidation, Event: event, Message: msg}
}

func forbiddenError(event, msg string) *EventError {
	return &EventError{Class: ClassAuthorization, Event: event, Message: msg}
}

func internalError(event string, err error) *EventError {
	return &EventError{Class: ClassInternal, Event: event, Message: "internal error", Err: err}
}

// authCode maps an authentication failure to its wire code.
func authCode(ae *auth.AuthError) string {
	switch ae.Reason {
	case auth.ReasonMissing:
		return CodeAuthMissing
	case auth.ReasonExpired:
		return CodeAuthExpired
	default:
		return CodeAuthInvalid
	}
}

// authMessage is the client-facing text for an authentication failure.
func authMessage(ae *auth.AuthError) string {
	switch ae.Reason {
	case auth.ReasonMissing:
		return "authentication required"
	case auth.ReasonExpired:
		return "token expired"
	default:
		return "invalid token"
	}
}
