// Package errors provides error handling for spendsweep.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrInvalidStateTransition) {
//	    // handle consistency bug
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
)

// Common sentinel errors for use across spendsweep.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidStateTransition indicates an analysis run was asked to make
	// a transition its state machine forbids (e.g. completing a run that is
	// not processing). This is a consistency bug, never routine control flow.
	ErrInvalidStateTransition = New("invalid state transition")

	// ErrGenerationTimeout indicates the content generator exceeded its deadline
	ErrGenerationTimeout = New("generation timed out")

	// ErrGenerationFailure indicates the content generator returned an error
	ErrGenerationFailure = New("generation failed")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidStateTransition checks if an error is or wraps ErrInvalidStateTransition.
func IsInvalidStateTransition(err error) bool {
	return err != nil && Is(err, ErrInvalidStateTransition)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidTransitionError creates an invalid-state-transition error with a
// formatted message describing the rejected transition.
func NewInvalidTransitionError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidStateTransition, Newf(format, args...).Error())
}
