// Package provider defines the capability every model backend implements and
// the error taxonomy the executor relies on to retry or give up.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/conductor/internal/compiler"
)

// Provider completes a compiled prompt. Implementations must honour ctx
// cancellation and deadlines.
type Provider interface {
	Complete(ctx context.Context, prompt compiler.CompiledPrompt) (string, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, prompt compiler.CompiledPrompt) (string, error)

func (f Func) Complete(ctx context.Context, prompt compiler.CompiledPrompt) (string, error) {
	return f(ctx, prompt)
}

var (
	// ErrTimeout marks a call that exceeded its deadline.
	ErrTimeout = errors.New("provider: timeout")
	// ErrProvider marks any other provider failure.
	ErrProvider = errors.New("provider: error")
)

// Error is returned by providers that know whether a failure is transient.
type Error struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("provider: %v", e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProvider}
	}
	return []error{ErrProvider, e.Err}
}

// Transient wraps err as a retryable provider failure.
func Transient(name string, err error) error {
	return &Error{Provider: name, Retryable: true, Err: err}
}

// Permanent wraps err as a provider failure that must not be retried.
func Permanent(name string, err error) error {
	return &Error{Provider: name, Retryable: false, Err: err}
}

// FailureKind classifies a failed call for the run ledger.
type FailureKind string

const (
	FailureTimeout FailureKind = "provider_timeout"
	FailureError   FailureKind = "provider_error"
)

// Classify reports the failure kind and whether another attempt may help.
// Deadlines are retryable; *Error values decide for themselves; anything else
// is treated as a transient provider error.
func Classify(err error) (FailureKind, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, context.Canceled) {
		return FailureError, false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout, true
	}
	var perr *Error
	if errors.As(err, &perr) {
		return FailureError, perr.Retryable
	}
	return FailureError, true
}
