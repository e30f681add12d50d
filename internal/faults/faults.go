// Package faults classifies errors returned by external collaborators (counterparty dispatch,
// provisioners, data sources and sinks) so state handlers can decide between retrying and
// failing an entity.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the handling class of an error.
type Class int

const (
	// Transient errors may succeed when retried: timeouts, 5xx responses, lease contention.
	Transient Class = iota
	// Permanent errors will not succeed on retry: 4xx responses, validation or policy failures.
	Permanent
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is an error carrying its handling class and the operation that produced it.
type Error struct {
	Class     Class
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Operation == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as transient.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Transient, Operation: op, Err: err}
}

// NewPermanent wraps err as permanent.
func NewPermanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: Permanent, Operation: op, Err: err}
}

// Transientf builds a transient error from a format string.
func Transientf(op, format string, args ...any) error {
	return &Error{Class: Transient, Operation: op, Err: fmt.Errorf(format, args...)}
}

// Permanentf builds a permanent error from a format string.
func Permanentf(op, format string, args ...any) error {
	return &Error{Class: Permanent, Operation: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the class of err. Unclassified errors are transient.
func Classify(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Transient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == Transient
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == Permanent
}
