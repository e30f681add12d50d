package statemachine

import (
	"context"
	"fmt"

	"github.com/dataspace-connector/connector/internal/faults"
)

// Kind is the verdict a handler returns.
type Kind int

const (
	KindAdvance Kind = iota
	KindRetry
	KindFatal
	KindDefer
)

func (k Kind) String() string {
	switch k {
	case KindAdvance:
		return "advance"
	case KindRetry:
		return "retry"
	case KindFatal:
		return "fatal"
	case KindDefer:
		return "defer"
	}
	return "unknown"
}

// Outcome is the result of one handler invocation.
type Outcome struct {
	Kind   Kind
	State  int
	Detail string
}

// Advance moves the entity to state.
func Advance(state int) Outcome { return Outcome{Kind: KindAdvance, State: state} }

// Retry keeps the entity in its state and counts the attempt.
func Retry(err error) Outcome {
	o := Outcome{Kind: KindRetry}
	if err != nil {
		o.Detail = err.Error()
	}
	return o
}

// Fatal moves the entity to its error state with detail.
func Fatal(detail string) Outcome { return Outcome{Kind: KindFatal, Detail: detail} }

// Fatalf is Fatal with formatting.
func Fatalf(format string, args ...any) Outcome { return Fatal(fmt.Sprintf(format, args...)) }

// Defer persists the entity as is and keeps the lease until it expires.
func Defer() Outcome { return Outcome{Kind: KindDefer} }

// FromError maps a failed side effect to Retry or Fatal by its fault class.
func FromError(err error) Outcome {
	if faults.IsPermanent(err) {
		return Fatal(err.Error())
	}
	return Retry(err)
}

// Handler is the business logic of one state. It receives a private copy of the entity that it
// may modify; the processor persists that copy according to the outcome.
type Handler[E any] func(ctx context.Context, e E) Outcome
