package protocol

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_dispatcher.go -package=mocks . Dispatcher,IdentityService

import (
	"context"
	"errors"
)

var (
	// ErrInvalidMessage marks a message that is malformed or does not fit the process state.
	ErrInvalidMessage = errors.New("invalid protocol message")
	// ErrForbidden marks a message from a participant that is not the process counterparty.
	ErrForbidden = errors.New("participant is not the counterparty of this process")
)

// Dispatcher delivers a message to the counterparty at address. Failures are classified with
// the faults package: transient failures may be retried, permanent ones may not.
type Dispatcher interface {
	Dispatch(ctx context.Context, address string, msg Message) (*Ack, error)
}

// IdentityService issues the bearer token presented to a counterparty and resolves inbound
// tokens to participant ids. An empty participant id means the caller is not authenticated and
// counterparty checks are skipped.
type IdentityService interface {
	ObtainToken(ctx context.Context, audience string) (string, error)
	VerifyToken(ctx context.Context, token string) (participantID string, err error)
}
