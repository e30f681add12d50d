// Package dataplane defines the data movement step of a transfer: the ephemeral task handed to
// the worker queue, the pluggable sources and sinks, and the claims behind pull access tokens.
package dataplane

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/dataspace-connector/connector/internal/domain/transfer"
)

var (
	ErrUnsupportedType = errors.New("unsupported data address type")
	ErrTokenInvalid    = errors.New("access token invalid or expired")
)

// Task asks the data plane to copy Source into Destination for one transfer process. FlowID is
// the transfer process id.
type Task struct {
	FlowID       string
	AgreementID  string
	Source       transfer.DataAddress
	Destination  transfer.DataAddress
	TransferType string
}

// Source reads data described by an address.
type Source interface {
	Type() string
	Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error)
}

// Sink writes data to an address.
type Sink interface {
	Type() string
	Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error
}

// TokenRequest describes the pull access being granted.
type TokenRequest struct {
	AgreementID  string
	AssetID      string
	ProcessID    string
	TransferType string
	Audience     string
}

// Claims are carried by a pull access token.
type Claims struct {
	AgreementID  string `json:"agreement_id"`
	AssetID      string `json:"asset_id"`
	ProcessID    string `json:"process_id"`
	TransferType string `json:"transfer_type"`
	Issuer       string `json:"iss"`
	Subject      string `json:"sub"`
	Audience     string `json:"aud"`
	JTI          string `json:"jti"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
}

// Expired reports whether the claims are no longer valid at now.
func (c Claims) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// TokenStore keeps issued tokens by their hash. Find returns nil, nil for unknown hashes.
type TokenStore interface {
	Save(ctx context.Context, tokenHash string, claims Claims) error
	Find(ctx context.Context, tokenHash string) (*Claims, error)
	RevokeProcess(ctx context.Context, processID string) error
}
