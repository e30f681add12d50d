package dataplane

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/dataplane"
)

// Authorization issues and verifies opaque pull access tokens. Only the SHA-256 hash of a token
// is stored.
type Authorization struct {
	store  dataplane.TokenStore
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewAuthorization(store dataplane.TokenStore, issuer string, ttl time.Duration, clk clock.Clock) *Authorization {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authorization{store: store, issuer: issuer, ttl: ttl, clock: clk}
}

// Issue mints a token for req.
func (a *Authorization) Issue(ctx context.Context, req dataplane.TokenRequest) (string, dataplane.Claims, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", dataplane.Claims{}, fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	now := a.clock.Now()
	claims := dataplane.Claims{
		AgreementID:  req.AgreementID,
		AssetID:      req.AssetID,
		ProcessID:    req.ProcessID,
		TransferType: req.TransferType,
		Issuer:       a.issuer,
		Subject:      a.issuer,
		Audience:     req.Audience,
		JTI:          uuid.NewString(),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(a.ttl).Unix(),
	}
	if err := a.store.Save(ctx, hashToken(token), claims); err != nil {
		return "", dataplane.Claims{}, fmt.Errorf("save token: %w", err)
	}
	return token, claims, nil
}

// Verify returns the claims of a valid token.
func (a *Authorization) Verify(ctx context.Context, token string) (*dataplane.Claims, error) {
	if token == "" {
		return nil, dataplane.ErrTokenInvalid
	}
	claims, err := a.store.Find(ctx, hashToken(token))
	if err != nil {
		return nil, err
	}
	if claims == nil || claims.Expired(a.clock.Now()) {
		return nil, dataplane.ErrTokenInvalid
	}
	return claims, nil
}

// Revoke invalidates every token issued for a transfer process.
func (a *Authorization) Revoke(ctx context.Context, processID string) error {
	return a.store.RevokeProcess(ctx, processID)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
