// Package identity issues and verifies the bearer tokens exchanged with counterparty connectors.
package identity

import (
	"context"
	"errors"
	"os"
	"strings"
)

var ErrUnknownToken = errors.New("token not recognised")

// StaticIdentity issues and verifies pre-shared bearer tokens.
type StaticIdentity struct {
	outbound     map[string]string
	participants map[string]string
}

// NewFromEnv builds the identity service from environment variables.
// DISPATCH_AUTH_TOKENS format: "audience:token,audience2:token2"; "*" is the default audience.
// PARTICIPANT_TOKENS format: "participantId:token,...", used to authenticate inbound requests.
// Audiences and participant ids may contain ':'; the token is everything after the last one.
func NewFromEnv() (*StaticIdentity, error) {
	outbound, err := parsePairs(os.Getenv("DISPATCH_AUTH_TOKENS"), "DISPATCH_AUTH_TOKENS")
	if err != nil {
		return nil, err
	}
	participants, err := parsePairs(os.Getenv("PARTICIPANT_TOKENS"), "PARTICIPANT_TOKENS")
	if err != nil {
		return nil, err
	}
	return New(outbound, participants), nil
}

// New builds the identity service from audience->token and participant->token maps.
func New(outbound, participants map[string]string) *StaticIdentity {
	byToken := make(map[string]string, len(participants))
	for id, token := range participants {
		byToken[token] = id
	}
	if outbound == nil {
		outbound = map[string]string{}
	}
	return &StaticIdentity{outbound: outbound, participants: byToken}
}

func parsePairs(raw, name string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i := strings.LastIndex(p, ":")
		if i <= 0 || i == len(p)-1 {
			return nil, errors.New("invalid " + name + " format")
		}
		out[p[:i]] = p[i+1:]
	}
	return out, nil
}

// ObtainToken returns the token for audience, falling back to the "*" entry.
func (s *StaticIdentity) ObtainToken(ctx context.Context, audience string) (string, error) {
	_ = ctx
	if token, ok := s.outbound[audience]; ok {
		return token, nil
	}
	if token, ok := s.outbound["*"]; ok {
		return token, nil
	}
	return "", nil
}

// VerifyToken resolves an inbound token to its participant id. Without configured participants
// every caller is accepted with an empty id.
func (s *StaticIdentity) VerifyToken(ctx context.Context, token string) (string, error) {
	_ = ctx
	if len(s.participants) == 0 {
		return "", nil
	}
	id, ok := s.participants[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return id, nil
}
