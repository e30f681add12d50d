package httpapi

import (
	"context"
)

type authContextKey string

const participantKey authContextKey = "participant"

func withParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantKey, participantID)
}

// participantFromContext returns the authenticated counterparty, or "" when inbound
// authentication is disabled.
func participantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(participantKey).(string); ok {
		return v
	}
	return ""
}
