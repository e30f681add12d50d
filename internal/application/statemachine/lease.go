package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Disposition tells the lease manager what to do with the lease once the body returns.
type Disposition int

const (
	ReleaseLease Disposition = iota
	KeepLease
)

// Leaser is the lease half of an entity store.
type Leaser interface {
	Lease(ctx context.Context, id, owner string, leaseDuration time.Duration) error
	Release(ctx context.Context, id, owner string) error
}

// LeaseManager runs work while holding an entity's lease and releases it afterwards.
type LeaseManager struct {
	leaser   Leaser
	owner    string
	duration time.Duration
	logger   zerolog.Logger
}

func NewLeaseManager(leaser Leaser, owner string, duration time.Duration, logger zerolog.Logger) *LeaseManager {
	return &LeaseManager{
		leaser:   leaser,
		owner:    owner,
		duration: duration,
		logger:   logger.With().Str("component", "lease_manager").Logger(),
	}
}

// ForOwner returns a lease manager acquiring leases as owner.
func (m *LeaseManager) ForOwner(owner string) *LeaseManager {
	out := *m
	out.owner = owner
	return &out
}

// Owner is the lease owner id of this replica.
func (m *LeaseManager) Owner() string { return m.owner }

// Duration is the lease duration used for acquisition.
func (m *LeaseManager) Duration() time.Duration { return m.duration }

// WithLease acquires the lease on id (or renews one this owner already holds) and runs body.
// It returns entity.ErrLeased when another owner holds the entity.
func (m *LeaseManager) WithLease(ctx context.Context, id string, body func(ctx context.Context) (Disposition, error)) error {
	if err := m.leaser.Lease(ctx, id, m.owner, m.duration); err != nil {
		return fmt.Errorf("lease %s: %w", id, err)
	}
	return m.Held(ctx, id, body)
}

// Held runs body for an entity this owner already leased and releases the lease on every exit
// path, panics included, unless body returns KeepLease.
func (m *LeaseManager) Held(ctx context.Context, id string, body func(ctx context.Context) (Disposition, error)) error {
	keep := false
	defer func() {
		if !keep {
			m.Release(ctx, id)
		}
	}()
	d, err := body(ctx)
	keep = d == KeepLease
	return err
}

// Release gives up the lease on id. A lease already reclaimed by another owner is left alone.
func (m *LeaseManager) Release(ctx context.Context, id string) {
	err := m.leaser.Release(context.WithoutCancel(ctx), id, m.owner)
	switch {
	case err == nil:
	case errors.Is(err, entity.ErrLeaseNotHeld):
		m.logger.Warn().Str("entity_id", id).Msg("lease was reclaimed by another owner before release")
	default:
		m.logger.Error().Err(err).Str("entity_id", id).Msg("failed to release lease")
	}
}
