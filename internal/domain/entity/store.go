package entity

import (
	"context"
	"time"
)

// Query selects the entities a state handler works on.
type Query struct {
	State int
	Role  Role
}

// Store persists entities of one type. Lookups return the zero value and a nil error when the
// entity does not exist.
type Store[E any] interface {
	FindByID(ctx context.Context, id string) (E, error)
	// FindByCorrelationID finds the local entity for a counterparty process id.
	FindByCorrelationID(ctx context.Context, correlationID string) (E, error)
	// Save upserts e and bumps its UpdatedAt. It is meant for entities nobody else can see yet;
	// changes to existing entities go through SaveLeased.
	Save(ctx context.Context, e E) error
	// Create inserts e unless an entity with the same role and correlation id exists, in which
	// case nothing is written and the existing entity is returned with created false.
	Create(ctx context.Context, e E) (stored E, created bool, err error)
	// SaveLeased writes e only while owner still holds its lease, expired or not. A lease that
	// was released or reclaimed by another owner yields ErrLeaseNotHeld and nothing is written.
	SaveLeased(ctx context.Context, e E, owner string) error
	// LeaseAndFetch atomically leases up to batchSize entities matching q that hold no unexpired
	// lease and whose next attempt is due at now, oldest state timestamp first, and returns them.
	LeaseAndFetch(ctx context.Context, q Query, batchSize int, leaseDuration time.Duration, owner string) ([]E, error)
	// Lease acquires the lease on one entity, or renews it when owner already holds it. It
	// returns ErrLeased when another owner holds an unexpired lease and ErrNotFound when the
	// entity does not exist.
	Lease(ctx context.Context, id, owner string, leaseDuration time.Duration) error
	// Release deletes the lease on id if owner still holds it, else returns ErrLeaseNotHeld.
	Release(ctx context.Context, id, owner string) error
}
