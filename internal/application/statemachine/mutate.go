package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/faults"
	"github.com/dataspace-connector/connector/internal/retry"
)

// ErrUnchanged is returned by a mutation that found the entity already in the requested shape.
// The entity is not saved and Update reports success.
var ErrUnchanged = errors.New("entity unchanged")

// Mutator applies out-of-band changes, such as inbound protocol messages and management
// commands, to one entity while holding its lease. Every call leases under its own owner id so
// that it excludes the processor and concurrent requests on the same replica alike.
type Mutator[E entity.Entity[E]] struct {
	store  entity.Store[E]
	leases *LeaseManager
	retry  retry.Config
}

// NewMutator creates a mutator. Lease contention is retried according to cfg.
func NewMutator[E entity.Entity[E]](store entity.Store[E], leases *LeaseManager, cfg retry.Config) *Mutator[E] {
	return &Mutator[E]{store: store, leases: leases, retry: cfg}
}

// ContentionRetry is the default backoff for a lease briefly held by a running handler.
func ContentionRetry() retry.Config {
	return retry.Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// Update leases id, loads it, applies fn and saves the result. Only lease contention is retried.
// Unclassified errors from fn are returned as permanent faults; entity.ErrNotFound is returned
// for unknown ids.
func (m *Mutator[E]) Update(ctx context.Context, id string, fn func(e E) error) (E, error) {
	var (
		result E
		fnErr  error
	)
	leases := m.leases.ForOwner(m.leases.Owner() + "/" + uuid.NewString())
	op := "update " + id
	err := retry.Do(ctx, m.retry, func(ctx context.Context) error {
		err := leases.WithLease(ctx, id, func(ctx context.Context) (Disposition, error) {
			e, err := m.store.FindByID(ctx, id)
			if err != nil {
				return ReleaseLease, err
			}
			if isNil(e) {
				return ReleaseLease, faults.NewPermanent(op, entity.ErrNotFound)
			}
			if err := fn(e); err != nil {
				if errors.Is(err, ErrUnchanged) {
					result = e
					return ReleaseLease, nil
				}
				fnErr = err
				return ReleaseLease, nil
			}
			// A lease lost since acquisition surfaces as ErrLeaseNotHeld and the whole update reruns.
			if err := m.store.SaveLeased(ctx, e, leases.Owner()); err != nil {
				return ReleaseLease, fmt.Errorf("save %s: %w", id, err)
			}
			result = e
			return ReleaseLease, nil
		})
		if errors.Is(err, entity.ErrNotFound) && !faults.IsPermanent(err) {
			return faults.NewPermanent(op, err)
		}
		return err
	})
	if err != nil {
		return result, err
	}
	if fnErr != nil {
		var classified *faults.Error
		if errors.As(fnErr, &classified) {
			return result, fnErr
		}
		return result, faults.NewPermanent(op, fnErr)
	}
	return result, nil
}

// Transition moves e to target. A duplicate request for the state e is already in yields
// ErrUnchanged; a transition the state machine forbids yields entity.ErrInvalidTransition.
func Transition[E entity.Entity[E]](e E, target int, now time.Time) error {
	base := e.Stateful()
	if base.State == target {
		return ErrUnchanged
	}
	if !e.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", entity.ErrInvalidTransition, e.StateName(base.State), e.StateName(target))
	}
	base.TransitionTo(target, now)
	return nil
}

func isNil[E any](e E) bool {
	var zero E
	return any(e) == any(zero)
}
