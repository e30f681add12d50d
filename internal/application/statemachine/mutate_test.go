package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-connector/connector/internal/domain/entity"
	"github.com/dataspace-connector/connector/internal/faults"
	"github.com/dataspace-connector/connector/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestMutatorUpdate(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.add(t, "j1", entity.RoleConsumer)
	m := NewMutator[*job](f.store, f.proc.Leases(), fastRetry())
	ctx := context.Background()

	got, err := m.Update(ctx, "j1", func(j *job) error {
		return Transition(j, jobRunning, f.clock.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, jobRunning, got.State)
	assert.Equal(t, jobRunning, f.get(t, "j1").State)

	got, err = m.Update(ctx, "j1", func(j *job) error {
		return Transition(j, jobRunning, f.clock.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, jobRunning, got.State)

	_, err = m.Update(ctx, "j1", func(j *job) error {
		return Transition(j, jobPending, f.clock.Now())
	})
	assert.ErrorIs(t, err, entity.ErrInvalidTransition)
	assert.True(t, faults.IsPermanent(err))

	_, err = m.Update(ctx, "missing", func(*job) error { return nil })
	assert.ErrorIs(t, err, entity.ErrNotFound)

	// The lease is released after every update.
	require.NoError(t, f.store.Lease(ctx, "j1", "other", time.Minute))
}

func TestMutatorKeepsClassifiedErrors(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.add(t, "j1", entity.RoleConsumer)
	m := NewMutator[*job](f.store, f.proc.Leases(), fastRetry())

	calls := 0
	_, err := m.Update(context.Background(), "j1", func(*job) error {
		calls++
		return faults.Transientf("wait", "not ready")
	})
	assert.True(t, faults.IsTransient(err))
	assert.Equal(t, 1, calls)
}

func TestMutatorRetriesLeaseContention(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.add(t, "j1", entity.RoleConsumer)
	ctx := context.Background()
	require.NoError(t, f.store.Lease(ctx, "j1", "replica-b", time.Minute))

	m := NewMutator[*job](f.store, f.proc.Leases(), fastRetry())
	_, err := m.Update(ctx, "j1", func(*job) error { return nil })
	assert.True(t, errors.Is(err, entity.ErrLeased))

	require.NoError(t, f.store.Release(ctx, "j1", "replica-b"))
	_, err = m.Update(ctx, "j1", func(j *job) error {
		j.notes = append(j.notes, "touched")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"touched"}, f.get(t, "j1").notes)
}

func TestMutatorRerunsUpdateAfterLeaseTakeover(t *testing.T) {
	f := newFixture(t, 3, nil)
	f.add(t, "j1", entity.RoleConsumer)
	m := NewMutator[*job](f.store, f.proc.Leases(), fastRetry())
	ctx := context.Background()

	calls := 0
	got, err := m.Update(ctx, "j1", func(j *job) error {
		calls++
		if calls == 1 {
			f.clock.Advance(time.Minute)
			require.NoError(t, f.store.Lease(ctx, "j1", "replica-b", time.Minute))
			other := f.get(t, "j1")
			other.notes = []string{"replica-b"}
			require.NoError(t, f.store.SaveLeased(ctx, other, "replica-b"))
			require.NoError(t, f.store.Release(ctx, "j1", "replica-b"))
		}
		j.notes = append(j.notes, "touched")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"replica-b", "touched"}, got.notes)
	assert.Equal(t, []string{"replica-b", "touched"}, f.get(t, "j1").notes)
}
