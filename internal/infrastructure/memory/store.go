// Package memory provides in-process stores for single-replica deployments and tests. Leases
// behave as in the Postgres stores, guarded by one mutex instead of row locks.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// Store is a generic entity store keeping private copies of every saved entity.
type Store[E entity.Entity[E]] struct {
	mu            sync.Mutex
	clock         clock.Clock
	entities      map[string]E
	leases        map[string]entity.Lease
	correlationID func(E) string
}

// NewStore creates an empty store. correlationID extracts the counterparty process id used by
// FindByCorrelationID.
func NewStore[E entity.Entity[E]](clk clock.Clock, correlationID func(E) string) *Store[E] {
	return &Store[E]{
		clock:         clk,
		entities:      map[string]E{},
		leases:        map[string]entity.Lease{},
		correlationID: correlationID,
	}
}

func (s *Store[E]) FindByID(_ context.Context, id string) (E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		var zero E
		return zero, nil
	}
	return e.Clone(), nil
}

func (s *Store[E]) FindByCorrelationID(_ context.Context, correlationID string) (E, error) {
	var zero E
	if correlationID == "" {
		return zero, nil
	}
	return s.findFirst(func(e E) bool { return s.correlationID(e) == correlationID }), nil
}

func (s *Store[E]) findFirst(match func(E) bool) E {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if match(e) {
			return e.Clone()
		}
	}
	var zero E
	return zero
}

func (s *Store[E]) Save(_ context.Context, e E) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := e.Stateful()
	base.UpdatedAt = s.clock.Now().UnixMilli()
	s.entities[base.ID] = e.Clone()
	return nil
}

func (s *Store[E]) Create(_ context.Context, e E) (E, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if corr := s.correlationID(e); corr != "" {
		for _, existing := range s.entities {
			if existing.ProcessRole() == e.ProcessRole() && s.correlationID(existing) == corr {
				return existing.Clone(), false, nil
			}
		}
	}
	base := e.Stateful()
	if existing, ok := s.entities[base.ID]; ok {
		return existing.Clone(), false, nil
	}
	base.UpdatedAt = s.clock.Now().UnixMilli()
	s.entities[base.ID] = e.Clone()
	return e, true, nil
}

func (s *Store[E]) SaveLeased(_ context.Context, e E, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := e.Stateful()
	l, ok := s.leases[base.ID]
	if !ok || l.LeasedBy != owner {
		return entity.ErrLeaseNotHeld
	}
	if _, ok := s.entities[base.ID]; !ok {
		return entity.ErrNotFound
	}
	base.UpdatedAt = s.clock.Now().UnixMilli()
	s.entities[base.ID] = e.Clone()
	return nil
}

func (s *Store[E]) LeaseAndFetch(_ context.Context, q entity.Query, batchSize int, leaseDuration time.Duration, owner string) ([]E, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var candidates []E
	for id, e := range s.entities {
		if e.Stateful().State != q.State || !e.Stateful().Due(now) {
			continue
		}
		if q.Role != "" && e.ProcessRole() != q.Role {
			continue
		}
		if l, ok := s.leases[id]; ok && !l.Expired(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	slices.SortFunc(candidates, func(a, b E) int {
		return cmp.Compare(a.Stateful().StateTimestamp, b.Stateful().StateTimestamp)
	})
	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	out := make([]E, 0, len(candidates))
	for _, e := range candidates {
		id := e.Stateful().ID
		s.leases[id] = entity.NewLease(uuid.NewString(), id, owner, now, leaseDuration)
		out = append(out, e.Clone())
	}
	return out, nil
}

func (s *Store[E]) Lease(_ context.Context, id, owner string, leaseDuration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return entity.ErrNotFound
	}
	now := s.clock.Now()
	if l, ok := s.leases[id]; ok && !l.Expired(now) && l.LeasedBy != owner {
		return entity.ErrLeased
	}
	s.leases[id] = entity.NewLease(uuid.NewString(), id, owner, now, leaseDuration)
	return nil
}

func (s *Store[E]) Release(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.LeasedBy != owner {
		return entity.ErrLeaseNotHeld
	}
	delete(s.leases, id)
	return nil
}

// List returns entities newest first.
func (s *Store[E]) List(_ context.Context, limit, offset int) ([]E, error) {
	s.mu.Lock()
	all := make([]E, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e.Clone())
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b E) int {
		if c := cmp.Compare(b.Stateful().CreatedAt, a.Stateful().CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Stateful().ID, b.Stateful().ID)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
