// Package entity defines the persisted base shared by every long-running protocol instance,
// the lease that guards it and the store contract the state machines are built on.
package entity

import (
	"errors"
	"maps"
	"time"
)

// Role is the side of a protocol instance this connector plays.
type Role string

const (
	RoleConsumer Role = "CONSUMER"
	RoleProvider Role = "PROVIDER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleConsumer || r == RoleProvider
}

var (
	ErrNotFound          = errors.New("entity not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrLeased            = errors.New("entity is leased by another owner")
	ErrLeaseNotHeld      = errors.New("lease not held by owner")
)

// Base holds the bookkeeping every stateful entity carries.
type Base struct {
	ID             string            `json:"id"`
	State          int               `json:"state"`
	StateCount     int               `json:"stateCount"`
	StateTimestamp int64             `json:"stateTimestamp"`
	NextAttemptAt  int64             `json:"nextAttemptAt,omitempty"`
	TraceContext   map[string]string `json:"traceContext,omitempty"`
	ErrorDetail    *string           `json:"errorDetail,omitempty"`
	CreatedAt      int64             `json:"createdAt"`
	UpdatedAt      int64             `json:"updatedAt"`
}

// NewBase creates the base of a fresh entity in state.
func NewBase(id string, state int, now time.Time) Base {
	ms := now.UnixMilli()
	return Base{
		ID:             id,
		State:          state,
		StateTimestamp: ms,
		TraceContext:   map[string]string{},
		CreatedAt:      ms,
		UpdatedAt:      ms,
	}
}

// TransitionTo moves to state, resetting the attempt counter.
func (b *Base) TransitionTo(state int, now time.Time) {
	b.State = state
	b.StateCount = 0
	b.StateTimestamp = now.UnixMilli()
	b.NextAttemptAt = 0
}

// RecordAttempt counts one more attempt in the current state and schedules the next one wait
// after now. Stores only hand out entities whose next attempt is due.
func (b *Base) RecordAttempt(now time.Time, wait time.Duration) {
	b.StateCount++
	b.StateTimestamp = now.UnixMilli()
	b.NextAttemptAt = now.Add(wait).UnixMilli()
}

// Due reports whether the entity may be processed at now.
func (b *Base) Due(now time.Time) bool {
	return b.NextAttemptAt <= now.UnixMilli()
}

// Fail moves to the error state and records detail.
func (b *Base) Fail(state int, detail string, now time.Time) {
	b.TransitionTo(state, now)
	b.ErrorDetail = &detail
}

// Copy returns a deep copy of the base.
func (b Base) Copy() Base {
	out := b
	out.TraceContext = maps.Clone(b.TraceContext)
	if b.ErrorDetail != nil {
		detail := *b.ErrorDetail
		out.ErrorDetail = &detail
	}
	return out
}

// Entity is implemented by pointer types of persisted protocol instances. Clone gives the
// state machine a copy to transition so a handler never mutates the value it was handed.
type Entity[E any] interface {
	Stateful() *Base
	Clone() E
	ProcessRole() Role
	CanTransitionTo(state int) bool
	// ErrorState is the state a fatal failure in the current state leads to.
	ErrorState() int
	StateName(state int) string
}

// Lease is a time-bounded claim on one entity by one processor instance.
type Lease struct {
	ID            string `json:"leaseId"`
	EntityID      string `json:"entityId"`
	LeasedBy      string `json:"leasedBy"`
	LeasedAt      int64  `json:"leasedAt"`
	LeaseDuration int64  `json:"leaseDuration"`
}

// NewLease builds a lease for entityID held by owner starting now.
func NewLease(id, entityID, owner string, now time.Time, d time.Duration) Lease {
	return Lease{
		ID:            id,
		EntityID:      entityID,
		LeasedBy:      owner,
		LeasedAt:      now.UnixMilli(),
		LeaseDuration: d.Milliseconds(),
	}
}

// Expired reports whether the lease no longer excludes other owners at now.
func (l Lease) Expired(now time.Time) bool {
	return l.LeasedAt+l.LeaseDuration <= now.UnixMilli()
}
