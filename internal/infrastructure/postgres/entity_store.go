package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dataspace-connector/connector/internal/clock"
	"github.com/dataspace-connector/connector/internal/domain/entity"
)

// keys are the indexed columns of an entity row besides its bookkeeping.
type keys struct {
	CorrelationID string
	AgreementID   string
}

// EntityStore is a generic entity table. The full entity is kept as JSON in body; bookkeeping
// and lookup keys are duplicated into columns for querying.
type EntityStore[E entity.Entity[E]] struct {
	pool   *pgxpool.Pool
	table  string
	clock  clock.Clock
	newE   func() E
	keysOf func(E) keys
}

func newEntityStore[E entity.Entity[E]](pool *pgxpool.Pool, table string, clk clock.Clock, newE func() E, keysOf func(E) keys) *EntityStore[E] {
	return &EntityStore[E]{pool: pool, table: table, clock: clk, newE: newE, keysOf: keysOf}
}

func (s *EntityStore[E]) decode(body []byte) (E, error) {
	e := s.newE()
	if err := json.Unmarshal(body, e); err != nil {
		var zero E
		return zero, fmt.Errorf("decode %s row: %w", s.table, err)
	}
	return e, nil
}

func (s *EntityStore[E]) findOne(ctx context.Context, where string, arg any) (E, error) {
	var zero E
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM `+s.table+` WHERE `+where+` ORDER BY created_at LIMIT 1`, arg).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, nil
	}
	if err != nil {
		return zero, err
	}
	return s.decode(body)
}

func (s *EntityStore[E]) FindByID(ctx context.Context, id string) (E, error) {
	return s.findOne(ctx, "id=$1", id)
}

func (s *EntityStore[E]) FindByCorrelationID(ctx context.Context, correlationID string) (E, error) {
	if correlationID == "" {
		var zero E
		return zero, nil
	}
	return s.findOne(ctx, "correlation_id=$1", correlationID)
}

// columns are the values written for e, in insert order.
func (s *EntityStore[E]) columns(e E) ([]any, error) {
	base := e.Stateful()
	base.UpdatedAt = s.clock.Now().UnixMilli()
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", base.ID, err)
	}
	traceContext, err := json.Marshal(base.TraceContext)
	if err != nil {
		return nil, fmt.Errorf("encode trace context: %w", err)
	}
	k := s.keysOf(e)
	return []any{base.ID, base.State, base.StateCount, base.StateTimestamp, base.NextAttemptAt, traceContext, base.ErrorDetail,
		base.CreatedAt, base.UpdatedAt, string(e.ProcessRole()), nullable(k.CorrelationID), nullable(k.AgreementID), body}, nil
}

const insertColumns = `(id, state, state_count, state_timestamp, next_attempt_at, trace_context, error_detail, created_at, updated_at, role, correlation_id, agreement_id, body)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

// Save upserts e. The lease column is left untouched.
func (s *EntityStore[E]) Save(ctx context.Context, e E) error {
	args, err := s.columns(e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` `+insertColumns+`
		ON CONFLICT (id) DO UPDATE SET
			state=EXCLUDED.state, state_count=EXCLUDED.state_count, state_timestamp=EXCLUDED.state_timestamp,
			next_attempt_at=EXCLUDED.next_attempt_at, trace_context=EXCLUDED.trace_context, error_detail=EXCLUDED.error_detail,
			updated_at=EXCLUDED.updated_at, correlation_id=EXCLUDED.correlation_id, agreement_id=EXCLUDED.agreement_id, body=EXCLUDED.body
	`, args...)
	return err
}

// Create inserts e unless its id or its (role, correlation_id) pair already exists, and then
// returns the row that won.
func (s *EntityStore[E]) Create(ctx context.Context, e E) (E, bool, error) {
	var zero E
	args, err := s.columns(e)
	if err != nil {
		return zero, false, err
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO `+s.table+` `+insertColumns+` ON CONFLICT DO NOTHING`, args...)
	if err != nil {
		return zero, false, err
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}

	var body []byte
	if corr := s.keysOf(e).CorrelationID; corr != "" {
		err = s.pool.QueryRow(ctx, `SELECT body FROM `+s.table+` WHERE role=$1 AND correlation_id=$2`,
			string(e.ProcessRole()), corr).Scan(&body)
	} else {
		err = pgx.ErrNoRows
	}
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.pool.QueryRow(ctx, `SELECT body FROM `+s.table+` WHERE id=$1`, e.Stateful().ID).Scan(&body)
	}
	if err != nil {
		return zero, false, fmt.Errorf("load conflicting %s row: %w", s.table, err)
	}
	existing, err := s.decode(body)
	return existing, false, err
}

// SaveLeased updates e only while its row still points at a lease owned by owner. A lease that
// expired but was not taken over still qualifies.
func (s *EntityStore[E]) SaveLeased(ctx context.Context, e E, owner string) error {
	args, err := s.columns(e)
	if err != nil {
		return err
	}
	// created_at and role never change after insert.
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+` SET
			state=$2, state_count=$3, state_timestamp=$4, next_attempt_at=$5, trace_context=$6, error_detail=$7,
			updated_at=$8, correlation_id=$9, agreement_id=$10, body=$11
		WHERE id=$1 AND lease_id IN (SELECT lease_id FROM leases WHERE leased_by=$12)
	`, args[0], args[1], args[2], args[3], args[4], args[5], args[6], args[8], args[10], args[11], args[12], owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrLeaseNotHeld
	}
	return nil
}

// LeaseAndFetch locks up to batchSize unleased rows in state whose next attempt is due, skipping
// rows other transactions hold, and leases each of them to owner in the same transaction.
func (s *EntityStore[E]) LeaseAndFetch(ctx context.Context, q entity.Query, batchSize int, leaseDuration time.Duration, owner string) ([]E, error) {
	now := s.clock.Now().UnixMilli()
	var out []E
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT e.id, e.lease_id, e.body
			FROM `+s.table+` e
			LEFT JOIN leases l ON e.lease_id = l.lease_id
			WHERE e.state=$1 AND ($2='' OR e.role=$2)
				AND e.next_attempt_at <= $3
				AND (l.lease_id IS NULL OR l.leased_at + l.lease_duration <= $3)
			ORDER BY e.state_timestamp
			LIMIT $4
			FOR UPDATE OF e SKIP LOCKED
		`, q.State, string(q.Role), now, batchSize)
		if err != nil {
			return err
		}
		type row struct {
			id      string
			leaseID *string
			body    []byte
		}
		var picked []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.leaseID, &r.body); err != nil {
				rows.Close()
				return err
			}
			picked = append(picked, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range picked {
			if err := s.attachLease(ctx, tx, r.id, r.leaseID, owner, now, leaseDuration); err != nil {
				return err
			}
			e, err := s.decode(r.body)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lease and fetch %s: %w", s.table, err)
	}
	return out, nil
}

// attachLease replaces the row's lease, if any, with a new one for owner.
func (s *EntityStore[E]) attachLease(ctx context.Context, tx pgx.Tx, id string, oldLease *string, owner string, now int64, d time.Duration) error {
	leaseID := uuid.NewString()
	if _, err := tx.Exec(ctx, `INSERT INTO leases (lease_id, leased_by, leased_at, lease_duration) VALUES ($1,$2,$3,$4)`,
		leaseID, owner, now, d.Milliseconds()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE `+s.table+` SET lease_id=$1 WHERE id=$2`, leaseID, id); err != nil {
		return err
	}
	if oldLease != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM leases WHERE lease_id=$1`, *oldLease); err != nil {
			return err
		}
	}
	return nil
}

type leaseRow struct {
	leaseID  *string
	leasedBy *string
	leasedAt *int64
	duration *int64
}

func (l leaseRow) active(now int64) bool {
	return l.leaseID != nil && l.leasedBy != nil && *l.leasedAt+*l.duration > now
}

func (s *EntityStore[E]) lockRow(ctx context.Context, tx pgx.Tx, id string) (leaseRow, error) {
	var l leaseRow
	err := tx.QueryRow(ctx, `
		SELECT e.lease_id, l.leased_by, l.leased_at, l.lease_duration
		FROM `+s.table+` e
		LEFT JOIN leases l ON e.lease_id = l.lease_id
		WHERE e.id=$1
		FOR UPDATE OF e
	`, id).Scan(&l.leaseID, &l.leasedBy, &l.leasedAt, &l.duration)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, entity.ErrNotFound
	}
	return l, err
}

// Lease acquires the lease on one entity, renewing it when owner already holds it.
func (s *EntityStore[E]) Lease(ctx context.Context, id, owner string, leaseDuration time.Duration) error {
	now := s.clock.Now().UnixMilli()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := s.lockRow(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.active(now) && *l.leasedBy != owner {
			return entity.ErrLeased
		}
		return s.attachLease(ctx, tx, id, l.leaseID, owner, now, leaseDuration)
	})
}

// Release drops the lease on id if owner holds it.
func (s *EntityStore[E]) Release(ctx context.Context, id, owner string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := s.lockRow(ctx, tx, id)
		if errors.Is(err, entity.ErrNotFound) {
			return entity.ErrLeaseNotHeld
		}
		if err != nil {
			return err
		}
		if l.leaseID == nil || l.leasedBy == nil || *l.leasedBy != owner {
			return entity.ErrLeaseNotHeld
		}
		if _, err := tx.Exec(ctx, `UPDATE `+s.table+` SET lease_id=NULL WHERE id=$1`, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM leases WHERE lease_id=$1`, *l.leaseID)
		return err
	})
}

// List returns entities newest first. A non-positive limit returns all of them.
func (s *EntityStore[E]) List(ctx context.Context, limit, offset int) ([]E, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx, `SELECT body FROM `+s.table+` ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []E
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		e, err := s.decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
