// Package postgres provides the PostgreSQL implementation of the reservation store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amkt/courier/internal/domain"
	"github.com/amkt/courier/internal/reservation"
)

// Repository implements reservation.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const reservationColumns = `
	id, persona_id, user_id, message_id, item_id,
	channel_type, channel_address, status, scheduled_at,
	retry_count, version, created_at, updated_at
`

// Create inserts a new reservation. The upstream generation process creates
// rows in READY with the channel and schedule already resolved.
func (r *Repository) Create(ctx context.Context, res *domain.Reservation) error {
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.Status == "" {
		res.Status = domain.StatusReady
	}

	query := `
		INSERT INTO reservations (
			id, persona_id, user_id, message_id, item_id,
			channel_type, channel_address, status, scheduled_at, retry_count
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING version, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		res.ID,
		res.PersonaID,
		res.UserID,
		res.MessageID,
		res.ItemID,
		res.ChannelType,
		res.ChannelAddress,
		res.Status,
		res.ScheduledAt,
		res.RetryCount,
	).Scan(&res.Version, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

// GetByID retrieves a reservation by id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

// FindDue returns up to limit READY reservations due at or before now.
func (r *Repository) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.StatusReady, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find due reservations: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Reservation, 0)
	for rows.Next() {
		res, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// MarkPending advances READY -> PENDING under the caller's version witness.
// A lost race returns reservation.ErrVersionConflict.
func (r *Repository) MarkPending(ctx context.Context, id string, expectedVersion int64) error {
	query := `
		UPDATE reservations
		SET status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, id, expectedVersion, domain.StatusPending, domain.StatusReady)
	if err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// Complete applies PENDING -> COMPLETED.
func (r *Repository) Complete(ctx context.Context, id string) error {
	return r.transition(ctx, id, func(res *domain.Reservation) error {
		return res.Complete()
	})
}

// Fail applies the domain failure transition.
func (r *Repository) Fail(ctx context.Context, id string, retryable bool) error {
	return r.transition(ctx, id, func(res *domain.Reservation) error {
		return res.Fail(retryable, time.Now())
	})
}

// Cancel applies READY -> CANCELED.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	return r.transition(ctx, id, func(res *domain.Reservation) error {
		return res.Cancel()
	})
}

// Delete removes a CANCELED or FAILED reservation.
func (r *Repository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM reservations WHERE id = $1 AND status = ANY($2)`
	result, err := r.db.Exec(ctx, query, id, []domain.ReservationStatus{domain.StatusCanceled, domain.StatusFailed})
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: delete requires %s or %s", domain.ErrStateConflict, domain.StatusCanceled, domain.StatusFailed)
	}
	return nil
}

// RequeueStuckPending reconciles reservations left PENDING by a publish
// failure: anything not updated since the cutoff goes back to READY.
func (r *Repository) RequeueStuckPending(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE reservations
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`
	result, err := r.db.Exec(ctx, query, domain.StatusReady, domain.StatusPending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck pending: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus reports the number of reservations per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[domain.ReservationStatus]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM reservations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ReservationStatus]int64)
	for rows.Next() {
		var status domain.ReservationStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// transition loads the row, applies the domain transition, and writes the
// result back guarded by the loaded version. The consumer is the only holder
// of a PENDING reservation, so losing this race is rare; it still surfaces as
// ErrVersionConflict rather than a silent overwrite.
func (r *Repository) transition(ctx context.Context, id string, apply func(*domain.Reservation) error) error {
	res, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := apply(res); err != nil {
		return err
	}

	query := `
		UPDATE reservations
		SET status = $3, retry_count = $4, scheduled_at = $5, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
	`
	result, err := r.db.Exec(ctx, query, id, res.Version, res.Status, res.RetryCount, res.ScheduledAt)
	if err != nil {
		return fmt.Errorf("apply transition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.classifyMiss(ctx, id)
	}
	return nil
}

// classifyMiss distinguishes a missing row from a lost optimistic-lock race
// after a conditional write touched nothing.
func (r *Repository) classifyMiss(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check reservation existence: %w", err)
	}
	if !exists {
		return reservation.ErrNotFound
	}
	return reservation.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanOne(row rowScanner) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID,
		&res.PersonaID,
		&res.UserID,
		&res.MessageID,
		&res.ItemID,
		&res.ChannelType,
		&res.ChannelAddress,
		&res.Status,
		&res.ScheduledAt,
		&res.RetryCount,
		&res.Version,
		&res.CreatedAt,
		&res.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, reservation.ErrNotFound
		}
		return nil, fmt.Errorf("scan reservation: %w", err)
	}
	return &res, nil
}
