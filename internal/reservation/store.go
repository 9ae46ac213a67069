// Package reservation defines the durable store contract for reservations.
package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/amkt/courier/internal/domain"
)

// Store errors. State-precondition violations surface domain.ErrStateConflict.
var (
	// ErrNotFound is returned when no reservation exists for the given id.
	ErrNotFound = errors.New("reservation not found")

	// ErrVersionConflict is returned when a conditional write loses the
	// optimistic-lock race. Expected under concurrent schedulers.
	ErrVersionConflict = errors.New("reservation version conflict")
)

// Store is the only writer of reservation rows. All mutating operations are
// conditional writes guarded by the version token.
type Store interface {
	Create(ctx context.Context, r *domain.Reservation) error
	GetByID(ctx context.Context, id string) (*domain.Reservation, error)

	// FindDue returns up to limit READY reservations with scheduledAt <= now,
	// oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)

	// MarkPending advances READY -> PENDING if and only if the stored version
	// still equals expectedVersion. Returns ErrVersionConflict when another
	// process already advanced the reservation.
	MarkPending(ctx context.Context, id string, expectedVersion int64) error

	// Complete applies PENDING -> COMPLETED.
	Complete(ctx context.Context, id string) error

	// Fail applies the domain failure transition: PENDING -> READY with an
	// incremented retry counter and a pushed-out scheduledAt while the retry
	// budget lasts, PENDING -> FAILED otherwise.
	Fail(ctx context.Context, id string, retryable bool) error

	// Cancel applies READY -> CANCELED; any other state is a conflict.
	Cancel(ctx context.Context, id string) error

	// Delete removes a reservation. Only CANCELED and FAILED rows may be
	// deleted (explicit operator action).
	Delete(ctx context.Context, id string) error

	// RequeueStuckPending returns PENDING reservations whose last update is
	// older than the cutoff back to READY, and reports how many were moved.
	// This reconciles reservations orphaned by a publish failure after a
	// successful MarkPending.
	RequeueStuckPending(ctx context.Context, olderThan time.Time) (int64, error)

	// CountByStatus reports queue depth per status for metrics.
	CountByStatus(ctx context.Context) (map[domain.ReservationStatus]int64, error)
}
