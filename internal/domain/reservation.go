// Package domain contains the core entities of the delivery pipeline.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ChannelType identifies a delivery medium.
type ChannelType string

// Supported channel types. The set is open for extension; senders are
// registered per type at startup.
const (
	ChannelTypeSMS   ChannelType = "SMS"
	ChannelTypeKakao ChannelType = "KAKAO"
)

// ReservationStatus represents the lifecycle state of a reservation.
type ReservationStatus string

// Reservation statuses.
const (
	StatusReady     ReservationStatus = "READY"     // waiting for its scheduled time
	StatusPending   ReservationStatus = "PENDING"   // handed to the queue, delivery in progress
	StatusCompleted ReservationStatus = "COMPLETED" // delivered
	StatusFailed    ReservationStatus = "FAILED"    // terminally failed
	StatusCanceled  ReservationStatus = "CANCELED"  // canceled by an operator before dispatch
)

const (
	// MaxRetries bounds the domain-level retry counter.
	MaxRetries = 3

	// RetryDelay is how far a retryable failure pushes ScheduledAt into the future.
	RetryDelay = 5 * time.Minute
)

// ErrStateConflict is returned when a transition is attempted from a state
// that does not permit it, including optimistic-version mismatches.
var ErrStateConflict = errors.New("reservation state conflict")

// Reservation is the unit of scheduled work: one message to one recipient.
// The persona/user/message/item references are opaque to the pipeline; the
// upstream generation process resolves them before creating the row.
type Reservation struct {
	ID             string
	PersonaID      string
	UserID         string
	MessageID      string
	ItemID         string
	ChannelType    ChannelType
	ChannelAddress string
	Status         ReservationStatus
	ScheduledAt    time.Time
	RetryCount     int
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Terminal reports whether the reservation can no longer change state.
func (r *Reservation) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// MarkPending moves a READY reservation into PENDING. The store applies this
// under the optimistic version token so only one scheduler instance wins.
func (r *Reservation) MarkPending() error {
	if r.Status != StatusReady {
		return fmt.Errorf("%w: mark pending requires %s, got %s", ErrStateConflict, StatusReady, r.Status)
	}
	r.Status = StatusPending
	return nil
}

// Complete marks a PENDING reservation as delivered.
func (r *Reservation) Complete() error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: complete requires %s, got %s", ErrStateConflict, StatusPending, r.Status)
	}
	r.Status = StatusCompleted
	return nil
}

// Fail records a failed delivery attempt. A retryable failure within the
// retry budget re-enters the due-time pool RetryDelay from now; anything else
// is terminal.
func (r *Reservation) Fail(retryable bool, now time.Time) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: fail requires %s, got %s", ErrStateConflict, StatusPending, r.Status)
	}
	if retryable && r.RetryCount < MaxRetries {
		r.RetryCount++
		r.ScheduledAt = now.Add(RetryDelay)
		r.Status = StatusReady
		return nil
	}
	r.Status = StatusFailed
	return nil
}

// Cancel is the operator-triggered transition, valid only before dispatch.
func (r *Reservation) Cancel() error {
	if r.Status != StatusReady {
		return fmt.Errorf("%w: cancel requires %s, got %s", ErrStateConflict, StatusReady, r.Status)
	}
	r.Status = StatusCanceled
	return nil
}
