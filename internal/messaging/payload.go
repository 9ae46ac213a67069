// Package messaging contains the queue payload contract and the delivery
// processor that routes send outcomes between the broker and the store.
package messaging

import (
	"time"

	"github.com/amkt/courier/internal/domain"
)

// MaxWireRetries bounds broker-level redelivery. After this many wire
// attempts a payload is dead-lettered regardless of the error class. The
// wire counter is independent of the entity's domain-level retry counter.
const MaxWireRetries = 3

// Escalating redelivery delays, selected by the payload's current wire retry
// count. The sequence is monotonically non-decreasing.
const (
	RetryDelay1 = 60 * time.Second
	RetryDelay2 = 120 * time.Second
	RetryDelay3 = 240 * time.Second
)

// Payload is the queue-message representation of a reservation snapshot for
// one delivery attempt. It is a value object: whoever holds the queue message
// owns it.
type Payload struct {
	ReservationID  string             `json:"reservation_id"`
	PersonaID      string             `json:"persona_id"`
	ChannelType    domain.ChannelType `json:"channel_type"`
	ChannelAddress string             `json:"channel_address"`
	RetryCount     int                `json:"retry_count"`
	TraceID        string             `json:"trace_id"`
	Version        int64              `json:"version"`
}

// NewPayload snapshots a reservation for publishing. The wire retry count
// starts at the entity's counter as known at publish time.
func NewPayload(r *domain.Reservation, traceID string) Payload {
	return Payload{
		ReservationID:  r.ID,
		PersonaID:      r.PersonaID,
		ChannelType:    r.ChannelType,
		ChannelAddress: r.ChannelAddress,
		RetryCount:     r.RetryCount,
		TraceID:        traceID,
		Version:        r.Version,
	}
}

// WithRetry derives the redelivery copy of a payload. The trace id is carried
// over so all attempts of one dispatch correlate.
func (p Payload) WithRetry(retryCount int) Payload {
	p.RetryCount = retryCount
	return p
}

// DelayFor returns the redelivery delay for the given wire retry count.
func DelayFor(retryCount int) time.Duration {
	switch retryCount {
	case 0:
		return RetryDelay1
	case 1:
		return RetryDelay2
	default:
		return RetryDelay3
	}
}

// Result is the outcome of one send attempt. Retryable is meaningful only
// when Success is false.
type Result struct {
	Success           bool
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	Retryable         bool
}

// Succeeded builds a success result carrying the provider's message id.
func Succeeded(providerMessageID string) Result {
	return Result{Success: true, ProviderMessageID: providerMessageID}
}

// Failed builds a failure result.
func Failed(code, message string, retryable bool) Result {
	return Result{ErrorCode: code, ErrorMessage: message, Retryable: retryable}
}
