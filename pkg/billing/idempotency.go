package billing

import (
	"context"
	"errors"
	"time"
)

// Charge states kept in the idempotency ledger.
const (
	ChargePending   = "pending"
	ChargeCompleted = "completed"
	ChargeFailed    = "failed"
)

var (
	// ErrChargeInProgress is returned when another attempt holds the same
	// idempotency key and has not finished yet.
	ErrChargeInProgress = errors.New("charge with this idempotency key is in progress")
)

// ChargeRecord is the ledger entry for one idempotency key.
type ChargeRecord struct {
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	State          string    `json:"state"`
	PaymentID      string    `json:"payment_id,omitempty"`
	PaymentStatus  string    `json:"payment_status,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdempotencyStore records charge attempts by idempotency key so a repeated
// key returns the first attempt's outcome instead of charging again.
type IdempotencyStore interface {
	// ReserveCharge claims rec.IdempotencyKey with a pending record. When the
	// key is already claimed it returns the existing record and false.
	ReserveCharge(ctx context.Context, rec *ChargeRecord, ttl time.Duration) (*ChargeRecord, bool, error)

	// CompleteCharge overwrites the record for rec.IdempotencyKey.
	CompleteCharge(ctx context.Context, rec *ChargeRecord, ttl time.Duration) error

	// ReleaseCharge drops a pending reservation so the key can be retried.
	ReleaseCharge(ctx context.Context, idempotencyKey string) error
}
