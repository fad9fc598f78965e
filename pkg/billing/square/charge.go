package square

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

// Messages returned to the payer.
const (
	msgPaymentNotCompleted = "Payment not completed"
	msgPaymentFailed       = "Payment failed"
	msgActivationFailed    = "Failed to update subscription"
)

// ChargeRequest charges the premium price to a tokenized card.
type ChargeRequest struct {
	// SourceID is the card token from the Square Web Payments SDK.
	SourceID string

	UserID string

	// IdempotencyKey identifies the payment attempt per user. A fresh key
	// is generated when empty, so only caller-supplied keys deduplicate.
	IdempotencyKey string
}

// ChargeResult is the outcome reported back to the payer.
type ChargeResult struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`

	// Replayed is set when the outcome came from the ledger.
	Replayed bool `json:"-"`
}

// Charge takes a one-off premium payment and activates the premium plan
// when Square reports it COMPLETED. A key seen before returns the recorded
// outcome without calling Square; a key still being processed returns
// billing.ErrChargeInProgress.
//
// Declines and activation failures are reported in the result. The error
// is reserved for invalid requests and infrastructure failures.
func (p *Provider) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	sourceID := strings.TrimSpace(req.SourceID)
	userID := strings.TrimSpace(req.UserID)
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source id is required", billing.ErrInvalidCharge)
	}
	if userID == "" {
		return nil, aigrid.ErrInvalidUserID
	}
	key := chargeKey(userID, req.IdempotencyKey)

	existing, reserved, err := p.ledger.ReserveCharge(ctx, &billing.ChargeRecord{
		IdempotencyKey: key,
		UserID:         userID,
		CreatedAt:      time.Now().UTC(),
	}, p.ledgerTTL)
	if err != nil {
		p.metrics.RecordCharge(providerName, "error")
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !reserved {
		return p.replay(existing, userID)
	}

	startTime := time.Now()
	pay, err := p.client.createPayment(ctx, createPaymentRequest{
		SourceID:       sourceID,
		IdempotencyKey: key,
		AmountMoney:    money{Amount: PremiumPriceCents, Currency: premiumCurrency},
		Autocomplete:   true,
		ReferenceID:    userID,
		Note:           "The AI Grid Premium",
	})
	p.metrics.RecordAPICallDuration(providerName, paymentsEndpoint, time.Since(startTime))

	var declined *declinedError
	switch {
	case errors.As(err, &declined):
		p.metrics.RecordAPICall(providerName, paymentsEndpoint, fmt.Sprintf("%d", declined.statusCode))
		return p.recordDecline(ctx, key, userID, declined)
	case err != nil:
		p.metrics.RecordAPICall(providerName, paymentsEndpoint, "error")
		p.metrics.RecordCharge(providerName, "error")
		if relErr := p.ledger.ReleaseCharge(ctx, key); relErr != nil {
			p.logger.Error("failed to release charge reservation",
				aigrid.F("idempotency_key", key), aigrid.F("error", relErr.Error()))
		}
		p.logger.Error("square payment request failed", aigrid.F("user_id", userID), aigrid.F("error", err.Error()))
		return nil, fmt.Errorf("%w: %w", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, paymentsEndpoint, "success")

	rec := &billing.ChargeRecord{
		IdempotencyKey: key,
		UserID:         userID,
		State:          billing.ChargeCompleted,
		PaymentID:      pay.ID,
		PaymentStatus:  pay.Status,
		CreatedAt:      time.Now().UTC(),
	}

	result := &ChargeResult{PaymentID: pay.ID}
	if pay.Status != paymentStatusCompleted {
		rec.Error = msgPaymentNotCompleted
		result.Error = msgPaymentNotCompleted
		p.metrics.RecordCharge(providerName, "declined")
	} else {
		activateErr := p.reconciler.Activate(ctx, aigrid.ActivateRequest{
			UserID:    userID,
			Plan:      aigrid.TierPremium.String(),
			Provider:  aigrid.ProviderSquare,
			PaymentID: pay.ID,
			Amount:    float64(PremiumPriceCents) / 100,
		})
		if activateErr != nil {
			rec.Error = msgActivationFailed
			result.Error = msgActivationFailed
			p.metrics.RecordCharge(providerName, "error")
			p.logger.Error("premium activation failed after completed payment",
				aigrid.F("user_id", userID), aigrid.F("payment_id", pay.ID), aigrid.F("error", activateErr.Error()))
		} else {
			result.Success = true
			p.metrics.RecordCharge(providerName, "completed")
		}
	}

	if err := p.ledger.CompleteCharge(ctx, rec, p.ledgerTTL); err != nil {
		p.logger.Error("failed to record charge outcome",
			aigrid.F("idempotency_key", key), aigrid.F("payment_id", pay.ID), aigrid.F("error", err.Error()))
	}

	p.logger.Info("square charge processed",
		aigrid.F("user_id", userID), aigrid.F("payment_id", pay.ID), aigrid.F("status", pay.Status))
	return result, nil
}

// chargeKey scopes a caller-supplied idempotency key to the user. The
// result is a name-based UUID, so it fits Square's 45 character limit and
// is sent to Square unchanged. An empty key yields a random UUID.
func chargeKey(userID, idempotencyKey string) string {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("aigrid:charge:"+userID+":"+idempotencyKey)).String()
}

func (p *Provider) recordDecline(ctx context.Context, key, userID string, declined *declinedError) (*ChargeResult, error) {
	rec := &billing.ChargeRecord{
		IdempotencyKey: key,
		UserID:         userID,
		State:          billing.ChargeFailed,
		Error:          msgPaymentFailed,
		CreatedAt:      time.Now().UTC(),
	}
	if declined.payment != nil {
		rec.PaymentID = declined.payment.ID
		rec.PaymentStatus = declined.payment.Status
	}
	if err := p.ledger.CompleteCharge(ctx, rec, p.ledgerTTL); err != nil {
		p.logger.Error("failed to record declined charge",
			aigrid.F("idempotency_key", key), aigrid.F("error", err.Error()))
	}
	p.metrics.RecordCharge(providerName, "declined")
	p.logger.Warn("square payment declined", aigrid.F("user_id", userID), aigrid.F("error", declined.Error()))
	return &ChargeResult{PaymentID: rec.PaymentID, Error: msgPaymentFailed}, nil
}

func (p *Provider) replay(rec *billing.ChargeRecord, userID string) (*ChargeResult, error) {
	if rec == nil || rec.State == billing.ChargePending {
		return nil, billing.ErrChargeInProgress
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("%w: idempotency key belongs to another user", billing.ErrInvalidCharge)
	}
	p.metrics.RecordCharge(providerName, "replayed")
	return &ChargeResult{
		Success:   rec.State == billing.ChargeCompleted && rec.Error == "",
		PaymentID: rec.PaymentID,
		Error:     rec.Error,
		Replayed:  true,
	}, nil
}
