package api

import (
	mw "github.com/theaigrid/aigrid/middleware/http"
	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing/square"
	"github.com/theaigrid/aigrid/pkg/billing/stripe"
	"github.com/theaigrid/aigrid/pkg/content"
)

// Result is the outcome of a payment or cancellation.
type Result struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"payment_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SubscriptionResponse is the caller's subscription state.
type SubscriptionResponse struct {
	Subscription *aigrid.Subscription `json:"subscription"`
	Tier         aigrid.Tier          `json:"tier"`
}

// ArticleResponse carries an article. Paywall is set when the body was
// withheld.
type ArticleResponse struct {
	Article *content.Article `json:"article"`
	Paywall bool             `json:"paywall"`
}

type checkoutRequest struct {
	Plan string `json:"plan" validate:"required,oneof=pro enterprise"`
}

type paymentRequest struct {
	SourceID       string `json:"source_id" validate:"required,max=256"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=45"`
}

type newsletterRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func stripeCheckoutRequest(user mw.User, plan string) stripe.CheckoutRequest {
	return stripe.CheckoutRequest{UserID: user.ID, Email: user.Email, Plan: plan}
}

func chargeRequest(userID string, req paymentRequest) square.ChargeRequest {
	return square.ChargeRequest{SourceID: req.SourceID, UserID: userID, IdempotencyKey: req.IdempotencyKey}
}
