package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrTierNotConfigured is returned when no price is configured for a plan
	ErrTierNotConfigured = errors.New("plan not configured for checkout")

	// ErrCustomerNotFound is returned when the user has no provider customer
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrInvalidCharge is returned when a charge request is missing required fields
	ErrInvalidCharge = errors.New("invalid charge request")

	// ErrNotSupported is returned when a provider doesn't support an operation
	ErrNotSupported = errors.New("operation not supported by this provider")
)
