package aigrid

import "errors"

var (
	// ErrProfileNotFound is returned when no profile exists for a user
	ErrProfileNotFound = errors.New("profile not found")

	// ErrSubscriptionNotFound is returned when no subscription matches a lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidUserID is returned when a user id is empty
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidEvent is returned when an entitlement event cannot be applied
	ErrInvalidEvent = errors.New("invalid entitlement event")

	// ErrPartialReconcile is returned when the subscription write succeeded
	// but the profile mirror write failed
	ErrPartialReconcile = errors.New("subscription written but profile not updated")

	// ErrStoreRequired is returned when a reconciler is built without a store
	ErrStoreRequired = errors.New("store is required")
)
