// Package firestore provides a Firestore implementation of aigrid.Store and
// billing.IdempotencyStore. Content (articles, newsletter, page views) is
// not stored here.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

// Storage implements aigrid.Store and billing.IdempotencyStore using Google
// Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	profilesCollection      string
	subscriptionsCollection string
	chargesCollection       string
}

// Config holds Firestore storage configuration
type Config struct {
	// ProfilesCollection is the Firestore collection for user profiles
	// Default: "profiles"
	ProfilesCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "subscriptions"
	SubscriptionsCollection string

	// ChargesCollection is the Firestore collection for the charge ledger
	// Default: "charge_records"
	ChargesCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.ProfilesCollection == "" {
		config.ProfilesCollection = "profiles"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.ChargesCollection == "" {
		config.ChargesCollection = "charge_records"
	}
	return &Storage{
		client:                  client,
		profilesCollection:      config.ProfilesCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		chargesCollection:       config.ChargesCollection,
	}, nil
}

func (s *Storage) profileDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.profilesCollection).Doc(userID)
}

// subscriptionDoc returns the document for a row. Stripe rows are keyed by
// subscription id, other rows by user and provider.
func (s *Storage) subscriptionDoc(sub *aigrid.Subscription, key aigrid.SubscriptionKey) *firestore.DocumentRef {
	if key == aigrid.KeyStripeSubscriptionID {
		return s.stripeSubscriptionDoc(sub.StripeSubscriptionID)
	}
	return s.client.Collection(s.subscriptionsCollection).
		Doc(fmt.Sprintf("%s_%s", sub.PaymentProvider, sub.UserID))
}

func (s *Storage) stripeSubscriptionDoc(id string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc("stripe_" + id)
}

// GetProfile implements aigrid.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*aigrid.Profile, error) {
	if userID == "" {
		return nil, aigrid.ErrProfileNotFound
	}
	snap, err := s.profileDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, aigrid.ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if !snap.Exists() {
		return nil, aigrid.ErrProfileNotFound
	}
	return profileFromData(snap.Ref.ID, snap.Data()), nil
}

// EnsureProfile implements aigrid.Store
func (s *Storage) EnsureProfile(ctx context.Context, userID, email string) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	doc := s.profileDoc(userID)
	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			if getString(snap.Data(), "email") != "" || email == "" {
				return nil
			}
			return tx.Update(doc, []firestore.Update{
				{Path: "email", Value: email},
				{Path: "updatedAt", Value: time.Now().UTC()},
			})
		}
		now := time.Now().UTC()
		return tx.Create(doc, map[string]interface{}{
			"email":            email,
			"subscriptionTier": string(aigrid.TierFree),
			"isPremium":        false,
			"createdAt":        now,
			"updatedAt":        now,
		})
	})
}

// setProfileField merges one field, creating a free-tier profile if needed.
func (s *Storage) setProfileField(ctx context.Context, userID, field string, value interface{}) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	doc := s.profileDoc(userID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		now := time.Now().UTC()
		data := map[string]interface{}{
			field:       value,
			"updatedAt": now,
		}
		if snap == nil || !snap.Exists() {
			data["createdAt"] = now
			if field != "subscriptionTier" {
				data["subscriptionTier"] = string(aigrid.TierFree)
			}
		}
		return tx.Set(doc, data, firestore.MergeAll)
	})
	if err != nil {
		return fmt.Errorf("failed to set profile %s: %w", field, err)
	}
	return nil
}

// SetProfileTier implements aigrid.Store
func (s *Storage) SetProfileTier(ctx context.Context, userID string, tier aigrid.Tier) error {
	return s.setProfileField(ctx, userID, "subscriptionTier", string(tier))
}

// SetProfilePremium implements aigrid.Store
func (s *Storage) SetProfilePremium(ctx context.Context, userID string, premium bool) error {
	return s.setProfileField(ctx, userID, "isPremium", premium)
}

// SetStripeCustomerID implements aigrid.Store
func (s *Storage) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return s.setProfileField(ctx, userID, "stripeCustomerId", customerID)
}

// ListProfiles implements aigrid.Store
func (s *Storage) ListProfiles(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Profile, error) {
	q := page(s.client.Collection(s.profilesCollection).OrderBy("createdAt", firestore.Desc), opts)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	out := make([]*aigrid.Profile, 0, len(docs))
	for _, doc := range docs {
		out = append(out, profileFromData(doc.Ref.ID, doc.Data()))
	}
	return out, nil
}

// CountProfiles implements aigrid.Store
func (s *Storage) CountProfiles(ctx context.Context) (int, error) {
	res, err := s.client.Collection(s.profilesCollection).NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	v, ok := res["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", res["all"])
	}
	return int(v.GetIntegerValue()), nil
}

// UpsertSubscription implements aigrid.Store. The existing row keeps its id
// and creation time.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *aigrid.Subscription, key aigrid.SubscriptionKey) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if key == aigrid.KeyStripeSubscriptionID && sub.StripeSubscriptionID == "" {
		return fmt.Errorf("stripe subscription id is required for keyed upsert")
	}
	doc := s.subscriptionDoc(sub, key)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		data := subscriptionData(sub)
		if snap != nil && snap.Exists() {
			if created := getTime(snap.Data(), "createdAt"); !created.IsZero() {
				data["createdAt"] = created
			}
		}
		return tx.Set(doc, data)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionPeriod implements aigrid.Store
func (s *Storage) UpdateSubscriptionPeriod(
	ctx context.Context, stripeSubscriptionID, status string, start, end time.Time,
) error {
	if stripeSubscriptionID == "" {
		return aigrid.ErrSubscriptionNotFound
	}
	updates := []firestore.Update{
		{Path: "status", Value: status},
		{Path: "updatedAt", Value: time.Now().UTC()},
	}
	if !start.IsZero() {
		updates = append(updates, firestore.Update{Path: "currentPeriodStart", Value: start})
	}
	if !end.IsZero() {
		updates = append(updates, firestore.Update{Path: "currentPeriodEnd", Value: end})
	}
	_, err := s.stripeSubscriptionDoc(stripeSubscriptionID).Update(ctx, updates)
	if grpcNotFound(err) {
		return aigrid.ErrSubscriptionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update subscription period: %w", err)
	}
	return nil
}

// SetSubscriptionStatus implements aigrid.Store
func (s *Storage) SetSubscriptionStatus(
	ctx context.Context, stripeSubscriptionID, status string,
) (*aigrid.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	doc := s.stripeSubscriptionDoc(stripeSubscriptionID)
	var out *aigrid.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		data := snap.Data()
		data["status"] = status
		data["updatedAt"] = now
		out = subscriptionFromData(doc.ID, data)
		return tx.Update(doc, []firestore.Update{
			{Path: "status", Value: status},
			{Path: "updatedAt", Value: now},
		})
	})
	if grpcNotFound(err) {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set subscription status: %w", err)
	}
	return out, nil
}

// CancelActiveSubscriptions implements aigrid.Store
func (s *Storage) CancelActiveSubscriptions(ctx context.Context, userID string, at time.Time) (int, error) {
	q := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", aigrid.StatusActive)

	var n int
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return err
		}
		n = len(docs)
		for _, doc := range docs {
			if err := tx.Update(doc.Ref, []firestore.Update{
				{Path: "status", Value: aigrid.StatusCancelled},
				{Path: "cancelledAt", Value: at},
				{Path: "updatedAt", Value: at},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscriptions: %w", err)
	}
	return n, nil
}

// LatestActiveSubscription implements aigrid.Store. Requires a composite
// index on (userId, status, updatedAt desc).
func (s *Storage) LatestActiveSubscription(ctx context.Context, userID string) (*aigrid.Subscription, error) {
	iter := s.client.Collection(s.subscriptionsCollection).
		Where("userId", "==", userID).
		Where("status", "==", aigrid.StatusActive).
		OrderBy("updatedAt", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return subscriptionFromData(doc.Ref.ID, doc.Data()), nil
}

// ListSubscriptions implements aigrid.Store
func (s *Storage) ListSubscriptions(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Subscription, error) {
	q := page(s.client.Collection(s.subscriptionsCollection).OrderBy("createdAt", firestore.Desc), opts)
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	out := make([]*aigrid.Subscription, 0, len(docs))
	for _, doc := range docs {
		out = append(out, subscriptionFromData(doc.Ref.ID, doc.Data()))
	}
	return out, nil
}

// ReserveCharge implements billing.IdempotencyStore. Expired records are
// reclaimed inside the same transaction.
func (s *Storage) ReserveCharge(
	ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration,
) (*billing.ChargeRecord, bool, error) {
	if rec == nil || rec.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}
	doc := s.client.Collection(s.chargesCollection).Doc(rec.IdempotencyKey)

	var out *billing.ChargeRecord
	var reserved bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		now := time.Now().UTC()
		if snap != nil && snap.Exists() {
			data := snap.Data()
			if exp := getTime(data, "expiresAt"); exp.IsZero() || now.Before(exp) {
				out, reserved = chargeFromData(doc.ID, data), false
				return nil
			}
		}

		pending := *rec
		pending.State = billing.ChargePending
		if pending.CreatedAt.IsZero() {
			pending.CreatedAt = now
		}
		out, reserved = &pending, true
		return tx.Set(doc, chargeData(&pending, ttl))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve charge: %w", err)
	}
	return out, reserved, nil
}

// CompleteCharge implements billing.IdempotencyStore
func (s *Storage) CompleteCharge(ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if _, err := s.client.Collection(s.chargesCollection).Doc(rec.IdempotencyKey).Set(ctx, chargeData(rec, ttl)); err != nil {
		return fmt.Errorf("failed to complete charge: %w", err)
	}
	return nil
}

// ReleaseCharge implements billing.IdempotencyStore
func (s *Storage) ReleaseCharge(ctx context.Context, idempotencyKey string) error {
	doc := s.client.Collection(s.chargesCollection).Doc(idempotencyKey)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if getString(snap.Data(), "state") != billing.ChargePending {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return fmt.Errorf("failed to release charge: %w", err)
	}
	return nil
}

func page(q firestore.Query, opts aigrid.ListOptions) firestore.Query {
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	return q
}

func grpcNotFound(err error) bool {
	return err != nil && status.Code(err) == codes.NotFound
}

func profileFromData(id string, data map[string]interface{}) *aigrid.Profile {
	tier := aigrid.Tier(getString(data, "subscriptionTier"))
	if tier == "" {
		tier = aigrid.TierFree
	}
	return &aigrid.Profile{
		ID:               id,
		Email:            getString(data, "email"),
		FullName:         getString(data, "fullName"),
		SubscriptionTier: tier,
		StripeCustomerID: getString(data, "stripeCustomerId"),
		IsPremium:        getBool(data, "isPremium"),
		CreatedAt:        getTime(data, "createdAt"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
}

func subscriptionData(sub *aigrid.Subscription) map[string]interface{} {
	now := time.Now().UTC()
	created := sub.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := sub.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	data := map[string]interface{}{
		"userId":               sub.UserID,
		"status":               sub.Status,
		"plan":                 sub.Plan,
		"paymentProvider":      string(sub.PaymentProvider),
		"stripeSubscriptionId": sub.StripeSubscriptionID,
		"stripeCustomerId":     sub.StripeCustomerID,
		"paymentId":            sub.PaymentID,
		"amount":               sub.Amount,
		"startedAt":            sub.StartedAt,
		"currentPeriodStart":   sub.CurrentPeriodStart,
		"currentPeriodEnd":     sub.CurrentPeriodEnd,
		"createdAt":            created,
		"updatedAt":            updated,
	}
	if sub.CancelledAt != nil {
		data["cancelledAt"] = *sub.CancelledAt
	}
	return data
}

func subscriptionFromData(id string, data map[string]interface{}) *aigrid.Subscription {
	sub := &aigrid.Subscription{
		ID:                   id,
		UserID:               getString(data, "userId"),
		Status:               getString(data, "status"),
		Plan:                 getString(data, "plan"),
		PaymentProvider:      aigrid.Provider(getString(data, "paymentProvider")),
		StripeSubscriptionID: getString(data, "stripeSubscriptionId"),
		StripeCustomerID:     getString(data, "stripeCustomerId"),
		PaymentID:            getString(data, "paymentId"),
		Amount:               getFloat(data, "amount"),
		StartedAt:            getTime(data, "startedAt"),
		CurrentPeriodStart:   getTime(data, "currentPeriodStart"),
		CurrentPeriodEnd:     getTime(data, "currentPeriodEnd"),
		CreatedAt:            getTime(data, "createdAt"),
		UpdatedAt:            getTime(data, "updatedAt"),
	}
	if t := getTime(data, "cancelledAt"); !t.IsZero() {
		sub.CancelledAt = &t
	}
	return sub
}

func chargeData(rec *billing.ChargeRecord, ttl time.Duration) map[string]interface{} {
	data := map[string]interface{}{
		"userId":        rec.UserID,
		"state":         rec.State,
		"paymentId":     rec.PaymentID,
		"paymentStatus": rec.PaymentStatus,
		"error":         rec.Error,
		"createdAt":     rec.CreatedAt,
	}
	if ttl > 0 {
		data["expiresAt"] = time.Now().UTC().Add(ttl)
	}
	return data
}

func chargeFromData(key string, data map[string]interface{}) *billing.ChargeRecord {
	return &billing.ChargeRecord{
		IdempotencyKey: key,
		UserID:         getString(data, "userId"),
		State:          getString(data, "state"),
		PaymentID:      getString(data, "paymentId"),
		PaymentStatus:  getString(data, "paymentStatus"),
		Error:          getString(data, "error"),
		CreatedAt:      getTime(data, "createdAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	v, _ := data[key].(bool)
	return v
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
