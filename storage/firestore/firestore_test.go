package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

const testProjectID = "test-project"

// setupStorage connects to the emulator named by FIRESTORE_EMULATOR_HOST
// and returns a storage on collections unique to the test.
func setupStorage(t *testing.T) *Storage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	storage, err := New(client, Config{
		ProfilesCollection:      "test_profiles_" + suffix,
		SubscriptionsCollection: "test_subscriptions_" + suffix,
		ChargesCollection:       "test_charges_" + suffix,
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestFirestore_Profiles(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	if _, err := storage.GetProfile(ctx, "u1"); !errors.Is(err, aigrid.ErrProfileNotFound) {
		t.Fatalf("Expected ErrProfileNotFound, got %v", err)
	}

	if err := storage.SetProfileTier(ctx, "u1", aigrid.TierPro); err != nil {
		t.Fatalf("SetProfileTier failed: %v", err)
	}
	if err := storage.EnsureProfile(ctx, "u1", "u1@example.com"); err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}
	if err := storage.SetProfilePremium(ctx, "u1", true); err != nil {
		t.Fatalf("SetProfilePremium failed: %v", err)
	}

	p, err := storage.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.SubscriptionTier != aigrid.TierPro || p.Email != "u1@example.com" || !p.IsPremium {
		t.Errorf("Unexpected profile: %+v", p)
	}

	if err := storage.EnsureProfile(ctx, "u2", "u2@example.com"); err != nil {
		t.Fatalf("EnsureProfile failed: %v", err)
	}
	p2, err := storage.GetProfile(ctx, "u2")
	if err != nil || p2.SubscriptionTier != aigrid.TierFree {
		t.Errorf("Expected free profile, got %+v (%v)", p2, err)
	}

	n, err := storage.CountProfiles(ctx)
	if err != nil || n != 2 {
		t.Errorf("Expected 2 profiles, got %d (%v)", n, err)
	}
}

func TestFirestore_Subscriptions(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sub := &aigrid.Subscription{
		UserID:               "u1",
		Status:               aigrid.StatusActive,
		Plan:                 "pro",
		PaymentProvider:      aigrid.ProviderStripe,
		StripeSubscriptionID: "sub_1",
		StartedAt:            now,
		CurrentPeriodStart:   now,
		CurrentPeriodEnd:     now.Add(aigrid.DefaultBillingPeriod),
		UpdatedAt:            now,
	}
	if err := storage.UpsertSubscription(ctx, sub, aigrid.KeyStripeSubscriptionID); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}
	sub.Plan = "enterprise"
	if err := storage.UpsertSubscription(ctx, sub, aigrid.KeyStripeSubscriptionID); err != nil {
		t.Fatalf("UpsertSubscription (update) failed: %v", err)
	}

	all, err := storage.ListSubscriptions(ctx, aigrid.ListOptions{})
	if err != nil || len(all) != 1 {
		t.Fatalf("Expected 1 subscription, got %d (%v)", len(all), err)
	}

	latest, err := storage.LatestActiveSubscription(ctx, "u1")
	if err != nil {
		t.Fatalf("LatestActiveSubscription failed: %v", err)
	}
	if latest.Plan != "enterprise" {
		t.Errorf("Expected plan enterprise, got %s", latest.Plan)
	}

	end := now.Add(60 * 24 * time.Hour)
	if err := storage.UpdateSubscriptionPeriod(ctx, "sub_1", aigrid.StatusActive, now, end); err != nil {
		t.Fatalf("UpdateSubscriptionPeriod failed: %v", err)
	}
	if err := storage.UpdateSubscriptionPeriod(ctx, "sub_missing", aigrid.StatusActive, now, end); !errors.Is(err, aigrid.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	updated, err := storage.SetSubscriptionStatus(ctx, "sub_1", aigrid.StatusCanceled)
	if err != nil {
		t.Fatalf("SetSubscriptionStatus failed: %v", err)
	}
	if updated.UserID != "u1" || updated.Status != aigrid.StatusCanceled {
		t.Errorf("Unexpected updated row: %+v", updated)
	}
	if _, err := storage.SetSubscriptionStatus(ctx, "sub_missing", aigrid.StatusCanceled); !errors.Is(err, aigrid.ErrSubscriptionNotFound) {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	square := &aigrid.Subscription{
		UserID:          "u1",
		Status:          aigrid.StatusActive,
		Plan:            "premium",
		PaymentProvider: aigrid.ProviderSquare,
		PaymentID:       "pay_1",
		Amount:          1.99,
	}
	if err := storage.UpsertSubscription(ctx, square, aigrid.KeyUserID); err != nil {
		t.Fatalf("UpsertSubscription (square) failed: %v", err)
	}
	n, err := storage.CancelActiveSubscriptions(ctx, "u1", now)
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 cancelled row, got %d (%v)", n, err)
	}
	if _, err := storage.LatestActiveSubscription(ctx, "u1"); !errors.Is(err, aigrid.ErrSubscriptionNotFound) {
		t.Errorf("Expected no active subscription, got %v", err)
	}
}

func TestFirestore_ChargeLedger(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := storage.ReserveCharge(ctx, &billing.ChargeRecord{IdempotencyKey: "k1", UserID: "u1"}, time.Hour)
			if err != nil {
				t.Errorf("ReserveCharge failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				reserved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if reserved != 1 {
		t.Fatalf("Expected exactly 1 reservation, got %d", reserved)
	}

	if err := storage.CompleteCharge(ctx, &billing.ChargeRecord{
		IdempotencyKey: "k1", UserID: "u1", State: billing.ChargeFailed, Error: "Payment failed",
	}, time.Hour); err != nil {
		t.Fatalf("CompleteCharge failed: %v", err)
	}
	if err := storage.ReleaseCharge(ctx, "k1"); err != nil {
		t.Fatalf("ReleaseCharge failed: %v", err)
	}
	rec, ok, err := storage.ReserveCharge(ctx, &billing.ChargeRecord{IdempotencyKey: "k1", UserID: "u1"}, time.Hour)
	if err != nil || ok || rec.State != billing.ChargeFailed {
		t.Errorf("Expected recorded decline, got %+v ok=%v err=%v", rec, ok, err)
	}

	if _, _, err := storage.ReserveCharge(ctx, &billing.ChargeRecord{IdempotencyKey: "k2", UserID: "u1"}, time.Hour); err != nil {
		t.Fatalf("ReserveCharge failed: %v", err)
	}
	if err := storage.ReleaseCharge(ctx, "k2"); err != nil {
		t.Fatalf("ReleaseCharge failed: %v", err)
	}
	if _, ok, err := storage.ReserveCharge(ctx, &billing.ChargeRecord{IdempotencyKey: "k2", UserID: "u1"}, time.Hour); err != nil || !ok {
		t.Errorf("Expected released key to be reservable, ok=%v err=%v", ok, err)
	}
}
