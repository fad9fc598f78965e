// Package memory provides in-memory implementations of the aigrid, content,
// billing ledger and sentiment cache stores.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/content"
	"github.com/theaigrid/aigrid/pkg/sentiment"
)

// Storage implements aigrid.Store, content.Store, billing.IdempotencyStore
// and sentiment.Cache using in-memory maps.
type Storage struct {
	mu            sync.RWMutex
	profiles      map[string]*aigrid.Profile
	subscriptions []*aigrid.Subscription
	articles      []*content.Article
	subscribers   map[string]*content.Subscriber
	pageViews     []*content.PageView
	charges       map[string]expiring[billing.ChargeRecord]
	cache         map[string]expiring[[]byte]
}

type expiring[T any] struct {
	value     T
	expiresAt time.Time
}

func (e expiring[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		profiles:    make(map[string]*aigrid.Profile),
		subscribers: make(map[string]*content.Subscriber),
		charges:     make(map[string]expiring[billing.ChargeRecord]),
		cache:       make(map[string]expiring[[]byte]),
	}
}

// GetProfile implements aigrid.Store
func (s *Storage) GetProfile(_ context.Context, userID string) (*aigrid.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, aigrid.ErrProfileNotFound
	}
	pCopy := *p
	return &pCopy, nil
}

// EnsureProfile implements aigrid.Store
func (s *Storage) EnsureProfile(_ context.Context, userID, email string) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(userID)
	if p.Email == "" {
		p.Email = email
	}
	return nil
}

// SetProfileTier implements aigrid.Store
func (s *Storage) SetProfileTier(_ context.Context, userID string, tier aigrid.Tier) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(userID)
	p.SubscriptionTier = tier
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetProfilePremium implements aigrid.Store
func (s *Storage) SetProfilePremium(_ context.Context, userID string, premium bool) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(userID)
	p.IsPremium = premium
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// SetStripeCustomerID implements aigrid.Store
func (s *Storage) SetStripeCustomerID(_ context.Context, userID, customerID string) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.profileLocked(userID)
	p.StripeCustomerID = customerID
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// profileLocked returns the profile for userID, creating a free-tier one.
// Caller must hold s.mu for writing.
func (s *Storage) profileLocked(userID string) *aigrid.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		now := time.Now().UTC()
		p = &aigrid.Profile{
			ID:               userID,
			SubscriptionTier: aigrid.TierFree,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.profiles[userID] = p
	}
	return p
}

// ListProfiles implements aigrid.Store
func (s *Storage) ListProfiles(_ context.Context, opts aigrid.ListOptions) ([]*aigrid.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*aigrid.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		pCopy := *p
		out = append(out, &pCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// CountProfiles implements aigrid.Store
func (s *Storage) CountProfiles(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.profiles), nil
}

// UpsertSubscription implements aigrid.Store. KeyUserID matches the user's
// non-Stripe row for the same provider.
func (s *Storage) UpsertSubscription(_ context.Context, sub *aigrid.Subscription, key aigrid.SubscriptionKey) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if key == aigrid.KeyStripeSubscriptionID && sub.StripeSubscriptionID == "" {
		return fmt.Errorf("stripe subscription id is required for keyed upsert")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	for i, existing := range s.subscriptions {
		if !matchesKey(existing, sub, key) {
			continue
		}
		subCopy.ID = existing.ID
		subCopy.CreatedAt = existing.CreatedAt
		s.subscriptions[i] = &subCopy
		return nil
	}

	if subCopy.ID == "" {
		subCopy.ID = uuid.NewString()
	}
	if subCopy.CreatedAt.IsZero() {
		subCopy.CreatedAt = time.Now().UTC()
	}
	s.subscriptions = append(s.subscriptions, &subCopy)
	return nil
}

func matchesKey(existing, sub *aigrid.Subscription, key aigrid.SubscriptionKey) bool {
	if key == aigrid.KeyStripeSubscriptionID {
		return existing.StripeSubscriptionID == sub.StripeSubscriptionID
	}
	return existing.StripeSubscriptionID == "" &&
		existing.UserID == sub.UserID &&
		existing.PaymentProvider == sub.PaymentProvider
}

// UpdateSubscriptionPeriod implements aigrid.Store
func (s *Storage) UpdateSubscriptionPeriod(
	_ context.Context, stripeSubscriptionID, status string, start, end time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.byStripeIDLocked(stripeSubscriptionID)
	if sub == nil {
		return aigrid.ErrSubscriptionNotFound
	}
	sub.Status = status
	if !start.IsZero() {
		sub.CurrentPeriodStart = start
	}
	if !end.IsZero() {
		sub.CurrentPeriodEnd = end
	}
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// SetSubscriptionStatus implements aigrid.Store
func (s *Storage) SetSubscriptionStatus(
	_ context.Context, stripeSubscriptionID, status string,
) (*aigrid.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.byStripeIDLocked(stripeSubscriptionID)
	if sub == nil {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	subCopy := *sub
	return &subCopy, nil
}

func (s *Storage) byStripeIDLocked(id string) *aigrid.Subscription {
	if id == "" {
		return nil
	}
	for _, sub := range s.subscriptions {
		if sub.StripeSubscriptionID == id {
			return sub
		}
	}
	return nil
}

// CancelActiveSubscriptions implements aigrid.Store
func (s *Storage) CancelActiveSubscriptions(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.Status != aigrid.StatusActive {
			continue
		}
		cancelledAt := at
		sub.Status = aigrid.StatusCancelled
		sub.CancelledAt = &cancelledAt
		sub.UpdatedAt = at
		n++
	}
	return n, nil
}

// LatestActiveSubscription implements aigrid.Store
func (s *Storage) LatestActiveSubscription(_ context.Context, userID string) (*aigrid.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *aigrid.Subscription
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || sub.Status != aigrid.StatusActive {
			continue
		}
		if latest == nil || !sub.UpdatedAt.Before(latest.UpdatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	subCopy := *latest
	return &subCopy, nil
}

// ListSubscriptions implements aigrid.Store
func (s *Storage) ListSubscriptions(_ context.Context, opts aigrid.ListOptions) ([]*aigrid.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*aigrid.Subscription, 0, len(s.subscriptions))
	for i := len(s.subscriptions) - 1; i >= 0; i-- {
		subCopy := *s.subscriptions[i]
		out = append(out, &subCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// CreateArticle implements content.Store
func (s *Storage) CreateArticle(_ context.Context, article *content.Article) error {
	if article == nil || article.Slug == "" {
		return content.ErrInvalidArticle
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.articles {
		if a.Slug == article.Slug {
			return content.ErrDuplicateSlug
		}
	}
	aCopy := *article
	if aCopy.ID == "" {
		aCopy.ID = uuid.NewString()
		article.ID = aCopy.ID
	}
	s.articles = append(s.articles, &aCopy)
	return nil
}

// GetArticleBySlug implements content.Store
func (s *Storage) GetArticleBySlug(_ context.Context, slug string) (*content.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.articles {
		if a.Slug == slug {
			aCopy := *a
			return &aCopy, nil
		}
	}
	return nil, content.ErrArticleNotFound
}

// ListArticles implements content.Store
func (s *Storage) ListArticles(_ context.Context, filter content.ArticleFilter) ([]*content.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*content.Article, 0, len(s.articles))
	for i := len(s.articles) - 1; i >= 0; i-- {
		a := s.articles[i]
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		aCopy := *a
		out = append(out, &aCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// CountArticles implements content.Store
func (s *Storage) CountArticles(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.articles), nil
}

// TopArticles implements content.Store
func (s *Storage) TopArticles(_ context.Context, limit int) ([]*content.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*content.Article, 0, len(s.articles))
	for _, a := range s.articles {
		aCopy := *a
		out = append(out, &aCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Views > out[j].Views
	})
	return page(out, limit, 0), nil
}

// IncrementArticleViews implements content.Store
func (s *Storage) IncrementArticleViews(_ context.Context, articleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.articles {
		if a.ID == articleID {
			a.Views++
			return nil
		}
	}
	return content.ErrArticleNotFound
}

// AddSubscriber implements content.Store
func (s *Storage) AddSubscriber(_ context.Context, sub *content.Subscriber) error {
	if sub == nil || sub.Email == "" {
		return fmt.Errorf("invalid subscriber")
	}
	key := strings.ToLower(sub.Email)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[key]; ok {
		return content.ErrDuplicateSubscriber
	}
	subCopy := *sub
	s.subscribers[key] = &subCopy
	return nil
}

// ListSubscribers implements content.Store
func (s *Storage) ListSubscribers(_ context.Context, opts aigrid.ListOptions) ([]*content.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*content.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subCopy := *sub
		out = append(out, &subCopy)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Email < out[j].Email
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts.Limit, opts.Offset), nil
}

// CountSubscribers implements content.Store
func (s *Storage) CountSubscribers(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers), nil
}

// RecordPageView implements content.Store
func (s *Storage) RecordPageView(_ context.Context, view *content.PageView) error {
	if view == nil {
		return fmt.Errorf("invalid page view")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vCopy := *view
	if vCopy.ID == "" {
		vCopy.ID = uuid.NewString()
	}
	s.pageViews = append(s.pageViews, &vCopy)
	return nil
}

// CountPageViewsSince implements content.Store
func (s *Storage) CountPageViewsSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, v := range s.pageViews {
		if !v.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// RecentPageViews implements content.Store
func (s *Storage) RecentPageViews(_ context.Context, limit int) ([]*content.PageView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*content.PageView, 0, len(s.pageViews))
	for i := len(s.pageViews) - 1; i >= 0; i-- {
		vCopy := *s.pageViews[i]
		out = append(out, &vCopy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, limit, 0), nil
}

// ReserveCharge implements billing.IdempotencyStore
func (s *Storage) ReserveCharge(
	_ context.Context, rec *billing.ChargeRecord, ttl time.Duration,
) (*billing.ChargeRecord, bool, error) {
	if rec == nil || rec.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.charges[rec.IdempotencyKey]; ok && !existing.expired(now) {
		recCopy := existing.value
		return &recCopy, false, nil
	}
	recCopy := *rec
	recCopy.State = billing.ChargePending
	s.charges[rec.IdempotencyKey] = expiring[billing.ChargeRecord]{value: recCopy, expiresAt: expiry(now, ttl)}
	return &recCopy, true, nil
}

// CompleteCharge implements billing.IdempotencyStore
func (s *Storage) CompleteCharge(_ context.Context, rec *billing.ChargeRecord, ttl time.Duration) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.charges[rec.IdempotencyKey] = expiring[billing.ChargeRecord]{value: *rec, expiresAt: expiry(time.Now(), ttl)}
	return nil
}

// ReleaseCharge implements billing.IdempotencyStore
func (s *Storage) ReleaseCharge(_ context.Context, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.charges[idempotencyKey]; ok && existing.value.State == billing.ChargePending {
		delete(s.charges, idempotencyKey)
	}
	return nil
}

// Get implements sentiment.Cache
func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.cache[key]
	if !ok || entry.expired(time.Now()) {
		return nil, sentiment.ErrCacheMiss
	}
	return append([]byte(nil), entry.value...), nil
}

// Set implements sentiment.Cache
func (s *Storage) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[key] = expiring[[]byte]{value: append([]byte(nil), value...), expiresAt: expiry(time.Now(), ttl)}
	return nil
}

// TTL implements sentiment.TTLReader
func (s *Storage) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	entry, ok := s.cache[key]
	if !ok || entry.expired(now) {
		return 0, sentiment.ErrCacheMiss
	}
	if entry.expiresAt.IsZero() {
		return 0, nil
	}
	return entry.expiresAt.Sub(now), nil
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
