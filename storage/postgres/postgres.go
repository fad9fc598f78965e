// Package postgres provides a PostgreSQL implementation of the aigrid,
// content and billing ledger stores.
// Each method runs as a single statement or transaction; the reconciler
// composes them without a surrounding transaction.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Storage implements aigrid.Store, content.Store and billing.IdempotencyStore
// using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup removes expired charge ledger rows
	CleanupEnabled  bool
	CleanupInterval time.Duration

	Logger aigrid.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &aigrid.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const profileColumns = `id, email, full_name, subscription_tier, stripe_customer_id, is_premium, created_at, updated_at`

func scanProfile(row pgx.Row) (*aigrid.Profile, error) {
	var p aigrid.Profile
	var tier string
	if err := row.Scan(&p.ID, &p.Email, &p.FullName, &tier, &p.StripeCustomerID,
		&p.IsPremium, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.SubscriptionTier = aigrid.Tier(tier)
	return &p, nil
}

// GetProfile implements aigrid.Store
func (s *Storage) GetProfile(ctx context.Context, userID string) (*aigrid.Profile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aigrid.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// EnsureProfile implements aigrid.Store
func (s *Storage) EnsureProfile(ctx context.Context, userID, email string) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, email) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET
				email = CASE WHEN profiles.email = '' THEN EXCLUDED.email ELSE profiles.email END`,
		userID, email)
	if err != nil {
		return fmt.Errorf("failed to ensure profile: %w", err)
	}
	return nil
}

// setProfileColumn upserts a single profile column. column is never user input.
func (s *Storage) setProfileColumn(ctx context.Context, userID, column string, value interface{}) error {
	if userID == "" {
		return aigrid.ErrInvalidUserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, `+column+`) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET `+column+` = EXCLUDED.`+column+`, updated_at = NOW()`,
		userID, value)
	if err != nil {
		return fmt.Errorf("failed to set profile %s: %w", column, err)
	}
	return nil
}

// SetProfileTier implements aigrid.Store
func (s *Storage) SetProfileTier(ctx context.Context, userID string, tier aigrid.Tier) error {
	return s.setProfileColumn(ctx, userID, "subscription_tier", string(tier))
}

// SetProfilePremium implements aigrid.Store
func (s *Storage) SetProfilePremium(ctx context.Context, userID string, premium bool) error {
	return s.setProfileColumn(ctx, userID, "is_premium", premium)
}

// SetStripeCustomerID implements aigrid.Store
func (s *Storage) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	return s.setProfileColumn(ctx, userID, "stripe_customer_id", customerID)
}

// ListProfiles implements aigrid.Store
func (s *Storage) ListProfiles(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Profile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM profiles ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`,
		limitArg(opts.Limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	return collect(rows, scanProfile)
}

// CountProfiles implements aigrid.Store
func (s *Storage) CountProfiles(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM profiles`)
}

const subscriptionColumns = `id::text, user_id, status, plan, payment_provider,
	COALESCE(stripe_subscription_id, ''), stripe_customer_id, payment_id, amount,
	started_at, current_period_start, current_period_end, cancelled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*aigrid.Subscription, error) {
	var sub aigrid.Subscription
	var provider string
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.Status, &sub.Plan, &provider,
		&sub.StripeSubscriptionID, &sub.StripeCustomerID, &sub.PaymentID, &sub.Amount,
		&sub.StartedAt, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelledAt,
		&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.PaymentProvider = aigrid.Provider(provider)
	return &sub, nil
}

// UpsertSubscription implements aigrid.Store. KeyUserID matches the user's
// non-Stripe row for the same provider.
func (s *Storage) UpsertSubscription(ctx context.Context, sub *aigrid.Subscription, key aigrid.SubscriptionKey) error {
	if sub == nil || sub.UserID == "" {
		return fmt.Errorf("invalid subscription")
	}
	if key == aigrid.KeyStripeSubscriptionID && sub.StripeSubscriptionID == "" {
		return fmt.Errorf("stripe subscription id is required for keyed upsert")
	}

	conflict := `(user_id, payment_provider) WHERE stripe_subscription_id IS NULL`
	if key == aigrid.KeyStripeSubscriptionID {
		conflict = `(stripe_subscription_id)`
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	createdAt := sub.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := sub.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (id, user_id, status, plan, payment_provider, stripe_subscription_id,
				stripe_customer_id, payment_id, amount, started_at, current_period_start, current_period_end,
				cancelled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT `+conflict+` DO UPDATE SET
				user_id = EXCLUDED.user_id,
				status = EXCLUDED.status,
				plan = EXCLUDED.plan,
				payment_provider = EXCLUDED.payment_provider,
				stripe_customer_id = EXCLUDED.stripe_customer_id,
				payment_id = EXCLUDED.payment_id,
				amount = EXCLUDED.amount,
				started_at = EXCLUDED.started_at,
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancelled_at = EXCLUDED.cancelled_at,
				updated_at = EXCLUDED.updated_at`,
		id, sub.UserID, sub.Status, sub.Plan, string(sub.PaymentProvider), sub.StripeSubscriptionID,
		sub.StripeCustomerID, sub.PaymentID, sub.Amount, sub.StartedAt, sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd, sub.CancelledAt, createdAt, updatedAt)
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET
				status = $2,
				current_period_start = COALESCE($3, current_period_start),
				current_period_end = COALESCE($4, current_period_end),
				updated_at = NOW()
			WHERE stripe_subscription_id = $1`,
		stripeSubscriptionID, status, nullTime(start), nullTime(end))
	if err != nil {
		return fmt.Errorf("failed to update subscription period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return aigrid.ErrSubscriptionNotFound
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
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE subscriptions SET status = $2, updated_at = NOW()
			WHERE stripe_subscription_id = $1
			RETURNING `+subscriptionColumns,
		stripeSubscriptionID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set subscription status: %w", err)
	}
	return sub, nil
}

// CancelActiveSubscriptions implements aigrid.Store
func (s *Storage) CancelActiveSubscriptions(ctx context.Context, userID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions SET status = $2, cancelled_at = $3, updated_at = $3
			WHERE user_id = $1 AND status = $4`,
		userID, aigrid.StatusCancelled, at, aigrid.StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel subscriptions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LatestActiveSubscription implements aigrid.Store
func (s *Storage) LatestActiveSubscription(ctx context.Context, userID string) (*aigrid.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 AND status = $2
			ORDER BY updated_at DESC LIMIT 1`,
		userID, aigrid.StatusActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aigrid.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions implements aigrid.Store
func (s *Storage) ListSubscriptions(ctx context.Context, opts aigrid.ListOptions) ([]*aigrid.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limitArg(opts.Limit), opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return collect(rows, scanSubscription)
}

// ReserveCharge implements billing.IdempotencyStore. An expired row is
// reclaimed in the same statement.
func (s *Storage) ReserveCharge(
	ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration,
) (*billing.ChargeRecord, bool, error) {
	if rec == nil || rec.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	reserved, err := scanCharge(s.pool.QueryRow(ctx,
		`INSERT INTO charge_records (idempotency_key, user_id, state, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (idempotency_key) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				state = EXCLUDED.state,
				payment_id = '',
				payment_status = '',
				error = '',
				created_at = EXCLUDED.created_at,
				expires_at = EXCLUDED.expires_at
			WHERE charge_records.expires_at IS NOT NULL AND charge_records.expires_at < NOW()
			RETURNING `+chargeColumns,
		rec.IdempotencyKey, rec.UserID, billing.ChargePending, createdAt, expiresAt(ttl)))
	if err == nil {
		return reserved, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to reserve charge: %w", err)
	}

	existing, err := scanCharge(s.pool.QueryRow(ctx,
		`SELECT `+chargeColumns+` FROM charge_records WHERE idempotency_key = $1`, rec.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read charge record: %w", err)
	}
	return existing, false, nil
}

// CompleteCharge implements billing.IdempotencyStore
func (s *Storage) CompleteCharge(ctx context.Context, rec *billing.ChargeRecord, ttl time.Duration) error {
	if rec == nil || rec.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO charge_records
				(idempotency_key, user_id, state, payment_id, payment_status, error, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (idempotency_key) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				state = EXCLUDED.state,
				payment_id = EXCLUDED.payment_id,
				payment_status = EXCLUDED.payment_status,
				error = EXCLUDED.error,
				expires_at = EXCLUDED.expires_at`,
		rec.IdempotencyKey, rec.UserID, rec.State, rec.PaymentID, rec.PaymentStatus, rec.Error,
		createdAt, expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("failed to complete charge: %w", err)
	}
	return nil
}

// ReleaseCharge implements billing.IdempotencyStore
func (s *Storage) ReleaseCharge(ctx context.Context, idempotencyKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM charge_records WHERE idempotency_key = $1 AND state = $2`,
		idempotencyKey, billing.ChargePending)
	if err != nil {
		return fmt.Errorf("failed to release charge: %w", err)
	}
	return nil
}

const chargeColumns = `idempotency_key, user_id, state, payment_id, payment_status, error, created_at`

func scanCharge(row pgx.Row) (*billing.ChargeRecord, error) {
	var rec billing.ChargeRecord
	if err := row.Scan(&rec.IdempotencyKey, &rec.UserID, &rec.State, &rec.PaymentID,
		&rec.PaymentStatus, &rec.Error, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// startCleanup runs periodic cleanup of expired records until ctx is done
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredRecords(ctx); err != nil {
				s.config.Logger.Warn("charge ledger cleanup failed", aigrid.F("error", err.Error()))
			}
		}
	}
}

// cleanupExpiredRecords deletes expired charge ledger rows
func (s *Storage) cleanupExpiredRecords(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM charge_records WHERE expires_at IS NOT NULL AND expires_at < NOW()`)
	if err != nil {
		return fmt.Errorf("failed to delete expired charge records: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.config.Logger.Debug("expired charge records removed", aigrid.F("rows", n))
	}
	return nil
}

func (s *Storage) count(ctx context.Context, query string, args ...interface{}) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

// limitArg maps a zero limit to NULL, which LIMIT treats as no limit.
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func expiresAt(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(ttl)
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
