// Package square implements the Square tokenized card charge and the Square
// payment webhook.
package square

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/billing/internal"
)

const (
	providerName             = "square"
	productionBaseURL        = "https://connect.squareup.com"
	sandboxBaseURL           = "https://connect.squareupsandbox.com"
	apiVersion               = "2025-01-23"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultLedgerTTL         = 24 * time.Hour

	// PremiumPriceCents is the fixed price of the premium plan.
	PremiumPriceCents = 199
	premiumCurrency   = "USD"
)

// Config extends billing.Config with Square-specific options.
// APIKey is the access token and WebhookSecret the webhook signature key.
type Config struct {
	billing.Config

	// Environment is "production" or anything else for the sandbox.
	Environment string

	// BaseURL overrides the API host derived from Environment.
	BaseURL string

	// LocationID is sent with every payment when set.
	LocationID string

	// NotificationURL is the webhook URL registered with Square. It is part
	// of the signed payload. When empty it is rebuilt from the request.
	NotificationURL string

	// Ledger records charges by idempotency key (required).
	Ledger billing.IdempotencyStore

	// LedgerTTL is how long a charge outcome is remembered. Defaults to 24h.
	LedgerTTL time.Duration
}

// Provider implements the billing.Provider interface for Square
type Provider struct {
	reconciler      *aigrid.Reconciler
	client          *client
	ledger          billing.IdempotencyStore
	ledgerTTL       time.Duration
	rateLimiter     *internal.RateLimiter
	signatureKey    []byte
	notificationURL string
	metrics         billing.Metrics
	logger          aigrid.Logger
}

// NewProvider creates a new Square billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	accessToken := strings.TrimSpace(config.APIKey)
	if strings.HasPrefix(strings.ToLower(accessToken), "bearer ") {
		accessToken = strings.TrimSpace(accessToken[len("bearer "):])
	}
	if accessToken == "" {
		return nil, fmt.Errorf("%w: square access token is required", billing.ErrProviderNotConfigured)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")
	if baseURL == "" {
		baseURL = sandboxBaseURL
		if strings.EqualFold(strings.TrimSpace(config.Environment), "production") {
			baseURL = productionBaseURL
		}
	}

	ledger := config.Ledger
	if ledger == nil {
		return nil, fmt.Errorf("%w: charge ledger is required", billing.ErrProviderNotConfigured)
	}
	ledgerTTL := config.LedgerTTL
	if ledgerTTL <= 0 {
		ledgerTTL = defaultLedgerTTL
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &aigrid.NoopLogger{}
	}

	signatureKey := strings.TrimSpace(config.WebhookSecret)
	if signatureKey == "" {
		logger.Warn("square webhook signature key not set, accepting unsigned webhooks")
	}

	rateLimiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	rateLimiter.TrustProxy = config.TrustProxyHeaders

	return &Provider{
		reconciler: config.Reconciler,
		client: &client{
			httpClient:  httpClient,
			baseURL:     baseURL,
			accessToken: accessToken,
			locationID:  strings.TrimSpace(config.LocationID),
		},
		ledger:          ledger,
		ledgerTTL:       ledgerTTL,
		rateLimiter:     rateLimiter,
		signatureKey:    []byte(signatureKey),
		notificationURL: strings.TrimSpace(config.NotificationURL),
		metrics:         metrics,
		logger:          logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Square webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser is not supported: Square premium is a one-off charge with no
// subscription to re-read.
func (p *Provider) SyncUser(_ context.Context, _ string) (aigrid.Tier, error) {
	return aigrid.TierFree, billing.ErrNotSupported
}

// CancelSubscription cancels every active subscription of the user and
// returns how many were changed.
func (p *Provider) CancelSubscription(ctx context.Context, userID string) (int, error) {
	return p.reconciler.CancelByUser(ctx, userID)
}

var _ billing.Provider = (*Provider)(nil)
