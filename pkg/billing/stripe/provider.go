// Package stripe implements hosted checkout, the billing portal and signed
// webhook ingress for Stripe subscriptions.
package stripe

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
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultCurrency          = "usd"
	defaultInterval          = "month"
)

// Plan is a checkout price for one tier.
type Plan struct {
	// Name is shown on the Stripe checkout page.
	Name string
	// UnitAmount is the monthly price in cents.
	UnitAmount int64
}

// DefaultPlans are the subscription plans sold through Stripe.
func DefaultPlans() map[aigrid.Tier]Plan {
	return map[aigrid.Tier]Plan{
		aigrid.TierPro:        {Name: "Pro", UnitAmount: 900},
		aigrid.TierEnterprise: {Name: "Enterprise", UnitAmount: 2900},
	}
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Plans maps tiers to checkout prices. Defaults to DefaultPlans().
	Plans map[aigrid.Tier]Plan
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	reconciler    *aigrid.Reconciler
	store         aigrid.Store
	api           api
	rateLimiter   *internal.RateLimiter
	plans         map[aigrid.Tier]Plan
	webhookSecret string
	appURL        string
	metrics       billing.Metrics
	logger        aigrid.Logger
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Reconciler == nil || config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe secret key is required", billing.ErrProviderNotConfigured)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	plans := config.Plans
	if len(plans) == 0 {
		plans = DefaultPlans()
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &aigrid.NoopLogger{}
	}

	rateLimiter := internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow)
	rateLimiter.TrustProxy = config.TrustProxyHeaders

	return &Provider{
		reconciler:    config.Reconciler,
		store:         config.Store,
		api:           newClientAPI(apiKey, httpClient),
		rateLimiter:   rateLimiter,
		plans:         plans,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		appURL:        strings.TrimRight(config.AppURL, "/"),
		metrics:       metrics,
		logger:        logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// SyncUser re-reads the user's active Stripe subscriptions and repairs the
// local state.
func (p *Provider) SyncUser(ctx context.Context, userID string) (aigrid.Tier, error) {
	return p.syncUserFromAPI(ctx, userID)
}

// ProductName is the product label shown on the checkout page.
func (p Plan) ProductName() string {
	return fmt.Sprintf("The AI Grid %s Plan", p.Name)
}

// PlanFor returns the checkout plan for a tier.
func (p *Provider) PlanFor(tier aigrid.Tier) (Plan, bool) {
	plan, ok := p.plans[tier]
	return plan, ok
}

// tierForAmount maps a monthly price back to its tier.
func (p *Provider) tierForAmount(unitAmount int64) (aigrid.Tier, bool) {
	for tier, plan := range p.plans {
		if plan.UnitAmount == unitAmount {
			return tier, true
		}
	}
	return aigrid.TierFree, false
}

var _ billing.Provider = (*Provider)(nil)
