package billing

import (
	"net/http"

	"github.com/theaigrid/aigrid/pkg/aigrid"
)

// Config defines the configuration all providers accept.
type Config struct {
	// Reconciler receives normalized entitlement changes (required).
	Reconciler *aigrid.Reconciler

	// Store is read for profile data such as the Stripe customer id (required).
	Store aigrid.Store

	// WebhookSecret verifies incoming webhooks: the Stripe endpoint secret or
	// the Square signature key.
	WebhookSecret string

	// APIKey authenticates outbound calls: the Stripe secret key or the
	// Square access token.
	APIKey string

	// AppURL is the public base URL used for checkout and portal redirects.
	AppURL string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector.
	// Use billing/metrics/prometheus.NewMetrics for Prometheus metrics.
	Metrics Metrics

	// Logger defaults to aigrid.NoopLogger.
	Logger aigrid.Logger

	// TrustProxyHeaders keys webhook rate limits on X-Forwarded-For.
	TrustProxyHeaders bool
}
