package stripe

import (
	"context"
	"net/http"

	"github.com/stripe/stripe-go/v83"
)

// api is the part of the Stripe API the provider calls.
type api interface {
	CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params *stripe.BillingPortalSessionCreateParams) (*stripe.BillingPortalSession, error)
	ListSubscriptions(ctx context.Context, params *stripe.SubscriptionListParams) ([]*stripe.Subscription, error)
}

// clientAPI calls Stripe through the v1 client.
type clientAPI struct {
	client *stripe.Client
}

func newClientAPI(apiKey string, httpClient *http.Client) *clientAPI {
	return &clientAPI{client: stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackends(httpClient)))}
}

func (c *clientAPI) CreateCustomer(ctx context.Context, params *stripe.CustomerCreateParams) (*stripe.Customer, error) {
	return c.client.V1Customers.Create(ctx, params)
}

func (c *clientAPI) CreateCheckoutSession(
	ctx context.Context, params *stripe.CheckoutSessionCreateParams,
) (*stripe.CheckoutSession, error) {
	return c.client.V1CheckoutSessions.Create(ctx, params)
}

func (c *clientAPI) CreatePortalSession(
	ctx context.Context, params *stripe.BillingPortalSessionCreateParams,
) (*stripe.BillingPortalSession, error) {
	return c.client.V1BillingPortalSessions.Create(ctx, params)
}

func (c *clientAPI) ListSubscriptions(
	ctx context.Context, params *stripe.SubscriptionListParams,
) ([]*stripe.Subscription, error) {
	var subs []*stripe.Subscription
	for sub, err := range c.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
