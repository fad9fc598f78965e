// Package api serves The AI Grid JSON API: billing, payments, articles,
// newsletter, sentiment and the admin views.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	mw "github.com/theaigrid/aigrid/middleware/http"
	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/billing"
	"github.com/theaigrid/aigrid/pkg/content"
	"github.com/theaigrid/aigrid/pkg/sentiment"
)

const (
	maxRequestBody  = 1 << 20
	defaultPageSize = 50
	maxPageSize     = 200

	subscribePath = "/subscribe"
)

// Messages shown to the payer.
const (
	msgPaymentFailed      = "Payment failed"
	msgPaymentInProgress  = "Payment already in progress"
	msgCancellationFailed = "Cancellation failed"
)

var errFeatureDisabled = errors.New("feature not configured")

// Handler provides the HTTP endpoints of the application
type Handler struct {
	config   Config
	validate *validator.Validate
	logger   aigrid.Logger
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.Logger
	if logger == nil {
		logger = &aigrid.NoopLogger{}
	}
	return &Handler{
		config:   config,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}, nil
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	for _, m := range h.config.Middlewares {
		r.Use(m)
	}

	r.Get("/healthz", h.Health)
	if h.config.MetricsHandler != nil {
		r.Handle("/metrics", h.config.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/webhooks", func(r chi.Router) {
			for _, p := range h.config.Webhooks {
				r.Handle("/"+p.Name(), p.WebhookHandler())
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.Authenticate(h.config.Auth))
			r.Use(mw.Entitlement(mw.EntitlementConfig{Resolver: h.config.Reconciler}))

			r.Get("/articles/{slug}", h.GetArticle)
			r.Post("/articles/{slug}/views", h.RecordView)
			r.Post("/newsletter", h.Subscribe)
			r.Get("/sentiment", h.requires(h.config.Sentiment != nil, h.Sentiment))

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireUser(h.config.Auth))

				r.Post("/billing/checkout", h.requires(h.config.Checkout != nil, h.Checkout))
				r.Post("/billing/portal", h.requires(h.config.Checkout != nil, h.Portal))
				r.Post("/payments", h.requires(h.config.Charger != nil, h.Pay))
				r.Get("/subscription", h.GetSubscription)
				r.Post("/subscription/cancel", h.CancelSubscription)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(mw.RequireAdmin(h.config.AdminEmails))

				r.Get("/dashboard", h.AdminDashboard)
				r.Get("/analytics", h.AdminAnalytics)
				r.Get("/users", h.AdminUsers)
				r.Get("/subscribers", h.AdminSubscribers)
				r.Get("/billing", h.AdminBilling)
				r.Get("/articles", h.AdminArticles)
				r.Post("/articles", h.AdminCreateArticle)
			})
		})
	})

	return r
}

// requires serves 503 in place of next when a feature is not configured.
func (h *Handler) requires(configured bool, next http.HandlerFunc) http.HandlerFunc {
	if configured {
		return next
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		h.handleError(w, errFeatureDisabled, http.StatusServiceUnavailable)
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Checkout redirects to a Stripe hosted checkout for the requested plan.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	user, _ := mw.UserFromContext(r.Context())

	var req checkoutRequest
	if isJSON(r) {
		if err := h.decode(w, r, &req); err != nil {
			h.handleError(w, err, http.StatusBadRequest)
			return
		}
	} else {
		req.Plan = r.FormValue("plan")
	}
	req.Plan = strings.ToLower(strings.TrimSpace(req.Plan))
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, fmt.Errorf("invalid plan"), http.StatusBadRequest)
		return
	}

	if err := h.config.Profiles.EnsureProfile(r.Context(), user.ID, user.Email); err != nil {
		h.handleError(w, fmt.Errorf("failed to load profile: %w", err), http.StatusInternalServerError)
		return
	}

	url, err := h.config.Checkout.CheckoutURL(r.Context(), stripeCheckoutRequest(user, req.Plan))
	switch {
	case errors.Is(err, billing.ErrTierNotConfigured):
		h.handleError(w, err, http.StatusBadRequest)
		return
	case err != nil:
		h.logger.Error("checkout failed", aigrid.F("user_id", user.ID), aigrid.F("error", err.Error()))
		h.handleError(w, fmt.Errorf("checkout unavailable"), http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

// Portal redirects to the Stripe billing portal, or to the subscribe page
// for users who never checked out.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	userID := mw.UserID(r)
	url, err := h.config.Checkout.PortalURL(r.Context(), userID)
	switch {
	case errors.Is(err, billing.ErrCustomerNotFound):
		http.Redirect(w, r, subscribePath, http.StatusSeeOther)
		return
	case err != nil:
		h.logger.Error("portal session failed", aigrid.F("user_id", userID), aigrid.F("error", err.Error()))
		h.handleError(w, fmt.Errorf("billing portal unavailable"), http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

// Pay charges a tokenized card for the premium plan.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	user, _ := mw.UserFromContext(r.Context())

	var req paymentRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid request"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid request"})
		return
	}

	if err := h.config.Profiles.EnsureProfile(r.Context(), user.ID, user.Email); err != nil {
		h.logger.Error("profile creation failed", aigrid.F("user_id", user.ID), aigrid.F("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, Result{Error: msgPaymentFailed})
		return
	}

	result, err := h.config.Charger.Charge(r.Context(), chargeRequest(user.ID, req))
	switch {
	case errors.Is(err, billing.ErrChargeInProgress):
		h.writeJSON(w, http.StatusConflict, Result{Error: msgPaymentInProgress})
		return
	case errors.Is(err, billing.ErrInvalidCharge):
		h.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid request"})
		return
	case err != nil:
		h.logger.Error("payment failed", aigrid.F("user_id", user.ID), aigrid.F("error", err.Error()))
		h.writeJSON(w, http.StatusBadGateway, Result{Error: msgPaymentFailed})
		return
	}
	h.writeJSON(w, http.StatusOK, Result{Success: result.Success, PaymentID: result.PaymentID, Error: result.Error})
}

// GetSubscription returns the caller's active subscription and effective
// tier.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := mw.UserID(r)
	sub, err := h.config.Reconciler.ActiveSubscription(r.Context(), userID)
	if err != nil {
		h.handleError(w, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}
	tier := aigrid.TierFree
	if sub != nil {
		if t, ok := aigrid.ParseTier(sub.Plan); ok {
			tier = t
		}
	}
	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub, Tier: tier})
}

// CancelSubscription cancels the caller's active subscriptions.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID := mw.UserID(r)
	if _, err := h.config.Reconciler.CancelByUser(r.Context(), userID); err != nil {
		h.logger.Error("cancellation failed", aigrid.F("user_id", userID), aigrid.F("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, Result{Error: msgCancellationFailed})
		return
	}
	h.writeJSON(w, http.StatusOK, Result{Success: true})
}

// GetArticle serves a published article. Premium bodies are withheld with
// 402 unless the caller's effective tier is paid.
func (h *Handler) GetArticle(w http.ResponseWriter, r *http.Request) {
	article, err := h.config.Content.PublishedArticle(r.Context(), chi.URLParam(r, "slug"))
	if errors.Is(err, content.ErrArticleNotFound) {
		h.handleError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, fmt.Errorf("failed to get article: %w", err), http.StatusInternalServerError)
		return
	}

	if article.IsPremium && !mw.TierFromContext(r.Context()).IsPaid() {
		h.writeJSON(w, http.StatusPaymentRequired, ArticleResponse{Article: article.Teaser(), Paywall: true})
		return
	}
	h.writeJSON(w, http.StatusOK, ArticleResponse{Article: article})
}

// RecordView counts a page view.
func (h *Handler) RecordView(w http.ResponseWriter, r *http.Request) {
	err := h.config.Content.RecordView(r.Context(), chi.URLParam(r, "slug"), mw.UserID(r))
	if errors.Is(err, content.ErrArticleNotFound) {
		h.handleError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		h.handleError(w, fmt.Errorf("failed to record view: %w", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Subscribe adds a newsletter subscriber.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req newsletterRequest
	if err := h.decode(w, r, &req); err != nil {
		h.handleError(w, err, http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if err := h.validate.Struct(req); err != nil {
		h.handleError(w, content.ErrInvalidEmail, http.StatusBadRequest)
		return
	}

	sub, err := h.config.Content.Subscribe(r.Context(), req.Email)
	switch {
	case errors.Is(err, content.ErrDuplicateSubscriber):
		h.handleError(w, err, http.StatusConflict)
	case errors.Is(err, content.ErrInvalidEmail):
		h.handleError(w, err, http.StatusBadRequest)
	case err != nil:
		h.handleError(w, fmt.Errorf("failed to subscribe: %w", err), http.StatusInternalServerError)
	default:
		h.writeJSON(w, http.StatusCreated, sub)
	}
}

// Sentiment serves the sentiment report.
func (h *Handler) Sentiment(w http.ResponseWriter, r *http.Request) {
	report, err := h.config.Sentiment.Report(r.Context())
	if errors.Is(err, sentiment.ErrNoResults) {
		h.handleError(w, err, http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		h.handleError(w, fmt.Errorf("failed to build sentiment report: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// decode reads a JSON body of at most maxRequestBody bytes.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// listOptions reads limit and offset query parameters.
func listOptions(r *http.Request) aigrid.ListOptions {
	opts := aigrid.ListOptions{Limit: defaultPageSize}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to encode response", aigrid.F("error", err.Error()))
	}
}

// handleError writes a JSON error with the given status
func (h *Handler) handleError(w http.ResponseWriter, err error, statusCode int) {
	h.writeJSON(w, statusCode, errorResponse{Error: err.Error()})
}
