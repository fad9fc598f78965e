package main

import (
	"context"
	"fmt"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/theaigrid/aigrid/internal/config"
	"github.com/theaigrid/aigrid/pkg/aigrid"
	zerologadapter "github.com/theaigrid/aigrid/pkg/aigrid/logger/zerolog"
	"github.com/theaigrid/aigrid/pkg/billing"
	prommetrics "github.com/theaigrid/aigrid/pkg/billing/metrics/prometheus"
	"github.com/theaigrid/aigrid/pkg/billing/square"
	"github.com/theaigrid/aigrid/pkg/billing/stripe"
	"github.com/theaigrid/aigrid/pkg/content"
	"github.com/theaigrid/aigrid/pkg/sentiment"
	firestorestore "github.com/theaigrid/aigrid/storage/firestore"
	"github.com/theaigrid/aigrid/storage/memory"
	"github.com/theaigrid/aigrid/storage/postgres"
	redisstore "github.com/theaigrid/aigrid/storage/redis"
	"github.com/theaigrid/aigrid/storage/tiered"
)

const metricsNamespace = "aigrid"

// app holds the wired components for one process.
type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	logger *zerologadapter.Logger

	registry *prometheus.Registry
	metrics  *prommetrics.Metrics

	store    aigrid.Store
	articles content.Store
	pg       *postgres.Storage
	ledger   billing.IdempotencyStore
	cache    sentiment.Cache

	reconciler *aigrid.Reconciler
	stripe     *stripe.Provider
	square     *square.Provider
	content    *content.Service
	sentiment  *sentiment.Service

	closers []func()
}

// newApp connects the stores and builds every service the config enables.
func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (_ *app, err error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		logger:   zerologadapter.NewLogger(log),
		registry: prometheus.NewRegistry(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = prommetrics.NewMetrics(a.registry, metricsNamespace)

	if err := a.openStores(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.buildServices(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverMemory:
		mem := memory.New()
		a.store, a.articles, a.ledger, a.cache = mem, mem, mem, mem
		a.log.Warn().Msg("using in-memory store; data is lost on restart")

	case config.DriverPostgres:
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		a.store, a.articles, a.ledger = pg, pg, pg

	case config.DriverFirestore:
		client, err := gfirestore.NewClient(ctx, a.cfg.Store.FirestoreProject)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fs, err := firestorestore.New(client, firestorestore.Config{})
		if err != nil {
			return err
		}
		a.store, a.ledger = fs, fs

		// Firestore holds accounts only; content lives in Postgres when
		// a DSN is configured.
		if a.cfg.Store.DSN != "" {
			pg, err := a.openPostgres(ctx)
			if err != nil {
				return err
			}
			a.articles = pg
		} else {
			a.articles = memory.New()
			a.log.Warn().Msg("no store.dsn for content; articles are kept in memory")
		}

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	if a.pg != nil {
		return a.pg, nil
	}
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = a.cfg.Store.DSN
	pgConfig.Logger = a.logger.Component("postgres")
	pg, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	a.pg = pg
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

// openRedis replaces the charge ledger and puts the sentiment cache in
// Redis, fronted by a local tier, when redis.addr is set.
func (a *app) openRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	rs, err := redisstore.New(client, redisstore.DefaultConfig())
	if err != nil {
		_ = client.Close()
		return err
	}
	a.closers = append(a.closers, func() { _ = rs.Close() })
	if err := rs.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	a.ledger = rs

	cache, err := tiered.New(tiered.Config{
		Hot:            memory.New(),
		Cold:           rs,
		AsyncColdWrite: true,
		AsyncErrorHandler: func(err error) {
			a.log.Warn().Err(err).Msg("sentiment cache write failed")
		},
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = cache.Close() })
	a.cache = cache
	return nil
}

func (a *app) buildServices() error {
	cfg := a.cfg

	reconciler, err := aigrid.NewReconciler(a.store, aigrid.ReconcilerConfig{
		Logger:  a.logger.Component("reconciler"),
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	a.reconciler = reconciler

	base := billing.Config{
		Reconciler: reconciler,
		Store:      a.store,
		AppURL:     cfg.Server.BaseURL,
		Metrics:    a.metrics,

		TrustProxyHeaders: cfg.Server.TrustProxy,
	}

	if cfg.Stripe.SecretKey != "" {
		stripeConfig := base
		stripeConfig.APIKey = cfg.Stripe.SecretKey
		stripeConfig.WebhookSecret = cfg.Stripe.WebhookSecret
		stripeConfig.Logger = a.logger.Component("stripe")
		a.stripe, err = stripe.NewProvider(stripe.Config{
			Config: stripeConfig,
			Plans:  stripePlans(cfg.Stripe),
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
	} else {
		a.log.Warn().Msg("stripe.secret_key not set; checkout is disabled")
	}

	if cfg.Square.AccessToken != "" {
		squareConfig := base
		squareConfig.APIKey = cfg.Square.AccessToken
		squareConfig.WebhookSecret = cfg.Square.WebhookSignatureKey
		squareConfig.Logger = a.logger.Component("square")
		a.square, err = square.NewProvider(square.Config{
			Config:          squareConfig,
			Environment:     cfg.Square.Environment,
			LocationID:      cfg.Square.LocationID,
			NotificationURL: cfg.Square.NotificationURL,
			Ledger:          a.ledger,
		})
		if err != nil {
			return fmt.Errorf("failed to create square provider: %w", err)
		}
	} else {
		a.log.Warn().Msg("square.access_token not set; payments are disabled")
	}

	a.content, err = content.NewService(a.articles, a.store, content.ServiceConfig{
		Logger: a.logger.Component("content"),
	})
	if err != nil {
		return err
	}

	// The hosted model also serves anonymous requests, so the URL alone
	// enables the feed.
	if cfg.Sentiment.APIURL != "" {
		a.sentiment, err = sentiment.NewService(sentiment.ServiceConfig{
			Analyzer: sentiment.NewClient(sentiment.ClientConfig{
				URL:    cfg.Sentiment.APIURL,
				APIKey: cfg.Sentiment.APIKey,
			}),
			Topics:   cfg.Sentiment.Topics,
			Cache:    a.cache,
			CacheTTL: cfg.Sentiment.CacheTTL,
			Logger:   a.logger.Component("sentiment"),
		})
		if err != nil {
			return fmt.Errorf("failed to create sentiment service: %w", err)
		}
	} else {
		a.log.Warn().Msg("sentiment.api_url not set; sentiment feed is disabled")
	}
	return nil
}

// stripePlans overrides the default plan prices with configured ones.
func stripePlans(cfg config.StripeConfig) map[aigrid.Tier]stripe.Plan {
	plans := stripe.DefaultPlans()
	for tier, amount := range map[aigrid.Tier]int64{
		aigrid.TierPro:        cfg.ProPriceCents,
		aigrid.TierEnterprise: cfg.EntPriceCents,
	} {
		if amount > 0 {
			plan := plans[tier]
			plan.UnitAmount = amount
			plans[tier] = plan
		}
	}
	return plans
}

// webhooks lists the configured providers.
func (a *app) webhooks() []billing.Provider {
	var providers []billing.Provider
	if a.stripe != nil {
		providers = append(providers, a.stripe)
	}
	if a.square != nil {
		providers = append(providers, a.square)
	}
	return providers
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
