package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"

	mw "github.com/theaigrid/aigrid/middleware/http"
	"github.com/theaigrid/aigrid/pkg/api"
)

const (
	shutdownTimeout = 15 * time.Second
	authLeeway      = 30 * time.Second
)

func serveCmd(load loader) *cobra.Command {
	var (
		addr    string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API, webhook endpoints and /metrics.

Examples:
  aigrid serve
  aigrid serve --addr :9000 --migrate`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			log := newRootLogger(cfg.Log, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			if migrate {
				if a.pg == nil {
					return fmt.Errorf("--migrate requires a postgres dsn")
				}
				if err := a.pg.Migrate(ctx); err != nil {
					return fmt.Errorf("failed to migrate: %w", err)
				}
				log.Info().Msg("schema migrated")
			}

			handler, err := newHandler(a)
			if err != nil {
				return err
			}
			return runServer(ctx, a, handler)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the postgres schema before serving")
	return cmd
}

func newHandler(a *app) (http.Handler, error) {
	config := api.Config{
		Reconciler: a.reconciler,
		Content:    a.content,
		Profiles:   a.store,
		Auth: mw.AuthConfig{
			Secret:   []byte(a.cfg.Auth.JWTSecret),
			Audience: a.cfg.Auth.Audience,
			Leeway:   authLeeway,
		},
		AdminEmails:    a.cfg.Auth.AdminEmails,
		Webhooks:       a.webhooks(),
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}),
		TrustProxy:     a.cfg.Server.TrustProxy,
		Middlewares:    accessLog(a.log),
		Logger:         a.logger.Component("api"),
	}
	// Typed nils would enable the optional routes.
	if a.stripe != nil {
		config.Checkout = a.stripe
	}
	if a.square != nil {
		config.Charger = a.square
	}
	if a.sentiment != nil {
		config.Sentiment = a.sentiment
	}

	h, err := api.NewHandler(config)
	if err != nil {
		return nil, err
	}
	return h.Routes(), nil
}

// accessLog attaches the request logger and writes one line per request.
func accessLog(log zerolog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		hlog.NewHandler(log),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("request")
		}),
	}
}

func runServer(ctx context.Context, a *app, handler http.Handler) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Str("driver", a.cfg.Store.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}
