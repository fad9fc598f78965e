package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaigrid/aigrid/internal/config"
	"github.com/theaigrid/aigrid/pkg/aigrid"
	"github.com/theaigrid/aigrid/pkg/sentiment"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Addr: ":0", BaseURL: "http://localhost:3000"},
		Log:    config.LogConfig{Level: "debug", Format: "json"},
		Store:  config.StoreConfig{Driver: config.DriverMemory},
		Square: config.SquareConfig{Environment: "sandbox"},
		Auth:   config.AuthConfig{JWTSecret: "secret", Audience: "authenticated"},
		Sentiment: config.SentimentConfig{
			APIURL: sentiment.DefaultModelURL,
			Topics: sentiment.DefaultTopics(),
		},
	}
}

func TestNewRootLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log := newRootLogger(config.LogConfig{Level: tt.level}, &bytes.Buffer{})
			assert.Equal(t, tt.want, log.GetLevel())
		})
	}
}

func TestNewRootLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := newRootLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"service":"aigrid"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestNewApp_Memory(t *testing.T) {
	var buf bytes.Buffer
	a, err := newApp(context.Background(), testConfig(), newRootLogger(config.LogConfig{Level: "warn"}, &buf))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.articles)
	assert.NotNil(t, a.ledger)
	assert.Nil(t, a.stripe)
	assert.Nil(t, a.square)
	assert.NotNil(t, a.sentiment, "the model URL alone enables sentiment")
	assert.Empty(t, a.webhooks())
	assert.Contains(t, buf.String(), "checkout is disabled")
}

func TestNewApp_Providers(t *testing.T) {
	cfg := testConfig()
	cfg.Stripe = config.StripeConfig{SecretKey: "sk_test_123", WebhookSecret: "whsec_123", ProPriceCents: 900, EntPriceCents: 2900}
	cfg.Square.AccessToken = "sq_token"
	cfg.Sentiment.APIKey = "hf_key"

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.stripe)
	require.NotNil(t, a.square)
	require.NotNil(t, a.sentiment)

	names := []string{}
	for _, p := range a.webhooks() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"stripe", "square"}, names)
}

func TestNewApp_SentimentDisabledWithoutURL(t *testing.T) {
	cfg := testConfig()
	cfg.Sentiment.APIURL = ""
	var buf bytes.Buffer
	a, err := newApp(context.Background(), cfg, newRootLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.sentiment)
	assert.Contains(t, buf.String(), "sentiment feed is disabled")
}

func TestNewApp_StripePlanNames(t *testing.T) {
	cfg := testConfig()
	cfg.Stripe = config.StripeConfig{SecretKey: "sk_test_123", ProPriceCents: 1200}

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.stripe)

	pro, ok := a.stripe.PlanFor(aigrid.TierPro)
	require.True(t, ok)
	assert.Equal(t, "Pro", pro.Name)
	assert.Equal(t, int64(1200), pro.UnitAmount)
	assert.Equal(t, "The AI Grid Pro Plan", pro.ProductName())

	ent, ok := a.stripe.PlanFor(aigrid.TierEnterprise)
	require.True(t, ok)
	assert.Equal(t, "Enterprise", ent.Name)
	assert.Equal(t, int64(2900), ent.UnitAmount, "unset price keeps the default")
}

func TestNewApp_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "mysql"
	_, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
}

func TestNewHandler(t *testing.T) {
	var buf bytes.Buffer
	log := newRootLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	a, err := newApp(context.Background(), testConfig(), log)
	require.NoError(t, err)
	defer a.Close()

	handler, err := newHandler(a)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), `"path":"/healthz"`)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/payments", nil))
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := rootCmd()
	for _, name := range []string{"serve", "migrate", "sync"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}
