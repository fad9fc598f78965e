package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theaigrid/aigrid/pkg/sentiment"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", config.Server.Addr)
	assert.Equal(t, 15*time.Second, config.Server.ReadTimeout)
	assert.False(t, config.Server.TrustProxy, "proxy headers are ignored unless enabled")
	assert.Equal(t, DriverMemory, config.Store.Driver)
	assert.Equal(t, "sandbox", config.Square.Environment)
	assert.Equal(t, int64(900), config.Stripe.ProPriceCents)
	assert.Equal(t, int64(2900), config.Stripe.EntPriceCents)
	assert.Equal(t, sentiment.DefaultModelURL, config.Sentiment.APIURL)
	assert.Equal(t, 5*time.Minute, config.Sentiment.CacheTTL)
	assert.Len(t, config.Sentiment.Topics, len(sentiment.DefaultTopics()))
	assert.Equal(t, "http://localhost:3000/api/webhooks/square", config.Square.NotificationURL)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_legacy")
	t.Setenv("SUPABASE_JWT_SECRET", "jwt-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/aigrid")
	t.Setenv("NEXT_PUBLIC_APP_URL", "https://theaigrid.test")
	t.Setenv("AIGRID_STORE_DRIVER", "Postgres")
	t.Setenv("AIGRID_SQUARE_ENVIRONMENT", "PRODUCTION")
	t.Setenv("AIGRID_REDIS_ADDR", "localhost:6379")

	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk_test_legacy", config.Stripe.SecretKey)
	assert.Equal(t, "jwt-secret", config.Auth.JWTSecret)
	assert.Equal(t, "postgres://localhost/aigrid", config.Store.DSN)
	assert.Equal(t, DriverPostgres, config.Store.Driver)
	assert.Equal(t, "production", config.Square.Environment)
	assert.Equal(t, "localhost:6379", config.Redis.Addr)
	assert.Equal(t, "https://theaigrid.test/api/webhooks/square", config.Square.NotificationURL)
	assert.NoError(t, config.Validate())
}

func TestLoad_PrefixedOverridesAlias(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("STRIPE_SECRET_KEY", "sk_legacy")
	t.Setenv("AIGRID_STRIPE_SECRET_KEY", "sk_prefixed")

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk_prefixed", config.Stripe.SecretKey)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  addr: ":9090"
auth:
  jwt_secret: from-file
  admin_emails:
    - admin@theaigrid.test
sentiment:
  topics:
    - name: Agents
      queries:
        - AI agents are useful
        - agents keep failing
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.Server.Addr)
	assert.Equal(t, "from-file", config.Auth.JWTSecret)
	assert.Equal(t, []string{"admin@theaigrid.test"}, config.Auth.AdminEmails)
	require.Len(t, config.Sentiment.Topics, 1)
	assert.Equal(t, "Agents", config.Sentiment.Topics[0].Name)
	assert.Len(t, config.Sentiment.Topics[0].Queries, 2)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Store:  StoreConfig{Driver: DriverMemory},
			Square: SquareConfig{Environment: "sandbox"},
			Auth:   AuthConfig{JWTSecret: "secret"},
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid memory", func(*Config) {}, false},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, true},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, true},
		{"postgres with dsn", func(c *Config) { c.Store.Driver = DriverPostgres; c.Store.DSN = "postgres://x" }, false},
		{"firestore without project", func(c *Config) { c.Store.Driver = DriverFirestore }, true},
		{"firestore with project", func(c *Config) { c.Store.Driver = DriverFirestore; c.Store.FirestoreProject = "p" }, false},
		{"missing jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, true},
		{"unknown square environment", func(c *Config) { c.Square.Environment = "staging" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.modify(config)
			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
