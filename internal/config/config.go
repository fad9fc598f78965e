// Package config loads application configuration from an optional YAML file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/theaigrid/aigrid/pkg/sentiment"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Stripe    StripeConfig    `mapstructure:"stripe"`
	Square    SquareConfig    `mapstructure:"square"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sentiment SentimentConfig `mapstructure:"sentiment"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	TrustProxy   bool          `mapstructure:"trust_proxy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StoreConfig struct {
	Driver           string `mapstructure:"driver"`
	DSN              string `mapstructure:"dsn"`
	FirestoreProject string `mapstructure:"firestore_project"`
}

// RedisConfig enables the Redis charge ledger and sentiment cache when Addr
// is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	ProPriceCents int64  `mapstructure:"pro_price_cents"`
	EntPriceCents int64  `mapstructure:"enterprise_price_cents"`
}

type SquareConfig struct {
	AccessToken         string `mapstructure:"access_token"`
	Environment         string `mapstructure:"environment"`
	LocationID          string `mapstructure:"location_id"`
	WebhookSignatureKey string `mapstructure:"webhook_signature_key"`
	NotificationURL     string `mapstructure:"notification_url"`
}

type AuthConfig struct {
	JWTSecret   string   `mapstructure:"jwt_secret"`
	Audience    string   `mapstructure:"audience"`
	AdminEmails []string `mapstructure:"admin_emails"`
}

type SentimentConfig struct {
	APIURL   string            `mapstructure:"api_url"`
	APIKey   string            `mapstructure:"api_key"`
	CacheTTL time.Duration     `mapstructure:"cache_ttl"`
	Topics   []sentiment.Topic `mapstructure:"topics"`
}

// envAliases binds the variable names the hosted deployment already uses.
var envAliases = map[string]string{
	"stripe.secret_key":            "STRIPE_SECRET_KEY",
	"stripe.webhook_secret":        "STRIPE_WEBHOOK_SECRET",
	"square.access_token":          "SQUARE_ACCESS_TOKEN",
	"square.environment":           "SQUARE_ENVIRONMENT",
	"square.location_id":           "SQUARE_LOCATION_ID",
	"square.webhook_signature_key": "SQUARE_WEBHOOK_SIGNATURE_KEY",
	"auth.jwt_secret":              "SUPABASE_JWT_SECRET",
	"store.dsn":                    "DATABASE_URL",
	"server.base_url":              "NEXT_PUBLIC_APP_URL",
	"sentiment.api_key":            "HUGGINGFACE_API_KEY",
}

// Load reads config.yaml from path (or the default search paths when path
// is empty) and overlays AIGRID_* environment variables. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/aigrid")
	}

	v.SetEnvPrefix("AIGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "AIGRID_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Store.Driver = strings.ToLower(strings.TrimSpace(config.Store.Driver))
	config.Square.Environment = strings.ToLower(strings.TrimSpace(config.Square.Environment))
	if len(config.Sentiment.Topics) == 0 {
		config.Sentiment.Topics = sentiment.DefaultTopics()
	}
	if config.Square.NotificationURL == "" && config.Server.BaseURL != "" {
		config.Square.NotificationURL = strings.TrimRight(config.Server.BaseURL, "/") + "/api/webhooks/square"
	}
	return &config, nil
}

// setDefaults registers every key without an env alias so AutomaticEnv
// overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_url", "http://localhost:3000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.firestore_project", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("stripe.pro_price_cents", 900)
	v.SetDefault("stripe.enterprise_price_cents", 2900)

	v.SetDefault("square.environment", "sandbox")
	v.SetDefault("square.notification_url", "")

	v.SetDefault("auth.audience", "authenticated")
	v.SetDefault("auth.admin_emails", []string{})

	v.SetDefault("sentiment.api_url", sentiment.DefaultModelURL)
	v.SetDefault("sentiment.cache_ttl", 5*time.Minute)
}

// Validate checks that the configuration can start the server.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverFirestore:
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Square.Environment != "sandbox" && c.Square.Environment != "production" {
		return fmt.Errorf("unknown square environment %q", c.Square.Environment)
	}
	return nil
}
