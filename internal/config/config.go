// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Env  string `env:"APP_ENV,default=development"`
	Port int    `env:"PORT,default=8080"`

	DatabaseURL  string `env:"DATABASE_URL,default=postgres://localhost/resq?sslmode=disable"`
	DBMaxConns   int    `env:"DB_MAX_CONNS,default=100"`
	RedisURL     string `env:"REDIS_URL,default="`
	CORSOrigins  string `env:"CORS_ORIGINS,default=*"`

	RazorpayKeyID         string `env:"RAZORPAY_KEY_ID,default="`
	RazorpayKeySecret     string `env:"RAZORPAY_KEY_SECRET,default="`
	RazorpayWebhookSecret string `env:"RAZORPAY_WEBHOOK_SECRET,default="`

	RoutingServiceURL  string        `env:"ROUTING_SERVICE_URL,default="`
	RoutingTimeout     time.Duration `env:"ROUTING_TIMEOUT,default=3s"`
	EtaMatrixLimit     int           `env:"DISPATCH_ETA_MATRIX_LIMIT,default=25"`
	DispatchRadiusKm   float64       `env:"DISPATCH_RADIUS_KM,default=50"`
	OfferTTL           time.Duration `env:"DISPATCH_OFFER_TTL,default=20s"`
	PricingCacheTTL    time.Duration `env:"PRICING_CACHE_TTL,default=30s"`

	SMTPAddr     string `env:"SMTP_ADDR,default="`
	SMTPFrom     string `env:"SMTP_FROM,default="`
	SMTPUsername string `env:"SMTP_USERNAME,default="`
	SMTPPassword string `env:"SMTP_PASSWORD,default="`
}

// Load reads .env (if present) and decodes the environment. In production
// the gateway secrets are required; elsewhere gateway-dependent endpoints
// degrade to 503.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if cfg.Production() {
		if cfg.RazorpayKeyID == "" || cfg.RazorpayKeySecret == "" || cfg.RazorpayWebhookSecret == "" {
			return nil, fmt.Errorf("razorpay credentials are required in production")
		}
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	return &cfg, nil
}

// Production reports whether the process runs with production requirements.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// GatewayConfigured reports whether online payments can be created.
func (c *Config) GatewayConfigured() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}
