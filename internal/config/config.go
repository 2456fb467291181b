package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Payment gateway
	GatewayBaseURL          string        `mapstructure:"GATEWAY_BASE_URL"`
	GatewayClientID         string        `mapstructure:"GATEWAY_CLIENT_ID"`
	GatewayAPIKey           string        `mapstructure:"GATEWAY_API_KEY"`
	GatewayChecksumKey      string        `mapstructure:"GATEWAY_CHECKSUM_KEY"`
	GatewayTimeout          time.Duration `mapstructure:"GATEWAY_TIMEOUT"`
	GatewayDescriptionLimit int           `mapstructure:"GATEWAY_DESCRIPTION_LIMIT"`
	CheckoutReturnURL       string        `mapstructure:"CHECKOUT_RETURN_URL"`
	CheckoutCancelURL       string        `mapstructure:"CHECKOUT_CANCEL_URL"`
	OrderCodeMaxAttempts    int           `mapstructure:"ORDER_CODE_MAX_ATTEMPTS"`

	// Checkout deduplication
	DedupTTL time.Duration `mapstructure:"DEDUP_TTL"`

	// Reconciliation
	ReconcileEnabled    bool          `mapstructure:"RECONCILE_ENABLED"`
	ReconcileTenants    []string      `mapstructure:"RECONCILE_TENANTS"`
	ReconcileInterval   time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	ReconcileWindow     time.Duration `mapstructure:"RECONCILE_WINDOW"`
	ReconcilePageSize   int           `mapstructure:"RECONCILE_PAGE_SIZE"`
	ReconcilePacing     time.Duration `mapstructure:"RECONCILE_PACING"`
	ReconcileTickBudget time.Duration `mapstructure:"RECONCILE_TICK_BUDGET"`
	DriftInterval       time.Duration `mapstructure:"DRIFT_INTERVAL"`
	DriftProbability    float64       `mapstructure:"DRIFT_PROBABILITY"`
	DriftPageSize       int           `mapstructure:"DRIFT_PAGE_SIZE"`
	DriftMaxPages       int           `mapstructure:"DRIFT_MAX_PAGES"`
	DriftTickBudget     time.Duration `mapstructure:"DRIFT_TICK_BUDGET"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "DEFAULT_TENANT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"GATEWAY_BASE_URL", "GATEWAY_CLIENT_ID", "GATEWAY_API_KEY", "GATEWAY_CHECKSUM_KEY",
	"GATEWAY_TIMEOUT", "GATEWAY_DESCRIPTION_LIMIT", "CHECKOUT_RETURN_URL", "CHECKOUT_CANCEL_URL",
	"ORDER_CODE_MAX_ATTEMPTS", "DEDUP_TTL",
	"RECONCILE_ENABLED", "RECONCILE_TENANTS", "RECONCILE_INTERVAL", "RECONCILE_WINDOW",
	"RECONCILE_PAGE_SIZE", "RECONCILE_PACING", "RECONCILE_TICK_BUDGET",
	"DRIFT_INTERVAL", "DRIFT_PROBABILITY", "DRIFT_PAGE_SIZE", "DRIFT_MAX_PAGES",
	"DRIFT_TICK_BUDGET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	v.SetDefault("GATEWAY_BASE_URL", "https://api-merchant.payos.vn")
	v.SetDefault("GATEWAY_TIMEOUT", "8s")
	v.SetDefault("GATEWAY_DESCRIPTION_LIMIT", 25)
	v.SetDefault("CHECKOUT_RETURN_URL", "http://localhost:3000/payments/return")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/payments/cancel")
	v.SetDefault("ORDER_CODE_MAX_ATTEMPTS", 5)
	v.SetDefault("DEDUP_TTL", "10s")

	v.SetDefault("RECONCILE_ENABLED", true)
	v.SetDefault("RECONCILE_INTERVAL", "30s")
	v.SetDefault("RECONCILE_WINDOW", "48h")
	v.SetDefault("RECONCILE_PAGE_SIZE", 25)
	v.SetDefault("RECONCILE_PACING", "200ms")
	v.SetDefault("RECONCILE_TICK_BUDGET", "20s")
	v.SetDefault("DRIFT_INTERVAL", "5m")
	v.SetDefault("DRIFT_PROBABILITY", 0.1)
	v.SetDefault("DRIFT_PAGE_SIZE", 50)
	v.SetDefault("DRIFT_MAX_PAGES", 4)
	v.SetDefault("DRIFT_TICK_BUDGET", "30s")

	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.ReconcileTenants = splitList(cfg.ReconcileTenants, v.GetString("RECONCILE_TENANTS"))
	if len(cfg.ReconcileTenants) == 0 {
		cfg.ReconcileTenants = []string{cfg.DefaultTenant}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); dev auth is active.")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values, whether or not viper's
// decode hook already split them.
func splitList(current []string, raw string) []string {
	if len(current) > 0 {
		raw = strings.Join(current, ",")
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Gateway credentials
// are mandatory outside development; reconciliation bounds must be positive.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_ISSUER must be set when ENV=%q", c.Env)
		}
		if c.GatewayClientID == "" || c.GatewayAPIKey == "" {
			return fmt.Errorf("GATEWAY_CLIENT_ID and GATEWAY_API_KEY are required when ENV=%q", c.Env)
		}
		if c.GatewayChecksumKey == "" {
			return fmt.Errorf("GATEWAY_CHECKSUM_KEY is required when ENV=%q", c.Env)
		}
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive, got %s", c.GatewayTimeout)
	}
	if c.GatewayDescriptionLimit <= 0 {
		return fmt.Errorf("GATEWAY_DESCRIPTION_LIMIT must be positive, got %d", c.GatewayDescriptionLimit)
	}
	if c.OrderCodeMaxAttempts <= 0 {
		return fmt.Errorf("ORDER_CODE_MAX_ATTEMPTS must be positive, got %d", c.OrderCodeMaxAttempts)
	}
	if c.ReconcileInterval <= 0 || c.DriftInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL and DRIFT_INTERVAL must be positive")
	}
	if c.ReconcilePageSize <= 0 || c.DriftPageSize <= 0 {
		return fmt.Errorf("RECONCILE_PAGE_SIZE and DRIFT_PAGE_SIZE must be positive")
	}
	if c.DriftProbability < 0 || c.DriftProbability > 1 {
		return fmt.Errorf("DRIFT_PROBABILITY must be within [0,1], got %v", c.DriftProbability)
	}
	return nil
}
