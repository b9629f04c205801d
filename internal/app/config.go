package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (MARKET_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string   `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string   `usage:"PostgreSQL connection URL (MARKET_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	RedisAddr    string   `default:"localhost:6379" usage:"Redis address for locks and popularity cache" flag:"redis-addr"`
	KafkaBrokers []string `usage:"Kafka broker addresses for domain events (empty disables publishing)" flag:"kafka-brokers"`
	KafkaTopic   string   `default:"market.events" usage:"Kafka topic for domain events" flag:"kafka-topic"`
	Gateway      GatewayConfig
	Lock         LockConfig
	Reconcile    ReconcileConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// GatewayConfig configures the external payment provider client.
type GatewayConfig struct {
	BaseURL   string        `default:"https://api.tosspayments.com" usage:"Payment gateway base URL" flag:"gateway-url"`
	SecretKey string        `usage:"Payment gateway secret key (MARKET_GATEWAY_SECRET_KEY)" flag:"gateway-secret-key"`
	Timeout   time.Duration `default:"10s" usage:"Payment gateway request timeout" flag:"gateway-timeout"`
}

// LockConfig controls the distributed stock locks.
type LockConfig struct {
	WaitTimeout time.Duration `default:"3s" usage:"Max time to wait for a stock lock" flag:"lock-wait"`
	TTL         time.Duration `default:"5s" usage:"Stock lock expiry" flag:"lock-ttl"`
}

// ReconcileConfig controls the payment reconciliation sweep.
type ReconcileConfig struct {
	Interval     time.Duration `default:"1m"  usage:"Time between reconciliation sweeps" flag:"reconcile-interval"`
	StuckAfter   time.Duration `default:"10m" usage:"Age after which an IN_PROGRESS payment is checked against the gateway" flag:"reconcile-stuck-after"`
	AbandonAfter time.Duration `default:"30m" usage:"Age after which a READY payment is canceled as abandoned" flag:"reconcile-abandon-after"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "MARKET",
		Files:     []string{"config.yaml", "/etc/market/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set MARKET_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the MARKET_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
