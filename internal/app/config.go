package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Store backends.
const (
	StoreLocal = "local"
	StoreProxy = "proxy"
)

// Config holds the complete application configuration, loadable from
// environment variables (KEYS_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KEYS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	TokenPepper string `usage:"HMAC pepper for caller token hashing (KEYS_TOKEN_PEPPER)" flag:"token-pepper"`
	Store       StoreConfig
	Gateway     GatewayConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StoreConfig selects where key records live.
type StoreConfig struct {
	Mode    string `default:"local" usage:"Key store backend: local or proxy"`
	SealKey string `usage:"Hex-encoded 32-byte key sealing secrets at rest, required in local mode" flag:"seal-key"`
}

// GatewayConfig points at the remote key gateway. The client is built in
// both modes so administrators can probe it; only proxy mode stores keys
// there.
type GatewayConfig struct {
	Enabled   bool          `default:"false" usage:"Talk to the remote gateway"`
	BaseURL   string        `default:"http://localhost:4000" usage:"Gateway base URL" flag:"gateway-url"`
	MasterKey string        `usage:"Gateway master credential (KEYS_GATEWAY_MASTER_KEY)" flag:"gateway-master-key"`
	Timeout   time.Duration `default:"30s" usage:"Per-call gateway timeout" flag:"gateway-timeout"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, applies platform defaults and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KEYS",
		Files:     []string{"config.yaml", "/etc/gatekeys/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KEYS_DATABASE_URL or DATABASE_URL")
	}
	if c.TokenPepper == "" {
		return errors.New("token pepper is required: set KEYS_TOKEN_PEPPER")
	}
	switch c.Store.Mode {
	case StoreLocal:
		if c.Store.SealKey == "" {
			return errors.New("local store requires a seal key: set KEYS_STORE_SEAL_KEY")
		}
	case StoreProxy:
	default:
		return errors.Errorf("unknown store mode %q (want %q or %q)", c.Store.Mode, StoreLocal, StoreProxy)
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit max and window must be positive")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the KEYS_-prefixed
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
