package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Session store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

const minSigningKeyBytes = 32

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	SessionStore  string `mapstructure:"SESSION_STORE"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthSigningKeyHex string        `mapstructure:"AUTH_SIGNING_KEY"`
	AccessTokenTTL    time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL   time.Duration `mapstructure:"REFRESH_TOKEN_TTL"`
	AdminOverride     bool          `mapstructure:"AUTH_ADMIN_OVERRIDE"`
	BcryptCost        int           `mapstructure:"BCRYPT_COST"`
	HashTimeout       time.Duration `mapstructure:"HASH_TIMEOUT"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	PurgeInterval     time.Duration `mapstructure:"PURGE_INTERVAL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	CookieSecure bool     `mapstructure:"COOKIE_SECURE"`
	CookieDomain string   `mapstructure:"COOKIE_DOMAIN"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty means the socket address is the client address.
	TrustedProxies []string `mapstructure:"TRUSTED_PROXIES"`

	LoginRateLimitRPS   float64 `mapstructure:"LOGIN_RATE_LIMIT_RPS"`
	LoginRateLimitBurst int     `mapstructure:"LOGIN_RATE_LIMIT_BURST"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	EventsTopic  string   `mapstructure:"EVENTS_TOPIC"`

	signingKey          []byte
	generatedSigningKey bool
	trustedNets         []*net.IPNet
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SESSION_STORE", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"AUTH_ISSUER", "AUTH_SIGNING_KEY", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL",
	"AUTH_ADMIN_OVERRIDE", "BCRYPT_COST", "HASH_TIMEOUT", "STORE_TIMEOUT",
	"PURGE_INTERVAL", "REQUEST_TIMEOUT", "COOKIE_SECURE", "COOKIE_DOMAIN",
	"CORS_ORIGINS", "TRUSTED_PROXIES", "LOGIN_RATE_LIMIT_RPS", "LOGIN_RATE_LIMIT_BURST",
	"KAFKA_BROKERS", "EVENTS_TOPIC",
}

// Load reads .env when present, then the environment. It fails when
// DATABASE_URL is missing or the signing key cannot be decoded; call
// Validate for the cross-field checks.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SESSION_STORE", StorePostgres)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("AUTH_ISSUER", "medportal")
	v.SetDefault("ACCESS_TOKEN_TTL", "15m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h")
	v.SetDefault("AUTH_ADMIN_OVERRIDE", true)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("HASH_TIMEOUT", "5s")
	v.SetDefault("STORE_TIMEOUT", "3s")
	v.SetDefault("PURGE_INTERVAL", "10m")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("LOGIN_RATE_LIMIT_RPS", 5)
	v.SetDefault("LOGIN_RATE_LIMIT_BURST", 10)
	v.SetDefault("EVENTS_TOPIC", "medportal.auth.sessions")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.TrustedProxies = splitList(cfg.TrustedProxies, v.GetString("TRUSTED_PROXIES"))
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.loadSigningKey(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList accepts both a decoded slice and a comma separated string.
func splitList(decoded []string, raw string) []string {
	if len(decoded) == 1 && strings.Contains(decoded[0], ",") {
		raw, decoded = decoded[0], nil
	}
	items := decoded
	if len(items) == 0 {
		items = strings.Split(raw, ",")
	}
	var out []string
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) loadSigningKey() error {
	if c.AuthSigningKeyHex != "" {
		key, err := hex.DecodeString(c.AuthSigningKeyHex)
		if err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
		c.signingKey = key
		return nil
	}
	if !c.IsDev() {
		return nil
	}
	key := make([]byte, minSigningKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate development signing key: %w", err)
	}
	c.signingKey, c.generatedSigningKey = key, true
	return nil
}

// SigningKey returns the HS256 key for access tokens.
func (c *Config) SigningKey() []byte { return c.signingKey }

// GeneratedSigningKey reports whether the key is random for this process,
// which happens only in development when AUTH_SIGNING_KEY is unset. Tokens
// do not survive a restart in that mode.
func (c *Config) GeneratedSigningKey() bool { return c.generatedSigningKey }

// TrustedProxyNets returns TRUSTED_PROXIES as parsed by Validate.
func (c *Config) TrustedProxyNets() []*net.IPNet { return c.trustedNets }

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if len(c.signingKey) < minSigningKeyBytes {
		if len(c.signingKey) == 0 {
			return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
		}
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least %d bytes, got %d", minSigningKeyBytes, len(c.signingKey))
	}
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL (%s) must exceed ACCESS_TOKEN_TTL (%s)", c.RefreshTokenTTL, c.AccessTokenTTL)
	}

	switch c.SessionStore {
	case StorePostgres, StoreMemory:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SESSION_STORE is %q", StoreRedis)
		}
	default:
		return fmt.Errorf("SESSION_STORE must be %q, %q or %q, got %q", StorePostgres, StoreRedis, StoreMemory, c.SessionStore)
	}

	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
	}
	if c.HashTimeout <= 0 || c.StoreTimeout <= 0 {
		return fmt.Errorf("HASH_TIMEOUT and STORE_TIMEOUT must be positive")
	}
	if c.PurgeInterval <= 0 {
		return fmt.Errorf("PURGE_INTERVAL must be positive")
	}
	if c.LoginRateLimitRPS <= 0 || c.LoginRateLimitBurst <= 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT_RPS and LOGIN_RATE_LIMIT_BURST must be positive")
	}
	c.trustedNets = c.trustedNets[:0]
	for _, cidr := range c.TrustedProxies {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("TRUSTED_PROXIES: %w", err)
		}
		c.trustedNets = append(c.trustedNets, n)
	}
	if c.IsProduction() && !c.CookieSecure {
		return fmt.Errorf("COOKIE_SECURE cannot be disabled in production")
	}
	return nil
}
