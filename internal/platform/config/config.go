package config

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the verification gateway.
type Config struct {
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	HTTPPort int `mapstructure:"HTTP_PORT"`
	GRPCPort int `mapstructure:"GRPC_PORT"`

	// Empty DSN selects the in-memory store.
	PostgresDSN      string `mapstructure:"POSTGRES_DSN"`
	PostgresMaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	// Empty URL disables the event relay.
	NATSUrl           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	JWTSecret string `mapstructure:"JWT_SECRET"`
	JWTIssuer string `mapstructure:"JWT_ISSUER"`

	UpstreamBaseURL     string        `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamAPIKey      string        `mapstructure:"UPSTREAM_API_KEY"`
	UpstreamUsername    string        `mapstructure:"UPSTREAM_USERNAME"`
	UpstreamHTTPTimeout time.Duration `mapstructure:"UPSTREAM_HTTP_TIMEOUT"`

	TokenSafetyMargin    time.Duration `mapstructure:"TOKEN_SAFETY_MARGIN"`
	TokenAuthTimeout     time.Duration `mapstructure:"TOKEN_AUTH_TIMEOUT"`
	TokenRefreshInterval time.Duration `mapstructure:"TOKEN_REFRESH_INTERVAL"`

	BreakerFailureThreshold int           `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"BREAKER_RECOVERY_TIMEOUT"`

	RetryMaxAttempts     int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseBackoff     time.Duration `mapstructure:"RETRY_BASE_BACKOFF"`
	RetryMaxBackoff      time.Duration `mapstructure:"RETRY_MAX_BACKOFF"`
	RateLimitMaxRetries  int           `mapstructure:"RATE_LIMIT_MAX_RETRIES"`
	RateLimitDefaultWait time.Duration `mapstructure:"RATE_LIMIT_DEFAULT_WAIT"`
	RateLimitMaxWait     time.Duration `mapstructure:"RATE_LIMIT_MAX_WAIT"`

	PollInterval time.Duration `mapstructure:"POLL_INTERVAL"`
	PollCeiling  time.Duration `mapstructure:"POLL_CEILING"`

	ReserveTimeout        time.Duration `mapstructure:"RESERVE_TIMEOUT"`
	UpstreamCancelTimeout time.Duration `mapstructure:"UPSTREAM_CANCEL_TIMEOUT"`

	PriceDefault string `mapstructure:"PRICE_DEFAULT"`
	// Prices is a comma separated list of service[:capability]=amount pairs.
	Prices string `mapstructure:"PRICES"`

	CreateRateLimit       int           `mapstructure:"CREATE_RATE_LIMIT"`
	CreateRateLimitWindow time.Duration `mapstructure:"CREATE_RATE_LIMIT_WINDOW"`

	WSWriteTimeout time.Duration `mapstructure:"WS_WRITE_TIMEOUT"`
	WSPongTimeout  time.Duration `mapstructure:"WS_PONG_TIMEOUT"`

	// SeedAccounts is a comma separated list of owner=balance[:freeQuota], applied to the in-memory store.
	SeedAccounts string `mapstructure:"SEED_ACCOUNTS"`
}

// SeedAccount is one parsed SEED_ACCOUNTS entry.
type SeedAccount struct {
	OwnerID   string
	Balance   string
	FreeQuota int
}

// Load reads config.defaults.yaml (if any), a .env file (if any) and APP_ prefixed environment variables.
func Load(serviceName string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded for %s; relying on environment.", serviceName)
	}

	v := viper.New()
	v.SetConfigName("config.defaults")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("APP") // APP_LOG_LEVEL, APP_POSTGRES_DSN etc.

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Printf("Base configuration file ('config.defaults.yaml') not found; using defaults and environment variables.")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("GRPC_PORT", 50061)
	v.SetDefault("POSTGRES_DSN", "")
	v.SetDefault("POSTGRES_MAX_CONNS", 10)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "verification.events")
	v.SetDefault("JWT_SECRET", "jwt-secret-must-be-overridden-in-prod")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("UPSTREAM_BASE_URL", "https://www.textverified.com")
	v.SetDefault("UPSTREAM_API_KEY", "")
	v.SetDefault("UPSTREAM_USERNAME", "")
	v.SetDefault("UPSTREAM_HTTP_TIMEOUT", "30s")

	v.SetDefault("TOKEN_SAFETY_MARGIN", "10m")
	v.SetDefault("TOKEN_AUTH_TIMEOUT", "15s")
	v.SetDefault("TOKEN_REFRESH_INTERVAL", "1m")

	v.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	v.SetDefault("BREAKER_RECOVERY_TIMEOUT", "60s")

	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_BACKOFF", "500ms")
	v.SetDefault("RETRY_MAX_BACKOFF", "30s")
	v.SetDefault("RATE_LIMIT_MAX_RETRIES", 3)
	v.SetDefault("RATE_LIMIT_DEFAULT_WAIT", "1s")
	v.SetDefault("RATE_LIMIT_MAX_WAIT", "1m")

	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("POLL_CEILING", "600s")

	v.SetDefault("RESERVE_TIMEOUT", "2m")
	v.SetDefault("UPSTREAM_CANCEL_TIMEOUT", "10s")

	v.SetDefault("PRICE_DEFAULT", "1.00")
	v.SetDefault("PRICES", "")

	v.SetDefault("CREATE_RATE_LIMIT", 10)
	v.SetDefault("CREATE_RATE_LIMIT_WINDOW", "1m")

	v.SetDefault("WS_WRITE_TIMEOUT", "10s")
	v.SetDefault("WS_PONG_TIMEOUT", "60s")

	v.SetDefault("SEED_ACCOUNTS", "")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.GRPCPort <= 0 {
		return fmt.Errorf("http and grpc ports must be positive (got %d, %d)", c.HTTPPort, c.GRPCPort)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if c.PollInterval <= 0 || c.PollCeiling < c.PollInterval {
		return fmt.Errorf("poll ceiling %s must be at least the poll interval %s", c.PollCeiling, c.PollInterval)
	}
	if _, err := c.PriceList(); err != nil {
		return err
	}
	if _, err := c.SeedAccountList(); err != nil {
		return err
	}
	return nil
}

// PriceList parses Prices into the map the static pricer expects.
func (c *Config) PriceList() (map[string]string, error) {
	prices := make(map[string]string)
	for _, item := range splitList(c.Prices) {
		key, amount, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(key) == "" || strings.TrimSpace(amount) == "" {
			return nil, fmt.Errorf("invalid PRICES entry %q, want service[:capability]=amount", item)
		}
		prices[strings.TrimSpace(key)] = strings.TrimSpace(amount)
	}
	return prices, nil
}

// SeedAccountList parses SeedAccounts.
func (c *Config) SeedAccountList() ([]SeedAccount, error) {
	var out []SeedAccount
	for _, item := range splitList(c.SeedAccounts) {
		owner, rest, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(owner) == "" {
			return nil, fmt.Errorf("invalid SEED_ACCOUNTS entry %q, want owner=balance[:freeQuota]", item)
		}
		acct := SeedAccount{OwnerID: strings.TrimSpace(owner)}
		balance, quota, hasQuota := strings.Cut(rest, ":")
		acct.Balance = strings.TrimSpace(balance)
		if hasQuota {
			n, err := strconv.Atoi(strings.TrimSpace(quota))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid free quota in SEED_ACCOUNTS entry %q", item)
			}
			acct.FreeQuota = n
		}
		out = append(out, acct)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
