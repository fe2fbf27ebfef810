// Package config loads server settings from defaults, an optional YAML file
// named by CONFIG_FILE, a .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/xtrntr/tokendex/internal/logging"
	"github.com/xtrntr/tokendex/internal/wallet"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// Config is the full service configuration
type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Store     Store     `yaml:"store"`
	Auth      Auth      `yaml:"auth"`
	Log       Log       `yaml:"log"`
	Kafka     Kafka     `yaml:"kafka"`
	Redis     Redis     `yaml:"redis"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Exchange  Exchange  `yaml:"exchange"`
	Sale      Sale      `yaml:"sale"`
}

// HTTP configures the listener
type HTTP struct {
	Addr            string        `yaml:"addr" validate:"nonzero"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=1"`
}

// Store selects the persistence driver
type Store struct {
	Driver      string `yaml:"driver" validate:"regexp=^(memory|postgres)$"`
	DatabaseURL string `yaml:"database_url"`
}

// Auth configures token signing
type Auth struct {
	JWTSecret string        `yaml:"jwt_secret" validate:"nonzero"`
	TokenTTL  time.Duration `yaml:"token_ttl" validate:"min=1"`
}

// Log configures the process logger
type Log struct {
	Level      string `yaml:"level" validate:"regexp=^(debug|info|warn|error)$"`
	Format     string `yaml:"format" validate:"regexp=^(json|console)$"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
}

// Kafka publishing is off when Brokers is empty
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Redis caching is off when Addr is empty
type Redis struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	BookCacheTTL time.Duration `yaml:"book_cache_ttl" validate:"min=1"`
}

// RateLimit sets the per-user token bucket
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst" validate:"min=1"`
}

// Exchange holds order engine settings
type Exchange struct {
	DefaultTokenPair string `yaml:"default_token_pair" validate:"regexp=^[A-Z0-9]+/[A-Z0-9]+$"`
}

// Sale amounts are kept as strings so they parse exactly into decimals
type Sale struct {
	PresalePrice  string `yaml:"presale_price" validate:"nonzero"`
	MainsalePrice string `yaml:"mainsale_price" validate:"nonzero"`
	PresaleBonus  string `yaml:"presale_bonus" validate:"nonzero"`
	MainsaleBonus string `yaml:"mainsale_bonus" validate:"nonzero"`
	MinPurchase   string `yaml:"min_purchase" validate:"nonzero"`
	MaxPurchase   string `yaml:"max_purchase"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTP:  HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Store: Store{Driver: "memory"},
		Auth:  Auth{TokenTTL: 24 * time.Hour},
		Log:   Log{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Kafka: Kafka{Topic: "settlements"},
		Redis: Redis{BookCacheTTL: 5 * time.Second},
		RateLimit: RateLimit{
			RPS:   20,
			Burst: 40,
		},
		Exchange: Exchange{DefaultTokenPair: "QCN/ETH"},
		Sale: Sale{
			PresalePrice:  "0.0008",
			MainsalePrice: "0.001",
			PresaleBonus:  "25",
			MainsaleBonus: "10",
			MinPurchase:   "1",
			MaxPurchase:   "0",
		},
	}
}

// Load builds the configuration and validates it
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.Exchange.DefaultTokenPair = strings.ToUpper(cfg.Exchange.DefaultTokenPair)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		return errors.New("invalid config: DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("invalid config: KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.RateLimit.RPS <= 0 {
		return errors.New("invalid config: RATE_LIMIT_RPS must be positive")
	}
	if _, err := c.SaleConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SaleConfig parses the token sale settings
func (c *Config) SaleConfig() (wallet.SaleConfig, error) {
	var (
		sale wallet.SaleConfig
		err  error
	)
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"presale_price", c.Sale.PresalePrice, &sale.PresalePrice},
		{"mainsale_price", c.Sale.MainsalePrice, &sale.MainsalePrice},
		{"presale_bonus", c.Sale.PresaleBonus, &sale.PresaleBonus},
		{"mainsale_bonus", c.Sale.MainsaleBonus, &sale.MainsaleBonus},
		{"min_purchase", c.Sale.MinPurchase, &sale.MinPurchase},
		{"max_purchase", c.Sale.MaxPurchase, &sale.MaxPurchase},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return wallet.SaleConfig{}, fmt.Errorf("%s: %w", f.name, err)
		}
		if f.dst.IsNegative() {
			return wallet.SaleConfig{}, fmt.Errorf("%s must not be negative", f.name)
		}
	}
	if !sale.PresalePrice.IsPositive() || !sale.MainsalePrice.IsPositive() {
		return wallet.SaleConfig{}, errors.New("sale prices must be positive")
	}
	return sale, nil
}

// LoggingOptions converts the log section for the logging package
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) applyEnv() error {
	envString("HTTP_ADDR", &c.HTTP.Addr)
	envString("STORE_DRIVER", &c.Store.Driver)
	envString("DATABASE_URL", &c.Store.DatabaseURL)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envString("LOG_FILE", &c.Log.File)
	envList("KAFKA_BROKERS", &c.Kafka.Brokers)
	envString("KAFKA_TOPIC", &c.Kafka.Topic)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envString("DEFAULT_TOKEN_PAIR", &c.Exchange.DefaultTokenPair)
	envString("PRESALE_PRICE", &c.Sale.PresalePrice)
	envString("MAINSALE_PRICE", &c.Sale.MainsalePrice)
	envString("PRESALE_BONUS", &c.Sale.PresaleBonus)
	envString("MAINSALE_BONUS", &c.Sale.MainsaleBonus)
	envString("MIN_PURCHASE", &c.Sale.MinPurchase)
	envString("MAX_PURCHASE", &c.Sale.MaxPurchase)

	return errors.Join(
		envDuration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout),
		envDuration("TOKEN_TTL", &c.Auth.TokenTTL),
		envDuration("BOOK_CACHE_TTL", &c.Redis.BookCacheTTL),
		envInt("LOG_MAX_SIZE_MB", &c.Log.MaxSizeMB),
		envInt("LOG_MAX_BACKUPS", &c.Log.MaxBackups),
		envInt("LOG_MAX_AGE_DAYS", &c.Log.MaxAgeDays),
		envInt("REDIS_DB", &c.Redis.DB),
		envInt("RATE_LIMIT_BURST", &c.RateLimit.Burst),
		envFloat("RATE_LIMIT_RPS", &c.RateLimit.RPS),
	)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
