package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Requester key policies accepted by POOL_REQUESTER_KEY.
const (
	RequesterKeyUserAgent   = "user_agent"
	RequesterKeyPhone       = "phone"
	RequesterKeyDeviceToken = "device_token"
)

// Database drivers accepted by DB_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `env:",prefix=SERVER_"`

	// Database configuration
	Database DatabaseConfig `env:",prefix=DB_"`

	// Application configuration
	App AppConfig `env:",prefix=APP_"`

	// Voucher pool configuration
	Pool PoolConfig `env:",prefix=POOL_"`

	// Admin API configuration
	Admin AdminConfig `env:",prefix=ADMIN_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string `env:"PORT,default=8080"`
	Host         string `env:"HOST,default=0.0.0.0"`
	ReadTimeout  int    `env:"READ_TIMEOUT,default=30"`  // seconds
	WriteTimeout int    `env:"WRITE_TIMEOUT,default=30"` // seconds

	// Peers allowed to set X-Forwarded-For, as IPs or CIDR blocks
	TrustedProxies []string `env:"TRUSTED_PROXIES,default=127.0.0.1/32,::1/128"`

	// Voucher requests allowed per phone number per day; 0 disables the limit
	PhoneDailyLimit int `env:"PHONE_DAILY_LIMIT,default=1"`
}

// DatabaseConfig holds storage configuration. Host through MinConns apply to
// PostgreSQL, Path applies to SQLite.
type DatabaseConfig struct {
	Driver      string `env:"DRIVER,default=postgres"`
	Host        string `env:"HOST,default=localhost"`
	Port        string `env:"PORT,default=5432"`
	User        string `env:"USER,default=postgres"`
	Password    string `env:"PASSWORD,default=postgres"`
	Name        string `env:"NAME,default=voucher_system"`
	SSLMode     string `env:"SSL_MODE,default=disable"`
	MaxConns    int    `env:"MAX_CONNS,default=25"`
	MinConns    int    `env:"MIN_CONNS,default=5"`
	Path        string `env:"PATH,default=voucher.db"`
	AutoMigrate bool   `env:"AUTO_MIGRATE,default=true"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment     string `env:"ENVIRONMENT,default=development"`
	LogLevel        string `env:"LOG_LEVEL,default=info"`
	Debug           bool   `env:"DEBUG,default=false"`
	ReferenceSecret string `env:"REFERENCE_SECRET,default=change-me"`
}

// PoolConfig describes the voucher pools. Categories maps a category name to
// the code prefix classified into it at import time; Sources maps a request
// hint (campaign or channel tag) to a category.
type PoolConfig struct {
	Categories      map[string]string `env:"CATEGORIES,default=regular:ADS-"`
	Sources         map[string]string `env:"SOURCES,default=direct:regular"`
	DefaultCategory string            `env:"DEFAULT_CATEGORY,default=regular"`
	RequesterKey    string            `env:"REQUESTER_KEY,default=user_agent"`
	AllowRedownload bool              `env:"ALLOW_REDOWNLOAD,default=false"`
}

// AdminConfig holds admin API configuration
type AdminConfig struct {
	Token         string `env:"TOKEN"`
	RatePerMinute int    `env:"RATE_PER_MINUTE,default=30"`
}

// Load loads configuration from environment variables. A .env file in the
// working directory is applied first when present.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith loads configuration from the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	switch c.Pool.RequesterKey {
	case RequesterKeyUserAgent, RequesterKeyPhone, RequesterKeyDeviceToken:
	default:
		return fmt.Errorf("unsupported POOL_REQUESTER_KEY %q", c.Pool.RequesterKey)
	}

	for hint, category := range c.Pool.Sources {
		if _, ok := c.Pool.Categories[category]; !ok {
			return fmt.Errorf("POOL_SOURCES maps %q to unknown category %q", hint, category)
		}
	}

	for category, prefix := range c.Pool.Categories {
		if strings.TrimSpace(prefix) == "" {
			return fmt.Errorf("POOL_CATEGORIES has empty prefix for %q", category)
		}
	}

	return nil
}

// GetDatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetSQLiteDSN returns the SQLite connection string. Transactions start
// immediately so concurrent writers queue instead of failing on upgrade.
func (c *DatabaseConfig) GetSQLiteDSN() string {
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", c.Path)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}
