package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Routing       RoutingConfig
	Auth          AuthConfig
	Analytics     AnalyticsConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration // zero disables the write deadline so long streams are not cut
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration // upper bound on a whole buffered request, 0 = none
	CORSOrigins     []string
}

// DatabaseConfig holds the optional PostgreSQL request-log store.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RoutingConfig holds the deployment catalog and dispatch settings
type RoutingConfig struct {
	ConfigPath     string        // YAML deployment list (LITELLM_CONFIG_PATH)
	WatchConfig    bool          // reload the catalog when the file changes
	DefaultAlias   string        // alias used when the request omits or mistypes the model
	DefaultTimeout time.Duration // per-attempt timeout when a deployment sets none
	MaxRetries     int           // HTTP-level retries within a single attempt
	RetryDelay     time.Duration
	InternalHosts  []string // host:port fragments identifying self-hosted Ollama
	Debug          bool          // log every routing plan (RAINYMODEL_DEBUG)
}

// AuthConfig holds the master key and SSO settings
type AuthConfig struct {
	MasterKey string

	SSOIssuer       string
	SSOClientID     string
	SSOClientSecret string
	SSOCallbackURL  string
	SSOJWKSURL      string // RS256 verification when set
	SSOSigningKey   string // HS256 verification when set
	SSOAudience     string
	CookieSecure    bool
	PostLoginURL    string
}

// AnalyticsConfig holds the in-memory analytics and request-log writer settings
type AnalyticsConfig struct {
	Capacity    int // max records kept in memory
	BufferSize  int
	WorkerCount int
	BatchSize   int // records per insert transaction
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 0),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 0),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: loadDatabaseConfig(),
		Routing: RoutingConfig{
			ConfigPath:     getEnv("LITELLM_CONFIG_PATH", "config/litellm_config.yaml"),
			WatchConfig:    getEnvAsBool("ROUTING_WATCH_CONFIG", true),
			DefaultAlias:   getEnv("RAINYMODEL_DEFAULT_ALIAS", "rainymodel/auto"),
			DefaultTimeout: getEnvAsDuration("ROUTING_DEFAULT_TIMEOUT", 120*time.Second),
			MaxRetries:     getEnvAsInt("ROUTING_MAX_RETRIES", 0),
			RetryDelay:     getEnvAsDuration("ROUTING_RETRY_DELAY", 500*time.Millisecond),
			InternalHosts: []string{
				getEnv("OLLAMA_PRIMARY_URL", "164.92.147.36:11434"),
				getEnv("OLLAMA_SECONDARY_URL", "178.128.196.3:11434"),
				getEnv("OLLAMA_BASE_URL", "localhost:11434"),
			},
			Debug: getEnvAsBool("RAINYMODEL_DEBUG", false),
		},
		Auth: AuthConfig{
			MasterKey:       getEnv("RAINYMODEL_MASTER_KEY", ""),
			SSOIssuer:       getEnv("SSO_ISSUER", "https://login.orcest.ai"),
			SSOClientID:     getEnv("SSO_CLIENT_ID", ""),
			SSOClientSecret: getEnv("SSO_CLIENT_SECRET", ""),
			SSOCallbackURL:  getEnv("SSO_CALLBACK_URL", "https://rm.orcest.ai/auth/callback"),
			SSOJWKSURL:      getEnv("SSO_JWKS_URL", ""),
			SSOSigningKey:   getEnv("SSO_SIGNING_KEY", ""),
			SSOAudience:     getEnv("SSO_AUDIENCE", ""),
			CookieSecure:    getEnvAsBool("SSO_COOKIE_SECURE", true),
			PostLoginURL:    getEnv("SSO_POST_LOGIN_URL", "/dashboard"),
		},
		Analytics: AnalyticsConfig{
			Capacity:    getEnvAsInt("ANALYTICS_CAPACITY", 10000),
			BufferSize:  getEnvAsInt("ANALYTICS_BUFFER_SIZE", 1000),
			WorkerCount: getEnvAsInt("ANALYTICS_WORKERS", 2),
			BatchSize:   getEnvAsInt("ANALYTICS_BATCH_SIZE", 25),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Routing.ConfigPath == "" {
		return fmt.Errorf("deployment config path is required")
	}
	if c.Routing.DefaultTimeout <= 0 {
		return fmt.Errorf("routing default timeout must be positive")
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("routing max retries must not be negative")
	}
	if !strings.HasPrefix(c.Routing.DefaultAlias, AliasPrefix) {
		return fmt.Errorf("default alias must start with %q", AliasPrefix)
	}

	// Database is optional; when individual fields are used they must be complete
	if c.Database.Enabled() && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	// SSO login needs a client; bearer verification needs a key source
	if c.Auth.SSOClientID != "" && c.Auth.SSOClientSecret == "" {
		return fmt.Errorf("sso client secret is required when SSO_CLIENT_ID is set")
	}

	// An open proxy is only acceptable outside production
	if c.IsProduction() && c.Auth.MasterKey == "" && !c.Auth.SSOEnabled() {
		return fmt.Errorf("RAINYMODEL_MASTER_KEY or SSO verification is required in production")
	}

	if c.Analytics.Capacity <= 0 {
		return fmt.Errorf("analytics capacity must be positive")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// SSOEnabled reports whether bearer tokens can be verified as SSO JWTs
func (a *AuthConfig) SSOEnabled() bool {
	return a.SSOJWKSURL != "" || a.SSOSigningKey != ""
}

// LoginEnabled reports whether the browser OAuth flow is configured
func (a *AuthConfig) LoginEnabled() bool {
	return a.SSOClientID != "" && a.SSOIssuer != ""
}

// Enabled reports whether the request-log store is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.ConnectionString != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars.
// Neither set means the request log stays in memory only.
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", ""),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "rainymodel"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
