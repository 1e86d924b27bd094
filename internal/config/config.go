package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Exit codes returned by the process on startup failure.
const (
	ExitOK           = 0
	ExitConfigError  = 1
	ExitMigrateError = 2
	ExitStorageError = 3
)

// Config holds the application configuration. All values come from the
// environment; required variables without a value abort startup with
// ExitConfigError naming the missing variable.
type Config struct {
	// Location of the state database file (or a postgres DSN)
	DBPath string

	// HMAC key for session cookies, at least 32 bytes
	SecretKey []byte

	// Listening socket
	BindAddr string
	BindPort int

	// Per-request and per-upstream deadlines
	APIDeadline     time.Duration
	BackendDeadline time.Duration

	// Request limits
	MaxBodyBytes         int64
	MaxRecordsPerRequest int

	// Rate-limit buckets per source IP
	RateLimitPerMin  int
	RateLimitPerHour int

	// Session policy
	SessionIdle     time.Duration
	SessionAbsolute time.Duration
	CookieSecure    string // auto | true | false

	// Login lockout policy
	LockoutFails    int
	LockoutWindow   time.Duration
	LockoutDuration time.Duration

	// Password/token hash cost, >= 12
	BcryptCost int

	// Seed credentials for the default admin
	AdminUsername string
	AdminPassword string

	// Seed a sample backend service, domain root and read-only token
	SeedSampleData bool

	// SMTP notification transport; Host empty disables notifications
	SMTP SMTPConfig

	// Per-provider enable toggles keyed by provider code
	ProviderEnabled map[string]bool

	// Enable debug logging
	Debug bool
}

// SMTPConfig holds the notification transport settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Delay inserted between queued messages to smooth bursts
	SendDelay time.Duration
}

// Enabled reports whether notification delivery is configured.
func (s SMTPConfig) Enabled() bool { return s.Host != "" }

// Addr returns the SMTP server address in host:port form.
func (s SMTPConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// ListenAddr returns the listening address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort)
}

// Load reads configuration from environment variables. Required variables
// must be present; the error names the first missing one.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:               os.Getenv("DB_PATH"),
		BindAddr:             getEnv("BIND_ADDR", "127.0.0.1"),
		BindPort:             getEnvInt("BIND_PORT", 8080),
		APIDeadline:          getEnvMillis("DEADLINE_MS_API", 10*time.Second),
		BackendDeadline:      getEnvMillis("DEADLINE_MS_BACKEND", 8*time.Second),
		MaxBodyBytes:         int64(getEnvInt("MAX_BODY_BYTES", 65536)),
		MaxRecordsPerRequest: getEnvInt("MAX_RECORDS_PER_REQUEST", 50),
		RateLimitPerMin:      getEnvInt("RATE_LIMIT_PER_MIN", 50),
		RateLimitPerHour:     getEnvInt("RATE_LIMIT_PER_HOUR", 600),
		SessionIdle:          getEnvSeconds("SESSION_IDLE_SEC", 30*time.Minute),
		SessionAbsolute:      getEnvSeconds("SESSION_ABSOLUTE_SEC", 12*time.Hour),
		CookieSecure:         getEnv("COOKIE_SECURE", "auto"),
		LockoutFails:         getEnvInt("LOGIN_LOCKOUT_FAILS", 5),
		LockoutWindow:        getEnvSeconds("LOGIN_LOCKOUT_WINDOW_SEC", 15*time.Minute),
		LockoutDuration:      getEnvSeconds("LOGIN_LOCKOUT_DURATION_SEC", 15*time.Minute),
		BcryptCost:           getEnvInt("BCRYPT_COST", 12),
		AdminUsername:        getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:        os.Getenv("ADMIN_PASSWORD"),
		SeedSampleData:       getEnvBool("SEED_SAMPLE_DATA", false),
		Debug:                getEnvBool("DEBUG", false),
		SMTP: SMTPConfig{
			Host:      os.Getenv("SMTP_HOST"),
			Port:      getEnvInt("SMTP_PORT", 587),
			Username:  os.Getenv("SMTP_USERNAME"),
			Password:  os.Getenv("SMTP_PASSWORD"),
			From:      os.Getenv("SMTP_FROM"),
			SendDelay: getEnvMillis("SMTP_SEND_DELAY_MS", 200*time.Millisecond),
		},
		ProviderEnabled: map[string]bool{
			"netcup":   getEnvBool("PROVIDER_NETCUP_ENABLED", true),
			"powerdns": getEnvBool("PROVIDER_POWERDNS_ENABLED", true),
		},
	}

	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}

	secret := os.Getenv("SECRET_KEY")
	if secret == "" {
		return nil, fmt.Errorf("SECRET_KEY is required")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("SECRET_KEY must be at least 32 bytes, got %d", len(secret))
	}
	cfg.SecretKey = []byte(secret)

	if cfg.BcryptCost < 12 {
		return nil, fmt.Errorf("BCRYPT_COST must be at least 12, got %d", cfg.BcryptCost)
	}

	switch cfg.CookieSecure {
	case "auto", "true", "false":
	default:
		return nil, fmt.Errorf("COOKIE_SECURE must be auto, true or false, got %q", cfg.CookieSecure)
	}

	if cfg.SMTP.Enabled() && cfg.SMTP.From == "" {
		return nil, fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if sec, err := strconv.Atoi(value); err == nil {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultValue
}
