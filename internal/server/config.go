// Package server exposes the coordinator over HTTP and WebSocket.
package server

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/EscoLessgo/TypeNTalk-sub000/internal/dispatch"
	"github.com/EscoLessgo/TypeNTalk-sub000/internal/lifecycle"
)

// Config holds server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string
	LogLevel   string

	// Storage
	DataDir      string
	DatabasePath string

	// Device-control API
	DeviceToken     string
	DeviceEndpoints []string
	DeviceTimeout   time.Duration

	// Pacing
	GovernorCooldown time.Duration
	CoalesceCooldown time.Duration

	// Session lifecycle
	VacancyTimeout  time.Duration
	ReuseWindow     time.Duration
	SweepInterval   time.Duration
	OrphanAge       time.Duration
	ManualOrphanAge time.Duration

	// Security
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Operator authentication
	AdminPasswordHash string // bcrypt hash; empty disables operator routes
	AdminTOTPSecret   string // optional second factor

	// Rate limiting
	RateLimitRequests int           // max attempts
	RateLimitWindow   time.Duration // time window
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("TYPENTALK_DATA_DIR", "/data")

	cfg := &Config{
		ListenAddr:        getEnv("TYPENTALK_LISTEN", ":8080"),
		LogLevel:          getEnv("TYPENTALK_LOG_LEVEL", "info"),
		DataDir:           dataDir,
		DatabasePath:      getEnv("TYPENTALK_DB_PATH", dataDir+"/typentalk.db"),
		DeviceToken:       os.Getenv("TYPENTALK_DEVICE_TOKEN"),
		DeviceEndpoints:   parseList("TYPENTALK_DEVICE_ENDPOINTS", dispatch.DefaultEndpoints),
		DeviceTimeout:     parseDuration("TYPENTALK_DEVICE_TIMEOUT", 8*time.Second),
		GovernorCooldown:  parseDuration("TYPENTALK_GOVERNOR_COOLDOWN", dispatch.DefaultGovernorCooldown),
		CoalesceCooldown:  parseDuration("TYPENTALK_COALESCE_COOLDOWN", dispatch.DefaultCoalesceCooldown),
		VacancyTimeout:    parseDuration("TYPENTALK_VACANCY_TIMEOUT", lifecycle.DefaultVacancyTimeout),
		ReuseWindow:       parseDuration("TYPENTALK_REUSE_WINDOW", lifecycle.DefaultReuseWindow),
		SweepInterval:     parseDuration("TYPENTALK_SWEEP_INTERVAL", lifecycle.DefaultSweepInterval),
		OrphanAge:         parseDuration("TYPENTALK_ORPHAN_AGE", lifecycle.DefaultOrphanAge),
		ManualOrphanAge:   parseDuration("TYPENTALK_MANUAL_ORPHAN_AGE", lifecycle.DefaultManualOrphanAge),
		AllowedOrigins:    parseList("TYPENTALK_ALLOWED_ORIGINS", nil),
		AdminPasswordHash: os.Getenv("TYPENTALK_ADMIN_PASSWORD_HASH"),
		AdminTOTPSecret:   os.Getenv("TYPENTALK_ADMIN_TOTP_SECRET"), // optional
		RateLimitRequests: parseInt("TYPENTALK_RATE_LIMIT", 5),
		RateLimitWindow:   parseDuration("TYPENTALK_RATE_WINDOW", 1*time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.DeviceToken == "" {
		errs = append(errs, "TYPENTALK_DEVICE_TOKEN is required")
	}
	if len(c.DeviceEndpoints) == 0 {
		errs = append(errs, "TYPENTALK_DEVICE_ENDPOINTS must list at least one endpoint")
	}
	if c.GovernorCooldown <= 0 || c.CoalesceCooldown <= 0 {
		errs = append(errs, "cooldowns must be positive")
	}
	if c.VacancyTimeout <= 0 || c.SweepInterval <= 0 {
		errs = append(errs, "TYPENTALK_VACANCY_TIMEOUT and TYPENTALK_SWEEP_INTERVAL must be positive")
	}
	if c.AdminTOTPSecret != "" && c.AdminPasswordHash == "" {
		errs = append(errs, "TYPENTALK_ADMIN_TOTP_SECRET requires TYPENTALK_ADMIN_PASSWORD_HASH")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasAdmin returns true if operator routes are enabled.
func (c *Config) HasAdmin() bool {
	return c.AdminPasswordHash != ""
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.AdminTOTPSecret != ""
}

// Lifecycle returns the session lifecycle timings.
func (c *Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		VacancyTimeout: c.VacancyTimeout,
		ReuseWindow:    c.ReuseWindow,
		SweepInterval:  c.SweepInterval,
		OrphanAge:      c.OrphanAge,
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseList(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
