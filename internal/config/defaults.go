package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/robfig/cron/v3"
)

// Environment variables that override file values. Names match the
// deployment scripts of the service.
const (
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvAdminPassword = "ADMIN_PASSWORD"
	EnvDatabasePath  = "DATABASE_PATH"
	EnvDatabaseDSN   = "DATABASE_DSN"
)

const (
	DefaultHTTPAddr         = ":8000"
	DefaultUploadsDir       = "uploads"
	DefaultStaticDir        = "static"
	DefaultDatabasePath     = "defects.db"
	DefaultAdminPassword    = "admin123"
	DefaultAdminToken       = "admin_secret_key"
	DefaultOptimizeSchedule = "@daily"
)

// Default returns the config used when no file exists.
func Default() *Config {
	return &Config{
		HTTP:    HTTPConfig{Addr: DefaultHTTPAddr},
		Storage: StorageConfig{Driver: "sqlite", Path: DefaultDatabasePath},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// ApplyEnv overlays environment variables on cfg.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil {
		return
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := getenv(EnvAdminPassword); v != "" {
		cfg.Admin.Password = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabasePath)); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabaseDSN)); v != "" {
		cfg.Storage.DSN = v
	}
}

// Normalize fills defaults in place.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(cfg.HTTP.UploadsDir) == "" {
		cfg.HTTP.UploadsDir = DefaultUploadsDir
	}
	if strings.TrimSpace(cfg.HTTP.StaticDir) == "" {
		cfg.HTTP.StaticDir = DefaultStaticDir
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Driver == "sqlite" && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultDatabasePath
	}
	if cfg.Admin.Password == "" {
		cfg.Admin.Password = DefaultAdminPassword
	}
	if cfg.Admin.Token == "" {
		cfg.Admin.Token = DefaultAdminToken
	}
	if cfg.Maintenance.OptimizeSchedule == nil {
		s := DefaultOptimizeSchedule
		cfg.Maintenance.OptimizeSchedule = &s
	}
}

// Validate rejects configs that would fail at startup. Used on load and before hot reload commits.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	for path, raw := range map[string]string{
		"telegram.request_timeout": cfg.Telegram.RequestTimeout,
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"http.read_timeout":        cfg.HTTP.ReadTimeout,
		"http.write_timeout":       cfg.HTTP.WriteTimeout,
		"http.idle_timeout":        cfg.HTTP.IdleTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if cfg.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	if cfg.Telegram.HistorySize < 0 {
		return fmt.Errorf("telegram.history_size must be >= 0")
	}
	if cfg.HTTP.MaxUpload < 0 {
		return fmt.Errorf("http.max_upload_bytes must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	if s := cfg.Maintenance.OptimizeSchedule; s != nil && strings.TrimSpace(*s) != "" {
		if _, err := cron.ParseStandard(strings.TrimSpace(*s)); err != nil {
			return fmt.Errorf("maintenance.optimize_schedule: %w", err)
		}
	}
	return nil
}
