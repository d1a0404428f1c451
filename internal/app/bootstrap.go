package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"defectbot/internal/config"
	"defectbot/internal/httpapi"
	"defectbot/internal/maintenance"
	"defectbot/internal/storage"
	"defectbot/internal/transport/telegram"
	logx "defectbot/pkg/logx"
)

// Mapping from the on-disk config to component configs. Every mapper is also
// used by the reload validator, so a bad duration never reaches a component.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	reqTimeout, err := config.ParseDurationOrDefault("telegram.request_timeout", tc.RequestTimeout, 15*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          strings.TrimSpace(tc.Token),
		APIURL:         tc.APIURL,
		RequestTimeout: reqTimeout,
		RatePerSec:     tc.RatePerSec,
		MediaRoot:      mediaRoot(cfg),
		PollTimeout:    pollTimeout,
	}, nil
}

// mediaRoot is where "/uploads/<name>" references resolve: the configured
// root, else the directory holding the uploads dir.
func mediaRoot(cfg *config.Config) string {
	if r := strings.TrimSpace(cfg.Telegram.MediaRoot); r != "" {
		return r
	}
	up := filepath.Clean(strings.TrimSpace(cfg.HTTP.UploadsDir))
	if filepath.Base(up) == "uploads" {
		return filepath.Dir(up)
	}
	return "."
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// 0 leaves writes unbounded.
	write, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:          hc.Addr,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
		UploadsDir:    hc.UploadsDir,
		StaticDir:     hc.StaticDir,
		MaxUpload:     hc.MaxUpload,
		AdminPassword: cfg.Admin.Password,
		AdminToken:    cfg.Admin.Token,
		Pprof:         hc.Pprof,
	}, nil
}

func mapMaintenanceConfig(cfg *config.Config) maintenance.Config {
	mc := maintenance.Config{}
	if s := cfg.Maintenance.OptimizeSchedule; s != nil {
		mc.Schedule = strings.TrimSpace(*s)
	}
	return mc
}

// validate is installed as the reload validator.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
