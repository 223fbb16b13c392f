package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/config"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/monitor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/notify"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/server"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/storage"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:        cfg.Logging.File.Enabled,
			Path:           cfg.Logging.File.Path,
			MaxLinesPerSec: cfg.Logging.File.MaxLinesPerSec,
		},
	}
}

func mapDatabaseConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	dc := cfg.Database
	driver := strings.ToLower(strings.TrimSpace(dc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	connectTO, err := parseDurationField("database.connect_timeout", dc.ConnectTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(dc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("database.dsn is required when database.driver=%s", driver)
		}
		return storage.Config{
			Driver:         driver,
			DSN:            dc.DSN,
			MinConns:       dc.MinConns,
			MaxConns:       dc.MaxConns,
			ConnectTimeout: connectTO,
		}, true, nil
	case "sqlite", "sqlite3":
		if strings.TrimSpace(dc.Path) == "" {
			return storage.Config{}, false, fmt.Errorf("database.path is required when database.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("database.busy_timeout", dc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: dc.Path, BusyTimeout: busy}, true, nil
	case "file":
		if strings.TrimSpace(dc.Path) == "" {
			return storage.Config{}, false, fmt.Errorf("database.path is required when database.driver=file")
		}
		return storage.Config{Driver: "file", Path: dc.Path}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown database.driver: %s", dc.Driver)
	}
}

// mapSchedulerConfig returns the dispatch config plus, for backend=nats,
// the remote transport config. Zero workers and empty durations fall back
// to the scheduler's own defaults.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, *scheduler.RemoteConfig, error) {
	sc := cfg.Scheduler

	defTimeout, err := parseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, nil, err
	}
	stuckAfter, err := parseDurationField("scheduler.stuck_after", sc.StuckAfter)
	if err != nil {
		return scheduler.Config{}, nil, err
	}
	overlapDelay, err := parseDurationField("scheduler.overlap_delay", sc.OverlapDelay)
	if err != nil {
		return scheduler.Config{}, nil, err
	}
	idleSlice, err := parseDurationField("scheduler.idle_slice", sc.IdleSlice)
	if err != nil {
		return scheduler.Config{}, nil, err
	}

	out := scheduler.Config{
		Workers:        sc.Workers,
		DefaultTimeout: defTimeout,
		StuckAfter:     stuckAfter,
		OverlapDelay:   overlapDelay,
		IdleSlice:      idleSlice,
	}

	switch backend := strings.ToLower(strings.TrimSpace(sc.Backend)); backend {
	case "", "local":
		return out, nil, nil
	case "nats":
		if sc.NATS == nil || strings.TrimSpace(sc.NATS.URL) == "" {
			return scheduler.Config{}, nil, fmt.Errorf("scheduler.nats.url is required when scheduler.backend=nats")
		}
		reqTO, err := parseDurationField("scheduler.nats.request_timeout", sc.NATS.RequestTimeout)
		if err != nil {
			return scheduler.Config{}, nil, err
		}
		return out, &scheduler.RemoteConfig{
			URL:            sc.NATS.URL,
			Subject:        sc.NATS.Subject,
			RequestTimeout: reqTO,
		}, nil
	default:
		return scheduler.Config{}, nil, fmt.Errorf("unknown scheduler.backend: %s", sc.Backend)
	}
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor

	timeout, err := parseDurationField("monitor.request_timeout", mc.RequestTimeout)
	if err != nil {
		return monitor.Config{}, err
	}
	retryDelay, err := parseDurationOrDefault("monitor.retry_delay", mc.RetryDelay, time.Second)
	if err != nil {
		return monitor.Config{}, err
	}

	perSec := mc.RatePerSec
	if perSec <= 0 {
		perSec = 10
	}
	burst := mc.Burst
	if burst <= 0 {
		burst = 20
	}

	return monitor.Config{
		Timeout:      timeout,
		RetryLimit:   mc.RetryLimit,
		RetryDelay:   retryDelay,
		MaxBodyBytes: mc.MaxBodyBytes,
		ChecksPerSec: perSec,
		Burst:        burst,
		UserAgent:    mc.UserAgent,
	}, nil
}

func mapAlertsConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Alerts == nil {
		return notify.Config{}, nil
	}
	ac := cfg.Alerts
	if ac.Enabled {
		if strings.TrimSpace(ac.Token) == "" {
			return notify.Config{}, fmt.Errorf("alerts.token is required when alerts.enabled=true")
		}
		if ac.ChatID == 0 {
			return notify.Config{}, fmt.Errorf("alerts.chat_id is required when alerts.enabled=true")
		}
	}

	cooldown, err := parseDurationOrDefault("alerts.cooldown", ac.Cooldown, 5*time.Minute)
	if err != nil {
		return notify.Config{}, err
	}
	perSec := ac.RatePerSec
	if perSec <= 0 {
		perSec = 1
	}

	return notify.Config{
		Enabled:    ac.Enabled,
		QueueSize:  ac.QueueSize,
		RatePerSec: perSec,
		Cooldown:   cooldown,
	}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	if cfg == nil || cfg.Server == nil {
		return server.Config{}, nil
	}
	sv := cfg.Server

	readTO, err := parseDurationField("server.read_timeout", sv.ReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	writeTO, err := parseDurationField("server.write_timeout", sv.WriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	idleTO, err := parseDurationField("server.idle_timeout", sv.IdleTimeout)
	if err != nil {
		return server.Config{}, err
	}

	return server.Config{
		Enabled:       sv.Enabled,
		Addr:          sv.Addr,
		Token:         sv.Token,
		AllowInsecure: sv.AllowInsecure,
		EnablePprof:   sv.EnablePprof,
		ReadTimeout:   readTO,
		WriteTimeout:  writeTO,
		IdleTimeout:   idleTO,
	}, nil
}

func mapRetentionConfig(cfg *config.Config) (storage.RetentionConfig, error) {
	if cfg == nil || cfg.Retention == nil || !cfg.Retention.Enabled {
		return storage.RetentionConfig{}, nil
	}
	rc := cfg.Retention

	if spec := strings.TrimSpace(rc.Schedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return storage.RetentionConfig{}, fmt.Errorf("retention.schedule: invalid %q: %w", spec, err)
		}
	}
	days := rc.KeepDays
	if days <= 0 {
		days = 30
	}
	return storage.RetentionConfig{
		Keep:     time.Duration(days) * 24 * time.Hour,
		Schedule: rc.Schedule,
	}, nil
}

// mapWebsite turns one configured site into a runnable check spec plus
// its per-run timeout (0 means the scheduler default applies).
func mapWebsite(w config.WebsiteConfig) (monitor.CheckSpec, time.Duration, error) {
	interval, err := parseDurationField("websites.interval", w.Interval)
	if err != nil {
		return monitor.CheckSpec{}, 0, err
	}
	spec := monitor.CheckSpec{URL: w.URL, Pattern: w.Pattern, Interval: interval}
	if err := spec.Validate(); err != nil {
		return monitor.CheckSpec{}, 0, fmt.Errorf("website %q: %w", w.URL, err)
	}
	timeout, err := parseDurationField("websites.timeout", w.Timeout)
	if err != nil {
		return monitor.CheckSpec{}, 0, err
	}
	return spec, timeout, nil
}
