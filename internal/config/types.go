package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Monitor   MonitorConfig   `json:"monitor"`

	// Websites is the monitored set. Changes here are applied live on
	// reload (tasks added/removed without a restart).
	Websites []WebsiteConfig `json:"websites"`

	Alerts    *AlertsConfig    `json:"alerts,omitempty"`
	Server    *ServerConfig    `json:"server,omitempty"`
	Retention *RetentionConfig `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// MaxLinesPerSec caps sub-warning lines reaching the file sink.
	// 0 disables the guard.
	MaxLinesPerSec int `json:"max_lines_per_sec,omitempty"`
}

// DatabaseConfig controls the results store.
//
// Drivers: "postgres" (default), "sqlite", "file", "" / "disabled".
//
// Example:
//
//	"database": { "driver": "postgres", "dsn": "postgres://hc:hc@localhost:5432/healthcheck" }
type DatabaseConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn,omitempty"`

	// Path is used by the sqlite and file drivers.
	Path string `json:"path,omitempty"`

	// Pool sizing (postgres). Zero means the defaults (1 and 20, matching
	// the deployment this replaced).
	MinConns int32 `json:"min_conns,omitempty"`
	MaxConns int32 `json:"max_conns,omitempty"`

	// ConnectTimeout is a Go duration string (e.g. "5s").
	ConnectTimeout string `json:"connect_timeout,omitempty"`

	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the periodic scheduler and its executor.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - default_timeout: "5m"
//   - stuck_after: "5m"
//   - overlap_delay: "1s"
//   - idle_slice: "5s"
//   - backend: "local"
type SchedulerConfig struct {
	Workers int `json:"workers,omitempty"`

	// DefaultTimeout bounds a single execution when the task has no
	// timeout of its own.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	// StuckAfter force-removes a task whose execution started longer ago
	// than this and never came back.
	StuckAfter string `json:"stuck_after,omitempty"`

	OverlapDelay string `json:"overlap_delay,omitempty"`
	IdleSlice    string `json:"idle_slice,omitempty"`

	// Backend selects the executor: "local" or "nats".
	Backend string      `json:"backend,omitempty"`
	NATS    *NATSConfig `json:"nats,omitempty"`
}

// NATSConfig configures the remote executor transport.
type NATSConfig struct {
	URL     string `json:"url"`
	Subject string `json:"subject,omitempty"` // default: "healthcheck.jobs"
	// RequestTimeout caps a single remote submission independent of the
	// task timeout. Empty means the task timeout applies alone.
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// MonitorConfig controls how website checks are performed.
type MonitorConfig struct {
	UserAgent string `json:"user_agent,omitempty"`

	// RequestTimeout bounds one HTTP attempt (default "10s").
	RequestTimeout string `json:"request_timeout,omitempty"`

	// RetryLimit is the number of attempts per check (default 3).
	RetryLimit int    `json:"retry_limit,omitempty"`
	RetryDelay string `json:"retry_delay,omitempty"` // default "1s"

	// Outbound politeness across all checks.
	RatePerSec float64 `json:"rate_per_sec,omitempty"` // default 10
	Burst      int     `json:"burst,omitempty"`        // default 20

	// MaxBodyBytes caps how much of a response body is read for the
	// regex match (default 1 MiB).
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// WebsiteConfig is one monitored target.
//
// Interval must be between 5s and 5m (bounds carried over from the
// deployment this replaced). Pattern, when set, must compile as a regular
// expression and is matched against the response body.
type WebsiteConfig struct {
	URL      string `json:"url"`
	Pattern  string `json:"pattern,omitempty"`
	Interval string `json:"interval"`
	Timeout  string `json:"timeout,omitempty"`
}

// AlertsConfig controls the Telegram alert pipeline.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`

	RatePerSec int    `json:"rate_per_sec,omitempty"` // default 1
	Cooldown   string `json:"cooldown,omitempty"`     // per-key dedup window, default "5m"
	QueueSize  int    `json:"queue_size,omitempty"`   // default 256
}

// ServerConfig controls the admin/metrics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - Token, when set, is required as a bearer token on /api routes.
type ServerConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Token       string `json:"token,omitempty"`
	EnablePprof bool   `json:"enable_pprof,omitempty"`

	// AllowInsecure permits a non-loopback bind without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RetentionConfig controls pruning of old monitoring results.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a standard 5-field cron expression (default "0 3 * * *").
	Schedule string `json:"schedule,omitempty"`
	KeepDays int    `json:"keep_days,omitempty"` // default 30
}
