package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "postgres": PostgreSQL via pgx (the production driver)
//   - "sqlite":   SQLite database file (optional build tag)
//   - "file":     dependency-free file backend (jsonl + snapshot)
//
// If Driver is empty or "none", storage is disabled and Open returns
// (nil, nil); callers keep running without persistence.
type Config struct {
	Driver string

	// Postgres.
	DSN      string
	MinConns int32
	MaxConns int32

	// ConnectTimeout bounds the initial dial, ping and schema apply.
	// 0 means 15s.
	ConnectTimeout time.Duration

	// File and sqlite.
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Target is a monitored website's stored configuration.
type Target struct {
	ID        int64
	URL       string
	Interval  time.Duration
	Pattern   string
	Active    bool
	CreatedAt time.Time
}

// CheckRecord is one check outcome as persisted. HTTPStatus and
// ResponseTimeMS are zero when no response ever arrived; RegexMatched is
// nil unless a pattern was evaluated. Details carries driver-opaque JSON
// (attempt counts, header excerpts) and may be empty.
type CheckRecord struct {
	ID             int64           `json:"id,omitempty"`
	WebsiteID      int64           `json:"website_id"`
	URL            string          `json:"url,omitempty"`
	Success        bool            `json:"success"`
	ResponseTimeMS float64         `json:"response_time_ms,omitempty"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	RegexMatched   *bool           `json:"regex_matched,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	ContentSize    int64           `json:"content_size_bytes,omitempty"`
	DNSLookupMS    float64         `json:"dns_lookup_time_ms,omitempty"`
	Details        json.RawMessage `json:"check_details,omitempty"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// nullStr maps empty strings to SQL NULL.
func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// nullInt maps 0 to SQL NULL; used for "no response" status codes.
func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// nullFloat maps 0 to SQL NULL; used for unmeasured response times.
func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

// nullJSON maps empty raw JSON to SQL NULL.
func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

// Store is the persistence API used by the monitor and the admin API.
//
// SaveTarget upserts by URL so restarts re-register the same sites
// without sprouting duplicate rows.
type Store interface {
	SaveTarget(ctx context.Context, t Target) (int64, error)
	Targets(ctx context.Context) ([]Target, error)
	DeactivateTarget(ctx context.Context, id int64) error

	SaveResult(ctx context.Context, r CheckRecord) (int64, error)

	// RecentResults returns the newest rows first. An empty url matches
	// every site; limit <= 0 falls back to a sane default.
	RecentResults(ctx context.Context, url string, limit int) ([]CheckRecord, error)

	// PruneBefore deletes results checked before cutoff and reports how
	// many rows went away.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
