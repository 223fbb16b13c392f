//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

//go:embed schema_sqlite.sql
var sqliteSchemaFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("storage ready",
		logx.String("driver", "sqlite"),
		logx.String("path", cfg.Path),
	)
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteSchemaFS.ReadFile("schema_sqlite.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) SaveTarget(ctx context.Context, t Target) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO website_configs(url, check_interval_seconds, regex_pattern, is_active, created_at)
		VALUES(?, ?, ?, 1, ?)
		ON CONFLICT(url) DO UPDATE SET
			check_interval_seconds = excluded.check_interval_seconds,
			regex_pattern = excluded.regex_pattern,
			is_active = 1
		RETURNING id`,
		t.URL, int64(t.Interval/time.Second), nullStr(t.Pattern),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save target: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) Targets(ctx context.Context) ([]Target, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, check_interval_seconds, COALESCE(regex_pattern, ''), is_active, created_at
		FROM website_configs
		WHERE is_active = 1
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var (
			t       Target
			secs    int64
			created string
		)
		if err := rows.Scan(&t.ID, &t.URL, &secs, &t.Pattern, &t.Active, &created); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.Interval = time.Duration(secs) * time.Second
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeactivateTarget(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `UPDATE website_configs SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate target: %w", err)
	}
	return nil
}

func (s *sqliteStore) SaveResult(ctx context.Context, r CheckRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO monitoring_results(
			website_id, success, response_time_ms, http_status, regex_matched,
			failure_reason, content_size_bytes, dns_lookup_time_ms, check_details, checked_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)
		RETURNING id`,
		r.WebsiteID, r.Success, nullFloat(r.ResponseTimeMS), nullInt(r.HTTPStatus), r.RegexMatched,
		nullStr(r.FailureReason), r.ContentSize, nullFloat(r.DNSLookupMS), nullJSON(r.Details),
		r.CheckedAt.UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save result: %w", err)
	}
	return id, nil
}

func (s *sqliteStore) RecentResults(ctx context.Context, url string, limit int) ([]CheckRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT mr.id, mr.website_id, wc.url, mr.success,
		       COALESCE(mr.response_time_ms, 0), COALESCE(mr.http_status, 0),
		       mr.regex_matched, COALESCE(mr.failure_reason, ''),
		       COALESCE(mr.content_size_bytes, 0), COALESCE(mr.dns_lookup_time_ms, 0),
		       mr.check_details, mr.checked_at
		FROM monitoring_results mr
		JOIN website_configs wc ON wc.id = mr.website_id
		WHERE ? = '' OR wc.url = ?
		ORDER BY mr.checked_at DESC
		LIMIT ?`, url, url, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var (
			r       CheckRecord
			details []byte
			ms      int64
		)
		if err := rows.Scan(
			&r.ID, &r.WebsiteID, &r.URL, &r.Success,
			&r.ResponseTimeMS, &r.HTTPStatus,
			&r.RegexMatched, &r.FailureReason,
			&r.ContentSize, &r.DNSLookupMS,
			&details, &ms,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Details = details
		r.CheckedAt = time.UnixMilli(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM monitoring_results WHERE checked_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
