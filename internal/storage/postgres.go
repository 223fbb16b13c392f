package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pcfg.MinConns = cfg.MinConns
	if pcfg.MinConns <= 0 {
		pcfg.MinConns = 1
	}
	pcfg.MaxConns = cfg.MaxConns
	if pcfg.MaxConns <= 0 {
		pcfg.MaxConns = 20
	}

	connectTO := cfg.ConnectTimeout
	if connectTO <= 0 {
		connectTO = 15 * time.Second
	}
	pcfg.ConnConfig.ConnectTimeout = connectTO

	ctx, cancel := context.WithTimeout(context.Background(), connectTO)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	st.log.Info("storage ready",
		logx.String("driver", "postgres"),
		logx.Int("max_conns", int(pcfg.MaxConns)),
	)
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	return s.pool.Ping(ctx)
}

func (s *postgresStore) SaveTarget(ctx context.Context, t Target) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrDisabled
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO website_configs (url, check_interval_seconds, regex_pattern, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (url) DO UPDATE SET
			check_interval_seconds = EXCLUDED.check_interval_seconds,
			regex_pattern = EXCLUDED.regex_pattern,
			is_active = TRUE
		RETURNING id`,
		t.URL, int64(t.Interval/time.Second), nullStr(t.Pattern),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save target: %w", err)
	}
	return id, nil
}

func (s *postgresStore) Targets(ctx context.Context) ([]Target, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, url, check_interval_seconds, COALESCE(regex_pattern, ''), is_active, created_at
		FROM website_configs
		WHERE is_active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		var secs int64
		if err := rows.Scan(&t.ID, &t.URL, &secs, &t.Pattern, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.Interval = time.Duration(secs) * time.Second
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeactivateTarget is idempotent: deactivating an unknown or already
// inactive target is not an error.
func (s *postgresStore) DeactivateTarget(ctx context.Context, id int64) error {
	if s == nil || s.pool == nil {
		return ErrDisabled
	}
	_, err := s.pool.Exec(ctx, `UPDATE website_configs SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate target: %w", err)
	}
	return nil
}

func (s *postgresStore) SaveResult(ctx context.Context, r CheckRecord) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrDisabled
	}
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO monitoring_results (
			website_id, success, response_time_ms, http_status, regex_matched,
			failure_reason, content_size_bytes, dns_lookup_time_ms, check_details, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		r.WebsiteID, r.Success, nullFloat(r.ResponseTimeMS), nullInt(r.HTTPStatus), r.RegexMatched,
		nullStr(r.FailureReason), r.ContentSize, nullFloat(r.DNSLookupMS), nullJSON(r.Details), r.CheckedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save result: %w", err)
	}
	return id, nil
}

func (s *postgresStore) RecentResults(ctx context.Context, url string, limit int) ([]CheckRecord, error) {
	if s == nil || s.pool == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT mr.id, mr.website_id, wc.url, mr.success,
		       COALESCE(mr.response_time_ms, 0), COALESCE(mr.http_status, 0),
		       mr.regex_matched, COALESCE(mr.failure_reason, ''),
		       COALESCE(mr.content_size_bytes, 0), COALESCE(mr.dns_lookup_time_ms, 0),
		       mr.check_details, mr.checked_at
		FROM monitoring_results mr
		JOIN website_configs wc ON wc.id = mr.website_id
		WHERE $1 = '' OR wc.url = $1
		ORDER BY mr.checked_at DESC
		LIMIT $2`, url, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var (
			r       CheckRecord
			details []byte
		)
		if err := rows.Scan(
			&r.ID, &r.WebsiteID, &r.URL, &r.Success,
			&r.ResponseTimeMS, &r.HTTPStatus,
			&r.RegexMatched, &r.FailureReason,
			&r.ContentSize, &r.DNSLookupMS,
			&details, &r.CheckedAt,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Details = details
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrDisabled
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM monitoring_results WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	return tag.RowsAffected(), nil
}
