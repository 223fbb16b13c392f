package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// RetentionConfig controls periodic pruning of old results.
type RetentionConfig struct {
	// Keep is how long results are retained. Zero disables pruning.
	Keep time.Duration

	// Schedule is a standard 5-field cron expression for when pruning
	// runs. Empty means daily at 03:00.
	Schedule string
}

// Retention prunes monitoring results past their retention window on a
// cron schedule.
type Retention struct {
	store Store
	log   logx.Logger
	keep  time.Duration
	c     *cron.Cron
}

// StartRetention begins scheduled pruning. It returns (nil, nil) when
// pruning is disabled or there is no store to prune.
func StartRetention(st Store, cfg RetentionConfig, log logx.Logger) (*Retention, error) {
	if st == nil || cfg.Keep <= 0 {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	spec := strings.TrimSpace(cfg.Schedule)
	if spec == "" {
		spec = "0 3 * * *"
	}

	r := &Retention{store: st, log: log, keep: cfg.Keep}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r.c = cron.New(cron.WithParser(parser))
	if _, err := r.c.AddFunc(spec, r.prune); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", spec, err)
	}
	r.c.Start()
	log.Info("retention started",
		logx.String("schedule", spec),
		logx.Duration("keep", cfg.Keep),
	)
	return r, nil
}

func (r *Retention) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.keep)
	n, err := r.store.PruneBefore(ctx, cutoff)
	if err != nil {
		r.log.Warn("retention prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		r.log.Info("retention pruned results",
			logx.Int64("rows", n),
			logx.Time("cutoff", cutoff),
		)
	}
}

// Stop halts scheduled pruning, waiting for an in-flight prune to finish
// or the context to expire.
func (r *Retention) Stop(ctx context.Context) {
	if r == nil || r.c == nil {
		return
	}
	select {
	case <-r.c.Stop().Done():
	case <-ctx.Done():
	}
}
