package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()

	r, err := StartRetention(nil, RetentionConfig{Keep: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("StartRetention(nil store) error = %v", err)
	}
	if r != nil {
		t.Fatal("StartRetention(nil store) = running pruner, want nil")
	}

	st := openFileStore(t, filepath.Join(t.TempDir(), "mon.db"))
	r, err = StartRetention(st, RetentionConfig{}, logx.Nop())
	if err != nil {
		t.Fatalf("StartRetention(zero keep) error = %v", err)
	}
	if r != nil {
		t.Fatal("StartRetention(zero keep) = running pruner, want nil")
	}
}

func TestRetentionBadSchedule(t *testing.T) {
	t.Parallel()

	st := openFileStore(t, filepath.Join(t.TempDir(), "mon.db"))
	_, err := StartRetention(st, RetentionConfig{Keep: time.Hour, Schedule: "not a cron spec"}, logx.Nop())
	if err == nil {
		t.Fatal("StartRetention(bad schedule) error = nil, want error")
	}
}

func TestRetentionStartStop(t *testing.T) {
	t.Parallel()

	st := openFileStore(t, filepath.Join(t.TempDir(), "mon.db"))
	r, err := StartRetention(st, RetentionConfig{Keep: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("StartRetention() error = %v", err)
	}
	if r == nil {
		t.Fatal("StartRetention() = nil, want running pruner")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	r.Stop(ctx)
}
