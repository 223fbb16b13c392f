package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/config"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/monitor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// testApp builds an App with a real scheduler and checker but no storage,
// alerts or admin server, which is all the site plumbing needs.
func testApp(t *testing.T) *App {
	t.Helper()
	bus := eventbus.New()
	a := &App{
		log:   logx.Nop(),
		bus:   bus,
		sched: scheduler.New(scheduler.Config{}, nil, logx.Nop(), bus),
		sites: map[string]siteState{},
	}
	a.checker.Store(monitor.NewChecker(monitor.Config{Timeout: 2 * time.Second, RetryLimit: 1}, logx.Nop()))
	return a
}

func testFullConfig() *config.Config {
	return &config.Config{
		Logging:  config.LoggingConfig{Level: "INFO", Console: true},
		Database: config.DatabaseConfig{Driver: "none"},
		Websites: []config.WebsiteConfig{
			{URL: "https://example.com", Interval: "30s"},
		},
	}
}

func TestMapDatabaseConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		in          config.DatabaseConfig
		wantEnabled bool
		wantErr     bool
	}{
		{name: "empty disables", in: config.DatabaseConfig{}},
		{name: "none disables", in: config.DatabaseConfig{Driver: "none"}},
		{name: "postgres needs dsn", in: config.DatabaseConfig{Driver: "postgres"}, wantErr: true},
		{name: "postgres", in: config.DatabaseConfig{Driver: "Postgres", DSN: "postgres://hc@localhost/hc"}, wantEnabled: true},
		{name: "sqlite needs path", in: config.DatabaseConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite", in: config.DatabaseConfig{Driver: "sqlite", Path: "/var/lib/hc/mon.db"}, wantEnabled: true},
		{name: "file needs path", in: config.DatabaseConfig{Driver: "file"}, wantErr: true},
		{name: "file", in: config.DatabaseConfig{Driver: "file", Path: "/var/lib/hc/mon.jsonl"}, wantEnabled: true},
		{name: "unknown driver", in: config.DatabaseConfig{Driver: "mysql"}, wantErr: true},
		{name: "bad connect timeout", in: config.DatabaseConfig{Driver: "postgres", DSN: "x", ConnectTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, enabled, err := mapDatabaseConfig(&config.Config{Database: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enabled != tt.wantEnabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.wantEnabled)
			}
		})
	}
}

func TestMapDatabaseConfigCarriesPostgresSettings(t *testing.T) {
	t.Parallel()
	out, enabled, err := mapDatabaseConfig(&config.Config{Database: config.DatabaseConfig{
		Driver: "postgres", DSN: "postgres://hc@localhost/hc",
		MinConns: 2, MaxConns: 10, ConnectTimeout: "3s",
	}})
	if err != nil || !enabled {
		t.Fatalf("mapDatabaseConfig: enabled = %v, err = %v", enabled, err)
	}
	if out.Driver != "postgres" || out.MinConns != 2 || out.MaxConns != 10 {
		t.Fatalf("pool settings lost: %+v", out)
	}
	if out.ConnectTimeout != 3*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 3s", out.ConnectTimeout)
	}
}

func TestMapDatabaseConfigSQLiteBusyDefault(t *testing.T) {
	t.Parallel()
	out, _, err := mapDatabaseConfig(&config.Config{Database: config.DatabaseConfig{
		Driver: "sqlite", Path: "/var/lib/hc/mon.db",
	}})
	if err != nil {
		t.Fatalf("mapDatabaseConfig: %v", err)
	}
	if out.BusyTimeout != time.Second {
		t.Fatalf("BusyTimeout = %v, want 1s default", out.BusyTimeout)
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	// Local is the default backend.
	out, remote, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Workers: 4, DefaultTimeout: "90s", StuckAfter: "10m",
	}})
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if remote != nil {
		t.Fatal("remote config returned for the local backend")
	}
	if out.Workers != 4 || out.DefaultTimeout != 90*time.Second || out.StuckAfter != 10*time.Minute {
		t.Fatalf("settings lost: %+v", out)
	}

	// nats needs a url.
	if _, _, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Backend: "nats"}}); err == nil {
		t.Fatal("backend=nats without url accepted")
	}

	// nats carries the transport settings through.
	_, remote, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{
		Backend: "nats",
		NATS:    &config.NATSConfig{URL: "nats://localhost:4222", Subject: "checks", RequestTimeout: "2s"},
	}})
	if err != nil {
		t.Fatalf("mapSchedulerConfig(nats): %v", err)
	}
	if remote == nil || remote.URL != "nats://localhost:4222" || remote.Subject != "checks" || remote.RequestTimeout != 2*time.Second {
		t.Fatalf("remote = %+v", remote)
	}

	if _, _, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Backend: "redis"}}); err == nil {
		t.Fatal("unknown backend accepted")
	}
}

func TestMapMonitorConfig(t *testing.T) {
	t.Parallel()

	out, err := mapMonitorConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapMonitorConfig: %v", err)
	}
	if out.ChecksPerSec != 10 || out.Burst != 20 || out.RetryDelay != time.Second {
		t.Fatalf("defaults = %+v, want rate 10 burst 20 delay 1s", out)
	}

	out, err = mapMonitorConfig(&config.Config{Monitor: config.MonitorConfig{
		RequestTimeout: "15s", RetryLimit: 5, RetryDelay: "250ms",
		RatePerSec: 2.5, Burst: 3, MaxBodyBytes: 1024, UserAgent: "hc-test",
	}})
	if err != nil {
		t.Fatalf("mapMonitorConfig: %v", err)
	}
	if out.Timeout != 15*time.Second || out.RetryLimit != 5 || out.RetryDelay != 250*time.Millisecond {
		t.Fatalf("settings lost: %+v", out)
	}
	if out.ChecksPerSec != 2.5 || out.Burst != 3 || out.MaxBodyBytes != 1024 || out.UserAgent != "hc-test" {
		t.Fatalf("settings lost: %+v", out)
	}

	if _, err := mapMonitorConfig(&config.Config{Monitor: config.MonitorConfig{RequestTimeout: "fast"}}); err == nil {
		t.Fatal("bad request_timeout accepted")
	}
}

func TestMapAlertsConfig(t *testing.T) {
	t.Parallel()

	// Absent section means alerts off.
	out, err := mapAlertsConfig(&config.Config{})
	if err != nil || out.Enabled {
		t.Fatalf("absent section: out = %+v, err = %v", out, err)
	}

	// Enabled needs a transport.
	if _, err := mapAlertsConfig(&config.Config{Alerts: &config.AlertsConfig{Enabled: true}}); err == nil {
		t.Fatal("enabled without token accepted")
	}
	if _, err := mapAlertsConfig(&config.Config{Alerts: &config.AlertsConfig{Enabled: true, Token: "t"}}); err == nil {
		t.Fatal("enabled without chat_id accepted")
	}

	out, err = mapAlertsConfig(&config.Config{Alerts: &config.AlertsConfig{Enabled: true, Token: "t", ChatID: 1}})
	if err != nil {
		t.Fatalf("mapAlertsConfig: %v", err)
	}
	if out.RatePerSec != 1 || out.Cooldown != 5*time.Minute {
		t.Fatalf("defaults = %+v, want rate 1 cooldown 5m", out)
	}

	out, err = mapAlertsConfig(&config.Config{Alerts: &config.AlertsConfig{
		Enabled: true, Token: "t", ChatID: 1,
		RatePerSec: 4, Cooldown: "90s", QueueSize: 16,
	}})
	if err != nil {
		t.Fatalf("mapAlertsConfig: %v", err)
	}
	if out.RatePerSec != 4 || out.Cooldown != 90*time.Second || out.QueueSize != 16 {
		t.Fatalf("settings lost: %+v", out)
	}
}

func TestMapRetentionConfig(t *testing.T) {
	t.Parallel()

	out, err := mapRetentionConfig(&config.Config{})
	if err != nil || out.Keep != 0 {
		t.Fatalf("absent section: out = %+v, err = %v", out, err)
	}
	out, err = mapRetentionConfig(&config.Config{Retention: &config.RetentionConfig{KeepDays: 5}})
	if err != nil || out.Keep != 0 {
		t.Fatalf("disabled section: out = %+v, err = %v", out, err)
	}

	out, err = mapRetentionConfig(&config.Config{Retention: &config.RetentionConfig{Enabled: true}})
	if err != nil {
		t.Fatalf("mapRetentionConfig: %v", err)
	}
	if out.Keep != 30*24*time.Hour {
		t.Fatalf("Keep = %v, want 30 days default", out.Keep)
	}

	out, err = mapRetentionConfig(&config.Config{Retention: &config.RetentionConfig{
		Enabled: true, KeepDays: 7, Schedule: "30 2 * * *",
	}})
	if err != nil {
		t.Fatalf("mapRetentionConfig: %v", err)
	}
	if out.Keep != 7*24*time.Hour || out.Schedule != "30 2 * * *" {
		t.Fatalf("settings lost: %+v", out)
	}

	if _, err := mapRetentionConfig(&config.Config{Retention: &config.RetentionConfig{
		Enabled: true, Schedule: "every now and then",
	}}); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestMapWebsite(t *testing.T) {
	t.Parallel()

	spec, timeout, err := mapWebsite(config.WebsiteConfig{
		URL: "https://example.com/health", Pattern: "OK", Interval: "30s", Timeout: "5s",
	})
	if err != nil {
		t.Fatalf("mapWebsite: %v", err)
	}
	if spec.URL != "https://example.com/health" || spec.Pattern != "OK" || spec.Interval != 30*time.Second {
		t.Fatalf("spec = %+v", spec)
	}
	if timeout != 5*time.Second {
		t.Fatalf("timeout = %v, want 5s", timeout)
	}

	// Without an explicit timeout, the scheduler default applies.
	_, timeout, err = mapWebsite(config.WebsiteConfig{URL: "https://example.com", Interval: "30s"})
	if err != nil || timeout != 0 {
		t.Fatalf("timeout = %v, err = %v, want 0 and nil", timeout, err)
	}

	for _, tt := range []struct {
		name string
		w    config.WebsiteConfig
	}{
		{name: "interval missing", w: config.WebsiteConfig{URL: "https://example.com"}},
		{name: "interval below floor", w: config.WebsiteConfig{URL: "https://example.com", Interval: "1s"}},
		{name: "interval above ceiling", w: config.WebsiteConfig{URL: "https://example.com", Interval: "1h"}},
		{name: "bad scheme", w: config.WebsiteConfig{URL: "ftp://example.com", Interval: "30s"}},
		{name: "bad pattern", w: config.WebsiteConfig{URL: "https://example.com", Interval: "30s", Pattern: "("}},
		{name: "bad timeout", w: config.WebsiteConfig{URL: "https://example.com", Interval: "30s", Timeout: "later"}},
	} {
		if _, _, err := mapWebsite(tt.w); err == nil {
			t.Fatalf("mapWebsite(%s) accepted", tt.name)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *config.Config) {}},
		{name: "duplicate url", mutate: func(c *config.Config) {
			c.Websites = append(c.Websites, config.WebsiteConfig{URL: "https://example.com", Interval: "1m"})
		}, wantErr: "duplicate url"},
		{name: "negative workers", mutate: func(c *config.Config) {
			c.Scheduler.Workers = -1
		}, wantErr: "scheduler.workers"},
		{name: "negative retry limit", mutate: func(c *config.Config) {
			c.Monitor.RetryLimit = -1
		}, wantErr: "monitor.retry_limit"},
		{name: "website interval", mutate: func(c *config.Config) {
			c.Websites[0].Interval = "1s"
		}, wantErr: "check interval"},
		{name: "alerts without transport", mutate: func(c *config.Config) {
			c.Alerts = &config.AlertsConfig{Enabled: true}
		}, wantErr: "alerts.token"},
		{name: "bad retention schedule", mutate: func(c *config.Config) {
			c.Retention = &config.RetentionConfig{Enabled: true, Schedule: "sometimes"}
		}, wantErr: "retention.schedule"},
		{name: "unknown database driver", mutate: func(c *config.Config) {
			c.Database.Driver = "mysql"
		}, wantErr: "database.driver"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := testFullConfig()
			tt.mutate(cfg)
			err := (&App{}).validateConfig(context.Background(), cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplySitesReconciles(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	ctx := context.Background()

	sites := []config.WebsiteConfig{
		{URL: "https://a.example.com", Interval: "30s"},
		{URL: "https://b.example.com", Interval: "1m", Pattern: "OK"},
	}
	a.applySites(ctx, sites)
	if len(a.sites) != 2 {
		t.Fatalf("len(sites) = %d, want 2", len(a.sites))
	}
	aID := a.sites["https://a.example.com"].taskID
	bID := a.sites["https://b.example.com"].taskID

	// A changed site gets a fresh task; an unchanged one keeps its own.
	sites[0].Interval = "45s"
	a.applySites(ctx, sites)
	if got := a.sites["https://a.example.com"].taskID; got == aID {
		t.Fatal("changed site kept its old task")
	}
	if got := a.sites["https://b.example.com"].taskID; got != bID {
		t.Fatalf("unchanged site re-registered: task %d -> %d", bID, got)
	}

	// Dropping a site removes its task.
	a.applySites(ctx, sites[:1])
	if len(a.sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1", len(a.sites))
	}
	tasks := a.sched.ListTasks()
	if len(tasks) != 1 || tasks[0].Name != "check:https://a.example.com" {
		t.Fatalf("tasks = %+v, want only the a task", tasks)
	}
}

func TestApplySitesRejectsBrokenSiteOnly(t *testing.T) {
	t.Parallel()
	a := testApp(t)

	a.applySites(context.Background(), []config.WebsiteConfig{
		{URL: "https://good.example.com", Interval: "30s"},
		{URL: "https://broken.example.com", Interval: "1s"},
	})
	if len(a.sites) != 1 {
		t.Fatalf("len(sites) = %d, want 1 (broken site skipped)", len(a.sites))
	}
	if _, ok := a.sites["https://good.example.com"]; !ok {
		t.Fatal("good site missing")
	}
}

func TestCheckJobPublishesResult(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("status: OK"))
	}))
	t.Cleanup(srv.Close)

	events, unsub := a.bus.Subscribe(8)
	defer unsub()

	job := a.checkJob(monitor.CheckSpec{URL: srv.URL, Pattern: "OK", Interval: 30 * time.Second})
	if err := job(context.Background()); err != nil {
		t.Fatalf("job: %v", err)
	}

	select {
	case e := <-events:
		if e.Type != "check.result" {
			t.Fatalf("Type = %q, want check.result", e.Type)
		}
		res, ok := e.Data.(monitor.Result)
		if !ok {
			t.Fatalf("Data is %T, want monitor.Result", e.Data)
		}
		if !res.Success || res.URL != srv.URL {
			t.Fatalf("result = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no check.result event published")
	}
}

func TestCheckJobReportsCutShortRun(t *testing.T) {
	t.Parallel()
	a := testApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := a.checkJob(monitor.CheckSpec{URL: "https://example.com", Interval: 30 * time.Second})
	if err := job(ctx); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRecordFromResult(t *testing.T) {
	t.Parallel()
	matched := true
	now := time.Now()
	res := monitor.Result{
		WebsiteID: 4, URL: "https://example.com", Success: true,
		ResponseTimeMS: 12.5, HTTPStatus: 200, RegexMatched: &matched,
		ContentSize: 512, DNSLookupMS: 1.5, Attempts: 2, CheckedAt: now,
	}
	rec := recordFromResult(res)
	if rec.WebsiteID != 4 || rec.URL != res.URL || !rec.Success {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ResponseTimeMS != 12.5 || rec.HTTPStatus != 200 || rec.ContentSize != 512 || rec.DNSLookupMS != 1.5 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.RegexMatched == nil || !*rec.RegexMatched || !rec.CheckedAt.Equal(now) {
		t.Fatalf("record = %+v", rec)
	}

	var details map[string]int
	if err := json.Unmarshal(rec.Details, &details); err != nil {
		t.Fatalf("details: %v", err)
	}
	if details["attempts"] != 2 {
		t.Fatalf("attempts = %d, want 2", details["attempts"])
	}
}

func TestAlertTransportChanged(t *testing.T) {
	t.Parallel()
	base := &config.AlertsConfig{Token: "t", ChatID: 1}

	if alertTransportChanged(nil, nil) {
		t.Fatal("nil/nil reported as changed")
	}
	if !alertTransportChanged(nil, base) {
		t.Fatal("nil to configured not reported")
	}
	// Rate and cooldown are live settings, not transport.
	if alertTransportChanged(base, &config.AlertsConfig{Token: "t", ChatID: 1, RatePerSec: 9, Cooldown: "1m"}) {
		t.Fatal("tunable change reported as transport change")
	}
	if !alertTransportChanged(base, &config.AlertsConfig{Token: "u", ChatID: 1}) {
		t.Fatal("token change not reported")
	}
	if !alertTransportChanged(base, &config.AlertsConfig{Token: "t", ChatID: 2}) {
		t.Fatal("chat change not reported")
	}
}
