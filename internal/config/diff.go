package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections, (2) safe
// structured attrs for logging (never includes secrets like tokens or DSNs),
// and (3) whether the monitored website set changed (the reload loop then
// re-diffs tasks against the scheduler).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Database (never log the DSN; it may embed credentials)
	if oldCfg.Database.Driver != newCfg.Database.Driver ||
		(strings.TrimSpace(oldCfg.Database.DSN) != "") != (strings.TrimSpace(newCfg.Database.DSN) != "") ||
		strings.TrimSpace(oldCfg.Database.Path) != strings.TrimSpace(newCfg.Database.Path) ||
		oldCfg.Database.MinConns != newCfg.Database.MinConns ||
		oldCfg.Database.MaxConns != newCfg.Database.MaxConns ||
		strings.TrimSpace(oldCfg.Database.ConnectTimeout) != strings.TrimSpace(newCfg.Database.ConnectTimeout) ||
		strings.TrimSpace(oldCfg.Database.BusyTimeout) != strings.TrimSpace(newCfg.Database.BusyTimeout) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.String("db.driver", strings.TrimSpace(newCfg.Database.Driver)),
			logx.Bool("db.dsn_set", strings.TrimSpace(newCfg.Database.DSN) != ""),
			logx.Int("db.max_conns", int(newCfg.Database.MaxConns)),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.default_timeout", strings.TrimSpace(newCfg.Scheduler.DefaultTimeout)),
			logx.String("scheduler.stuck_after", strings.TrimSpace(newCfg.Scheduler.StuckAfter)),
			logx.String("scheduler.backend", strings.TrimSpace(newCfg.Scheduler.Backend)),
		)
	}

	// Monitor
	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.String("monitor.request_timeout", strings.TrimSpace(newCfg.Monitor.RequestTimeout)),
			logx.Int("monitor.retry_limit", newCfg.Monitor.RetryLimit),
			logx.Float64("monitor.rate_per_sec", newCfg.Monitor.RatePerSec),
		)
	}

	// Websites: the set drives live task add/remove.
	websitesChanged := !equalWebsites(oldCfg.Websites, newCfg.Websites)
	if websitesChanged {
		changed = append(changed, "websites")
		attrs = append(attrs, logx.Int("websites.count", len(newCfg.Websites)))
	}

	// Alerts (never log token)
	oA, nA := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	if (oldCfg.Alerts != nil) != (newCfg.Alerts != nil) || !sameAlerts(oA, nA) {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", nA.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(nA.Token) != ""),
			logx.Bool("alerts.chat_set", nA.ChatID != 0),
		)
	}

	// Server (never log token)
	oS, nS := derefServer(oldCfg.Server), derefServer(newCfg.Server)
	if (oldCfg.Server != nil) != (newCfg.Server != nil) || !sameServer(oS, nS) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.Bool("server.enabled", nS.Enabled),
			logx.String("server.addr", strings.TrimSpace(nS.Addr)),
			logx.Bool("server.token_set", strings.TrimSpace(nS.Token) != ""),
			logx.Bool("server.pprof", nS.EnablePprof),
		)
	}

	// Retention
	oR, nR := derefRetention(oldCfg.Retention), derefRetention(newCfg.Retention)
	if (oldCfg.Retention != nil) != (newCfg.Retention != nil) || oR != nR {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", nR.Enabled),
			logx.String("retention.schedule", strings.TrimSpace(nR.Schedule)),
			logx.Int("retention.keep_days", nR.KeepDays),
		)
	}

	sort.Strings(changed)
	return changed, attrs, websitesChanged
}

func equalWebsites(a, b []WebsiteConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

// sameAlerts compares alert configs treating the token by presence only.
func sameAlerts(a, b AlertsConfig) bool {
	aTok := strings.TrimSpace(a.Token) != ""
	bTok := strings.TrimSpace(b.Token) != ""
	a.Token, b.Token = "", ""
	return a == b && aTok == bTok
}

func derefServer(s *ServerConfig) ServerConfig {
	if s == nil {
		return ServerConfig{}
	}
	return *s
}

func sameServer(a, b ServerConfig) bool {
	aTok := strings.TrimSpace(a.Token) != ""
	bTok := strings.TrimSpace(b.Token) != ""
	a.Token, b.Token = "", ""
	return a == b && aTok == bTok
}

func derefRetention(r *RetentionConfig) RetentionConfig {
	if r == nil {
		return RetentionConfig{}
	}
	return *r
}
