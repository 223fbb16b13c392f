package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/config"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/monitor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/notify"
	rtsup "github.com/ncandio/Health-Check-PostgreSQL/internal/runtime/supervisor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/server"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/storage"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	// checker is swapped wholesale on reload so in-flight jobs keep the
	// settings they started with.
	checker atomic.Pointer[monitor.Checker]

	sched *scheduler.Service
	notif *notify.Service
	admin *server.Service
	ret   *storage.Retention

	// sites is owned by Start and then by the reload goroutine; the two
	// never run concurrently.
	sites map[string]siteState
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	sc, enabled, err := mapDatabaseConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	checker := monitor.NewChecker(mcfg, log.With(logx.String("comp", "monitor")))

	schedCfg, remote, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var backend scheduler.Backend
	if remote != nil {
		schedLog := log.With(logx.String("comp", "sched"))
		local := scheduler.NewLocalBackend(schedCfg.Workers, schedLog)
		backend, err = scheduler.DialRemote(*remote, local, schedLog)
		if err != nil {
			return nil, err
		}
		// The URL may carry credentials; only the subject is logged.
		log.Info("remote check backend enabled", logx.String("subject", remote.Subject))
	}
	schedSvc := scheduler.New(schedCfg, backend, log.With(logx.String("comp", "sched")), bus)

	acfg, err := mapAlertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sender notify.Sender
	if acfg.Enabled {
		sender, err = notify.NewTelegramSender(notify.TelegramConfig{
			Token:  cfg.Alerts.Token,
			ChatID: cfg.Alerts.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("alerts: %w", err)
		}
	}
	notifSvc := notify.New(acfg, sender, log.With(logx.String("comp", "notify")), bus)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	adminSvc := server.New(srvCfg, server.Deps{
		Scheduler: schedSvc,
		Notifier:  notifSvc,
		Store:     store,
	}, log.With(logx.String("comp", "server")))

	// Retention is started later, but a broken schedule should fail boot,
	// not the first nightly prune.
	if _, err := mapRetentionConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		notif:   notifSvc,
		admin:   adminSvc,
		sites:   make(map[string]siteState),
	}
	a.checker.Store(checker)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	// The boot config passes the same validation a reload would.
	if err := a.validateConfig(ctx, cfg); err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// Sites register after alert intake is live: first checks fire
	// immediately, and a site that is down at boot should page.
	a.applySites(a.sup.Context(), cfg.Websites)

	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	rcfg, err := mapRetentionConfig(cfg)
	if err != nil {
		return err
	}
	ret, err := storage.StartRetention(a.store, rcfg, a.log.With(logx.String("comp", "retention")))
	if err != nil {
		return err
	}
	a.ret = ret

	// Optional: log events for observability/debug (components also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise from frequent checks.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs, sitesChanged := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prevAlerts := lastApplied.Alerts
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "database":
						a.log.Warn("database config changed; restart required for changes to take effect")
					case "scheduler":
						a.log.Warn("scheduler config changed; restart required for changes to take effect")
					}
				}

				// apply logging updates
				a.logs.Apply(mapLoggingConfig(newCfg))

				// apply checker updates (live; picked up by the next run of each task)
				if sectionChanged(sections, "monitor") {
					mcfg, err := mapMonitorConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
					} else {
						a.checker.Store(monitor.NewChecker(mcfg, a.log.With(logx.String("comp", "monitor"))))
					}
				}

				// apply alert updates (live), flagging what a restart must finish
				prevNotifEnabled := a.notif.Enabled()
				acfg, err := mapAlertsConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
				} else {
					a.notif.Apply(acfg)
					switch {
					case prevNotifEnabled && !a.notif.Enabled():
						a.log.Info("alerts disabled via config")
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.notif.Stop(stopCtx)
						cancel()
					case !prevNotifEnabled && a.notif.Enabled():
						a.log.Info("alerts enabled via config")
						a.notif.Start(c)
					}
					if acfg.Enabled && !a.notif.Enabled() {
						a.log.Warn("alerts enabled but no transport was configured at boot; restart required")
					}
					if a.notif.Enabled() && alertTransportChanged(prevAlerts, newCfg.Alerts) {
						a.log.Warn("alert transport changed; restart required for the new token/chat to take effect")
					}
				}

				// apply admin server updates (live start/stop/rebind)
				srvCfg, err := mapServerConfig(newCfg)
				if err != nil {
					a.log.Warn("invalid server config; keeping previous", logx.Err(err))
				} else {
					a.admin.Reconfigure(c, srvCfg)
				}

				// apply retention updates (restart the cron with the new window)
				if sectionChanged(sections, "retention") {
					rcfg, err := mapRetentionConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
					} else {
						stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
						a.ret.Stop(stopCtx)
						cancel()
						ret, err := storage.StartRetention(a.store, rcfg, a.log.With(logx.String("comp", "retention")))
						if err != nil {
							a.log.Warn("retention restart failed", logx.Err(err))
							ret = nil
						}
						a.ret = ret
					}
				}

				// reconcile the monitored set
				if sitesChanged {
					a.applySites(c, newCfg.Websites)
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					a.bus.Publish(eventbus.Event{Type: "config.reloaded", Time: time.Now(), Data: sections})
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("daemon started", logx.Int("sites", len(a.sites)))
	return nil
}

// validateConfig vets a candidate config before it is committed. It runs
// on the boot config too, so a file that would be rejected on reload also
// refuses to boot.
func (a *App) validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Monitor.RetryLimit < 0 {
		return fmt.Errorf("monitor.retry_limit must be >= 0")
	}
	if cfg.Monitor.RatePerSec < 0 {
		return fmt.Errorf("monitor.rate_per_sec must be >= 0")
	}
	if cfg.Monitor.MaxBodyBytes < 0 {
		return fmt.Errorf("monitor.max_body_bytes must be >= 0")
	}
	if cfg.Alerts != nil && cfg.Alerts.QueueSize < 0 {
		return fmt.Errorf("alerts.queue_size must be >= 0")
	}
	if cfg.Retention != nil && cfg.Retention.KeepDays < 0 {
		return fmt.Errorf("retention.keep_days must be >= 0")
	}

	if _, _, err := mapDatabaseConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAlertsConfig(cfg); err != nil {
		return err
	}
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Websites))
	for _, w := range cfg.Websites {
		if _, _, err := mapWebsite(w); err != nil {
			return err
		}
		if _, dup := seen[w.URL]; dup {
			return fmt.Errorf("websites: duplicate url %q", w.URL)
		}
		seen[w.URL] = struct{}{}
	}
	return nil
}

func sectionChanged(sections []string, name string) bool {
	for _, s := range sections {
		if s == name {
			return true
		}
	}
	return false
}

// alertTransportChanged reports a token or chat change. The sender is
// built once at boot, so a new transport only takes effect on restart.
func alertTransportChanged(oldA, newA *config.AlertsConfig) bool {
	var o, n config.AlertsConfig
	if oldA != nil {
		o = *oldA
	}
	if newA != nil {
		n = *newA
	}
	return o.Token != n.Token || o.ChatID != n.ChatID
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop the scheduler first so no new checks launch, then the backend
	// it was feeding.
	step("scheduler", 2*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("backend", 1*time.Second, func(c context.Context) error {
		if b := a.sched.Backend(); b != nil {
			return b.Close()
		}
		return nil
	})
	step("retention", 1*time.Second, func(c context.Context) error { a.ret.Stop(c); return nil })
	step("server", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
