package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/config"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/monitor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/storage"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// siteState is one registered website: its scheduler task plus, when
// storage is on, the persisted target row. cfg is kept verbatim so a
// reload can tell "unchanged" from "re-register".
type siteState struct {
	taskID    int64
	websiteID int64
	cfg       config.WebsiteConfig
}

// registerSite saves the target and adds its periodic check task. A
// storage failure downgrades to a warning (the site is still checked,
// results just carry no website id); a scheduler failure is final.
func (a *App) registerSite(ctx context.Context, w config.WebsiteConfig) (siteState, error) {
	spec, timeout, err := mapWebsite(w)
	if err != nil {
		return siteState{}, err
	}

	if a.store != nil {
		id, err := a.store.SaveTarget(ctx, storage.Target{
			URL:      spec.URL,
			Interval: spec.Interval,
			Pattern:  spec.Pattern,
		})
		if err != nil {
			a.log.Warn("target save failed", logx.String("url", spec.URL), logx.Err(err))
		} else {
			spec.WebsiteID = id
		}
	}

	payload, err := spec.PayloadJSON()
	if err != nil {
		return siteState{}, err
	}
	opts := []scheduler.TaskOption{scheduler.WithPayload(payload)}
	if timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(timeout))
	}

	taskID, err := a.sched.AddTask("check:"+spec.URL, spec.Interval, a.checkJob(spec), opts...)
	if err != nil {
		return siteState{}, err
	}

	a.log.Info("site registered",
		logx.String("url", spec.URL),
		logx.Duration("interval", spec.Interval),
		logx.Int64("task", taskID),
	)
	return siteState{taskID: taskID, websiteID: spec.WebsiteID, cfg: w}, nil
}

// checkJob builds the periodic job for one site. The result is published
// and persisted even when the task context already expired; only the
// returned error tells the scheduler the run was cut short.
func (a *App) checkJob(spec monitor.CheckSpec) scheduler.Job {
	return func(ctx context.Context) error {
		res := a.checker.Load().Check(ctx, spec)

		a.bus.Publish(eventbus.Event{Type: "check.result", Time: res.CheckedAt, Data: res})

		if a.store != nil {
			// Detached context: a timed-out check still leaves a row.
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := a.store.SaveResult(saveCtx, recordFromResult(res))
			cancel()
			if err != nil {
				a.log.Warn("result save failed", logx.String("url", spec.URL), logx.Err(err))
			}
		}
		return ctx.Err()
	}
}

func recordFromResult(res monitor.Result) storage.CheckRecord {
	details, _ := json.Marshal(map[string]any{"attempts": res.Attempts})
	return storage.CheckRecord{
		WebsiteID:      res.WebsiteID,
		URL:            res.URL,
		Success:        res.Success,
		ResponseTimeMS: res.ResponseTimeMS,
		HTTPStatus:     res.HTTPStatus,
		RegexMatched:   res.RegexMatched,
		FailureReason:  res.FailureReason,
		ContentSize:    res.ContentSize,
		DNSLookupMS:    res.DNSLookupMS,
		Details:        details,
		CheckedAt:      res.CheckedAt,
	}
}

// applySites reconciles running check tasks against the websites section.
// Unchanged sites keep their task and schedule; changed ones are torn
// down and re-registered; removed ones are deactivated in storage.
func (a *App) applySites(ctx context.Context, sites []config.WebsiteConfig) {
	want := make(map[string]config.WebsiteConfig, len(sites))
	for _, w := range sites {
		want[w.URL] = w
	}

	for url, st := range a.sites {
		nw, keep := want[url]
		if keep && nw == st.cfg {
			continue
		}
		a.sched.RemoveTask(st.taskID)
		delete(a.sites, url)
		if keep {
			a.log.Debug("site changed", logx.String("url", url))
			continue
		}
		a.log.Info("site removed", logx.String("url", url))
		if a.store != nil && st.websiteID != 0 {
			if err := a.store.DeactivateTarget(ctx, st.websiteID); err != nil {
				a.log.Warn("target deactivate failed", logx.String("url", url), logx.Err(err))
			}
		}
	}

	for _, w := range sites {
		if _, ok := a.sites[w.URL]; ok {
			continue
		}
		st, err := a.registerSite(ctx, w)
		if err != nil {
			// A rejected site only costs itself; the rest still register.
			a.log.Warn("site rejected", logx.String("url", w.URL), logx.Err(err))
			continue
		}
		a.sites[w.URL] = st
	}
}
