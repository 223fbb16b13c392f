package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ncandio/Health-Check-PostgreSQL/internal/eventbus"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/monitor"
	rtsup "github.com/ncandio/Health-Check-PostgreSQL/internal/runtime/supervisor"
	"github.com/ncandio/Health-Check-PostgreSQL/internal/scheduler"
	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const dedupMaxEntries = 4096

// Service is the async alert pipeline. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	sender Sender

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Alert
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// Per-key suppress-until cache.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Last observed up/down state per URL, for transition detection.
	smu    sync.Mutex
	lastUp map[string]bool

	sent       atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
	suppressed atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		sender: sender,
		dedup:  map[string]time.Time{},
		lastUp: map[string]bool{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && s.sender != nil
	s.mu.Unlock()
	return en
}

// Apply updates tunables live. Rate, cooldown and retry settings take
// effect on the next send; worker count and queue size need a restart of
// the service (Stop then Start).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	s.cfg = cfg
	// Burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. With no sender or Enabled false it does nothing.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Alert, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))))
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	if s.bus != nil {
		events, unsub := s.bus.Subscribe(64)
		sup.Go0("bus.intake", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					s.handleEvent(c, ev)
				}
			}
		})
	}

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.Go0(name, func(c context.Context) {
			s.workerLoop(c, q)
		})
	}
	s.log.Info("notifier started",
		logx.Int("workers", workers),
		logx.Duration("cooldown", s.cfg.Cooldown),
	)
}

// Stop stops intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown runs async so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify queues one alert. It never blocks: a full queue drops the alert
// and reports ErrQueueFull.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled || s.sender == nil {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cooldown := s.cfg.Cooldown
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.Key != "" && !s.allow(a.Key, cooldown) {
		s.suppressed.Add(1)
		s.publish("notify.suppressed", a, nil)
		return nil
	}

	select {
	case q <- a:
		return nil
	default:
		s.dropped.Add(1)
		s.publish("notify.dropped", a, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	enabled := s.cfg.Enabled && s.sender != nil
	var queued int
	if s.queue != nil {
		queued = len(s.queue)
	}
	s.mu.Unlock()
	return Stats{
		Enabled:    enabled,
		Queued:     queued,
		Sent:       s.sent.Load(),
		Failed:     s.failed.Load(),
		Dropped:    s.dropped.Load(),
		Suppressed: s.suppressed.Load(),
	}
}

// handleEvent maps bus events onto alerts.
func (s *Service) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case "check.result":
		res, ok := ev.Data.(monitor.Result)
		if !ok {
			return
		}
		s.observeResult(ctx, res)
	case "task.stuck":
		te, ok := ev.Data.(scheduler.TaskEvent)
		if !ok {
			return
		}
		_ = s.Notify(ctx, Alert{
			Key:      "stuck:" + te.Name,
			Severity: SevWarn,
			Text:     fmt.Sprintf("job %q evicted: still running after %s", te.Name, te.Duration.Round(time.Second)),
		})
	}
}

// observeResult alerts on down results and on down-to-up transitions.
// Repeat downs are left to the cooldown; a recovery clears it so the
// next outage alerts immediately.
func (s *Service) observeResult(ctx context.Context, res monitor.Result) {
	s.smu.Lock()
	prev, seen := s.lastUp[res.URL]
	s.lastUp[res.URL] = res.Success
	s.smu.Unlock()

	downKey := "down:" + res.URL
	switch {
	case !res.Success:
		reason := res.FailureReason
		if reason == "" && res.HTTPStatus != 0 {
			reason = fmt.Sprintf("HTTP %d", res.HTTPStatus)
		}
		_ = s.Notify(ctx, Alert{
			Key:      downKey,
			Severity: SevCrit,
			Text:     fmt.Sprintf("%s is DOWN: %s", res.URL, reason),
		})
	case seen && !prev:
		s.clear(downKey)
		_ = s.Notify(ctx, Alert{
			Key:      "up:" + res.URL,
			Severity: SevInfo,
			Text:     fmt.Sprintf("%s recovered (%.0f ms)", res.URL, res.ResponseTimeMS),
		})
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, a)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, a Alert) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}

	text := severityPrefix(a.Severity) + a.Text
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.publish("notify.sent", a, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed",
			logx.Err(err),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.log.Warn("alert delivery gave up", logx.String("key", a.Key), logx.Err(lastErr))
	s.publish("notify.failed", a, lastErr)
}

func (s *Service) publish(typ string, a Alert, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := AlertEvent{Key: a.Key, Severity: a.Severity, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// allow reports whether key is outside its cooldown window, and opens a
// new window when it is.
func (s *Service) allow(key string, window time.Duration) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > dedupMaxEntries {
		var (
			minKey string
			minT   time.Time
			set    bool
		)
		for k, t := range s.dedup {
			if !set || t.Before(minT) {
				minKey, minT, set = k, t, true
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func (s *Service) clear(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func severityPrefix(sev Severity) string {
	switch {
	case sev >= SevCrit:
		return "🚨 "
	case sev >= SevWarn:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
