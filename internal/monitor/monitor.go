// Package monitor probes websites over HTTP and classifies the outcome:
// reachable, expected status, and (optionally) whether a pattern appears
// in the body. It knows nothing about scheduling or storage.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"regexp"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// CheckSpec describes one website to probe. WebsiteID refers to the
// stored target row; zero means the target is not persisted.
type CheckSpec struct {
	WebsiteID int64         `json:"website_id,omitempty"`
	URL       string        `json:"url"`
	Pattern   string        `json:"regex_pattern,omitempty"`
	Interval  time.Duration `json:"-"`
}

// PayloadJSON is the wire form of a spec for out-of-process execution.
func (s CheckSpec) PayloadJSON() ([]byte, error) {
	return json.Marshal(s)
}

// Result is the outcome of a single check. RegexMatched is nil when no
// pattern was configured or the response never arrived.
type Result struct {
	WebsiteID      int64     `json:"website_id,omitempty"`
	URL            string    `json:"url"`
	Success        bool      `json:"success"`
	ResponseTimeMS float64   `json:"response_time_ms,omitempty"`
	HTTPStatus     int       `json:"http_status,omitempty"`
	RegexMatched   *bool     `json:"regex_matched,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	ContentSize    int64     `json:"content_size_bytes,omitempty"`
	DNSLookupMS    float64   `json:"dns_lookup_time_ms,omitempty"`
	Attempts       int       `json:"attempts"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Config tunes the checker. Zero values get the defaults the deployment
// has always run with: 10s per attempt, 3 attempts.
type Config struct {
	// Timeout bounds one attempt, connect through body.
	Timeout time.Duration

	// RetryLimit is the total number of attempts. Only transport errors
	// retry; an HTTP response of any status is final.
	RetryLimit int

	// RetryDelay spaces attempts after a transport error.
	RetryDelay time.Duration

	// MaxBodyBytes caps how much of a response body is read for pattern
	// matching and size accounting.
	MaxBodyBytes int64

	// ChecksPerSec paces outbound probes across all tasks. Zero means
	// unpaced. Burst defaults to 1.
	ChecksPerSec float64
	Burst        int

	UserAgent string
}

type Checker struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewChecker(cfg Config, log logx.Logger) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "healthcheckd/1.0"
	}
	c := &Checker{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
	if cfg.ChecksPerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.ChecksPerSec), burst)
	}
	return c
}

// Check probes one website. It never returns an error: every path
// produces a Result, and a failed check is a Result with Success false.
func (c *Checker) Check(ctx context.Context, spec CheckSpec) Result {
	res := Result{WebsiteID: spec.WebsiteID, URL: spec.URL, CheckedAt: time.Now()}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			res.FailureReason = fmt.Sprintf("request failed: %v", err)
			return res
		}
	}

	var re *regexp.Regexp
	if spec.Pattern != "" {
		var err error
		// (?s) matches the original matcher, where . crosses newlines.
		re, err = regexp.Compile("(?s)" + spec.Pattern)
		if err != nil {
			res.FailureReason = fmt.Sprintf("invalid pattern %q: %v", spec.Pattern, err)
			return res
		}
	}

	for attempt := 1; attempt <= c.cfg.RetryLimit; attempt++ {
		res.Attempts = attempt
		if err := ctx.Err(); err != nil {
			res.FailureReason = fmt.Sprintf("request failed: %v", err)
			return res
		}

		final, err := c.attempt(ctx, spec, re, &res)
		if err == nil && final {
			return res
		}
		if err != nil {
			c.log.Debug("check attempt failed",
				logx.String("url", spec.URL),
				logx.Int("attempt", attempt),
				logx.Int("attempts_max", c.cfg.RetryLimit),
				logx.Err(err))
			if attempt == c.cfg.RetryLimit {
				res.FailureReason = fmt.Sprintf("request failed: %v", err)
				return res
			}
			if c.cfg.RetryDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(c.cfg.RetryDelay):
				}
			}
		}
	}
	return res
}

// attempt performs one HTTP round trip. final=true means a response was
// received and the result is settled regardless of status; only
// transport errors are worth retrying.
func (c *Checker) attempt(ctx context.Context, spec CheckSpec, re *regexp.Regexp, res *Result) (final bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, http.NoBody)
	if err != nil {
		// A malformed URL will not improve with retries.
		res.FailureReason = fmt.Sprintf("request failed: %v", err)
		return true, nil
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	// Trace callbacks can fire on transport goroutines, hence atomics.
	var dnsStart, dnsNanos atomic.Int64
	trace := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart.Store(time.Now().UnixNano()) },
		DNSDone: func(httptrace.DNSDoneInfo) {
			if s := dnsStart.Load(); s > 0 {
				dnsNanos.Store(time.Now().UnixNano() - s)
			}
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	elapsed := time.Since(start)

	res.ResponseTimeMS = float64(elapsed) / float64(time.Millisecond)
	if n := dnsNanos.Load(); n > 0 {
		res.DNSLookupMS = float64(n) / float64(time.Millisecond)
	}
	res.HTTPStatus = resp.StatusCode
	res.ContentSize = int64(len(body))
	res.Success = resp.StatusCode >= 200 && resp.StatusCode < 400

	if readErr != nil {
		res.Success = false
		res.FailureReason = fmt.Sprintf("body read failed: %v", readErr)
		return true, nil
	}

	if re != nil && res.Success {
		matched := re.Match(body)
		res.RegexMatched = &matched
		if !matched {
			res.Success = false
			res.FailureReason = fmt.Sprintf("pattern %q not found", spec.Pattern)
		}
	}
	return true, nil
}
