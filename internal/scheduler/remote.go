package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	logx "github.com/ncandio/Health-Check-PostgreSQL/pkg/logx"
)

// RemoteConfig configures the NATS request-reply backend.
type RemoteConfig struct {
	URL     string
	Subject string

	// RequestTimeout additionally caps one remote round trip. Zero means
	// only the task timeout applies.
	RequestTimeout time.Duration
}

// requester is the transport seam; *nats.Conn satisfies it.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// jobEnvelope is the wire form of a remote submission. Only tasks
// carrying an explicit payload descriptor are shipped; closures never
// cross the wire.
type jobEnvelope struct {
	TaskID  int64           `json:"task_id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type jobReply struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// RemoteBackend submits payload-carrying tasks to a remote executor over
// NATS request-reply and falls back to the local pool when the remote
// side is unreachable. Fallbacks are counted separately so a degraded
// executor is visible in the status snapshot, not silent.
type RemoteBackend struct {
	rq      requester
	conn    *nats.Conn
	subject string
	reqTO   time.Duration

	local *LocalBackend
	log   logx.Logger

	remoteFailures atomic.Uint64
}

// DialRemote connects to NATS and returns a backend that falls back to
// local. The connection retries forever with a short wait, matching how
// the rest of our fleet talks to NATS.
func DialRemote(cfg RemoteConfig, local *LocalBackend, log logx.Logger) (*RemoteBackend, error) {
	if local == nil {
		return nil, errors.New("scheduler: remote backend needs a local fallback")
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "healthcheck.jobs"
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("healthcheckd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: nats connect: %w", err)
	}

	return &RemoteBackend{
		rq:      nc,
		conn:    nc,
		subject: subject,
		reqTO:   cfg.RequestTimeout,
		local:   local,
		log:     log,
	}, nil
}

func (b *RemoteBackend) Capacity() int  { return b.local.Capacity() }
func (b *RemoteBackend) Available() int { return b.local.Available() }

func (b *RemoteBackend) RemoteFailures() uint64 { return b.remoteFailures.Load() }

func (b *RemoteBackend) Close() error {
	if b.conn != nil {
		return b.conn.Drain()
	}
	return nil
}

func (b *RemoteBackend) Submit(ctx context.Context, t *Task) Result {
	if len(t.payload) == 0 {
		return b.local.Submit(ctx, t)
	}

	start := time.Now()
	data, err := json.Marshal(jobEnvelope{TaskID: t.id, Name: t.name, Payload: t.payload})
	if err != nil {
		return Result{Outcome: OutcomeFailed, Err: fmt.Errorf("scheduler: encode job: %w", err), Elapsed: time.Since(start)}
	}

	rctx, cancel := b.requestContext(ctx, t.timeout)
	defer cancel()

	msg, err := b.rq.RequestWithContext(rctx, b.subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{
				Outcome: OutcomeTimedOut,
				Err:     fmt.Errorf("%w (remote)", ErrRunTimeout),
				Elapsed: time.Since(start),
			}
		}
		if errors.Is(err, context.Canceled) {
			return Result{Outcome: OutcomeFailed, Err: err, Elapsed: time.Since(start)}
		}
		// Submission failure: the remote side never accepted the job.
		// Run it locally exactly once for this dispatch.
		return b.fallback(ctx, t, err, start)
	}

	var rep jobReply
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return b.fallback(ctx, t, fmt.Errorf("bad reply: %w", err), start)
	}

	elapsed := time.Since(start)
	switch rep.Status {
	case "completed":
		return Result{Outcome: OutcomeCompleted, Elapsed: elapsed}
	case "failed":
		return Result{Outcome: OutcomeFailed, Err: errors.New(rep.Error), Elapsed: elapsed}
	case "timed_out":
		return Result{Outcome: OutcomeTimedOut, Err: fmt.Errorf("%w (remote)", ErrRunTimeout), Elapsed: elapsed}
	default:
		return b.fallback(ctx, t, fmt.Errorf("bad reply status %q", rep.Status), start)
	}
}

func (b *RemoteBackend) fallback(ctx context.Context, t *Task, cause error, start time.Time) Result {
	b.remoteFailures.Add(1)
	b.log.Warn("remote submit failed; running locally",
		logx.Int64("task_id", t.id),
		logx.String("task", t.name),
		logx.Err(fmt.Errorf("%w: %v", ErrRemoteUnavailable, cause)))

	res := b.local.Submit(ctx, t)
	res.Elapsed = time.Since(start)
	return res
}

func (b *RemoteBackend) requestContext(ctx context.Context, taskTimeout time.Duration) (context.Context, context.CancelFunc) {
	timeout := taskTimeout
	if b.reqTO > 0 && b.reqTO < timeout {
		timeout = b.reqTO
	}
	return context.WithTimeout(ctx, timeout)
}
