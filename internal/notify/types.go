package notify

import (
	"context"
	"time"
)

// Config tunes the alert pipeline. Zero values get conservative
// defaults; Enabled false disables the whole pipeline.
type Config struct {
	Enabled bool

	Workers   int
	QueueSize int

	// RatePerSec caps outbound sends; Telegram throttles bots hard.
	RatePerSec int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// Cooldown suppresses repeat alerts with the same key. A site that
	// stays down re-alerts once per window; recovery clears the key.
	Cooldown time.Duration
}

type Severity int

const (
	SevInfo Severity = iota
	SevWarn
	SevCrit
)

// Alert is one message bound for the operator channel. Key is the
// cooldown identity; alerts with an empty key are never suppressed.
type Alert struct {
	Key      string
	Severity Severity
	Text     string
	At       time.Time
}

// Sender delivers one message to the operator channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// AlertEvent is the bus payload for notify.* events.
type AlertEvent struct {
	Key      string    `json:"key,omitempty"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Enabled    bool   `json:"enabled"`
	Queued     int    `json:"queued"`
	Sent       uint64 `json:"sent"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	Suppressed uint64 `json:"suppressed"`
}
