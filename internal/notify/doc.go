// Package notify turns check results into operator alerts.
//
// It watches the event bus for state transitions (site down, site
// recovered, job evicted) and pushes messages through an async pipeline:
// queue + workers + rate limit + retry, with a per-key cooldown so a
// site that stays down does not flood the channel. Delivery is Telegram
// by default; tests inject a fake Sender.
package notify
