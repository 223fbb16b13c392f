// Package server exposes the admin HTTP API: liveness, a status snapshot,
// task listing and removal, recent check results, Prometheus metrics on a
// private registry, and an optional pprof mount. The server is optional;
// the daemon runs headless without it.
package server
