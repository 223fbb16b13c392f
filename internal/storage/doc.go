// Package storage persists monitored targets and their check results.
//
// The production driver is PostgreSQL (pgx). A file driver exists for
// deployments without a database, and a SQLite driver can be compiled in
// with -tags sqlite. With no driver configured the daemon runs without
// persistence.
package storage
