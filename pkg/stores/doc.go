// Package stores provides persistence for envrun. SQLiteStore implements
// engine.Repository on an embedded SQLite database with WAL mode, connection
// pooling, and migrations embedded in the binary. It holds environments,
// modules, dependency edges, variable sources and bindings, module and
// environment runs, run logs, and the audit trail.
package stores
