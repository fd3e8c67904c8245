// Package storage persists what must survive a restart: request aliases,
// the ban list and the audit trail of accepted, rejected and operator
// actions.
//
// Two drivers are available. "file" keeps a JSON snapshot plus an
// append-only journal; "sqlite" uses a pure Go SQLite database.
package storage
