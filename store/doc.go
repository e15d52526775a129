// Package store is the middleware's persistence layer: a single sqlite file holding OAuth engine state, OAuth sessions, application secrets and named locks.
//
// All tables are created by versioned migrations ([MigrateToLatest]); nothing here creates schema implicitly.
package store
