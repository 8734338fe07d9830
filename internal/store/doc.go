// Package store provides durable persistence for conversation sessions and
// their append-only message logs, backed by SQLite.
package store
