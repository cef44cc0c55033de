// Package store persists feed sources, rules, download items, and pipeline
// logs in SQLite.
//
// The Store manages database connections, schema initialization, busy
// retries, and the download item status machine. Status changes go through
// TransitionDownload, which refuses transitions the lifecycle does not allow,
// so callers never write a status column directly.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package store
