// Package api holds the transport shapes shared by the HTTP API and the IPC
// service, plus converters from store records.
//
// Download mirrors a download item with its feed entry passed through as raw
// JSON and, while the backend knows the task, live progress. Source and Rule
// describe subscriptions; a source also reports its next scheduled run.
// DaemonStatus summarises the running daemon for `feedloom status`.
//
// JSON tags are camelCase, statuses keep their stored upper-case spelling and
// timestamps are RFC3339 with milliseconds.
package api
