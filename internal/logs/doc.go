// Package logs reads the daemon log file for `feedloom logs daemon`.
//
// Tail returns the last N lines (optionally only those logged by one
// component) together with the byte offset the next call should resume from.
// Follow mode polls for appended lines until Wait elapses or the context ends.
package logs
