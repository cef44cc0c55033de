// Package scheduler polls sources on their cron schedules.
//
// Schedules are six-field cron expressions with a leading seconds field. Each
// active source owns exactly one entry; Install tears down any existing entry
// before adding the new one under the same lock, so edits to a source's
// schedule or enabled flag are atomic to callers. A tick only enqueues a
// fetch job; the work happens in the fetcher pool.
package scheduler
