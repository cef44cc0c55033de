// Package fetcher turns scheduled fetch jobs into download tasks.
//
// Queue is a bounded in-process job queue drained by a fixed pool of worker
// goroutines. Jobs are delivered at least once: a job whose handler panics or
// fails with a retryable error is redelivered until fetch.max_attempts, and a
// job enqueued for a source that already has one waiting is collapsed into it.
//
// Worker.Process handles one job: it loads the source and its rules, fetches
// the feed, runs each rule's validate hook over the entries that carry a
// download URL, and dispatches matches to the orchestrator with their
// provenance. Rule failures become rule error rows and never abort the job.
package fetcher
