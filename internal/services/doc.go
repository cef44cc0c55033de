// Package services defines shared utilities consumed by the pipeline
// components and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp source, rule, and download item IDs plus
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures with errors.Is (rule failures, duplicate tasks, an unavailable
//     download backend).
package services
