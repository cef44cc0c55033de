// Package notifications delivers pipeline events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. Each
// event family (completed downloads, failed downloads, feed fetch errors) can
// be switched off independently.
//
// All pipeline code depends only on the Service interface.
package notifications
