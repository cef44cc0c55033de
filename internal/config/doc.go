// Package config reads the feedloom TOML file and turns it into a validated
// Config.
//
// Load starts from Default, overlays the file (when one exists), expands "~"
// in every path, fills derived values such as the socket path, applies the
// FEEDLOOM_API_TOKEN, ARIA2_SECRET and NTFY_TOPIC environment fallbacks and finally runs
// struct validation. Callers outside this package should never read paths or
// backend settings from anywhere else.
package config
