// Package daemon coordinates the long-running feedloom process.
//
// It wires configuration, the store, the download backend supervisor, the
// orchestrator, the fetch queue and its workers, and the source scheduler into
// a single lifecycle with flock-based locking to prevent multiple instances.
// Startup runs restart recovery before anything else touches download items,
// then installs one schedule per active source.
//
// The daemon also serves the optional HTTP status API and exposes the
// management helpers the IPC layer forwards to. Keep orchestration logic here;
// fetch, download, and ingestion behavior lives in their own packages.
package daemon
