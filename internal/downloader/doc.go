// Package downloader defines the contract between the orchestrator and a
// download backend, plus the plumbing both backends share.
//
// An Adapter turns a URL into a Task. Each Task publishes its lifecycle on
// one event channel: started and paused may alternate, while done, failed
// and removed are terminal, delivered at most once, and close the channel.
// Emitter implements those delivery rules so adapters only translate
// backend notifications.
//
// Backends register a Factory under their configuration name; Select picks
// one from downloader.backend. Supervisor wraps the chosen adapter and keeps
// retrying Initialize until the backend becomes reachable.
package downloader
