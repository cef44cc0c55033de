// Package swarm runs downloads in-process with an embedded BitTorrent engine.
//
// Magnet links are added directly; .torrent URLs are fetched over HTTP and
// parsed first. Each task stores its payload under its own directory and is
// watched by one goroutine that waits for metadata, polls completion and
// emits the task's terminal event.
package swarm

import "feedloom/internal/downloader"

// Name is the configuration value selecting this backend.
const Name = "swarm"

func init() {
	downloader.Register(Name, New)
}
