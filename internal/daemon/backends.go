package daemon

// Backends register themselves with the downloader factory registry.
import (
	_ "feedloom/internal/downloader/aria2"
	_ "feedloom/internal/downloader/swarm"
)
