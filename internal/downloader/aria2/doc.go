// Package aria2 drives an external aria2 daemon over its JSON-RPC WebSocket
// interface.
//
// Each download item maps to one or more aria2 GIDs: fetching a .torrent or
// magnet first creates a metadata GID whose completion is "followed by" the
// real payload GID. The adapter tracks that chain so notifications for any
// GID resolve to the originating task. When the socket drops the adapter
// reconnects on a fixed interval and re-reads the status of every tracked
// GID, so completions missed while disconnected are still delivered once.
package aria2

import "feedloom/internal/downloader"

// Name is the configuration value selecting this backend.
const Name = "aria2"

func init() {
	downloader.Register(Name, New)
}
