// Package ipc is the control channel between the feedloom CLI and the
// daemon: a JSON-RPC service named "Feedloom" served on a Unix socket.
//
// Server registers one method per CLI operation and delegates to the daemon
// facade and the subscription service. Client wraps those methods with typed
// request and response structs. Responses carry api package DTOs, the same
// shapes the HTTP API returns.
package ipc
