// Package feed retrieves subscription feeds over HTTP and flattens them into
// Entry values, the shape rule hooks receive.
//
// Requests are bounded by a per-request timeout and a per-host token bucket so
// sources sharing a host do not hammer it when their schedules coincide.
package feed
