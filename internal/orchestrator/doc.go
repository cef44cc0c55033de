// Package orchestrator owns the lifecycle of download items.
//
// The Orchestrator persists each item, hands it to the selected download
// backend, and consumes the task's event stream on a dedicated goroutine so
// writes for one item are serialized. Every live task is registered with a
// generation in a downloader.Registry; an event is applied only while its
// generation is still current, which fences late events after a delete or a
// terminal transition.
//
// On completion the downloaded files are filtered by content type, classified
// by the attached rule's describe hook, and handed to the Ingestor. Recover
// fails every item left unfinished by a previous process.
package orchestrator
