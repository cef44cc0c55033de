// Package library moves completed downloads into the media library and keeps
// the media, series and episode tables in step with what lands there.
//
// Service is the default media-ingestion collaborator of the download
// orchestrator. Placement follows the rule's describe descriptor when one is
// present: an explicit save path, a series/episode pair, or the unsorted
// directory as the fallback. Moves prefer a rename and fall back to a
// verified copy when the library lives on another filesystem.
package library
