package ipc

import (
	"feedloom/internal/api"
	"feedloom/internal/subscription"
)

// serviceName is the RPC service name registered by the server.
const serviceName = "Feedloom"

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents daemon runtime information.
type StatusResponse struct {
	Status api.DaemonStatus `json:"status"`
}

// SourceListRequest lists live sources.
type SourceListRequest struct{}

// SourceListResponse contains sources.
type SourceListResponse struct {
	Items []api.Source `json:"items"`
}

// SourceInput carries editable source fields.
type SourceInput = subscription.SourceInput

// SourceAddRequest creates a source.
type SourceAddRequest struct {
	Source SourceInput `json:"source"`
}

// SourceUpdateRequest replaces the editable fields of a source.
type SourceUpdateRequest struct {
	ID     int64       `json:"id"`
	Source SourceInput `json:"source"`
}

// SourceEnableRequest toggles polling of a source.
type SourceEnableRequest struct {
	ID      int64 `json:"id"`
	Enabled bool  `json:"enabled"`
}

// SourceResponse wraps one source.
type SourceResponse struct {
	Item api.Source `json:"item"`
}

// SourceRemoveRequest soft-deletes a source.
type SourceRemoveRequest struct {
	ID int64 `json:"id"`
}

// SourceRemoveResponse reports removal.
type SourceRemoveResponse struct {
	Removed bool `json:"removed"`
}

// SourceRunRequest fetches a source immediately.
type SourceRunRequest struct {
	ID int64 `json:"id"`
}

// SourceRunResponse reports whether a new fetch was queued.
type SourceRunResponse struct {
	Queued bool `json:"queued"`
}

// RuleListRequest lists rules.
type RuleListRequest struct{}

// RuleListResponse contains rules.
type RuleListResponse struct {
	Items []api.Rule `json:"items"`
}

// RuleAddRequest stores new rule code.
type RuleAddRequest struct {
	Name   string `json:"name"`
	Series string `json:"series"`
	Code   string `json:"code"`
}

// RuleResponse wraps one rule.
type RuleResponse struct {
	Item api.Rule `json:"item"`
}

// RuleShowRequest fetches a rule and its code.
type RuleShowRequest struct {
	ID int64 `json:"id"`
}

// RuleShowResponse wraps a rule with its code.
type RuleShowResponse struct {
	Item api.Rule `json:"item"`
	Code string   `json:"code"`
}

// RuleUpdateRequest edits a rule. Nil fields are left unchanged.
type RuleUpdateRequest struct {
	ID     int64   `json:"id"`
	Name   *string `json:"name,omitempty"`
	Series *string `json:"series,omitempty"`
	Code   *string `json:"code,omitempty"`
}

// RuleRemoveRequest deletes a rule.
type RuleRemoveRequest struct {
	ID int64 `json:"id"`
}

// RuleRemoveResponse reports removal.
type RuleRemoveResponse struct {
	Removed bool `json:"removed"`
}

// DownloadListRequest filters download listing.
type DownloadListRequest struct {
	Statuses []string `json:"statuses"`
	SourceID int64    `json:"source_id"`
	Limit    int      `json:"limit"`
}

// DownloadListResponse contains downloads.
type DownloadListResponse struct {
	Items []api.Download `json:"items"`
}

// DownloadShowRequest fetches one download with live progress.
type DownloadShowRequest struct {
	ID int64 `json:"id"`
}

// DownloadAddRequest starts a download outside any feed.
type DownloadAddRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// DownloadControlRequest identifies a download to pause or resume.
type DownloadControlRequest struct {
	ID int64 `json:"id"`
}

// DownloadResponse wraps one download.
type DownloadResponse struct {
	Item api.Download `json:"item"`
}

// DownloadRemoveRequest selects downloads to delete.
type DownloadRemoveRequest struct {
	IDs      []int64  `json:"ids"`
	Statuses []string `json:"statuses"`
}

// DownloadRemoveResponse reports how many rows were deleted.
type DownloadRemoveResponse struct {
	Removed int `json:"removed"`
}

// FetchLogsRequest filters fetch logs.
type FetchLogsRequest struct {
	SourceID int64 `json:"source_id"`
	Limit    int   `json:"limit"`
}

// FetchLogsResponse contains fetch logs.
type FetchLogsResponse struct {
	Items []api.FetchLog `json:"items"`
}

// RuleErrorsRequest filters rule error logs.
type RuleErrorsRequest struct {
	RuleID int64 `json:"rule_id"`
	Limit  int   `json:"limit"`
}

// RuleErrorsResponse contains rule error logs.
type RuleErrorsResponse struct {
	Items []api.RuleError `json:"items"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse captures the notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

// LogTailRequest reads the daemon log. A negative Offset returns the last
// Limit lines.
type LogTailRequest struct {
	Offset     int64  `json:"offset"`
	Limit      int    `json:"limit"`
	Follow     bool   `json:"follow"`
	WaitMillis int    `json:"wait_ms"`
	Component  string `json:"component"`
}

// LogTailResponse carries log lines and the offset to resume from.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}
