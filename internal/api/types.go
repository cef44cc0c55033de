package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Download describes a download item in a transport-friendly format.
type Download struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	URL        string          `json:"url"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	SourceID   int64           `json:"sourceId,omitempty"`
	RuleID     int64           `json:"ruleId,omitempty"`
	FetchLogID int64           `json:"fetchLogId,omitempty"`
	SaveDir    string          `json:"saveDir,omitempty"`
	Entry      json.RawMessage `json:"entry,omitempty"`
	Progress   *Progress       `json:"progress,omitempty"`
	CreatedAt  string          `json:"createdAt,omitempty"`
	UpdatedAt  string          `json:"updatedAt,omitempty"`
}

// Progress captures live transfer counters reported by the backend.
type Progress struct {
	TotalBytes     int64   `json:"totalBytes"`
	CompletedBytes int64   `json:"completedBytes"`
	BytesPerSecond int64   `json:"bytesPerSecond"`
	Percent        float64 `json:"percent"`
}

// Source describes a polled feed.
type Source struct {
	ID        int64   `json:"id"`
	URL       string  `json:"url"`
	Title     string  `json:"title,omitempty"`
	Remark    string  `json:"remark,omitempty"`
	Cron      string  `json:"cron"`
	Enabled   bool    `json:"enabled"`
	Owner     string  `json:"owner,omitempty"`
	RuleIDs   []int64 `json:"ruleIds"`
	NextRun   string  `json:"nextRun,omitempty"`
	PrevRun   string  `json:"prevRun,omitempty"`
	CreatedAt string  `json:"createdAt,omitempty"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

// Rule describes stored rule code.
type Rule struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Series    string          `json:"series,omitempty"`
	CodeHash  string          `json:"codeHash"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
}

// FetchLog describes one fetch job execution.
type FetchLog struct {
	ID           int64  `json:"id"`
	SourceID     int64  `json:"sourceId"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	EntryCount   int    `json:"entryCount"`
	MatchedCount int    `json:"matchedCount"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
}

// RuleError describes one failed rule hook invocation.
type RuleError struct {
	ID             int64           `json:"id"`
	RuleID         int64           `json:"ruleId"`
	SourceID       int64           `json:"sourceId,omitempty"`
	FetchLogID     int64           `json:"fetchLogId,omitempty"`
	DownloadItemID int64           `json:"downloadItemId,omitempty"`
	Hook           string          `json:"hook"`
	Entry          json.RawMessage `json:"entry,omitempty"`
	Error          string          `json:"error"`
	CreatedAt      string          `json:"createdAt,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running         bool           `json:"running"`
	PID             int            `json:"pid"`
	Backend         string         `json:"backend"`
	BackendReady    bool           `json:"backendReady"`
	BackendError    string         `json:"backendError,omitempty"`
	ActiveDownloads int            `json:"activeDownloads"`
	DownloadStats   map[string]int `json:"downloadStats"`
	QueueDepth      int            `json:"queueDepth"`
	Schedules       int            `json:"schedules"`
	DatabasePath    string         `json:"databasePath"`
	LockFilePath    string         `json:"lockFilePath"`
	DownloadDir     string         `json:"downloadDir"`
	DiskFreeBytes   uint64         `json:"diskFreeBytes"`
}

// DownloadListResponse wraps a collection of downloads.
type DownloadListResponse struct {
	Items []Download `json:"items"`
}

// DownloadResponse wraps a single download.
type DownloadResponse struct {
	Item Download `json:"item"`
}

// SourceListResponse wraps a collection of sources.
type SourceListResponse struct {
	Items []Source `json:"items"`
}

// FetchLogListResponse wraps a collection of fetch logs.
type FetchLogListResponse struct {
	Items []FetchLog `json:"items"`
}

// RuleErrorListResponse wraps a collection of rule errors.
type RuleErrorListResponse struct {
	Items []RuleError `json:"items"`
}

// RunResponse reports whether a manual source run was queued.
type RunResponse struct {
	SourceID int64 `json:"sourceId"`
	Queued   bool  `json:"queued"`
}
