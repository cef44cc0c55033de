package store

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a download item.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaused  Status = "PAUSED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// InterruptedReason is the error recorded on items failed during startup recovery.
const InterruptedReason = "interrupted by restart"

var allStatuses = []Status{StatusPending, StatusPaused, StatusSuccess, StatusFailed}

// allowedTransitions lists the predecessor statuses each status may be entered from.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusPaused},
	StatusPaused:  {StatusPending},
	StatusSuccess: {StatusPending},
	StatusFailed:  {StatusPending, StatusPaused},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status ends the item lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// CanTransition reports whether the lifecycle permits moving from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// FetchStatus represents the outcome of one fetch job execution.
type FetchStatus string

const (
	FetchPending FetchStatus = "PENDING"
	FetchSuccess FetchStatus = "SUCCESS"
	FetchFailed  FetchStatus = "FAILED"
)

// Source is a polled feed endpoint.
type Source struct {
	ID        int64
	URL       string
	Title     string
	Remark    string
	Cron      string
	Enabled   bool
	Owner     string
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	RuleIDs   []int64
}

// Active reports whether the source should have an installed schedule.
func (s Source) Active() bool {
	return s.Enabled && s.DeletedAt == nil
}

// Rule is a stored reference to user-supplied rule code.
type Rule struct {
	ID        int64
	Name      string
	CodePath  string
	CodeHash  string
	Series    string
	MetaJSON  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DownloadItem is the durable record of one download task.
type DownloadItem struct {
	ID         int64
	Name       string
	URL        string
	URLHash    string
	Status     Status
	Error      string
	EntryJSON  string
	SourceID   int64
	RuleID     int64
	FetchLogID int64
	SaveDir    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FetchLog records one fetch job execution for a source.
type FetchLog struct {
	ID           int64
	SourceID     int64
	Status       FetchStatus
	Error        string
	EntryCount   int
	MatchedCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuleErrorLog records one failed rule evaluation.
type RuleErrorLog struct {
	ID             int64
	RuleID         int64
	SourceID       int64
	FetchLogID     int64
	DownloadItemID int64
	Hook           string
	EntryJSON      string
	Error          string
	CreatedAt      time.Time
}

// Media is a file handed to the library by the ingestion collaborator.
type Media struct {
	ID             int64
	DownloadItemID int64
	Path           string
	Hash           string
	MimeType       string
	Size           int64
	Name           string
	CreatedAt      time.Time
}

// Episode links a series episode number to a media record.
type Episode struct {
	ID       int64
	SeriesID int64
	Series   string
	Number   float64
	MediaID  int64
}
