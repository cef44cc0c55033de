package api

import (
	"encoding/json"
	"time"

	"feedloom/internal/downloader"
	"feedloom/internal/scheduler"
	"feedloom/internal/store"
)

// FromDownloadItem converts a download record to its API representation.
func FromDownloadItem(item *store.DownloadItem) Download {
	if item == nil {
		return Download{}
	}
	dto := Download{
		ID:         item.ID,
		Name:       item.Name,
		URL:        item.URL,
		Status:     string(item.Status),
		Error:      item.Error,
		SourceID:   item.SourceID,
		RuleID:     item.RuleID,
		FetchLogID: item.FetchLogID,
		SaveDir:    item.SaveDir,
		Entry:      rawJSON(item.EntryJSON),
		CreatedAt:  formatTime(item.CreatedAt),
		UpdatedAt:  formatTime(item.UpdatedAt),
	}
	return dto
}

// FromDownloadItems converts a slice of download records, skipping nils.
func FromDownloadItems(items []*store.DownloadItem) []Download {
	out := make([]Download, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, FromDownloadItem(item))
	}
	return out
}

// FromState converts backend counters into progress.
func FromState(state downloader.State) *Progress {
	return &Progress{
		TotalBytes:     state.TotalLength,
		CompletedBytes: state.CompletedLength,
		BytesPerSecond: state.DownloadSpeed,
		Percent:        state.Progress * 100,
	}
}

// FromSource converts a source and its installed schedule, if any.
func FromSource(src *store.Source, schedule *scheduler.Entry) Source {
	if src == nil {
		return Source{}
	}
	ruleIDs := src.RuleIDs
	if ruleIDs == nil {
		ruleIDs = []int64{}
	}
	dto := Source{
		ID:        src.ID,
		URL:       src.URL,
		Title:     src.Title,
		Remark:    src.Remark,
		Cron:      src.Cron,
		Enabled:   src.Enabled,
		Owner:     src.Owner,
		RuleIDs:   ruleIDs,
		CreatedAt: formatTime(src.CreatedAt),
		UpdatedAt: formatTime(src.UpdatedAt),
	}
	if schedule != nil {
		dto.NextRun = formatTime(schedule.Next)
		dto.PrevRun = formatTime(schedule.Prev)
	}
	return dto
}

// FromSources converts sources, matching each to its schedule entry.
func FromSources(sources []*store.Source, schedules []scheduler.Entry) []Source {
	bySource := make(map[int64]*scheduler.Entry, len(schedules))
	for i := range schedules {
		bySource[schedules[i].SourceID] = &schedules[i]
	}
	out := make([]Source, 0, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		out = append(out, FromSource(src, bySource[src.ID]))
	}
	return out
}

// FromRule converts a rule record.
func FromRule(rule *store.Rule) Rule {
	if rule == nil {
		return Rule{}
	}
	return Rule{
		ID:        rule.ID,
		Name:      rule.Name,
		Series:    rule.Series,
		CodeHash:  rule.CodeHash,
		Meta:      rawJSON(rule.MetaJSON),
		CreatedAt: formatTime(rule.CreatedAt),
	}
}

// FromRules converts a slice of rule records.
func FromRules(rules []*store.Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule != nil {
			out = append(out, FromRule(rule))
		}
	}
	return out
}

// FromFetchLogs converts fetch log records.
func FromFetchLogs(logs []*store.FetchLog) []FetchLog {
	out := make([]FetchLog, 0, len(logs))
	for _, fl := range logs {
		if fl == nil {
			continue
		}
		out = append(out, FetchLog{
			ID:           fl.ID,
			SourceID:     fl.SourceID,
			Status:       string(fl.Status),
			Error:        fl.Error,
			EntryCount:   fl.EntryCount,
			MatchedCount: fl.MatchedCount,
			CreatedAt:    formatTime(fl.CreatedAt),
			UpdatedAt:    formatTime(fl.UpdatedAt),
		})
	}
	return out
}

// FromRuleErrorLogs converts rule error records.
func FromRuleErrorLogs(logs []*store.RuleErrorLog) []RuleError {
	out := make([]RuleError, 0, len(logs))
	for _, rl := range logs {
		if rl == nil {
			continue
		}
		out = append(out, RuleError{
			ID:             rl.ID,
			RuleID:         rl.RuleID,
			SourceID:       rl.SourceID,
			FetchLogID:     rl.FetchLogID,
			DownloadItemID: rl.DownloadItemID,
			Hook:           rl.Hook,
			Entry:          rawJSON(rl.EntryJSON),
			Error:          rl.Error,
			CreatedAt:      formatTime(rl.CreatedAt),
		})
	}
	return out
}

// MergeDownloadStats returns counts for every known status, zero-filled.
func MergeDownloadStats(stats map[store.Status]int) map[string]int {
	out := make(map[string]int, len(store.AllStatuses()))
	for _, status := range store.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

func rawJSON(value string) json.RawMessage {
	if value == "" || !json.Valid([]byte(value)) {
		return nil
	}
	return json.RawMessage(value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
