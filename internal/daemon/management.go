package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"feedloom/internal/api"
	"feedloom/internal/logging"
	"feedloom/internal/orchestrator"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:         d.running.Load(),
		PID:             os.Getpid(),
		Backend:         d.orch.Backend(),
		BackendReady:    d.orch.Ready(),
		ActiveDownloads: d.orch.Active(),
		QueueDepth:      d.queue.Len(),
		Schedules:       d.scheduler.Len(),
		DatabasePath:    d.store.Path(),
		LockFilePath:    d.lockPath,
		DownloadDir:     d.cfg.Paths.DownloadDir,
	}
	if err := d.supervisor.LastError(); err != nil && !status.BackendReady {
		status.BackendError = err.Error()
	}
	if stats, err := d.store.DownloadStats(ctx); err == nil {
		status.DownloadStats = api.MergeDownloadStats(stats)
	} else {
		d.logger.Warn("download stats unavailable", logging.Error(err))
		status.DownloadStats = api.MergeDownloadStats(nil)
	}
	if free, err := diskFree(d.cfg.Paths.DownloadDir); err == nil {
		status.DiskFreeBytes = free
	}
	return status
}

// Sources lists live sources with their next scheduled run.
func (d *Daemon) Sources(ctx context.Context) ([]api.Source, error) {
	sources, err := d.subs.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	return api.FromSources(sources, d.scheduler.Entries()), nil
}

// DescribeSource renders src with its installed schedule, if any.
func (d *Daemon) DescribeSource(src *store.Source) api.Source {
	for _, entry := range d.scheduler.Entries() {
		if entry.SourceID == src.ID {
			return api.FromSource(src, &entry)
		}
	}
	return api.FromSource(src, nil)
}

// RunSource enqueues an immediate fetch of a live source. The returned bool
// is false when a fetch for the source was already waiting.
func (d *Daemon) RunSource(ctx context.Context, id int64) (bool, error) {
	if _, err := d.subs.GetSource(ctx, id); err != nil {
		return false, err
	}
	return d.scheduler.RunNow(id)
}

// ListDownloads returns download items matching filter, newest first.
func (d *Daemon) ListDownloads(ctx context.Context, filter orchestrator.Filter) ([]*store.DownloadItem, error) {
	return d.orch.List(ctx, filter)
}

// DescribeDownload returns one download with live progress when the backend
// still tracks it.
func (d *Daemon) DescribeDownload(ctx context.Context, id int64) (api.Download, error) {
	item, err := d.orch.GetTask(ctx, id)
	if err != nil {
		return api.Download{}, err
	}
	dto := api.FromDownloadItem(item)
	if item.Status.IsTerminal() {
		return dto, nil
	}
	state, err := d.orch.State(ctx, id)
	switch {
	case err == nil:
		dto.Progress = api.FromState(state)
	case errors.Is(err, services.ErrNotFound):
	default:
		d.logger.Debug("download progress unavailable", logging.Int64(logging.FieldItemID, id), logging.Error(err))
	}
	return dto, nil
}

// AddDownload starts a download that did not come from a feed.
func (d *Daemon) AddDownload(ctx context.Context, url, name string) (*store.DownloadItem, error) {
	return d.orch.CreateTask(ctx, url, orchestrator.Metadata{Name: name})
}

// PauseDownload pauses a live download.
func (d *Daemon) PauseDownload(ctx context.Context, id int64) (*store.DownloadItem, error) {
	return d.orch.Pause(ctx, id)
}

// ResumeDownload resumes a paused download.
func (d *Daemon) ResumeDownload(ctx context.Context, id int64) (*store.DownloadItem, error) {
	return d.orch.Resume(ctx, id)
}

// RemoveDownloads deletes the items matching filter.
func (d *Daemon) RemoveDownloads(ctx context.Context, filter orchestrator.Filter) (int, error) {
	return d.orch.Delete(ctx, filter)
}

// FetchLogs returns recent fetch logs, optionally for one source.
func (d *Daemon) FetchLogs(ctx context.Context, sourceID int64, limit int) ([]*store.FetchLog, error) {
	return d.store.ListFetchLogs(ctx, sourceID, limit)
}

// RuleErrors returns recent rule errors, optionally for one rule.
func (d *Daemon) RuleErrors(ctx context.Context, ruleID int64, limit int) ([]*store.RuleErrorLog, error) {
	return d.store.ListRuleErrorLogs(ctx, ruleID, limit)
}

// TestNotification triggers a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

func diskFree(path string) (uint64, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("path is empty")
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
