package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"feedloom/internal/downloader"
	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

const (
	reasonRemoved      = "removed by download backend"
	reasonStreamClosed = "download backend closed the task without a result"
)

// consume applies the events of one task until a terminal event or Stop.
func (o *Orchestrator) consume(id int64, generation uint64, task downloader.Task) {
	defer o.wg.Done()
	events := task.Events()
	for {
		select {
		case <-o.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				o.apply(id, generation, downloader.Event{Kind: downloader.EventFailed, Reason: reasonStreamClosed})
				return
			}
			o.apply(id, generation, ev)
			if ev.Kind.Terminal() {
				return
			}
		}
	}
}

func (o *Orchestrator) apply(id int64, generation uint64, ev downloader.Event) {
	mu := o.lock(id)
	defer mu.Unlock()

	ctx := services.WithItemID(o.ctx, id)
	logger := logging.WithContext(ctx, o.logger)
	if !o.registry.Current(id, generation) {
		logger.Debug("stale task event dropped", logging.String("event", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case downloader.EventStarted:
		o.transition(ctx, logger, id, store.StatusPending, "")
	case downloader.EventPaused:
		o.transition(ctx, logger, id, store.StatusPaused, "")
	case downloader.EventDone:
		o.registry.Deregister(id, generation)
		o.complete(ctx, logger, id, ev.Files)
	case downloader.EventFailed:
		o.registry.Deregister(id, generation)
		o.fail(ctx, logger, id, ev.Reason)
	case downloader.EventRemoved:
		o.registry.Deregister(id, generation)
		o.fail(ctx, logger, id, reasonRemoved)
	default:
		logger.Debug("unknown task event ignored", logging.String("event", string(ev.Kind)))
	}
}

func (o *Orchestrator) transition(ctx context.Context, logger *slog.Logger, id int64, to store.Status, reason string) bool {
	changed, err := o.store.TransitionDownload(ctx, id, to, reason)
	switch {
	case errors.Is(err, services.ErrNotFound):
		logger.Debug("event for deleted download ignored", logging.String("status", string(to)))
		return false
	case errors.Is(err, services.ErrInvalidStateTransition):
		logging.WarnWithContext(logger, "download status transition rejected", "status_transition_rejected",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "inspect the item history; the backend reported an out-of-order event"),
			logging.String(logging.FieldImpact, "event ignored"),
		)
		return false
	case err != nil:
		logging.ErrorWithContext(logger, "persist download status failed", "status_persist_failed",
			logging.Error(err),
			logging.String("status", string(to)),
		)
		return false
	}
	if changed {
		logger.Info("download status changed", logging.String("status", string(to)))
	}
	return changed
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, id int64, reason string) {
	if reason == "" {
		reason = "download failed"
	}
	if !o.transition(ctx, logger, id, store.StatusFailed, reason) {
		return
	}
	item, err := o.store.GetDownload(ctx, id)
	if err != nil || item == nil {
		return
	}
	if err := o.notifier.NotifyDownloadFailed(ctx, item.Name, reason); err != nil {
		logger.Warn("download failure notification failed", logging.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, logger *slog.Logger, id int64, files []downloader.File) {
	item, err := o.store.GetDownload(ctx, id)
	if err != nil {
		logging.ErrorWithContext(logger, "load completed download failed", "status_persist_failed", logging.Error(err))
		return
	}
	if item == nil {
		return
	}
	if item.Status == store.StatusPaused {
		o.transition(ctx, logger, id, store.StatusPending, "")
	}
	if !o.transition(ctx, logger, id, store.StatusSuccess, "") {
		return
	}
	item.Status = store.StatusSuccess

	logger.Info("download completed", logging.Int("files", len(files)))
	o.ingest(ctx, logger, item, files)

	if err := o.notifier.NotifyDownloadCompleted(ctx, item.Name, len(files)); err != nil {
		logger.Warn("download completion notification failed", logging.Error(err))
	}
}
