package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// Pause suspends a PENDING item. Pausing a PAUSED item is a no-op.
func (o *Orchestrator) Pause(ctx context.Context, id int64) (*store.DownloadItem, error) {
	return o.toggle(ctx, id, store.StatusPaused)
}

// Resume restarts a PAUSED item. Resuming a PENDING item is a no-op.
func (o *Orchestrator) Resume(ctx context.Context, id int64) (*store.DownloadItem, error) {
	return o.toggle(ctx, id, store.StatusPending)
}

func (o *Orchestrator) toggle(ctx context.Context, id int64, to store.Status) (*store.DownloadItem, error) {
	op := "pause"
	if to == store.StatusPending {
		op = "resume"
	}

	mu := o.lock(id)
	defer mu.Unlock()

	item, err := o.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status == to {
		return item, nil
	}
	if !store.CanTransition(item.Status, to) {
		return nil, services.Wrap(services.ErrInvalidStateTransition, "orchestrator", op,
			fmt.Sprintf("download %d is %s", id, item.Status), nil)
	}
	task, _, ok := o.registry.Lookup(id)
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "orchestrator", op,
			fmt.Sprintf("no live task for download %d", id), nil)
	}

	if to == store.StatusPaused {
		err = task.Pause(ctx)
	} else {
		err = task.Unpause(ctx)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "orchestrator", op, fmt.Sprintf("download %d", id), err)
	}
	if _, err := o.store.TransitionDownload(ctx, id, to, ""); err != nil {
		return nil, err
	}

	logging.WithContext(services.WithItemID(ctx, id), o.logger).Info("download "+op+"d",
		logging.String("status", string(to)),
	)
	return o.GetTask(ctx, id)
}

// Delete removes the items matching filter. Live tasks are deregistered and
// removed from the backend before their rows are deleted. It returns the
// number of rows deleted.
func (o *Orchestrator) Delete(ctx context.Context, filter Filter) (int, error) {
	if len(filter.IDs) == 0 && len(filter.Statuses) == 0 && filter.SourceID == 0 {
		return 0, services.Wrap(services.ErrValidation, "orchestrator", "delete", "filter selects every download", nil)
	}
	items, err := o.store.ListDownloads(ctx, filter)
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, item := range items {
		ok, err := o.deleteOne(ctx, item.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

func (o *Orchestrator) deleteOne(ctx context.Context, id int64) (bool, error) {
	mu := o.lock(id)
	defer mu.Unlock()

	logger := logging.WithContext(services.WithItemID(ctx, id), o.logger)
	if task, ok := o.registry.Deregister(id, 0); ok {
		if err := task.Remove(ctx); err != nil {
			logging.WarnWithContext(logger, "backend remove failed", "task_remove_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the transfer from the download backend manually"),
				logging.String(logging.FieldImpact, "partial data may remain on disk"),
			)
		}
	}
	ok, err := o.store.DeleteDownload(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete download %d: %w", id, err)
	}
	if ok {
		logger.Info("download deleted")
	}
	return ok, nil
}
