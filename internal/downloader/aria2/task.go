package aria2

import (
	"context"
	"errors"
	"sync"

	"feedloom/internal/downloader"
	"feedloom/internal/services"
)

type task struct {
	id      int64
	adapter *Adapter
	emitter *downloader.Emitter

	mu   sync.Mutex
	gids []string
}

func (t *task) ID() int64 { return t.id }

func (t *task) Events() <-chan downloader.Event { return t.emitter.Events() }

func (t *task) current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gids[len(t.gids)-1]
}

func (t *task) allGIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.gids...)
}

func (t *task) follow(gids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, gid := range gids {
		known := false
		for _, existing := range t.gids {
			if existing == gid {
				known = true
				break
			}
		}
		if !known {
			t.gids = append(t.gids, gid)
		}
	}
}

// Pause pauses the active GID and waits for aria2 to confirm it with
// onDownloadPause.
func (t *task) Pause(ctx context.Context) error {
	return t.setRunState(ctx, "aria2.pause", true)
}

// Unpause resumes the active GID and waits for aria2 to confirm it with
// onDownloadStart.
func (t *task) Unpause(ctx context.Context) error {
	return t.setRunState(ctx, "aria2.unpause", false)
}

func (t *task) setRunState(ctx context.Context, method string, paused bool) error {
	if t.emitter.Closed() {
		return errors.New("aria2: task already finished")
	}
	if t.emitter.IsPaused() == paused {
		return nil
	}
	if err := t.adapter.call(ctx, method, []any{t.current()}, nil); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, t.adapter.requestTimeout)
	defer cancel()
	if err := t.emitter.WaitPaused(waitCtx, paused); err != nil {
		return services.Wrap(services.ErrTimeout, "aria2", method, "no confirmation from aria2", err)
	}
	return nil
}

// Remove stops the task in aria2. A GID aria2 no longer knows is treated as
// already removed.
func (t *task) Remove(ctx context.Context) error {
	if !t.emitter.Closed() {
		err := t.adapter.call(ctx, "aria2.remove", []any{t.current()}, nil)
		var rpcErr *rpcError
		if err != nil && !errors.As(err, &rpcErr) {
			return err
		}
	}
	t.emitter.Removed()
	t.adapter.forget(t)
	return nil
}
