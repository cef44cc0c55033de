package swarm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"feedloom/internal/downloader"
)

type task struct {
	id      int64
	adapter *Adapter
	torrent *torrent.Torrent
	storage storage.ClientImplCloser
	saveDir string
	emitter *downloader.Emitter

	stop     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	lastBytes int64
	lastAt    time.Time
}

func (t *task) ID() int64 { return t.id }

func (t *task) Events() <-chan downloader.Event { return t.emitter.Events() }

// Pause stops requesting data; connected peers stay attached.
func (t *task) Pause(context.Context) error {
	if t.emitter.Closed() {
		return errors.New("swarm: task already finished")
	}
	t.torrent.DisallowDataDownload()
	t.emitter.Paused()
	return nil
}

// Unpause resumes requesting data.
func (t *task) Unpause(context.Context) error {
	if t.emitter.Closed() {
		return errors.New("swarm: task already finished")
	}
	t.torrent.AllowDataDownload()
	t.emitter.Started()
	return nil
}

// Remove drops the torrent. Downloaded data stays on disk.
func (t *task) Remove(context.Context) error {
	if t.emitter.Removed() {
		t.adapter.release(t)
	}
	return nil
}

func (t *task) snapshot() downloader.State {
	var state downloader.State
	if t.torrent.Info() == nil {
		return state
	}
	state.TotalLength = t.torrent.Length()
	state.CompletedLength = t.torrent.BytesCompleted()
	if state.TotalLength > 0 {
		state.Progress = float64(state.CompletedLength) / float64(state.TotalLength)
	}

	now := time.Now()
	t.mu.Lock()
	if !t.lastAt.IsZero() {
		if elapsed := now.Sub(t.lastAt).Seconds(); elapsed > 0 {
			state.DownloadSpeed = int64(float64(state.CompletedLength-t.lastBytes) / elapsed)
		}
	}
	t.lastBytes = state.CompletedLength
	t.lastAt = now
	t.mu.Unlock()
	if state.DownloadSpeed < 0 {
		state.DownloadSpeed = 0
	}
	return state
}
