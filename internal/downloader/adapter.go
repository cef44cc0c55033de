package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"feedloom/internal/config"
	"feedloom/internal/services"
)

// EventKind names a task lifecycle event.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventPaused  EventKind = "paused"
	EventDone    EventKind = "done"
	EventFailed  EventKind = "failed"
	EventRemoved EventKind = "removed"
)

// Terminal reports whether the event ends the task.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventFailed || k == EventRemoved
}

// File is a completed file on local disk.
type File struct {
	Path string
	Size int64
	Hash string
}

// Event is one task lifecycle notification.
type Event struct {
	Kind   EventKind
	Files  []File
	Reason string
}

// State is a progress snapshot.
type State struct {
	TotalLength     int64   `json:"total_length"`
	CompletedLength int64   `json:"completed_length"`
	DownloadSpeed   int64   `json:"download_speed"`
	Progress        float64 `json:"progress"`
}

// TaskRequest describes a download to start.
type TaskRequest struct {
	ID      int64
	URL     string
	Name    string
	SaveDir string
}

// Task is a backend download handle.
type Task interface {
	ID() int64
	Events() <-chan Event
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	Remove(ctx context.Context) error
}

// Adapter is a download backend.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Ready() bool
	CreateTask(ctx context.Context, req TaskRequest) (Task, error)
	State(ctx context.Context, task Task) (State, error)
	Close() error
}

// Factory builds an adapter from configuration.
type Factory func(cfg *config.Config, logger *slog.Logger) (Adapter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available to Select under name.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("downloader: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("downloader: Register called twice for " + name)
	}
	factories[name] = factory
}

// Backends lists registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select builds the adapter named by downloader.backend.
func Select(cfg *config.Config, logger *slog.Logger) (Adapter, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Downloader.Backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "downloader", "select backend",
			fmt.Sprintf("unknown backend %q (registered: %v)", cfg.Downloader.Backend, Backends()), nil)
	}
	return factory(cfg, logger)
}
