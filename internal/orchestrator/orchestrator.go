package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/feed"
	"feedloom/internal/library"
	"feedloom/internal/logging"
	"feedloom/internal/notifications"
	"feedloom/internal/sandbox"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

const lockStripes = 64

// Filter selects download items for List and Delete.
type Filter = store.DownloadFilter

// Metadata carries the provenance of a download request.
type Metadata struct {
	Name       string
	SourceID   int64
	RuleID     int64
	FetchLogID int64
	Entry      *feed.Entry
	SaveDir    string
}

// Orchestrator coordinates download items between the store and a backend.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	adapter  downloader.Adapter
	registry *downloader.Registry
	sandbox  *sandbox.Sandbox
	ingestor Ingestor
	notifier notifications.Service
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures optional Orchestrator collaborators.
type Option func(*Orchestrator)

// WithIngestor replaces the default library ingestion service.
func WithIngestor(ingestor Ingestor) Option {
	return func(o *Orchestrator) { o.ingestor = ingestor }
}

// WithNotifier replaces the configured notification service.
func WithNotifier(notifier notifications.Service) Option {
	return func(o *Orchestrator) { o.notifier = notifier }
}

// WithSandbox shares an existing rule sandbox.
func WithSandbox(sb *sandbox.Sandbox) Option {
	return func(o *Orchestrator) { o.sandbox = sb }
}

// New constructs an orchestrator for adapter.
func New(cfg *config.Config, st *store.Store, adapter downloader.Adapter, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "orchestrator").With(logging.String(logging.FieldBackend, adapter.Name()))
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		adapter:  adapter,
		registry: downloader.NewRegistry(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sandbox == nil {
		o.sandbox = sandbox.New(cfg, logger)
	}
	if o.ingestor == nil {
		o.ingestor = library.NewService(cfg, st, logger)
	}
	if o.notifier == nil {
		o.notifier = notifications.NewService(cfg)
	}
	return o
}

// Backend returns the adapter name.
func (o *Orchestrator) Backend() string {
	return o.adapter.Name()
}

// Ready reports whether the backend accepts new tasks.
func (o *Orchestrator) Ready() bool {
	return o.adapter.Ready()
}

// Active returns the number of live tasks.
func (o *Orchestrator) Active() int {
	return o.registry.Len()
}

// CreateTask persists a PENDING item for url and starts it on the backend.
// It fails with services.ErrAdapterUnavailable, persisting nothing, while the
// backend is not ready, and with services.ErrDuplicateTask while another
// PENDING or PAUSED item exists for the same url. When a ready backend refuses
// the task, the item is marked FAILED and the backend error is returned.
func (o *Orchestrator) CreateTask(ctx context.Context, url string, meta Metadata) (*store.DownloadItem, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, services.Wrap(services.ErrValidation, "orchestrator", "create task", "url is required", nil)
	}
	if !o.adapter.Ready() {
		return nil, services.Wrap(services.ErrAdapterUnavailable, "orchestrator", "create task",
			o.adapter.Name()+" not ready", nil)
	}
	hash := store.HashURL(url)

	var entryJSON string
	name := strings.TrimSpace(meta.Name)
	if meta.Entry != nil {
		data, err := json.Marshal(meta.Entry)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "orchestrator", "create task", "encode feed entry", err)
		}
		entryJSON = string(data)
		if name == "" {
			name = strings.TrimSpace(meta.Entry.Title)
		}
	}
	if name == "" {
		name = url
	}
	saveDir := strings.TrimSpace(meta.SaveDir)
	if saveDir == "" {
		saveDir = filepath.Join(o.cfg.Paths.DownloadDir, hash[:16])
	}

	item, err := o.store.CreateDownload(ctx, store.DownloadItem{
		Name:       name,
		URL:        url,
		URLHash:    hash,
		EntryJSON:  entryJSON,
		SourceID:   meta.SourceID,
		RuleID:     meta.RuleID,
		FetchLogID: meta.FetchLogID,
		SaveDir:    saveDir,
	})
	if errors.Is(err, services.ErrDuplicateTask) {
		if existing, ferr := o.store.FindActiveByHash(ctx, hash); ferr == nil && existing != nil {
			return nil, services.Wrap(services.ErrDuplicateTask, "orchestrator", "create task",
				fmt.Sprintf("download %d is %s for this url", existing.ID, existing.Status), nil)
		}
	}
	if err != nil {
		return nil, err
	}

	mu := o.lock(item.ID)
	defer mu.Unlock()

	logger := logging.WithContext(services.WithItemID(ctx, item.ID), o.logger)
	task, err := o.adapter.CreateTask(ctx, downloader.TaskRequest{
		ID:      item.ID,
		URL:     url,
		Name:    name,
		SaveDir: saveDir,
	})
	if err != nil {
		if _, terr := o.store.TransitionDownload(ctx, item.ID, store.StatusFailed, err.Error()); terr != nil {
			logger.Error("mark refused task failed", logging.Error(terr))
		}
		logging.WarnWithContext(logger, "download backend refused task", "task_refused",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the download backend is running"),
			logging.String(logging.FieldImpact, "item marked FAILED"),
		)
		return nil, fmt.Errorf("start download %d: %w", item.ID, err)
	}

	generation := o.registry.Register(item.ID, task)
	o.wg.Add(1)
	go o.consume(item.ID, generation, task)

	logger.Info("download task created",
		logging.String("name", name),
		logging.Int64(logging.FieldSourceID, meta.SourceID),
		logging.Int64(logging.FieldRuleID, meta.RuleID),
	)
	return item, nil
}

// GetTask returns the item with id.
func (o *Orchestrator) GetTask(ctx context.Context, id int64) (*store.DownloadItem, error) {
	item, err := o.store.GetDownload(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, services.Wrap(services.ErrNotFound, "orchestrator", "get task", fmt.Sprintf("download %d", id), nil)
	}
	return item, nil
}

// List returns items matching filter, newest first.
func (o *Orchestrator) List(ctx context.Context, filter Filter) ([]*store.DownloadItem, error) {
	return o.store.ListDownloads(ctx, filter)
}

// State returns the backend progress of a live task.
func (o *Orchestrator) State(ctx context.Context, id int64) (downloader.State, error) {
	task, _, ok := o.registry.Lookup(id)
	if !ok {
		return downloader.State{}, services.Wrap(services.ErrNotFound, "orchestrator", "state",
			fmt.Sprintf("no live task for download %d", id), nil)
	}
	return o.adapter.State(ctx, task)
}

// Recover fails every PENDING or PAUSED item left by a previous process. It
// must run before the first CreateTask.
func (o *Orchestrator) Recover(ctx context.Context) ([]int64, error) {
	ids, err := o.store.FailInterrupted(ctx, store.InterruptedReason)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "orchestrator", "recover", "fail interrupted items", err)
	}
	if len(ids) > 0 {
		logging.WarnWithContext(o.logger, "interrupted downloads marked failed", "restart_recovery",
			logging.Int("count", len(ids)),
			logging.String(logging.FieldErrorHint, "re-run the source or add the download again"),
			logging.String(logging.FieldImpact, "unfinished downloads will not resume"),
		)
	}
	return ids, nil
}

// Stop stops consuming task events and waits for consumers to exit. Backend
// tasks are left running; the next start recovers their items.
func (o *Orchestrator) Stop() {
	if ids := o.registry.IDs(); len(ids) > 0 {
		o.logger.Info("leaving backend tasks running", logging.Any("item_ids", ids))
	}
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) lock(id int64) *sync.Mutex {
	idx := id % lockStripes
	if idx < 0 {
		idx = -idx
	}
	mu := &o.locks[idx]
	mu.Lock()
	return mu
}
