package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/fetcher"
	"feedloom/internal/logging"
	"feedloom/internal/notifications"
	"feedloom/internal/orchestrator"
	"feedloom/internal/sandbox"
	"feedloom/internal/scheduler"
	"feedloom/internal/store"
	"feedloom/internal/subscription"
)

// Daemon coordinates the background services and enforces single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	supervisor *downloader.Supervisor
	orch       *orchestrator.Orchestrator
	queue      *fetcher.Queue
	worker     *fetcher.Worker
	scheduler  *scheduler.Scheduler
	subs       *subscription.Service
	notifier   notifications.Service
	api        *apiServer

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	stopped bool
	cancel  context.CancelFunc
}

type options struct {
	adapter  downloader.Adapter
	notifier notifications.Service
	feeds    fetcher.FeedSource
}

// Option customizes daemon collaborators.
type Option func(*options)

// WithAdapter bypasses backend selection from configuration.
func WithAdapter(adapter downloader.Adapter) Option {
	return func(o *options) { o.adapter = adapter }
}

// WithNotifier replaces the configured notification service.
func WithNotifier(notifier notifications.Service) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithFeedSource replaces the HTTP feed client used by fetch workers.
func WithFeedSource(feeds fetcher.FeedSource) Option {
	return func(o *options) { o.feeds = feeds }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	adapter := o.adapter
	if adapter == nil {
		selected, err := downloader.Select(cfg, logger)
		if err != nil {
			return nil, err
		}
		adapter = selected
	}
	notifier := o.notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}

	sb := sandbox.New(cfg, logger)
	supervisor := downloader.NewSupervisor(adapter, cfg.RetryInterval(), logger)
	orch := orchestrator.New(cfg, st, supervisor, logger,
		orchestrator.WithSandbox(sb),
		orchestrator.WithNotifier(notifier),
	)
	queue := fetcher.NewQueue(cfg, logger)
	workerOpts := []fetcher.WorkerOption{fetcher.WithSandbox(sb), fetcher.WithNotifier(notifier)}
	if o.feeds != nil {
		workerOpts = append(workerOpts, fetcher.WithFeedSource(o.feeds))
	}
	sched := scheduler.New(queue, logger)

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      st,
		supervisor: supervisor,
		orch:       orch,
		queue:      queue,
		worker:     fetcher.NewWorker(cfg, st, orch, logger, workerOpts...),
		scheduler:  sched,
		subs:       subscription.NewService(cfg, st, sb, sched, logger),
		notifier:   notifier,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, recovers interrupted downloads, and starts
// the backend supervisor, fetch workers, scheduler and HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped {
		return errors.New("daemon cannot be restarted after stop")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another feedloom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	fail := func(err error) error {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	if _, err := d.orch.Recover(runCtx); err != nil {
		return fail(fmt.Errorf("recover downloads: %w", err))
	}
	sources, err := d.store.ActiveSources(runCtx)
	if err != nil {
		return fail(fmt.Errorf("load sources: %w", err))
	}
	if err := d.api.start(runCtx); err != nil {
		return fail(err)
	}

	d.supervisor.Start(runCtx)
	d.queue.Start(runCtx, d.cfg.Fetch.Workers, d.worker.Process)
	if err := d.scheduler.Sync(sources); err != nil {
		logging.WarnWithContext(d.logger, "some sources were not scheduled", "schedule_sync_incomplete",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "fix the cron expression with feedloom source update"),
			logging.String(logging.FieldImpact, "affected sources are not polled"),
		)
	}
	d.scheduler.Start()

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("feedloom daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldBackend, d.orch.Backend()),
		logging.Int("sources", len(sources)),
		logging.Int("workers", d.cfg.Fetch.Workers),
	)
	return nil
}

// Stop halts scheduling, drains fetch workers, stops task consumers and
// releases the daemon lock. Backend transfers keep running; the next start
// fails their items during recovery.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	d.scheduler.Stop(shutdownCtx)
	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.queue.Stop()
	d.orch.Stop()
	if err := d.supervisor.Stop(); err != nil {
		d.logger.Warn("download backend close failed", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.stopped = true
	d.running.Store(false)
	d.logger.Info("feedloom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Subscriptions exposes source and rule management.
func (d *Daemon) Subscriptions() *subscription.Service {
	return d.subs
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return logging.LogFilePath(d.cfg)
}

// APIAddress returns the bound HTTP API address, or "" when the API is off.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}
