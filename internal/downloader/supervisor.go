package downloader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"feedloom/internal/logging"
	"feedloom/internal/services"
)

// Supervisor initializes an adapter in the background, retrying at a fixed
// interval until it succeeds. While the adapter is not ready, CreateTask fails
// fast with services.ErrAdapterUnavailable.
type Supervisor struct {
	adapter  Adapter
	interval time.Duration
	logger   *slog.Logger

	initialized atomic.Bool
	attempts    atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewSupervisor wraps adapter.
func NewSupervisor(adapter Adapter, interval time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{
		adapter:  adapter,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, "downloader").With(logging.String(logging.FieldBackend, adapter.Name())),
	}
}

// Start launches the initialize loop. Calling Start twice is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

// Stop ends the initialize loop and closes the adapter.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return s.adapter.Close()
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		attempt := s.attempts.Add(1)
		err := s.adapter.Initialize(ctx)
		if err == nil {
			s.initialized.Store(true)
			s.setLastErr(nil)
			s.logger.Info("download backend ready", logging.Int64("attempts", attempt))
			return
		}
		s.setLastErr(err)
		if attempt == 1 || attempt%12 == 0 {
			logging.WarnWithContext(s.logger, "download backend unavailable; retrying", "adapter_init_failed",
				logging.Error(err),
				logging.Int64("attempt", attempt),
				logging.Duration("retry_in", s.interval),
				logging.String(logging.FieldErrorHint, "check that the download backend is running and reachable"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

func (s *Supervisor) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// LastError returns the most recent initialize failure.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Name returns the wrapped adapter name.
func (s *Supervisor) Name() string { return s.adapter.Name() }

// Initialize runs one initialize attempt synchronously.
func (s *Supervisor) Initialize(ctx context.Context) error {
	if s.initialized.Load() {
		return nil
	}
	if err := s.adapter.Initialize(ctx); err != nil {
		return err
	}
	s.initialized.Store(true)
	return nil
}

// Ready reports whether the adapter is initialized and currently usable.
func (s *Supervisor) Ready() bool {
	return s.initialized.Load() && s.adapter.Ready()
}

// CreateTask delegates to the adapter once it is ready.
func (s *Supervisor) CreateTask(ctx context.Context, req TaskRequest) (Task, error) {
	if !s.Ready() {
		return nil, services.Wrap(services.ErrAdapterUnavailable, "downloader", "create task", s.adapter.Name()+" not ready", s.LastError())
	}
	return s.adapter.CreateTask(ctx, req)
}

// State delegates to the adapter.
func (s *Supervisor) State(ctx context.Context, task Task) (State, error) {
	if !s.Ready() {
		return State{}, services.Wrap(services.ErrAdapterUnavailable, "downloader", "state", s.adapter.Name()+" not ready", nil)
	}
	return s.adapter.State(ctx, task)
}

// Close closes the wrapped adapter.
func (s *Supervisor) Close() error {
	return s.Stop()
}
