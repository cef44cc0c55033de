package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedloom/internal/fetcher"
	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// parser accepts six-field expressions with a leading seconds field plus the
// @every and @daily style descriptors.
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Enqueuer accepts fetch jobs.
type Enqueuer interface {
	Enqueue(job fetcher.Job) (bool, error)
}

// Entry describes one installed schedule.
type Entry struct {
	SourceID int64     `json:"source_id"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}

type installed struct {
	id   cron.EntryID
	spec string
}

// Scheduler keeps exactly one cron entry per active source.
type Scheduler struct {
	cron   *cron.Cron
	queue  Enqueuer
	logger *slog.Logger

	mu      sync.Mutex
	entries map[int64]installed
}

// New builds a scheduler that enqueues into queue.
func New(queue Enqueuer, logger *slog.Logger) *Scheduler {
	logger = logging.NewComponentLogger(logger, "scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger{logger: logger}),
			cron.WithChain(cron.Recover(cronLogger{logger: logger})),
		),
		queue:   queue,
		logger:  logger,
		entries: make(map[int64]installed),
	}
}

// Validate reports whether expr is a valid six-field schedule.
func Validate(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return services.Wrap(services.ErrValidation, "scheduler", "validate", "cron expression is required", nil)
	}
	if _, err := parser.Parse(expr); err != nil {
		return services.Wrap(services.ErrValidation, "scheduler", "validate", fmt.Sprintf("cron %q", expr), err)
	}
	return nil
}

// Start begins firing installed schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", logging.Int("sources", s.Len()))
}

// Stop halts the clock and waits for running enqueue calls, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Install (re)installs the schedule of src. Inactive sources are uninstalled.
func (s *Scheduler) Install(src *store.Source) error {
	if src == nil {
		return services.Wrap(services.ErrValidation, "scheduler", "install", "source is nil", nil)
	}
	if err := Validate(src.Cron); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(src.ID)
	if !src.Active() {
		return nil
	}

	spec := strings.TrimSpace(src.Cron)
	sourceID := src.ID
	id, err := s.cron.AddFunc(spec, func() { s.fire(sourceID) })
	if err != nil {
		return services.Wrap(services.ErrValidation, "scheduler", "install", fmt.Sprintf("cron %q", spec), err)
	}
	s.entries[sourceID] = installed{id: id, spec: spec}
	s.logger.Info("schedule installed",
		logging.Int64(logging.FieldSourceID, sourceID),
		logging.String("cron", spec),
	)
	return nil
}

// Uninstall removes the schedule of sourceID. It reports whether one existed.
func (s *Scheduler) Uninstall(sourceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.removeLocked(sourceID)
	if removed {
		s.logger.Info("schedule removed", logging.Int64(logging.FieldSourceID, sourceID))
	}
	return removed
}

func (s *Scheduler) removeLocked(sourceID int64) bool {
	entry, ok := s.entries[sourceID]
	if !ok {
		return false
	}
	s.cron.Remove(entry.id)
	delete(s.entries, sourceID)
	return true
}

// RunNow enqueues a fetch of sourceID outside its schedule.
func (s *Scheduler) RunNow(sourceID int64) (bool, error) {
	return s.queue.Enqueue(fetcher.Job{SourceID: sourceID})
}

// Sync installs schedules for sources, removing entries for sources absent
// from the list.
func (s *Scheduler) Sync(sources []*store.Source) error {
	keep := make(map[int64]struct{}, len(sources))
	var firstErr error
	for _, src := range sources {
		keep[src.ID] = struct{}{}
		if err := s.Install(src); err != nil {
			logging.WarnWithContext(s.logger, "schedule install failed", "schedule_install_failed",
				logging.Int64(logging.FieldSourceID, src.ID),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "fix the source cron expression"),
				logging.String(logging.FieldImpact, "source is not polled"),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		if _, ok := keep[id]; !ok {
			s.removeLocked(id)
		}
	}
	return firstErr
}

// Len returns the number of installed schedules.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Entries lists installed schedules ordered by source id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for sourceID, inst := range s.entries {
		e := s.cron.Entry(inst.id)
		out = append(out, Entry{SourceID: sourceID, Spec: inst.spec, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (s *Scheduler) fire(sourceID int64) {
	queued, err := s.queue.Enqueue(fetcher.Job{SourceID: sourceID})
	logger := s.logger.With(logging.Int64(logging.FieldSourceID, sourceID))
	switch {
	case err != nil:
		logging.WarnWithContext(logger, "scheduled fetch not enqueued", "enqueue_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "raise fetch.queue_size or fetch.workers"),
			logging.String(logging.FieldImpact, "this tick is skipped"),
		)
	case !queued:
		logger.Debug("scheduled fetch collapsed into waiting job")
	default:
		logger.Debug("scheduled fetch enqueued")
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{logging.Error(err)}, keysAndValues...)...)
}
