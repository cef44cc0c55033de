package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"feedloom/internal/config"
	"feedloom/internal/feed"
	"feedloom/internal/logging"
	"feedloom/internal/notifications"
	"feedloom/internal/orchestrator"
	"feedloom/internal/sandbox"
	"feedloom/internal/services"
	"feedloom/internal/store"
)

// Dispatcher starts downloads for matched entries.
type Dispatcher interface {
	CreateTask(ctx context.Context, url string, meta orchestrator.Metadata) (*store.DownloadItem, error)
}

// FeedSource retrieves the entries of a feed.
type FeedSource interface {
	Fetch(ctx context.Context, url string) ([]feed.Entry, error)
}

// Worker processes fetch jobs.
type Worker struct {
	store      *store.Store
	feeds      FeedSource
	sandbox    *sandbox.Sandbox
	dispatcher Dispatcher
	notifier   notifications.Service
	logger     *slog.Logger
}

// WorkerOption configures optional Worker collaborators.
type WorkerOption func(*Worker)

// WithFeedSource replaces the HTTP feed client.
func WithFeedSource(feeds FeedSource) WorkerOption {
	return func(w *Worker) { w.feeds = feeds }
}

// WithNotifier replaces the configured notification service.
func WithNotifier(notifier notifications.Service) WorkerOption {
	return func(w *Worker) { w.notifier = notifier }
}

// WithSandbox shares an existing rule sandbox.
func WithSandbox(sb *sandbox.Sandbox) WorkerOption {
	return func(w *Worker) { w.sandbox = sb }
}

// NewWorker constructs a worker that dispatches matches to dispatcher.
func NewWorker(cfg *config.Config, st *store.Store, dispatcher Dispatcher, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &Worker{
		store:      st,
		dispatcher: dispatcher,
		logger:     logging.NewComponentLogger(logger, "fetcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.feeds == nil {
		w.feeds = feed.NewClient(cfg, logger)
	}
	if w.notifier == nil {
		w.notifier = notifications.NewService(cfg)
	}
	if w.sandbox == nil {
		w.sandbox = sandbox.New(cfg, logger)
	}
	return w
}

type candidate struct {
	entry feed.Entry
	url   string
	json  string
}

// Process runs one fetch job. Rule failures are recorded and skipped; the
// returned error is reserved for store failures and feed retrieval.
func (w *Worker) Process(ctx context.Context, job Job) error {
	ctx = services.WithSourceID(ctx, job.SourceID)
	logger := logging.WithContext(ctx, w.logger)

	src, err := w.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "fetcher", "load source", fmt.Sprintf("source %d", job.SourceID), err)
	}
	if src == nil || src.DeletedAt != nil {
		logger.Info("fetch job for missing source dropped",
			logging.Args(logging.DecisionAttrs("fetch_job", "dropped", "source deleted")...)...,
		)
		return nil
	}

	rules, err := w.liveRules(ctx, logger, src.ID)
	if err != nil {
		return err
	}

	fetchLog, err := w.store.CreateFetchLog(ctx, src.ID)
	if err != nil {
		return services.Wrap(services.ErrTransient, "fetcher", "create fetch log", "", err)
	}
	logger = logger.With(logging.Int64(logging.FieldFetchLogID, fetchLog.ID))

	if len(rules) == 0 {
		logger.Info("source has no usable rules",
			logging.Args(logging.DecisionAttrs("fetch_job", "skipped", "no rule with code on disk")...)...,
		)
		return w.finish(ctx, fetchLog.ID, store.FetchSuccess, "", 0, 0)
	}

	entries, err := w.feeds.Fetch(ctx, src.URL)
	if err != nil {
		if ferr := w.finish(ctx, fetchLog.ID, store.FetchFailed, err.Error(), 0, 0); ferr != nil {
			logger.Error("record fetch failure failed", logging.Error(ferr))
		}
		logging.WarnWithContext(logger, "feed fetch failed", "feed_fetch_failed",
			logging.String("url", src.URL),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the source url and network access"),
			logging.String(logging.FieldImpact, "source retried on its next scheduled run"),
		)
		if nerr := w.notifier.NotifyFetchFailed(ctx, src.URL, err); nerr != nil {
			logger.Warn("fetch failure notification failed", logging.Error(nerr))
		}
		return err
	}

	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		url := entry.DownloadURL()
		if url == "" {
			continue
		}
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{entry: entry, url: url, json: string(data)})
	}
	if err := w.finish(ctx, fetchLog.ID, store.FetchSuccess, "", len(entries), 0); err != nil {
		return err
	}

	matched := 0
	for _, rule := range rules {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		matched += w.evaluate(ctx, logger, src, rule, fetchLog.ID, candidates)
	}

	logger.Info("feed processed",
		logging.Int("entries", len(entries)),
		logging.Int("candidates", len(candidates)),
		logging.Int("matched", matched),
		logging.Int("rules", len(rules)),
	)
	return w.finish(ctx, fetchLog.ID, store.FetchSuccess, "", len(entries), matched)
}

// liveRules returns the source's rules whose code file still exists.
func (w *Worker) liveRules(ctx context.Context, logger *slog.Logger, sourceID int64) ([]*store.Rule, error) {
	rules, err := w.store.RulesForSource(ctx, sourceID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "fetcher", "load rules", "", err)
	}
	live := rules[:0]
	for _, rule := range rules {
		if _, err := os.Stat(rule.CodePath); err != nil {
			logger.Info("stale rule skipped",
				logging.Int64(logging.FieldRuleID, rule.ID),
				logging.String("code_path", rule.CodePath),
			)
			continue
		}
		live = append(live, rule)
	}
	return live, nil
}

// evaluate runs one rule over the candidates and returns how many downloads
// it started.
func (w *Worker) evaluate(ctx context.Context, logger *slog.Logger, src *store.Source, rule *store.Rule, fetchLogID int64, candidates []candidate) int {
	logger = logger.With(logging.Int64(logging.FieldRuleID, rule.ID))

	vm, err := w.sandbox.CompileFile(ctx, rule.CodePath)
	if err != nil {
		w.recordRuleError(ctx, logger, src.ID, rule.ID, fetchLogID, "compile", "", err)
		return 0
	}
	defer vm.Release()

	if !vm.HasValidate() {
		logger.Debug("rule without validate skipped")
		return 0
	}

	matched := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return matched
		}
		represented, err := w.store.HasRepresentedURL(ctx, store.HashURL(c.url))
		if err != nil {
			logger.Warn("dedup lookup failed", logging.String("url", c.url), logging.Error(err))
			continue
		}
		if represented {
			continue
		}

		ok, err := vm.Validate(ctx, c.entry)
		if err != nil {
			w.recordRuleError(ctx, logger, src.ID, rule.ID, fetchLogID, "validate", c.json, err)
			continue
		}
		if !ok {
			continue
		}

		entry := c.entry
		item, err := w.dispatcher.CreateTask(ctx, c.url, orchestrator.Metadata{
			SourceID:   src.ID,
			RuleID:     rule.ID,
			FetchLogID: fetchLogID,
			Entry:      &entry,
		})
		switch {
		case err == nil:
			matched++
			logger.Info("entry matched", logging.Int64(logging.FieldItemID, item.ID), logging.String("title", entry.Title))
		case errors.Is(err, services.ErrDuplicateTask):
			logger.Debug("entry already downloading", logging.String("url", c.url))
		case errors.Is(err, services.ErrAdapterUnavailable):
			logging.WarnWithContext(logger, "download service unavailable", "adapter_unavailable",
				logging.String("title", entry.Title),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "start the download backend; the entry is retried on the next run"),
				logging.String(logging.FieldImpact, "no download recorded for this entry"),
			)
		default:
			logging.WarnWithContext(logger, "create download failed", "create_task_failed",
				logging.String("title", entry.Title),
				logging.Error(err),
			)
		}
	}
	return matched
}

func (w *Worker) recordRuleError(ctx context.Context, logger *slog.Logger, sourceID, ruleID, fetchLogID int64, hook, entryJSON string, hookErr error) {
	logging.WarnWithContext(logger, "rule hook failed", "rule_hook_failed",
		logging.String("hook", hook),
		logging.Error(hookErr),
		logging.String(logging.FieldErrorHint, "fix the rule code; see rule error logs"),
		logging.String(logging.FieldImpact, "entry skipped for this rule"),
	)
	if _, err := w.store.CreateRuleErrorLog(ctx, store.RuleErrorLog{
		RuleID:     ruleID,
		SourceID:   sourceID,
		FetchLogID: fetchLogID,
		Hook:       hook,
		EntryJSON:  entryJSON,
		Error:      hookErr.Error(),
	}); err != nil {
		logger.Error("record rule error failed", logging.Error(err))
	}
}

func (w *Worker) finish(ctx context.Context, id int64, status store.FetchStatus, errText string, entries, matched int) error {
	if err := w.store.FinishFetchLog(ctx, id, status, errText, entries, matched); err != nil {
		return services.Wrap(services.ErrTransient, "fetcher", "finish fetch log", "", err)
	}
	return nil
}
