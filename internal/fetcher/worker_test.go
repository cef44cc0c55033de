package fetcher_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"feedloom/internal/config"
	"feedloom/internal/downloader/downloadertest"
	"feedloom/internal/feed"
	"feedloom/internal/fetcher"
	"feedloom/internal/orchestrator"
	"feedloom/internal/services"
	"feedloom/internal/store"
	"feedloom/internal/testsupport"
)

const showRule = `export default {
	meta: { name: "show" },
	validate(entry) { return entry.title.indexOf("Show") >= 0 }
}`

type staticFeed struct {
	entries []feed.Entry
	err     error
	calls   atomic.Int32
}

func (f *staticFeed) Fetch(context.Context, string) ([]feed.Entry, error) {
	f.calls.Add(1)
	return f.entries, f.err
}

type silentNotifier struct{ fetchFailures atomic.Int32 }

func (*silentNotifier) NotifyDownloadCompleted(context.Context, string, int) error { return nil }
func (*silentNotifier) NotifyDownloadFailed(context.Context, string, string) error { return nil }
func (n *silentNotifier) NotifyFetchFailed(context.Context, string, error) error {
	n.fetchFailures.Add(1)
	return nil
}
func (*silentNotifier) TestNotification(context.Context) error { return nil }

type env struct {
	cfg      *config.Config
	store    *store.Store
	orch     *orchestrator.Orchestrator
	notifier *silentNotifier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	notifier := &silentNotifier{}
	orch := orchestrator.New(cfg, st, downloadertest.New("fake"), nil, orchestrator.WithNotifier(notifier))
	t.Cleanup(orch.Stop)
	return &env{cfg: cfg, store: st, orch: orch, notifier: notifier}
}

func (e *env) worker(feeds fetcher.FeedSource) *fetcher.Worker {
	return fetcher.NewWorker(e.cfg, e.store, e.orch, nil,
		fetcher.WithFeedSource(feeds),
		fetcher.WithNotifier(e.notifier),
	)
}

func (e *env) downloads(t *testing.T) []*store.DownloadItem {
	t.Helper()
	items, err := e.store.ListDownloads(context.Background(), store.DownloadFilter{})
	if err != nil {
		t.Fatalf("ListDownloads: %v", err)
	}
	return items
}

func (e *env) lastFetchLog(t *testing.T, sourceID int64) *store.FetchLog {
	t.Helper()
	logs, err := e.store.ListFetchLogs(context.Background(), sourceID, 10)
	if err != nil {
		t.Fatalf("ListFetchLogs: %v", err)
	}
	if len(logs) == 0 {
		t.Fatal("expected a fetch log")
	}
	return logs[0]
}

func entry(id, title, url string) feed.Entry {
	return feed.Entry{ID: id, Title: title, Enclosure: feed.Enclosure{URL: url, Type: "application/x-bittorrent"}}
}

func TestProcessDispatchesMatchingEntries(t *testing.T) {
	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "show", showRule)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", rule.ID)
	feeds := &staticFeed{entries: []feed.Entry{
		entry("1", "Show - 01", "https://tracker.example/1.torrent"),
		entry("2", "Other - 01", "https://tracker.example/2.torrent"),
		{ID: "3", Title: "Show - no link"},
	}}

	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	items := e.downloads(t)
	if len(items) != 1 {
		t.Fatalf("expected one download, got %d", len(items))
	}
	item := items[0]
	fl := e.lastFetchLog(t, src.ID)
	if item.Status != store.StatusPending || item.URL != "https://tracker.example/1.torrent" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if item.SourceID != src.ID || item.RuleID != rule.ID || item.FetchLogID != fl.ID {
		t.Fatalf("provenance missing: %+v", item)
	}
	if !strings.Contains(item.EntryJSON, `"title":"Show - 01"`) {
		t.Fatalf("entry not stored: %s", item.EntryJSON)
	}
	if fl.Status != store.FetchSuccess || fl.EntryCount != 3 || fl.MatchedCount != 1 {
		t.Fatalf("unexpected fetch log: %+v", fl)
	}
}

func TestThrowingValidateIsRecordedAndLaterEntriesProcessed(t *testing.T) {
	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "picky", `module.exports = {
		validate(entry) {
			if (entry.title === "Broken") { throw new Error("cannot parse title") }
			return true
		}
	}`)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", rule.ID)
	feeds := &staticFeed{entries: []feed.Entry{
		entry("b", "Broken", "https://tracker.example/broken.torrent"),
		entry("g", "Good", "https://tracker.example/good.torrent"),
	}}

	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	logs, err := e.store.ListRuleErrorLogs(context.Background(), rule.ID, 10)
	if err != nil {
		t.Fatalf("ListRuleErrorLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Hook != "validate" || !strings.Contains(logs[0].EntryJSON, `"title":"Broken"`) {
		t.Fatalf("unexpected rule error logs: %+v", logs)
	}
	if !strings.Contains(logs[0].Error, "cannot parse title") {
		t.Fatalf("expected thrown message in error, got %q", logs[0].Error)
	}
	items := e.downloads(t)
	if len(items) != 1 || items[0].URL != "https://tracker.example/good.torrent" {
		t.Fatalf("expected only the good entry downloaded, got %+v", items)
	}
}

func TestRuleWithoutValidateIsSkipped(t *testing.T) {
	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "describe-only", `export default {
		describe() { return null }
	}`)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", rule.ID)
	feeds := &staticFeed{entries: []feed.Entry{entry("1", "Show - 01", "https://tracker.example/1.torrent")}}

	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if items := e.downloads(t); len(items) != 0 {
		t.Fatalf("expected no downloads, got %d", len(items))
	}
	logs, err := e.store.ListRuleErrorLogs(context.Background(), rule.ID, 10)
	if err != nil {
		t.Fatalf("ListRuleErrorLogs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected no rule errors, got %+v", logs)
	}
}

func TestRedeliveredJobDoesNotDuplicateDownloads(t *testing.T) {
	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "show", showRule)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", rule.ID)
	feeds := &staticFeed{entries: []feed.Entry{entry("1", "Show - 01", "https://tracker.example/1.torrent")}}
	w := e.worker(feeds)

	for i := 0; i < 2; i++ {
		if err := w.Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}
	if items := e.downloads(t); len(items) != 1 {
		t.Fatalf("expected one download after redelivery, got %d", len(items))
	}
	if fl := e.lastFetchLog(t, src.ID); fl.MatchedCount != 0 {
		t.Fatalf("second run should match nothing new, got %d", fl.MatchedCount)
	}
}

func TestSourceWithoutUsableRulesSkipsFetch(t *testing.T) {
	e := newEnv(t)
	stale := testsupport.NewRule(t, e.store, e.cfg, "stale", showRule)
	if err := os.Remove(stale.CodePath); err != nil {
		t.Fatalf("remove rule code: %v", err)
	}
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", stale.ID)
	feeds := &staticFeed{}

	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if feeds.calls.Load() != 0 {
		t.Fatal("feed must not be fetched without usable rules")
	}
	if fl := e.lastFetchLog(t, src.ID); fl.Status != store.FetchSuccess {
		t.Fatalf("expected SUCCESS fetch log, got %s", fl.Status)
	}
}

func TestFeedFailureIsRecorded(t *testing.T) {
	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "show", showRule)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", rule.ID)
	feeds := &staticFeed{err: services.Wrap(services.ErrFeedFetch, "feed", "request", "status 502", nil)}

	err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID})
	if !errors.Is(err, services.ErrFeedFetch) {
		t.Fatalf("expected feed fetch error, got %v", err)
	}
	if services.Retryable(err) {
		t.Fatal("feed failures wait for the next scheduled run")
	}
	fl := e.lastFetchLog(t, src.ID)
	if fl.Status != store.FetchFailed || !strings.Contains(fl.Error, "status 502") {
		t.Fatalf("unexpected fetch log: %+v", fl)
	}
	if e.notifier.fetchFailures.Load() != 1 {
		t.Fatal("expected fetch failure notification")
	}
}

func TestCompileErrorIsRecordedAndOtherRulesRun(t *testing.T) {
	e := newEnv(t)
	broken := testsupport.NewRule(t, e.store, e.cfg, "broken", `export default { validate( }`)
	good := testsupport.NewRule(t, e.store, e.cfg, "show", showRule)
	src := testsupport.NewSource(t, e.store, "https://feeds.example/rss", "0 */5 * * * *", broken.ID, good.ID)
	feeds := &staticFeed{entries: []feed.Entry{entry("1", "Show - 01", "https://tracker.example/1.torrent")}}

	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: src.ID}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	logs, err := e.store.ListRuleErrorLogs(context.Background(), broken.ID, 10)
	if err != nil {
		t.Fatalf("ListRuleErrorLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Hook != "compile" {
		t.Fatalf("expected one compile error, got %+v", logs)
	}
	items := e.downloads(t)
	if len(items) != 1 || items[0].RuleID != good.ID {
		t.Fatalf("expected the good rule to dispatch, got %+v", items)
	}
}

func TestDeletedSourceJobIsDropped(t *testing.T) {
	e := newEnv(t)
	feeds := &staticFeed{}
	if err := e.worker(feeds).Process(context.Background(), fetcher.Job{SourceID: 404}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if feeds.calls.Load() != 0 {
		t.Fatal("missing source must not be fetched")
	}
}
