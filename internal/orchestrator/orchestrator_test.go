package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/downloader/aria2"
	"feedloom/internal/downloader/aria2/aria2test"
	"feedloom/internal/downloader/downloadertest"
	"feedloom/internal/feed"
	"feedloom/internal/orchestrator"
	"feedloom/internal/sandbox"
	"feedloom/internal/services"
	"feedloom/internal/store"
	"feedloom/internal/testsupport"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (n *recordingNotifier) NotifyDownloadCompleted(_ context.Context, name string, _ int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, name)
	return nil
}

func (n *recordingNotifier) NotifyDownloadFailed(_ context.Context, name, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, name)
	return nil
}

func (n *recordingNotifier) NotifyFetchFailed(context.Context, string, error) error { return nil }
func (n *recordingNotifier) TestNotification(context.Context) error                 { return nil }

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed)
}

type harness struct {
	cfg      *config.Config
	store    *store.Store
	adapter  *downloadertest.Adapter
	orch     *orchestrator.Orchestrator
	notifier *recordingNotifier
}

func newHarness(t *testing.T, backend string, opts ...orchestrator.Option) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	adapter := downloadertest.New(backend)
	notifier := &recordingNotifier{}
	opts = append([]orchestrator.Option{orchestrator.WithNotifier(notifier)}, opts...)
	orch := orchestrator.New(cfg, st, adapter, nil, opts...)
	t.Cleanup(orch.Stop)
	return &harness{cfg: cfg, store: st, adapter: adapter, orch: orch, notifier: notifier}
}

func (h *harness) task(t *testing.T, id int64) *downloadertest.Task {
	t.Helper()
	task, ok := h.adapter.Task(id)
	if !ok {
		t.Fatalf("no backend task for item %d", id)
	}
	return task
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitStatus(t *testing.T, h *harness, id int64, want store.Status) *store.DownloadItem {
	t.Helper()
	var item *store.DownloadItem
	waitFor(t, "status "+string(want), func() bool {
		got, err := h.orch.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		item = got
		return got.Status == want
	})
	return item
}

func mediaFiles(t *testing.T, dir string) []downloader.File {
	t.Helper()
	video := filepath.Join(dir, "Show - 01.mkv")
	notes := filepath.Join(dir, "notes.txt")
	testsupport.WriteMatroska(t, video, 4096)
	testsupport.WriteFile(t, notes, 64)
	files, err := downloader.CollectFiles([]string{video, notes})
	if err != nil {
		t.Fatalf("CollectFiles: %v", err)
	}
	return files
}

func TestCreateTaskRejectsDuplicateUntilTerminal(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()
	url := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567"

	item, err := h.orch.CreateTask(ctx, url, orchestrator.Metadata{Name: "Episode 1"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if item.Status != store.StatusPending || item.URLHash != store.HashURL(url) {
		t.Fatalf("unexpected item: %+v", item)
	}
	if h.orch.Active() != 1 {
		t.Fatalf("expected one live task, got %d", h.orch.Active())
	}

	_, err = h.orch.CreateTask(ctx, url, orchestrator.Metadata{})
	if !errors.Is(err, services.ErrDuplicateTask) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if want := fmt.Sprintf("download %d is PENDING", item.ID); !strings.Contains(err.Error(), want) {
		t.Fatalf("expected duplicate error to name %q, got %v", want, err)
	}

	h.task(t, item.ID).Fail("tracker unreachable")
	failed := waitStatus(t, h, item.ID, store.StatusFailed)
	if failed.Error != "tracker unreachable" {
		t.Fatalf("expected failure reason, got %q", failed.Error)
	}
	waitFor(t, "failure notification", func() bool {
		_, f := h.notifier.counts()
		return f == 1
	})

	again, err := h.orch.CreateTask(ctx, url, orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("re-create after terminal: %v", err)
	}
	if again.ID == item.ID {
		t.Fatal("expected a new item after the previous one failed")
	}
}

func TestCreateTaskRecordsProvenance(t *testing.T) {
	h := newHarness(t, "fake")
	src := testsupport.NewSource(t, h.store, "https://feeds.example/rss", "0 */5 * * * *")
	entry := &feed.Entry{ID: "guid-1", Title: "Show - 02", Link: "https://tracker.example/2.torrent"}

	item, err := h.orch.CreateTask(context.Background(), entry.Link, orchestrator.Metadata{SourceID: src.ID, Entry: entry})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if item.Name != "Show - 02" || item.SourceID != src.ID || item.EntryJSON == "" {
		t.Fatalf("provenance not stored: %+v", item)
	}
	reqs := h.adapter.Requests()
	if len(reqs) != 1 || reqs[0].ID != item.ID || reqs[0].SaveDir != item.SaveDir {
		t.Fatalf("unexpected backend request: %+v", reqs)
	}
	if filepath.Dir(item.SaveDir) != h.cfg.Paths.DownloadDir {
		t.Fatalf("expected save dir under download dir, got %q", item.SaveDir)
	}
}

func TestAdapterRefusalMarksItemFailed(t *testing.T) {
	h := newHarness(t, "fake")
	h.adapter.FailCreate(services.Wrap(services.ErrAdapterUnavailable, "downloader", "create task", "not ready", nil))

	_, err := h.orch.CreateTask(context.Background(), "https://tracker.example/a.torrent", orchestrator.Metadata{})
	if !errors.Is(err, services.ErrAdapterUnavailable) {
		t.Fatalf("expected adapter unavailable, got %v", err)
	}
	items, err := h.orch.List(context.Background(), orchestrator.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Status != store.StatusFailed || items[0].Error == "" {
		t.Fatalf("expected one FAILED item with reason, got %+v", items)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("refused task must not be registered")
	}
}

func TestCreateTaskFailsFastWhileBackendUnavailable(t *testing.T) {
	h := newHarness(t, "fake")
	h.adapter.SetReady(false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.orch.CreateTask(ctx, "https://tracker.example/a.torrent", orchestrator.Metadata{})
		if !errors.Is(err, services.ErrAdapterUnavailable) {
			t.Fatalf("attempt %d: expected adapter unavailable, got %v", i, err)
		}
	}
	items, err := h.orch.List(ctx, orchestrator.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("unavailable backend must not persist items, got %+v", items)
	}
	if len(h.adapter.Requests()) != 0 {
		t.Fatal("backend must not receive requests while unavailable")
	}

	h.adapter.SetReady(true)
	item, err := h.orch.CreateTask(ctx, "https://tracker.example/a.torrent", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask after recovery: %v", err)
	}
	if item.Status != store.StatusPending {
		t.Fatalf("expected PENDING item, got %+v", item)
	}
}

func TestCompletionDescribesAndIngestsMedia(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()
	rule := testsupport.NewRule(t, h.store, h.cfg, "episodes", `export default {
		validate(entry) { return true },
		describe(entry, file, context) {
			return { series: "show", episode: 1, media: { name: entry.title } }
		}
	}`)

	entry := &feed.Entry{ID: "g1", Title: "Show - 01"}
	item, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:aaaa", orchestrator.Metadata{RuleID: rule.ID, Entry: entry})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	files := mediaFiles(t, item.SaveDir)
	if !h.task(t, item.ID).Complete(files...) {
		t.Fatal("expected done to be emitted")
	}
	waitStatus(t, h, item.ID, store.StatusSuccess)

	var episodes []store.Episode
	waitFor(t, "episode link", func() bool {
		episodes, err = h.store.ListEpisodes(ctx, "show")
		return err == nil && len(episodes) == 1
	})
	media, err := h.store.GetMedia(ctx, episodes[0].MediaID)
	if err != nil || media == nil {
		t.Fatalf("GetMedia: %v %v", media, err)
	}
	if media.MimeType != "video/x-matroska" || media.Name != "Show - 01" || media.DownloadItemID != item.ID {
		t.Fatalf("unexpected media: %+v", media)
	}
	waitFor(t, "completion notification", func() bool {
		c, _ := h.notifier.counts()
		return c == 1
	})
	if h.orch.Active() != 0 {
		t.Fatal("completed task must be deregistered")
	}
}

func TestDescribeFailureIsRecordedAndFileStillIngested(t *testing.T) {
	ingestor := &recordingIngestor{}
	h := newHarness(t, "fake", orchestrator.WithIngestor(ingestor))
	ctx := context.Background()
	rule := testsupport.NewRule(t, h.store, h.cfg, "broken", `module.exports = {
		describe() { throw new Error("no episode number") }
	}`)

	item, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:bbbb", orchestrator.Metadata{RuleID: rule.ID})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.task(t, item.ID).Complete(mediaFiles(t, item.SaveDir)...)
	waitStatus(t, h, item.ID, store.StatusSuccess)

	waitFor(t, "ingest call", func() bool { return ingestor.count() == 1 })
	logs, err := h.store.ListRuleErrorLogs(ctx, rule.ID, 10)
	if err != nil {
		t.Fatalf("ListRuleErrorLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Hook != "describe" || logs[0].DownloadItemID != item.ID {
		t.Fatalf("unexpected rule error logs: %+v", logs)
	}
	if !ingestor.lastDescriptorNil() {
		t.Fatal("expected file ingested without descriptor")
	}
}

type recordingIngestor struct {
	mu    sync.Mutex
	calls int
	nilD  bool
}

func (r *recordingIngestor) Ingest(_ context.Context, itemID int64, file sandbox.File, desc *sandbox.Descriptor) (*store.Media, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.nilD = desc == nil
	return &store.Media{ID: int64(r.calls), DownloadItemID: itemID, Path: file.Path}, nil
}

func (r *recordingIngestor) UpsertSeriesEpisode(context.Context, string, float64, *store.Media, bool) error {
	return nil
}

func (r *recordingIngestor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *recordingIngestor) lastDescriptorNil() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nilD
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()
	item, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:cccc", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	paused, err := h.orch.Pause(ctx, item.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != store.StatusPaused {
		t.Fatalf("expected PAUSED, got %s", paused.Status)
	}
	if _, err := h.orch.Pause(ctx, item.ID); err != nil {
		t.Fatalf("second Pause should be a no-op: %v", err)
	}

	resumed, err := h.orch.Resume(ctx, item.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != store.StatusPending {
		t.Fatalf("expected PENDING, got %s", resumed.Status)
	}

	h.task(t, item.ID).Complete()
	waitStatus(t, h, item.ID, store.StatusSuccess)
	if _, err := h.orch.Pause(ctx, item.ID); !errors.Is(err, services.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition pausing a finished item, got %v", err)
	}
	if _, err := h.orch.Pause(ctx, 9999); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDoneWhilePausedCompletes(t *testing.T) {
	h := newHarness(t, "fake")
	item, err := h.orch.CreateTask(context.Background(), "magnet:?xt=urn:btih:dddd", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	task := h.task(t, item.ID)
	task.PauseRemote()
	waitStatus(t, h, item.ID, store.StatusPaused)
	task.Complete()
	waitStatus(t, h, item.ID, store.StatusSuccess)
}

func TestDeleteRemovesLiveTaskAndFencesLateEvents(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()

	live, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:eeee", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	done, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:ffff", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	doneTask := h.task(t, done.ID)
	doneTask.Complete()
	waitStatus(t, h, done.ID, store.StatusSuccess)

	n, err := h.orch.Delete(ctx, orchestrator.Filter{IDs: []int64{live.ID, done.ID}})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if removes := h.task(t, live.ID).Removes(); removes != 1 {
		t.Fatalf("expected live task removed from backend once, got %d", removes)
	}
	if removes := doneTask.Removes(); removes != 0 {
		t.Fatalf("finished task must not be removed from backend, got %d", removes)
	}
	if _, err := h.orch.GetTask(ctx, live.ID); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected deleted item to be gone, got %v", err)
	}
	if h.orch.Active() != 0 {
		t.Fatalf("expected no live tasks, got %d", h.orch.Active())
	}
	if _, f := h.notifier.counts(); f != 0 {
		t.Fatalf("user deletion must not report a failure, got %d", f)
	}

	if _, err := h.orch.Delete(ctx, orchestrator.Filter{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected empty filter to be rejected, got %v", err)
	}
}

func TestBackendRemovalMarksFailed(t *testing.T) {
	h := newHarness(t, "fake")
	item, err := h.orch.CreateTask(context.Background(), "magnet:?xt=urn:btih:1111", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.task(t, item.ID).RemoveRemote()
	failed := waitStatus(t, h, item.ID, store.StatusFailed)
	if failed.Error == "" {
		t.Fatal("expected removal reason")
	}
}

func TestRecoverFailsInterruptedItems(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()

	pending, err := h.store.CreateDownload(ctx, store.DownloadItem{URL: "magnet:?xt=urn:btih:2222"})
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}
	paused, err := h.store.CreateDownload(ctx, store.DownloadItem{URL: "magnet:?xt=urn:btih:3333"})
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}
	if _, err := h.store.TransitionDownload(ctx, paused.ID, store.StatusPaused, ""); err != nil {
		t.Fatalf("pause: %v", err)
	}

	ids, err := h.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 recovered items, got %v", ids)
	}
	for _, id := range []int64{pending.ID, paused.ID} {
		item, err := h.orch.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if item.Status != store.StatusFailed || item.Error != store.InterruptedReason {
			t.Fatalf("item %d not recovered: %+v", id, item)
		}
	}

	if _, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:2222", orchestrator.Metadata{}); err != nil {
		t.Fatalf("recreate after recovery: %v", err)
	}
}

// backendDriver starts an adapter and finishes its first task with files.
type backendDriver struct {
	name  string
	start func(t *testing.T, cfg *config.Config) (downloader.Adapter, func(item *store.DownloadItem))
}

func fakeDriver() backendDriver {
	return backendDriver{name: "fake", start: func(t *testing.T, _ *config.Config) (downloader.Adapter, func(*store.DownloadItem)) {
		adapter := downloadertest.New("fake")
		return adapter, func(item *store.DownloadItem) {
			task, ok := adapter.Task(item.ID)
			if !ok {
				t.Fatalf("no fake task for item %d", item.ID)
			}
			task.Complete(mediaFiles(t, item.SaveDir)...)
		}
	}}
}

func aria2Driver() backendDriver {
	return backendDriver{name: aria2.Name, start: func(t *testing.T, cfg *config.Config) (downloader.Adapter, func(*store.DownloadItem)) {
		server := aria2test.New(t, "")
		server.Configure(cfg)
		adapter, err := aria2.New(cfg, nil)
		if err != nil {
			t.Fatalf("aria2.New: %v", err)
		}
		t.Cleanup(func() { _ = adapter.Close() })
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := adapter.Initialize(ctx); err != nil {
			t.Fatalf("aria2 Initialize: %v", err)
		}
		return adapter, func(item *store.DownloadItem) {
			var paths []string
			for _, f := range mediaFiles(t, item.SaveDir) {
				paths = append(paths, f.Path)
			}
			server.Set("g1", aria2test.Status{Status: "complete", Files: paths})
			server.Notify("aria2.onDownloadComplete", "g1")
		}
	}}
}

func TestTransitionsIdenticalAcrossBackends(t *testing.T) {
	want := []store.Status{store.StatusPending, store.StatusPaused, store.StatusPending, store.StatusSuccess}
	for _, driver := range []backendDriver{fakeDriver(), aria2Driver()} {
		t.Run(driver.name, func(t *testing.T) {
			cfg := testsupport.NewConfig(t)
			st := testsupport.MustOpenStore(t, cfg)
			adapter, complete := driver.start(t, cfg)
			ingestor := &recordingIngestor{}
			orch := orchestrator.New(cfg, st, adapter, nil,
				orchestrator.WithNotifier(&recordingNotifier{}), orchestrator.WithIngestor(ingestor))
			t.Cleanup(orch.Stop)
			h := &harness{cfg: cfg, store: st, orch: orch}
			ctx := context.Background()

			item, err := orch.CreateTask(ctx, "magnet:?xt=urn:btih:4444", orchestrator.Metadata{})
			if err != nil {
				t.Fatalf("CreateTask: %v", err)
			}
			seen := []store.Status{item.Status}
			paused, err := orch.Pause(ctx, item.ID)
			if err != nil {
				t.Fatalf("Pause: %v", err)
			}
			seen = append(seen, paused.Status)
			resumed, err := orch.Resume(ctx, item.ID)
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			seen = append(seen, resumed.Status)
			complete(item)
			done := waitStatus(t, h, item.ID, store.StatusSuccess)
			seen = append(seen, done.Status)

			if !reflect.DeepEqual(seen, want) {
				t.Fatalf("transition sequence %v, want %v", seen, want)
			}
			waitFor(t, "video ingested", func() bool { return ingestor.count() == 1 })
			if orch.Active() != 0 {
				t.Fatal("finished task must be deregistered")
			}
		})
	}
}

func TestStateOfLiveTask(t *testing.T) {
	h := newHarness(t, "fake")
	ctx := context.Background()
	item, err := h.orch.CreateTask(ctx, "magnet:?xt=urn:btih:5555", orchestrator.Metadata{})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	h.task(t, item.ID).SetState(downloader.State{TotalLength: 100, CompletedLength: 40, Progress: 0.4})

	state, err := h.orch.State(ctx, item.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.CompletedLength != 40 || state.Progress != 0.4 {
		t.Fatalf("unexpected state: %+v", state)
	}
	if _, err := h.orch.State(ctx, 12345); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for unknown task, got %v", err)
	}
}
