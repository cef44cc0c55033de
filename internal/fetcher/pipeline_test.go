package fetcher_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedloom/internal/fetcher"
	"feedloom/internal/scheduler"
	"feedloom/internal/store"
	"feedloom/internal/testsupport"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Releases</title>
    <item>
      <guid>ep-1</guid>
      <title>Show - 01</title>
      <enclosure url="https://tracker.example/show-01.torrent" type="application/x-bittorrent" length="1024"/>
    </item>
    <item>
      <guid>other-1</guid>
      <title>Other - 01</title>
      <enclosure url="https://tracker.example/other-01.torrent" type="application/x-bittorrent" length="1024"/>
    </item>
  </channel>
</rss>`

func TestScheduledFetchDispatchesOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	}))
	t.Cleanup(server.Close)

	e := newEnv(t)
	rule := testsupport.NewRule(t, e.store, e.cfg, "show", showRule)
	src := testsupport.NewSource(t, e.store, server.URL+"/rss", "*/1 * * * * *", rule.ID)

	queue := fetcher.NewQueue(e.cfg, nil)
	sched := scheduler.New(queue, nil)
	worker := fetcher.NewWorker(e.cfg, e.store, e.orch, nil, fetcher.WithNotifier(e.notifier))

	queue.Start(context.Background(), 1, func(ctx context.Context, job fetcher.Job) error {
		sched.Uninstall(job.SourceID)
		return worker.Process(ctx, job)
	})
	t.Cleanup(queue.Stop)

	if err := sched.Install(src); err != nil {
		t.Fatalf("Install: %v", err)
	}
	sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Stop(ctx)
	})

	waitUntil(t, func() bool {
		logs, err := e.store.ListFetchLogs(context.Background(), src.ID, 10)
		return err == nil && len(logs) == 1 && logs[0].MatchedCount == 1
	})
	time.Sleep(1500 * time.Millisecond)

	logs, err := e.store.ListFetchLogs(context.Background(), src.ID, 10)
	if err != nil {
		t.Fatalf("ListFetchLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != store.FetchSuccess || logs[0].EntryCount != 2 {
		t.Fatalf("expected a single successful fetch, got %+v", logs)
	}
	items := e.downloads(t)
	if len(items) != 1 {
		t.Fatalf("expected one download, got %d", len(items))
	}
	if items[0].Status != store.StatusPending || items[0].URL != "https://tracker.example/show-01.torrent" {
		t.Fatalf("unexpected download: %+v", items[0])
	}
	if sched.Len() != 0 {
		t.Fatalf("schedule should be uninstalled, got %d entries", sched.Len())
	}
}
