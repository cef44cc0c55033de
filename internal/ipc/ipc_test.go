package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"feedloom/internal/config"
	"feedloom/internal/daemon"
	"feedloom/internal/downloader/downloadertest"
	"feedloom/internal/ipc"
	"feedloom/internal/logging"
	"feedloom/internal/testsupport"
)

const showRule = `export default {
	meta: { name: "show" },
	validate(entry) { return entry.title.indexOf("Show") >= 0 }
}`

func startServer(t *testing.T) *ipc.Client {
	t.Helper()
	client, _ := startServerWithConfig(t)
	return client
}

func startServerWithConfig(t *testing.T) (*ipc.Client, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	d, err := daemon.New(cfg, st, logger, daemon.WithAdapter(downloadertest.New("fake")))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}

	// Unix socket paths are length limited, so avoid the deep test temp dir.
	dir, err := os.MkdirTemp("", "fl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "feedloom.sock")

	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, cfg
}

func TestIPCSubscriptions(t *testing.T) {
	client := startServer(t)

	ruleResp, err := client.RuleAdd(ipc.RuleAddRequest{Code: showRule})
	if err != nil {
		t.Fatalf("RuleAdd: %v", err)
	}
	if ruleResp.Item.Name != "show" || ruleResp.Item.ID == 0 {
		t.Fatalf("unexpected rule: %+v", ruleResp.Item)
	}
	show, err := client.RuleShow(ipc.RuleShowRequest{ID: ruleResp.Item.ID})
	if err != nil {
		t.Fatalf("RuleShow: %v", err)
	}
	if show.Code != showRule {
		t.Fatalf("rule code mismatch: %q", show.Code)
	}

	broken := "export default { validate( }"
	if _, err := client.RuleUpdate(ipc.RuleUpdateRequest{ID: ruleResp.Item.ID, Code: &broken}); err == nil {
		t.Fatal("expected update with uncompilable code to fail")
	}
	nextCode := strings.Replace(showRule, `"Show"`, `"Episode"`, 1)
	series := "Show"
	updated, err := client.RuleUpdate(ipc.RuleUpdateRequest{ID: ruleResp.Item.ID, Series: &series, Code: &nextCode})
	if err != nil {
		t.Fatalf("RuleUpdate: %v", err)
	}
	if updated.Item.Series != "Show" || updated.Item.CodeHash == ruleResp.Item.CodeHash || updated.Item.Name != "show" {
		t.Fatalf("unexpected updated rule: %+v", updated.Item)
	}
	show, err = client.RuleShow(ipc.RuleShowRequest{ID: ruleResp.Item.ID})
	if err != nil {
		t.Fatalf("RuleShow after update: %v", err)
	}
	if show.Code != nextCode {
		t.Fatalf("rule code not replaced: %q", show.Code)
	}

	srcResp, err := client.SourceAdd(ipc.SourceAddRequest{Source: ipc.SourceInput{
		URL:     "https://feeds.example/rss",
		Title:   "Example",
		Cron:    "0 */5 * * * *",
		Enabled: true,
		RuleIDs: []int64{ruleResp.Item.ID},
	}})
	if err != nil {
		t.Fatalf("SourceAdd: %v", err)
	}
	if srcResp.Item.NextRun == "" {
		t.Fatalf("expected next run on new source: %+v", srcResp.Item)
	}

	if _, err := client.SourceAdd(ipc.SourceAddRequest{Source: ipc.SourceInput{URL: "ftp://nope", Cron: "* * *"}}); err == nil {
		t.Fatal("expected invalid source to be rejected")
	}

	disabled, err := client.SourceEnable(ipc.SourceEnableRequest{ID: srcResp.Item.ID, Enabled: false})
	if err != nil {
		t.Fatalf("SourceEnable: %v", err)
	}
	if disabled.Item.Enabled || disabled.Item.NextRun != "" {
		t.Fatalf("expected disabled source without schedule: %+v", disabled.Item)
	}

	list, err := client.SourceList()
	if err != nil {
		t.Fatalf("SourceList: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("expected one source, got %d", len(list.Items))
	}

	run, err := client.SourceRun(ipc.SourceRunRequest{ID: srcResp.Item.ID})
	if err != nil {
		t.Fatalf("SourceRun: %v", err)
	}
	if !run.Queued {
		t.Fatal("expected run to queue a fetch")
	}

	removed, err := client.SourceRemove(ipc.SourceRemoveRequest{ID: srcResp.Item.ID})
	if err != nil || !removed.Removed {
		t.Fatalf("SourceRemove: %v %+v", err, removed)
	}
	if _, err := client.SourceRun(ipc.SourceRunRequest{ID: srcResp.Item.ID}); err == nil {
		t.Fatal("expected run of removed source to fail")
	}

	rules, err := client.RuleList()
	if err != nil {
		t.Fatalf("RuleList: %v", err)
	}
	if len(rules.Items) != 1 {
		t.Fatalf("rule should survive source removal, got %d", len(rules.Items))
	}
	if _, err := client.RuleRemove(ipc.RuleRemoveRequest{ID: ruleResp.Item.ID}); err != nil {
		t.Fatalf("RuleRemove: %v", err)
	}
}

func TestIPCDownloads(t *testing.T) {
	client := startServer(t)

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, err := client.Status()
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Status.BackendReady {
			if !status.Status.Running || status.Status.Backend != "fake" {
				t.Fatalf("unexpected status: %+v", status.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backend never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	added, err := client.DownloadAdd(ipc.DownloadAddRequest{URL: "https://tracker.example/a.torrent", Name: "a"})
	if err != nil {
		t.Fatalf("DownloadAdd: %v", err)
	}
	if added.Item.Status != "PENDING" {
		t.Fatalf("expected PENDING, got %s", added.Item.Status)
	}

	paused, err := client.DownloadPause(ipc.DownloadControlRequest{ID: added.Item.ID})
	if err != nil {
		t.Fatalf("DownloadPause: %v", err)
	}
	if paused.Item.Status != "PAUSED" {
		t.Fatalf("expected PAUSED, got %s", paused.Item.Status)
	}
	resumed, err := client.DownloadResume(ipc.DownloadControlRequest{ID: added.Item.ID})
	if err != nil {
		t.Fatalf("DownloadResume: %v", err)
	}
	if resumed.Item.Status != "PENDING" {
		t.Fatalf("expected PENDING after resume, got %s", resumed.Item.Status)
	}

	shown, err := client.DownloadShow(ipc.DownloadShowRequest{ID: added.Item.ID})
	if err != nil {
		t.Fatalf("DownloadShow: %v", err)
	}
	if shown.Item.URL != "https://tracker.example/a.torrent" {
		t.Fatalf("unexpected download: %+v", shown.Item)
	}

	list, err := client.DownloadList(ipc.DownloadListRequest{Statuses: []string{"pending"}})
	if err != nil {
		t.Fatalf("DownloadList: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("expected one pending download, got %d", len(list.Items))
	}
	if _, err := client.DownloadList(ipc.DownloadListRequest{Statuses: []string{"bogus"}}); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	removed, err := client.DownloadRemove(ipc.DownloadRemoveRequest{IDs: []int64{added.Item.ID}})
	if err != nil {
		t.Fatalf("DownloadRemove: %v", err)
	}
	if removed.Removed != 1 {
		t.Fatalf("expected one removal, got %d", removed.Removed)
	}

	notify, err := client.TestNotification()
	if err != nil {
		t.Fatalf("TestNotification: %v", err)
	}
	if notify.Sent {
		t.Fatal("notification must not be sent without a topic")
	}
}

func TestIPCLogTail(t *testing.T) {
	client, cfg := startServerWithConfig(t)
	path := logging.LogFilePath(cfg)
	lines := "2026-01-02T03:04:05Z INFO scheduler: schedule installed source_id=1\n" +
		"2026-01-02T03:04:06Z INFO fetcher: feed processed entries=2\n"
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	resp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: 10, Component: "fetcher"})
	if err != nil {
		t.Fatalf("LogTail: %v", err)
	}
	if len(resp.Lines) != 1 || !strings.Contains(resp.Lines[0], "feed processed") {
		t.Fatalf("unexpected lines: %#v", resp.Lines)
	}
	if resp.Offset != int64(len(lines)) {
		t.Fatalf("expected offset %d, got %d", len(lines), resp.Offset)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString("2026-01-02T03:04:07Z WARN fetcher: feed fetch failed\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	f.Close()

	next, err := client.LogTail(ipc.LogTailRequest{Offset: resp.Offset, Follow: true, WaitMillis: 500})
	if err != nil {
		t.Fatalf("LogTail follow: %v", err)
	}
	if len(next.Lines) != 1 || !strings.Contains(next.Lines[0], "feed fetch failed") {
		t.Fatalf("unexpected follow lines: %#v", next.Lines)
	}
}
