package swarm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"feedloom/internal/config"
	"feedloom/internal/downloader"
	"feedloom/internal/downloader/swarm"
	"feedloom/internal/logging"
	"feedloom/internal/services"
	"feedloom/internal/testsupport"
)

const testMagnet = "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=test"

func newAdapter(t *testing.T, mutate func(*config.Config)) downloader.Adapter {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithBackend(swarm.Name))
	cfg.Swarm.ListenPort = 0
	cfg.Swarm.DisableDHT = true
	cfg.Swarm.NoUpload = true
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	adapter, err := swarm.New(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter
}

func nextEvent(t *testing.T, task downloader.Task, within time.Duration) downloader.Event {
	t.Helper()
	select {
	case ev, ok := <-task.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(within):
		t.Fatal("timed out waiting for event")
	}
	return downloader.Event{}
}

func TestCreateTaskRequiresInitialize(t *testing.T) {
	adapter := newAdapter(t, nil)
	if adapter.Ready() {
		t.Fatal("engine must not run before Initialize")
	}
	if _, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: 1, URL: testMagnet}); !errors.Is(err, services.ErrAdapterUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestMagnetTaskLifecycle(t *testing.T) {
	adapter := newAdapter(t, nil)
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	task, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: 1, URL: testMagnet, SaveDir: t.TempDir()})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: 2, URL: testMagnet}); err == nil {
		t.Fatal("expected duplicate torrent to be rejected")
	}

	state, err := adapter.State(context.Background(), task)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.TotalLength != 0 || state.Progress != 0 {
		t.Fatalf("expected empty state before metadata, got %#v", state)
	}

	if err := task.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if ev := nextEvent(t, task, time.Second); ev.Kind != downloader.EventPaused {
		t.Fatalf("expected paused, got %#v", ev)
	}
	if err := task.Unpause(context.Background()); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if ev := nextEvent(t, task, time.Second); ev.Kind != downloader.EventStarted {
		t.Fatalf("expected started, got %#v", ev)
	}
	if err := task.Remove(context.Background()); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ev := nextEvent(t, task, time.Second); ev.Kind != downloader.EventRemoved {
		t.Fatalf("expected removed, got %#v", ev)
	}
	if err := task.Pause(context.Background()); err == nil {
		t.Fatal("pause after remove must fail")
	}
}

func TestMetadataTimeoutFailsTask(t *testing.T) {
	adapter := newAdapter(t, func(cfg *config.Config) { cfg.Swarm.MetainfoTimeoutSeconds = 1 })
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	task, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: 3, URL: testMagnet})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ev := nextEvent(t, task, 5*time.Second)
	if ev.Kind != downloader.EventFailed || ev.Reason == "" {
		t.Fatalf("expected failed with reason, got %#v", ev)
	}
}

func TestCreateTaskRejectsBadSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage.torrent" {
			_, _ = w.Write([]byte("not bencode"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	adapter := newAdapter(t, nil)
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	cases := []string{
		"ftp://example.test/a.torrent",
		srv.URL + "/missing.torrent",
		srv.URL + "/garbage.torrent",
		"magnet:?xt=urn:btih:nothex",
	}
	for i, raw := range cases {
		if _, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: int64(10 + i), URL: raw}); err == nil {
			t.Errorf("%s: expected error", raw)
		}
	}
}

// seed serves a single-file torrent from a local client and returns a magnet
// that points straight at it.
func seed(t *testing.T, size int64) (magnet string, name string) {
	t.Helper()
	dir := t.TempDir()
	name = "Show - 03.mkv"
	testsupport.WriteMatroska(t, filepath.Join(dir, name), size)

	info := metainfo.Info{PieceLength: 16 << 10}
	if err := info.BuildFromFilePath(filepath.Join(dir, name)); err != nil {
		t.Fatalf("build info: %v", err)
	}
	mi := metainfo.MetaInfo{}
	var err error
	if mi.InfoBytes, err = bencode.Marshal(info); err != nil {
		t.Fatalf("encode info: %v", err)
	}

	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = dir
	cfg.ListenPort = 0
	cfg.Seed = true
	cfg.NoDHT = true
	cfg.NoDefaultPortForwarding = true
	seeder, err := torrent.NewClient(cfg)
	if err != nil {
		t.Fatalf("seeder client: %v", err)
	}
	t.Cleanup(func() { seeder.Close() })
	tor, err := seeder.AddTorrent(&mi)
	if err != nil {
		t.Fatalf("seeder add: %v", err)
	}
	tor.VerifyData()
	if missing := tor.BytesMissing(); missing != 0 {
		t.Fatalf("seeder is missing %d bytes", missing)
	}

	hash := mi.HashInfoBytes()
	magnet = mi.Magnet(&hash, &info).String() + fmt.Sprintf("&x.pe=127.0.0.1:%d", seeder.LocalPort())
	return magnet, name
}

func TestMagnetDownloadCompletesWithHashedFiles(t *testing.T) {
	magnet, name := seed(t, 64<<10)
	adapter := newAdapter(t, func(cfg *config.Config) { cfg.Downloader.Trackers = nil })
	if err := adapter.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	saveDir := t.TempDir()
	task, err := adapter.CreateTask(context.Background(), downloader.TaskRequest{ID: 20, URL: magnet, SaveDir: saveDir})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	ev := nextEvent(t, task, 20*time.Second)
	if ev.Kind != downloader.EventDone {
		t.Fatalf("expected done, got %#v", ev)
	}
	if len(ev.Files) != 1 {
		t.Fatalf("expected one file, got %#v", ev.Files)
	}
	got := ev.Files[0]
	if got.Path != filepath.Join(saveDir, name) || got.Size != 64<<10 || got.Hash == "" {
		t.Fatalf("unexpected file %#v", got)
	}
	select {
	case _, ok := <-task.Events():
		if ok {
			t.Fatal("no event may follow done")
		}
	case <-time.After(time.Second):
		t.Fatal("event channel not closed after done")
	}
	if err := task.Pause(context.Background()); err == nil {
		t.Fatal("pause after done must fail")
	}
}
