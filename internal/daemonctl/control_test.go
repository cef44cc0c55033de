package daemonctl_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"feedloom/internal/daemon"
	"feedloom/internal/daemonctl"
	"feedloom/internal/downloader/downloadertest"
	"feedloom/internal/ipc"
	"feedloom/internal/testsupport"
)

func shortSocket(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "fl")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "feedloom.sock")
}

// startDaemon runs a daemon in this process and serves it on a fresh socket.
func startDaemon(t *testing.T) (string, *daemonctl.Controller) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	st := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, st, nil, daemon.WithAdapter(downloadertest.New("fake")))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	socket := shortSocket(t)
	srv, err := ipc.NewServer(ctx, socket, d, nil)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)
	return socket, daemonctl.New(cfg, socket, "", "")
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, err := daemonctl.New(cfg, shortSocket(t), "", "").Stop(context.Background())
	if !errors.Is(err, daemonctl.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStopWithoutConfigUsesSocketOnly(t *testing.T) {
	_, err := daemonctl.New(nil, shortSocket(t), "", "").Stop(context.Background())
	if !errors.Is(err, daemonctl.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestStartDetectsRunningDaemon(t *testing.T) {
	_, ctl := startDaemon(t)
	out, err := ctl.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !out.AlreadyRunning || out.PID != os.Getpid() {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestStopRefusesToSignalItself(t *testing.T) {
	_, ctl := startDaemon(t)
	_, err := ctl.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refusing to signal current process") {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestStopFallsBackToPIDFileWhenSocketIsGone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	t.Cleanup(func() { _ = lock.Unlock() })

	ctl := daemonctl.New(cfg, shortSocket(t), "", "")
	_, err = ctl.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "pid is unknown") {
		t.Fatalf("expected unknown pid error while lock is held, got %v", err)
	}

	if err := os.WriteFile(cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	_, err = ctl.Stop(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refusing to signal current process") {
		t.Fatalf("expected pid file to be used, got %v", err)
	}
}

func TestStartRequiresExecutable(t *testing.T) {
	ctl := daemonctl.New(nil, shortSocket(t), "", "")
	ctl.StartTimeout = 100 * time.Millisecond
	if _, err := ctl.Start(context.Background()); err == nil {
		t.Fatal("expected launch without executable to fail")
	}
}
