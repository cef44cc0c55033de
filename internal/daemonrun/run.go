// Package daemonrun hosts the foreground daemon process loop used by the
// `feedloom daemon` command.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	"feedloom/internal/config"
	"feedloom/internal/daemon"
	"feedloom/internal/downloader"
	"feedloom/internal/ipc"
	"feedloom/internal/logging"
	"feedloom/internal/store"
)

// FieldRunID tags every line logged by one daemon process.
const FieldRunID = "run_id"

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the feedloom daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String(FieldRunID, uuid.NewString()))
	logConfigSnapshot(logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, st, logger)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration, lock file and database access"),
			logging.String(logging.FieldImpact, "no feeds are polled"),
		)
		return err
	}
	ipcServer.Serve()

	<-signalCtx.Done()
	logger.Info("feedloom daemon shutting down")
	d.Stop()
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String(logging.FieldBackend, cfg.Downloader.Backend),
		logging.Any("registered_backends", downloader.Backends()),
		logging.Int("fetch_workers", cfg.Fetch.Workers),
		logging.String("data_dir", cfg.Paths.DataDir),
		logging.String("download_dir", cfg.Paths.DownloadDir),
		logging.String("library_dir", cfg.Paths.LibraryDir),
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String("api_bind", cfg.Paths.APIBind),
		logging.Bool("notifications_enabled", cfg.Notifications.NtfyTopic != ""),
	)
}
