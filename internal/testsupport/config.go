package testsupport

import (
	"path/filepath"
	"testing"

	"feedloom/internal/config"
)

// ConfigOption adjusts the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig returns the default configuration rooted in a fresh temp
// directory. The API binds an ephemeral loopback port and backend restarts
// are retried every second.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.RulesDir = filepath.Join(base, "rules")
	cfg.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfg.Paths.LibraryDir = filepath.Join(base, "library")
	cfg.Paths.SocketPath = filepath.Join(base, "feedloom.sock")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Downloader.RetryIntervalSeconds = 1

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithBackend selects the download backend.
func WithBackend(name string) ConfigOption {
	return func(cfg *config.Config) { cfg.Downloader.Backend = name }
}

// WithSandboxTimeouts overrides the validate and describe hook timeouts.
func WithSandboxTimeouts(validateMillis, describeMillis int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Sandbox.ValidateTimeoutMillis = validateMillis
		cfg.Sandbox.DescribeTimeoutMillis = describeMillis
	}
}

// BaseDir returns the temp directory every configured path lives under.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
