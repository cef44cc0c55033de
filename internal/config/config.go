package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	RulesDir    string `toml:"rules_dir"`
	DownloadDir string `toml:"download_dir"`
	LibraryDir  string `toml:"library_dir"`
	SocketPath  string `toml:"socket_path"`
	APIBind     string `toml:"api_bind"`
	APIToken    string `toml:"api_token"`
}

// Fetch controls the fetch job queue and feed retrieval.
type Fetch struct {
	Workers        int     `toml:"workers" validate:"min=1,max=64"`
	QueueSize      int     `toml:"queue_size" validate:"min=1"`
	MaxAttempts    int     `toml:"max_attempts" validate:"min=1,max=20"`
	TimeoutSeconds int     `toml:"timeout_seconds" validate:"min=1"`
	HostRate       float64 `toml:"host_rate" validate:"gt=0"`
	HostBurst      int     `toml:"host_burst" validate:"min=1"`
	UserAgent      string  `toml:"user_agent"`
}

// Sandbox bounds rule code execution.
type Sandbox struct {
	ValidateTimeoutMillis int `toml:"validate_timeout_ms" validate:"min=10"`
	DescribeTimeoutMillis int `toml:"describe_timeout_ms" validate:"min=10"`
	MaxVMs                int `toml:"max_vms" validate:"min=1"`
}

// Downloader selects and tunes the download backend.
type Downloader struct {
	Backend              string   `toml:"backend" validate:"required,oneof=aria2 swarm"`
	RetryIntervalSeconds int      `toml:"retry_interval_seconds" validate:"min=1"`
	MediaMIMEPrefixes    []string `toml:"media_mime_prefixes"`
	Trackers             []string `toml:"trackers" validate:"dive,url"`
}

// Aria2 configures the JSON-RPC download daemon backend.
type Aria2 struct {
	URL                      string `toml:"url" validate:"required,url"`
	Secret                   string `toml:"secret"`
	ReconnectIntervalSeconds int    `toml:"reconnect_interval_seconds" validate:"min=1"`
	RequestTimeoutSeconds    int    `toml:"request_timeout_seconds" validate:"min=1"`
}

// Swarm configures the embedded peer-to-peer engine backend.
type Swarm struct {
	ListenPort             int  `toml:"listen_port" validate:"min=0,max=65535"`
	NoUpload               bool `toml:"no_upload"`
	Seed                   bool `toml:"seed"`
	DisableDHT             bool `toml:"disable_dht"`
	MetainfoTimeoutSeconds int  `toml:"metainfo_timeout_seconds" validate:"min=1"`
}

// Library contains configuration for the media library structure.
type Library struct {
	OverwriteExisting bool   `toml:"overwrite_existing"`
	KeepSource        bool   `toml:"keep_source"`
	SeriesDir         string `toml:"series_dir"`
	UnsortedDir       string `toml:"unsorted_dir"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout" validate:"min=1"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
	FetchErrors    bool   `toml:"fetch_errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format" validate:"oneof=console json"`
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
}

// Config encapsulates all configuration values for feedloom.
//
// Configuration sections by subsystem:
//   - Paths: data, rule, download and library directories; API and socket addresses
//   - Fetch: job queue sizing, retries, feed HTTP limits
//   - Sandbox: rule hook timeouts and VM slots
//   - Downloader: backend selection and media whitelist
//   - Aria2: daemon RPC backend connection
//   - Swarm: embedded engine settings
//   - Library: media ingestion layout
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Fetch         Fetch         `toml:"fetch"`
	Sandbox       Sandbox       `toml:"sandbox"`
	Downloader    Downloader    `toml:"downloader"`
	Aria2         Aria2         `toml:"aria2"`
	Swarm         Swarm         `toml:"swarm"`
	Library       Library       `toml:"library"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/feedloom/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("feedloom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// LibraryDir is created on a best-effort basis so the daemon can run when
// external storage is temporarily unavailable.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.RulesDir, c.Paths.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if strings.TrimSpace(c.Paths.LibraryDir) != "" {
		// Best-effort to avoid failing startup when storage is offline.
		_ = os.MkdirAll(c.Paths.LibraryDir, 0o755)
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "feedloom.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "feedloomd.lock")
}

// PIDPath returns the daemon pid file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.DataDir, "feedloomd.pid")
}

// ValidateTimeout is the wall-clock bound for a rule validate hook.
func (c *Config) ValidateTimeout() time.Duration {
	return time.Duration(c.Sandbox.ValidateTimeoutMillis) * time.Millisecond
}

// DescribeTimeout is the wall-clock bound for a rule describe hook.
func (c *Config) DescribeTimeout() time.Duration {
	return time.Duration(c.Sandbox.DescribeTimeoutMillis) * time.Millisecond
}

// FetchTimeout bounds a single feed request.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// MetainfoTimeout bounds how long the swarm engine waits for torrent metadata.
func (c *Config) MetainfoTimeout() time.Duration {
	return time.Duration(c.Swarm.MetainfoTimeoutSeconds) * time.Second
}

// RetryInterval is the fixed backoff between adapter initialization attempts.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Downloader.RetryIntervalSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
