package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFetch()
	c.normalizeDownloader()
	c.normalizeAria2()
	c.normalizeLibrary()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.RulesDir) == "" {
		c.Paths.RulesDir = filepath.Join(c.Paths.DataDir, "rules")
	}
	if c.Paths.RulesDir, err = expandPath(c.Paths.RulesDir); err != nil {
		return fmt.Errorf("paths.rules_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = filepath.Join(c.Paths.DataDir, "downloads")
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if c.Paths.LibraryDir, err = expandPath(c.Paths.LibraryDir); err != nil {
		return fmt.Errorf("paths.library_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SocketPath) == "" {
		c.Paths.SocketPath = filepath.Join(c.Paths.DataDir, defaultSocketName)
	}
	if c.Paths.SocketPath, err = expandPath(c.Paths.SocketPath); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("FEEDLOOM_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeFetch() {
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = defaultFetchUserAgent
	}
}

func (c *Config) normalizeDownloader() {
	c.Downloader.Backend = strings.ToLower(strings.TrimSpace(c.Downloader.Backend))
	if c.Downloader.Backend == "" {
		c.Downloader.Backend = defaultBackend
	}
	prefixes := make([]string, 0, len(c.Downloader.MediaMIMEPrefixes))
	seen := make(map[string]struct{}, len(c.Downloader.MediaMIMEPrefixes))
	for _, prefix := range c.Downloader.MediaMIMEPrefixes {
		normalized := strings.ToLower(strings.TrimSpace(prefix))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		prefixes = append(prefixes, normalized)
	}
	c.Downloader.MediaMIMEPrefixes = prefixes

	trackers := c.Downloader.Trackers[:0]
	for _, tracker := range c.Downloader.Trackers {
		if tracker = strings.TrimSpace(tracker); tracker != "" {
			trackers = append(trackers, tracker)
		}
	}
	c.Downloader.Trackers = trackers
}

func (c *Config) normalizeAria2() {
	c.Aria2.URL = strings.TrimSpace(c.Aria2.URL)
	c.Aria2.Secret = strings.TrimSpace(c.Aria2.Secret)
	if c.Aria2.Secret == "" {
		if value, ok := os.LookupEnv("ARIA2_SECRET"); ok {
			c.Aria2.Secret = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLibrary() {
	c.Library.SeriesDir = strings.Trim(strings.TrimSpace(c.Library.SeriesDir), "/")
	if c.Library.SeriesDir == "" {
		c.Library.SeriesDir = defaultSeriesDir
	}
	c.Library.UnsortedDir = strings.Trim(strings.TrimSpace(c.Library.UnsortedDir), "/")
	if c.Library.UnsortedDir == "" {
		c.Library.UnsortedDir = defaultUnsortedDir
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = defaultLogLevel
	case "warning":
		c.Logging.Level = "warn"
	}
}
