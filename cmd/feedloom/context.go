package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"feedloom/internal/config"
	"feedloom/internal/ipc"
)

const skipConfigAnnotation = "skipConfigLoad"

// globalFlags holds the persistent flags shared by every subcommand.
type globalFlags struct {
	socket string
	config string
}

// commandContext carries the parsed global flags and the lazily loaded
// configuration to subcommands.
type commandContext struct {
	flags      globalFlags
	loadConfig func() (*config.Config, error)
}

func newCommandContext() *commandContext {
	c := &commandContext{}
	c.loadConfig = sync.OnceValues(func() (*config.Config, error) {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			return nil, err
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		return cfg, nil
	})
	return c
}

func (c *commandContext) configPath() string {
	return strings.TrimSpace(c.flags.config)
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	return c.loadConfig()
}

// loadedConfig returns the configuration, or nil when it failed to load.
func (c *commandContext) loadedConfig() *config.Config {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil
	}
	return cfg
}

// socketPath resolves the daemon socket: the --socket flag, then the
// configured path, then the default under the data directory.
func (c *commandContext) socketPath() string {
	if socket := strings.TrimSpace(c.flags.socket); socket != "" {
		return socket
	}
	if cfg := c.loadedConfig(); cfg != nil && cfg.Paths.SocketPath != "" {
		return cfg.Paths.SocketPath
	}
	return defaultSocketPath()
}

func defaultSocketPath() string {
	dataDir, err := config.ExpandPath(config.Default().Paths.DataDir)
	if err != nil {
		dataDir = os.TempDir()
	}
	return filepath.Join(dataDir, "feedloom.sock")
}

func (c *commandContext) withClient(fn func(*ipc.Client) error) error {
	client, err := c.dialClient()
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func (c *commandContext) dialClient() (*ipc.Client, error) {
	socket := c.socketPath()
	client, err := ipc.Dial(socket)
	if err != nil {
		return nil, describeDialError(socket, err)
	}
	return client, nil
}

func describeDialError(socket string, err error) error {
	if errors.Is(err, syscall.ENOENT) || errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("feedloom daemon is not running (no socket at %s); start it with `feedloom start`", socket)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("feedloom daemon at %s refused the connection; it may have crashed, see `feedloom logs daemon`", socket)
	}
	return fmt.Errorf("connect to feedloom daemon: %w", err)
}

// skipsConfig reports whether cmd or one of its parents opted out of
// loading the configuration before running.
func skipsConfig(cmd *cobra.Command) bool {
	for ; cmd != nil; cmd = cmd.Parent() {
		if cmd.Annotations[skipConfigAnnotation] == "true" {
			return true
		}
	}
	return false
}
