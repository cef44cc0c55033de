// Package daemonctl launches, stops and restarts the background daemon
// process on behalf of the CLI.
package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"feedloom/internal/config"
	"feedloom/internal/ipc"
)

// ErrNotRunning is returned by Stop when no daemon answers and none holds
// the instance lock.
var ErrNotRunning = errors.New("daemon not running")

const pollInterval = 100 * time.Millisecond

// Controller manages the daemon serving one socket.
type Controller struct {
	// Executable is the feedloom binary started as "feedloom daemon".
	Executable string
	Socket     string
	// ConfigPath is forwarded as --config when set.
	ConfigPath string
	// StartTimeout bounds how long Start waits for the new daemon to answer.
	StartTimeout time.Duration
	// StopGrace is how long Stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	pidFile  string
	lockFile string
}

// New returns a controller for the daemon configured by cfg. A nil cfg leaves
// Stop relying on the socket alone.
func New(cfg *config.Config, socket, configPath, executable string) *Controller {
	c := &Controller{
		Executable:   executable,
		Socket:       socket,
		ConfigPath:   configPath,
		StartTimeout: 10 * time.Second,
		StopGrace:    10 * time.Second,
	}
	if cfg != nil {
		c.pidFile = cfg.PIDPath()
		c.lockFile = cfg.LockPath()
	}
	return c
}

// Outcome reports what Start, Stop or Restart did.
type Outcome struct {
	PID int
	// AlreadyRunning is set when Start found a live daemon and launched nothing.
	AlreadyRunning bool
	// Stopped is set when a running daemon was shut down.
	Stopped bool
	// Killed is set when the daemon ignored SIGTERM for StopGrace.
	Killed bool
}

// Start launches the daemon unless one already answers on the socket, then
// waits until the daemon reports itself running.
func (c *Controller) Start(ctx context.Context) (Outcome, error) {
	if pid, err := c.livePID(); err == nil {
		return Outcome{PID: pid, AlreadyRunning: true}, nil
	}
	if strings.TrimSpace(c.Executable) == "" {
		return Outcome{}, errors.New("launch daemon: executable path is empty")
	}

	cmd := exec.Command(c.Executable, c.daemonArgs()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("launch daemon: %w", err)
	}
	_ = cmd.Process.Release()

	waitCtx, cancel := context.WithTimeout(ctx, c.StartTimeout)
	defer cancel()
	var (
		pid     int
		lastErr error
	)
	err := waitUntil(waitCtx, func() bool {
		pid, lastErr = c.livePID()
		return lastErr == nil
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("daemon did not come up on %s (%v); check the daemon log", c.Socket, lastErr)
	}
	return Outcome{PID: pid}, nil
}

// Stop sends SIGTERM to the daemon and waits for it to release the instance
// lock, falling back to SIGKILL after StopGrace. The pid comes from the daemon
// itself or, when its socket is gone but the lock is still held, the pid file.
func (c *Controller) Stop(ctx context.Context) (Outcome, error) {
	pid, err := c.livePID()
	if err != nil {
		if !c.lockHeld() {
			return Outcome{}, ErrNotRunning
		}
		if pid = c.pidFromFile(); pid <= 0 {
			return Outcome{}, fmt.Errorf("daemon holds %s but its pid is unknown (pid file %q)", c.lockFile, c.pidFile)
		}
	}
	if pid == os.Getpid() {
		return Outcome{}, fmt.Errorf("refusing to signal current process (pid %d)", pid)
	}
	if err := signal(pid, syscall.SIGTERM); err != nil {
		return Outcome{}, err
	}

	out := Outcome{PID: pid, Stopped: true}
	graceCtx, cancel := context.WithTimeout(ctx, c.StopGrace)
	defer cancel()
	if waitUntil(graceCtx, c.gone) == nil {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if err := signal(pid, syscall.SIGKILL); err != nil {
		return out, err
	}
	if c.pidFile != "" {
		_ = os.Remove(c.pidFile)
	}
	_ = os.Remove(c.Socket)
	out.Killed = true
	return out, nil
}

// Restart stops a running daemon, if any, and starts a new one. The returned
// PID is the new daemon's; Stopped and Killed describe the old one.
func (c *Controller) Restart(ctx context.Context) (Outcome, error) {
	stopped, err := c.Stop(ctx)
	if err != nil && !errors.Is(err, ErrNotRunning) {
		return Outcome{}, err
	}
	started, err := c.Start(ctx)
	if err != nil {
		return Outcome{}, err
	}
	started.Stopped = stopped.Stopped
	started.Killed = stopped.Killed
	return started, nil
}

func (c *Controller) daemonArgs() []string {
	args := []string{"daemon"}
	if s := strings.TrimSpace(c.Socket); s != "" {
		args = append(args, "--socket", s)
	}
	if p := strings.TrimSpace(c.ConfigPath); p != "" {
		args = append(args, "--config", p)
	}
	return args
}

// livePID asks the daemon on the socket for its pid.
func (c *Controller) livePID() (int, error) {
	client, err := ipc.Dial(c.Socket)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	resp, err := client.Status()
	if err != nil {
		return 0, err
	}
	if !resp.Status.Running {
		return 0, errors.New("daemon answered but is not running")
	}
	return resp.Status.PID, nil
}

// gone reports whether the daemon has exited. With a lock file configured,
// the released lock is authoritative; otherwise a dead socket is.
func (c *Controller) gone() bool {
	if c.lockFile != "" {
		return !c.lockHeld()
	}
	_, err := c.livePID()
	return err != nil
}

// lockHeld reports whether another process holds the daemon instance lock.
func (c *Controller) lockHeld() bool {
	if c.lockFile == "" {
		return false
	}
	if _, err := os.Stat(c.lockFile); err != nil {
		return false
	}
	lock := flock.New(c.lockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = lock.Unlock()
		return false
	}
	return true
}

func (c *Controller) pidFromFile() int {
	if c.pidFile == "" {
		return 0
	}
	data, err := os.ReadFile(c.pidFile)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

func signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("send %s to daemon %d: %w", sig, pid, err)
	}
	return nil
}

// waitUntil polls cond until it holds or ctx ends.
func waitUntil(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
