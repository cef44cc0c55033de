package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"feedloom/internal/api"
	"feedloom/internal/daemonctl"
	"feedloom/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the feedloom daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := controller(ctx)
			if err != nil {
				return err
			}
			out, err := ctl.Start(cmd.Context())
			if err != nil {
				return err
			}
			if out.AlreadyRunning {
				fmt.Fprintf(cmd.OutOrStdout(), "Daemon already running (pid %d)\n", out.PID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (pid %d)\n", out.PID)
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the feedloom daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			ctl := daemonctl.New(ctx.loadedConfig(), ctx.socketPath(), ctx.configPath(), "")
			out, err := ctl.Stop(cmd.Context())
			if errors.Is(err, daemonctl.ErrNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if out.Killed {
				fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", out.PID)
				return nil
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the feedloom daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := controller(ctx)
			if err != nil {
				return err
			}
			out, err := ctl.Restart(cmd.Context())
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if out.Stopped {
				fmt.Fprintln(stdout, "Daemon stopped")
			}
			fmt.Fprintf(stdout, "Daemon restarted (pid %d)\n", out.PID)
			return nil
		},
	}

	var jsonOut bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, backend and download status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Status)
				}
				renderDaemonStatus(cmd, resp.Status)
				return nil
			})
		},
	}
	statusCmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func controller(ctx *commandContext) (*daemonctl.Controller, error) {
	exe, err := executablePath()
	if err != nil {
		return nil, err
	}
	return daemonctl.New(ctx.loadedConfig(), ctx.socketPath(), ctx.configPath(), exe), nil
}

func renderDaemonStatus(cmd *cobra.Command, status api.DaemonStatus) {
	p := newStatusPrinter(cmd.OutOrStdout())

	p.section("Daemon")
	if status.Running {
		p.line("Feedloom", statusOK, fmt.Sprintf("Running (pid %d)", status.PID))
	} else {
		p.line("Feedloom", statusError, "Not running")
	}
	switch {
	case status.BackendReady:
		p.line("Backend", statusOK, status.Backend)
	case status.BackendError != "":
		p.line("Backend", statusError, status.Backend+": "+status.BackendError)
	default:
		p.line("Backend", statusWarn, status.Backend+": connecting")
	}
	p.info("Schedules", strconv.Itoa(status.Schedules))
	p.info("Fetch queue", strconv.Itoa(status.QueueDepth))
	p.info("Active downloads", strconv.Itoa(status.ActiveDownloads))
	p.info("Download dir", fmt.Sprintf("%s (%s free)", status.DownloadDir, formatBytes(int64(status.DiskFreeBytes))))
	p.info("Database", status.DatabasePath)
	fmt.Fprintln(p.w)

	p.section("Downloads")
	fmt.Fprint(p.w, renderTable(
		[]column{textCol("Status"), numCol("Count")},
		downloadStatRows(status.DownloadStats),
	))
}

func downloadStatRows(stats map[string]int) [][]string {
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, strconv.Itoa(stats[key])})
	}
	return rows
}
