package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"feedloom/internal/api"
	"feedloom/internal/ipc"
)

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:     "download",
		Aliases: []string{"downloads", "dl"},
		Short:   "Inspect and control downloads",
	}
	downloadCmd.AddCommand(newDownloadListCommand(ctx))
	downloadCmd.AddCommand(newDownloadShowCommand(ctx))
	downloadCmd.AddCommand(newDownloadAddCommand(ctx))
	downloadCmd.AddCommand(newDownloadControlCommand(ctx, "pause", "Pause a download"))
	downloadCmd.AddCommand(newDownloadControlCommand(ctx, "resume", "Resume a paused download"))
	downloadCmd.AddCommand(newDownloadRemoveCommand(ctx))
	return downloadCmd
}

func newDownloadListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var sourceID int64
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List downloads, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DownloadList(ipc.DownloadListRequest{
					Statuses: statuses,
					SourceID: sourceID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No downloads")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderDownloadTable(resp.Items, shouldColorize(cmd.OutOrStdout())))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Filter by status (pending, paused, success, failed)")
	cmd.Flags().Int64Var(&sourceID, "source", 0, "Filter by source id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func newDownloadShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one download with live progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DownloadShow(ipc.DownloadShowRequest{ID: id})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Item)
				}
				renderDownloadDetail(cmd, resp.Item)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func newDownloadAddCommand(ctx *commandContext) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Download a torrent or magnet link outside any feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DownloadAdd(ipc.DownloadAddRequest{URL: args[0], Name: name})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added download %d (%s)\n", resp.Item.ID, resp.Item.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newDownloadControlCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				req := ipc.DownloadControlRequest{ID: id}
				var resp *ipc.DownloadResponse
				if action == "pause" {
					resp, err = client.DownloadPause(req)
				} else {
					resp, err = client.DownloadResume(req)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Download %d is %s\n", id, resp.Item.Status)
				return nil
			})
		},
	}
}

func newDownloadRemoveCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:     "remove [id...]",
		Aliases: []string{"rm"},
		Short:   "Cancel and delete downloads by id or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			if len(ids) == 0 && len(statuses) == 0 {
				return errors.New("specify download ids or --status")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DownloadRemove(ipc.DownloadRemoveRequest{IDs: ids, Statuses: statuses})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d downloads\n", resp.Removed)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "Remove every download with these statuses")
	return cmd
}

func renderDownloadTable(items []api.Download, colorize bool) string {
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		source := "-"
		if item.SourceID > 0 {
			source = strconv.FormatInt(item.SourceID, 10)
		}
		rows = append(rows, []string{
			strconv.FormatInt(item.ID, 10),
			truncate(orDash(item.Name), 40),
			colorStatus(item.Status, colorize),
			source,
			orDash(item.UpdatedAt),
		})
	}
	return renderTable(
		[]column{numCol("ID"), textCol("Name"), textCol("Status"), numCol("Source"), textCol("Updated")},
		rows,
	)
}

func renderDownloadDetail(cmd *cobra.Command, item api.Download) {
	p := newStatusPrinter(cmd.OutOrStdout())
	p.section(fmt.Sprintf("Download %d", item.ID))
	p.line("Status", downloadStatusKind(item.Status), item.Status)
	p.info("Name", orDash(item.Name))
	p.info("URL", item.URL)
	p.info("Save dir", orDash(item.SaveDir))
	if item.SourceID > 0 {
		p.info("Source / rule", fmt.Sprintf("%d / %d", item.SourceID, item.RuleID))
	}
	if pr := item.Progress; pr != nil {
		p.info("Progress", fmt.Sprintf("%.1f%% of %s at %s/s", pr.Percent, formatBytes(pr.TotalBytes), formatBytes(pr.BytesPerSecond)))
	}
	if msg := strings.TrimSpace(item.Error); msg != "" {
		p.line("Error", statusError, msg)
	}
	p.info("Updated", orDash(item.UpdatedAt))
}
