package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"feedloom/internal/api"
	"feedloom/internal/ipc"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show fetch history and rule errors",
	}
	logsCmd.AddCommand(newFetchLogsCommand(ctx))
	logsCmd.AddCommand(newRuleErrorsCommand(ctx))
	logsCmd.AddCommand(newDaemonLogCommand(ctx))
	return logsCmd
}

func newDaemonLogCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var component string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Print the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				req := ipc.LogTailRequest{Offset: -1, Limit: lines, Component: component}
				for {
					resp, err := client.LogTail(req)
					if err != nil {
						return err
					}
					for _, line := range resp.Lines {
						fmt.Fprintln(out, line)
					}
					if !follow {
						return nil
					}
					if err := cmd.Context().Err(); err != nil {
						return nil
					}
					req = ipc.LogTailRequest{Offset: resp.Offset, Follow: true, WaitMillis: 2000, Component: component}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	cmd.Flags().StringVar(&component, "component", "", "Only lines from this component (e.g. fetcher)")
	return cmd
}

func newFetchLogsCommand(ctx *commandContext) *cobra.Command {
	var sourceID int64
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "List recent fetch jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.FetchLogs(ipc.FetchLogsRequest{SourceID: sourceID, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No fetch logs")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderFetchLogTable(resp.Items))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source", 0, "Filter by source id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func newRuleErrorsCommand(ctx *commandContext) *cobra.Command {
	var ruleID int64
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "rule-errors",
		Short: "List recent rule hook failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RuleErrors(ipc.RuleErrorsRequest{RuleID: ruleID, Limit: limit})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No rule errors")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderRuleErrorTable(resp.Items))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&ruleID, "rule", 0, "Filter by rule id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func renderFetchLogTable(items []api.FetchLog) string {
	rows := make([][]string, 0, len(items))
	for _, fl := range items {
		rows = append(rows, []string{
			strconv.FormatInt(fl.ID, 10),
			strconv.FormatInt(fl.SourceID, 10),
			fl.Status,
			strconv.Itoa(fl.EntryCount),
			strconv.Itoa(fl.MatchedCount),
			truncate(orDash(fl.Error), 40),
			orDash(fl.CreatedAt),
		})
	}
	return renderTable(
		[]column{numCol("ID"), numCol("Source"), textCol("Status"), numCol("Entries"), numCol("Matched"), textCol("Error"), textCol("Started")},
		rows,
	)
}

func renderRuleErrorTable(items []api.RuleError) string {
	rows := make([][]string, 0, len(items))
	for _, re := range items {
		rows = append(rows, []string{
			strconv.FormatInt(re.ID, 10),
			strconv.FormatInt(re.RuleID, 10),
			re.Hook,
			truncate(re.Error, 50),
			orDash(re.CreatedAt),
		})
	}
	return renderTable(
		[]column{numCol("ID"), numCol("Rule"), textCol("Hook"), textCol("Error"), textCol("When")},
		rows,
	)
}
