package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"feedloom/internal/api"
	"feedloom/internal/ipc"
)

func newSourceCommand(ctx *commandContext) *cobra.Command {
	sourceCmd := &cobra.Command{
		Use:     "source",
		Aliases: []string{"sources"},
		Short:   "Manage feed sources",
	}
	sourceCmd.AddCommand(newSourceListCommand(ctx))
	sourceCmd.AddCommand(newSourceAddCommand(ctx))
	sourceCmd.AddCommand(newSourceUpdateCommand(ctx))
	sourceCmd.AddCommand(newSourceEnableCommand(ctx, true))
	sourceCmd.AddCommand(newSourceEnableCommand(ctx, false))
	sourceCmd.AddCommand(newSourceRemoveCommand(ctx))
	sourceCmd.AddCommand(newSourceRunCommand(ctx))
	return sourceCmd
}

func newSourceListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List feed sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SourceList()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sources configured")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderSourceTable(resp.Items))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

type sourceFlags struct {
	title   string
	remark  string
	cron    string
	owner   string
	rules   []int64
	enabled bool
}

func (f *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.title, "title", "", "Display title")
	cmd.Flags().StringVar(&f.remark, "remark", "", "Free-form note")
	cmd.Flags().StringVar(&f.cron, "cron", "0 */30 * * * *", "Six-field cron schedule (seconds first)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "Owner label")
	cmd.Flags().Int64SliceVar(&f.rules, "rule", nil, "Rule id to attach (repeatable)")
	cmd.Flags().BoolVar(&f.enabled, "enabled", true, "Poll the source on its schedule")
}

func (f *sourceFlags) input(url string) ipc.SourceInput {
	return ipc.SourceInput{
		URL:     url,
		Title:   f.title,
		Remark:  f.remark,
		Cron:    f.cron,
		Enabled: f.enabled,
		Owner:   f.owner,
		RuleIDs: f.rules,
	}
}

// mergeChanged applies only the flags the user set on top of current.
func (f *sourceFlags) mergeChanged(cmd *cobra.Command, current api.Source) ipc.SourceInput {
	in := ipc.SourceInput{
		URL:     current.URL,
		Title:   current.Title,
		Remark:  current.Remark,
		Cron:    current.Cron,
		Enabled: current.Enabled,
		Owner:   current.Owner,
		RuleIDs: current.RuleIDs,
	}
	flags := cmd.Flags()
	if flags.Changed("title") {
		in.Title = f.title
	}
	if flags.Changed("remark") {
		in.Remark = f.remark
	}
	if flags.Changed("cron") {
		in.Cron = f.cron
	}
	if flags.Changed("owner") {
		in.Owner = f.owner
	}
	if flags.Changed("rule") {
		in.RuleIDs = f.rules
	}
	if flags.Changed("enabled") {
		in.Enabled = f.enabled
	}
	return in
}

func newSourceAddCommand(ctx *commandContext) *cobra.Command {
	var flags sourceFlags
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe to a feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SourceAdd(ipc.SourceAddRequest{Source: flags.input(args[0])})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added source %d (%s)\n", resp.Item.ID, resp.Item.URL)
				return nil
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSourceUpdateCommand(ctx *commandContext) *cobra.Command {
	var flags sourceFlags
	var url string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a source's settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				list, err := client.SourceList()
				if err != nil {
					return err
				}
				current, ok := findSource(list.Items, id)
				if !ok {
					return fmt.Errorf("source %d not found", id)
				}
				in := flags.mergeChanged(cmd, current)
				if cmd.Flags().Changed("url") {
					in.URL = url
				}
				resp, err := client.SourceUpdate(ipc.SourceUpdateRequest{ID: id, Source: in})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated source %d\n", resp.Item.ID)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&url, "url", "", "New feed URL")
	return cmd
}

func newSourceEnableCommand(ctx *commandContext, enabled bool) *cobra.Command {
	use, short, verb := "enable <id>", "Resume polling a source", "Enabled"
	if !enabled {
		use, short, verb = "disable <id>", "Stop polling a source", "Disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.SourceEnable(ipc.SourceEnableRequest{ID: id, Enabled: enabled}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s source %d\n", verb, id)
				return nil
			})
		},
	}
}

func newSourceRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Unsubscribe from a feed",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SourceRemove(ipc.SourceRemoveRequest{ID: id})
				if err != nil {
					return err
				}
				if !resp.Removed {
					return errors.New("source was not removed")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed source %d\n", id)
				return nil
			})
		},
	}
}

func newSourceRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Fetch a source now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.SourceRun(ipc.SourceRunRequest{ID: id})
				if err != nil {
					return err
				}
				if resp.Queued {
					fmt.Fprintf(cmd.OutOrStdout(), "Queued fetch of source %d\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Fetch of source %d already waiting\n", id)
				}
				return nil
			})
		},
	}
}

func findSource(items []api.Source, id int64) (api.Source, bool) {
	for _, item := range items {
		if item.ID == id {
			return item, true
		}
	}
	return api.Source{}, false
}

func renderSourceTable(items []api.Source) string {
	rows := make([][]string, 0, len(items))
	for _, src := range items {
		rows = append(rows, []string{
			strconv.FormatInt(src.ID, 10),
			orDash(src.Title),
			truncate(src.URL, 48),
			src.Cron,
			yesNo(src.Enabled),
			orDash(formatIDs(src.RuleIDs)),
			orDash(src.NextRun),
		})
	}
	return renderTable(
		[]column{numCol("ID"), textCol("Title"), textCol("URL"), textCol("Cron"), textCol("Enabled"), textCol("Rules"), textCol("Next Run")},
		rows,
	)
}
