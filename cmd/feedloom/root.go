package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	root := &cobra.Command{
		Use:   "feedloom",
		Short: "Feed subscription download manager",
		Long: "feedloom polls RSS/Atom sources on cron schedules, runs user rules over the\n" +
			"entries and hands matches to aria2 or the built-in torrent client.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipsConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&ctx.flags.socket, "socket", "", "Path to the feedloom daemon socket")
	flags.StringVarP(&ctx.flags.config, "config", "c", "", "Configuration file path")

	root.AddCommand(newDaemonCommands(ctx)...)
	root.AddCommand(
		newDaemonRunCommand(ctx),
		newSourceCommand(ctx),
		newRuleCommand(ctx),
		newDownloadCommand(ctx),
		newLogsCommand(ctx),
		newTestNotifyCommand(ctx),
		newConfigCommand(ctx),
	)
	return root
}
