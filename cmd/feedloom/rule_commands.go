package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"feedloom/internal/api"
	"feedloom/internal/ipc"
)

func newRuleCommand(ctx *commandContext) *cobra.Command {
	ruleCmd := &cobra.Command{
		Use:     "rule",
		Aliases: []string{"rules"},
		Short:   "Manage matching rules",
	}
	ruleCmd.AddCommand(newRuleListCommand(ctx))
	ruleCmd.AddCommand(newRuleAddCommand(ctx))
	ruleCmd.AddCommand(newRuleShowCommand(ctx))
	ruleCmd.AddCommand(newRuleUpdateCommand(ctx))
	ruleCmd.AddCommand(newRuleRemoveCommand(ctx))
	return ruleCmd
}

func newRuleListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RuleList()
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Items)
				}
				if len(resp.Items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No rules stored")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderRuleTable(resp.Items))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit JSON")
	return cmd
}

func newRuleAddCommand(ctx *commandContext) *cobra.Command {
	var name, series string
	cmd := &cobra.Command{
		Use:   "add <file|->",
		Short: "Store rule code from a JavaScript file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readCode(cmd, args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RuleAdd(ipc.RuleAddRequest{Name: name, Series: series, Code: code})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added rule %d (%s)\n", resp.Item.ID, resp.Item.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Rule name (defaults to meta.name in the code)")
	cmd.Flags().StringVar(&series, "series", "", "Series the rule files episodes under")
	return cmd
}

func newRuleShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a rule's code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RuleShow(ipc.RuleShowRequest{ID: id})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "// rule %d: %s (%s)\n", resp.Item.ID, resp.Item.Name, resp.Item.CodeHash)
				fmt.Fprintln(out, resp.Code)
				return nil
			})
		},
	}
}

func newRuleUpdateCommand(ctx *commandContext) *cobra.Command {
	var name, series, codeFile string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace a rule's code or labels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := ipc.RuleUpdateRequest{ID: id}
			flags := cmd.Flags()
			if flags.Changed("name") {
				req.Name = &name
			}
			if flags.Changed("series") {
				req.Series = &series
			}
			if flags.Changed("code") {
				code, err := readCode(cmd, codeFile)
				if err != nil {
					return err
				}
				req.Code = &code
			}
			if req.Name == nil && req.Series == nil && req.Code == nil {
				return errors.New("nothing to update: pass --name, --series or --code")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RuleUpdate(req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated rule %d (%s)\n", resp.Item.ID, resp.Item.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New rule name")
	cmd.Flags().StringVar(&series, "series", "", "New series (empty clears it)")
	cmd.Flags().StringVar(&codeFile, "code", "", "JavaScript file with the new code, or - for stdin")
	return cmd
}

func newRuleRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a rule and detach it from its sources",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.RuleRemove(ipc.RuleRemoveRequest{ID: id}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed rule %d\n", id)
				return nil
			})
		},
	}
}

func readCode(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read rule from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read rule file: %w", err)
	}
	return string(data), nil
}

func renderRuleTable(items []api.Rule) string {
	rows := make([][]string, 0, len(items))
	for _, rule := range items {
		hash := rule.CodeHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{
			strconv.FormatInt(rule.ID, 10),
			rule.Name,
			orDash(rule.Series),
			hash,
			orDash(rule.CreatedAt),
		})
	}
	return renderTable(
		[]column{numCol("ID"), textCol("Name"), textCol("Series"), textCol("Code"), textCol("Created")},
		rows,
	)
}
