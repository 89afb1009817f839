package main

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"vdev/internal/action"
)

func newActionsCommand(ctx *commandContext) *cobra.Command {
	var dirFlag string

	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Lint the actions directory and list the loaded rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := strings.TrimSpace(dirFlag)
			if dir == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				dir = cfg.Paths.ActionsDir
			}

			table, problems, err := action.Lint(dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]column{
				{Header: "#", Align: alignRight},
				{Header: "Rule"},
				{Header: "Source"},
				{Header: "Event"},
				{Header: "Match", MaxWidth: 40},
				{Header: "Effects", MaxWidth: 48},
			}, ruleRows(table.Rules())))

			printStatus(out, "Actions dir", statusInfo, dir)
			for _, problem := range problems {
				printStatus(out, filepath.Base(problem.File), statusError, problem.Err.Error())
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d of %d action files failed to load", len(problems), len(table.Files())+len(problems))
			}
			printStatus(out, "Rules", statusOK, fmt.Sprintf("%d rules from %d files", table.Len(), len(table.Files())))
			return nil
		},
	}

	cmd.Flags().StringVar(&dirFlag, "dir", "", "Actions directory to lint (defaults to paths.actions_dir)")
	return cmd
}

func ruleRows(rules []*action.Rule) [][]string {
	rows := make([][]string, 0, len(rules))
	for i, rule := range rules {
		event := rule.Event
		if event == "" {
			event = action.EventAny
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			rule.Label(),
			rule.Source,
			event,
			ruleMatchSummary(rule),
			ruleEffectSummary(rule),
		})
	}
	return rows
}

func ruleMatchSummary(rule *action.Rule) string {
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"="+value)
		}
	}
	add("type", rule.Type)
	add("subsystem", rule.Subsystem)
	add("path", rule.Path)
	add("path_regex", rule.PathRegex)
	keys := make([]string, 0, len(rule.Match))
	for key := range rule.Match {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		add(key, rule.Match[key])
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func ruleEffectSummary(rule *action.Rule) string {
	var parts []string
	if rule.Mode != "" {
		parts = append(parts, "mode="+rule.Mode)
	}
	if rule.Owner != "" {
		parts = append(parts, "owner="+rule.Owner)
	}
	if rule.Group != "" {
		parts = append(parts, "group="+rule.Group)
	}
	if len(rule.Symlinks) > 0 {
		parts = append(parts, "symlinks="+strings.Join(rule.Symlinks, ","))
	}
	if rule.Command != "" {
		command := "command=" + rule.Command
		if rule.Async {
			command += " (async)"
		}
		parts = append(parts, command)
	}
	return strings.Join(parts, " ")
}
