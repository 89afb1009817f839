package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"vdev/internal/device"
	"vdev/internal/journal"
	"vdev/internal/logging"
)

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var pathFlag string
	var kindFlag string
	var limit int

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List device events recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			filter := journal.Filter{Path: device.CleanPath(pathFlag), Limit: limit}
			if strings.TrimSpace(kindFlag) != "" {
				kind, ok := device.ParseKind(kindFlag)
				if !ok {
					return fmt.Errorf("invalid --kind %q (expected add or remove)", kindFlag)
				}
				filter.Kind = kind
			}

			out := cmd.OutOrStdout()
			dbPath := cfg.JournalPath()
			if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
				printStatus(out, "Journal", statusWarn, "no journal at "+dbPath)
				return nil
			}

			store, err := journal.Open(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				printStatus(out, "Journal", statusInfo, "no matching events")
				return nil
			}
			fmt.Fprintln(out, renderTable([]column{
				{Header: "Time"},
				{Header: "Kind"},
				{Header: "Path"},
				{Header: "Dev", Align: alignRight},
				{Header: "State"},
				{Header: "Error", MaxWidth: 60},
			}, eventRows(entries)))
			return nil
		},
	}

	cmd.Flags().StringVar(&pathFlag, "path", "", "Only show events for this device path")
	cmd.Flags().StringVar(&kindFlag, "kind", "", "Only show add or remove events")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events (0 for all)")
	return cmd
}

func eventRows(entries []journal.Entry) [][]string {
	title := cases.Title(language.Und)
	rows := make([][]string, 0, len(entries))
	for _, entry := range entries {
		errText := entry.ErrorMessage
		if entry.ErrorKind != "" {
			errText = entry.ErrorKind + ": " + errText
		}
		rows = append(rows, []string{
			logging.FormatTimestamp(entry.RecordedAt),
			title.String(string(entry.Kind)),
			entry.Path,
			entry.Dev.String(),
			title.String(string(entry.State)),
			errText,
		})
	}
	return rows
}
