package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"vdev/internal/action"
	"vdev/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigInitCommand())

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Create a sample configuration file",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(targetPath)
			if target == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("determine default config path: %w", err)
				}
				target = defaultPath
			} else {
				expanded, err := config.ExpandPath(target)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				target = expanded
			}

			if !overwrite {
				if _, err := os.Stat(target); err == nil {
					return fmt.Errorf("config file already exists at %s (use --overwrite to replace it)", target)
				} else if !os.IsNotExist(err) {
					return fmt.Errorf("check config path: %w", err)
				}
			}

			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintf(out, "Put action files in %s before starting vdevd.\n", filepath.Clean(config.Default().Paths.ActionsDir))
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Destination for the configuration file")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite existing configuration if present")
	return cmd
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			if _, err := os.Stat(ctx.configPath); err == nil {
				printStatus(out, "Config", statusOK, ctx.configPath)
			} else {
				printStatus(out, "Config", statusInfo, "no file at "+ctx.configPath+"; defaults used")
			}
			printStatus(out, "Mountpoint", dirStatus(cfg.Paths.Mountpoint), cfg.Paths.Mountpoint)
			printStatus(out, "Backend", statusInfo, cfg.Daemon.Backend)
			printStatus(out, "Once", statusInfo, yesNo(cfg.Daemon.Once))
			printStatus(out, "Journal", statusInfo, journalSummary(cfg))
			printStatus(out, "MQTT", statusInfo, yesNo(cfg.MQTT.Enabled))

			table, problems, err := action.Lint(cfg.Paths.ActionsDir)
			switch {
			case err != nil:
				printStatus(out, "Actions", statusError, err.Error())
				return fmt.Errorf("actions directory unusable: %w", err)
			case len(problems) > 0:
				printStatus(out, "Actions", statusError, fmt.Sprintf("%d files failed to load (see vdevd actions)", len(problems)))
				return fmt.Errorf("%d action files failed to load", len(problems))
			default:
				printStatus(out, "Actions", statusOK, fmt.Sprintf("%d rules", table.Len()))
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func dirStatus(path string) statusKind {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return statusWarn
	}
	return statusOK
}

func journalSummary(cfg *config.Config) string {
	if !cfg.Journal.Enabled {
		return "disabled"
	}
	return fmt.Sprintf("%s (retention %d days)", cfg.JournalPath(), cfg.Journal.RetentionDays)
}
