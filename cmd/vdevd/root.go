package main

import (
	"github.com/spf13/cobra"

	"vdev/internal/config"
	"vdev/internal/daemonrun"
)

// runFlags are the daemon flags that override configuration values.
type runFlags struct {
	once        bool
	mountpoint  string
	logLevel    string
	backend     string
	readyFD     int
	keepPIDFile bool
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var flags runFlags

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "vdevd",
		Short:         "Userspace device event daemon",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := applyRunFlags(cmd, cfg, flags); err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				ReadyFD:     flags.readyFD,
				KeepPIDFile: flags.keepPIDFile,
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.Flags().BoolVar(&flags.once, "once", false, "Enumerate devices, remove stale ones and exit")
	rootCmd.Flags().StringVar(&flags.mountpoint, "mountpoint", "", "Device directory to manage (overrides paths.mountpoint)")
	rootCmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.Flags().StringVar(&flags.backend, "backend", "", "OS event source: netlink or devfs")
	rootCmd.Flags().IntVar(&flags.readyFD, "ready-fd", 0, "Descriptor written and closed once the initial device burst is handled")
	rootCmd.Flags().BoolVar(&flags.keepPIDFile, "keep-pidfile", false, "Leave the PID file in place at exit")

	rootCmd.AddCommand(newActionsCommand(ctx))
	rootCmd.AddCommand(newEventsCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}

// applyRunFlags copies explicitly set flags onto cfg and re-validates it.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, flags runFlags) error {
	changed := cmd.Flags().Changed
	if changed("once") {
		cfg.Daemon.Once = flags.once
	}
	if changed("mountpoint") {
		cfg.Paths.Mountpoint = flags.mountpoint
	}
	if changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if changed("backend") {
		cfg.Daemon.Backend = flags.backend
	}
	return cfg.Finalize()
}
