package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"vdev/internal/config"
	"vdev/internal/daemon"
	"vdev/internal/logging"
	"vdev/internal/subprocess"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// ReadyFD is an inherited descriptor written and closed once the initial device
	// burst is handled. Zero or negative disables it.
	ReadyFD int
	// KeepPIDFile leaves the PID file in place at exit.
	KeepPIDFile bool
	// DaemonOptions are passed to daemon.New.
	DaemonOptions []daemon.Option
}

// Run executes one vdevd invocation: init, start, pre-seed and the backend main
// loop. In once mode it then drains the queue and removes devices left by earlier
// instances; otherwise it waits for SIGINT or SIGTERM. The daemon is always shut
// down before Run returns.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logHelperSnapshot(logger, cfg)

	d, err := daemon.New(cfg, logger, opts.DaemonOptions...)
	if err != nil {
		return err
	}

	if err := d.Start(signalCtx); err != nil {
		return errors.Join(err, d.Shutdown(false))
	}

	runErr := run(signalCtx, d, cfg, readyWriter(opts.ReadyFD), logger)

	if err := d.Shutdown(!opts.KeepPIDFile); err != nil {
		logging.WarnWithContext(logger, "shutdown incomplete", "daemon_shutdown_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale pid or lock files may remain"),
		)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("vdevd exiting", logging.String(logging.FieldEventType, "daemon_exit"))
	return nil
}

// run covers everything between Start and Shutdown. The daemon is stopped on
// every path.
func run(ctx context.Context, d *daemon.Daemon, cfg *config.Config, ready io.WriteCloser, logger *slog.Logger) error {
	if err := d.RunPreseed(ctx); err != nil {
		return errors.Join(err, d.Stop())
	}

	if err := d.Main(ctx, ready); err != nil {
		return errors.Join(err, d.Stop())
	}

	if !cfg.Daemon.Once {
		logger.Info("vdevd shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
		return d.Stop()
	}

	if err := d.Stop(); err != nil {
		return err
	}
	if _, err := d.RemoveUnplugged(ctx); err != nil {
		return err
	}
	d.SignalFlushed()
	return nil
}

func readyWriter(fd int) io.WriteCloser {
	if fd <= 0 {
		return nil
	}
	file := os.NewFile(uintptr(fd), "ready-fd")
	if file == nil {
		return nil
	}
	return file
}

func logHelperSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("helper snapshot",
		logging.String(logging.FieldEventType, "helper_snapshot"),
		logging.Bool("shell_available", binaryAvailable(subprocess.DefaultShell)),
		logging.String("shell", subprocess.DefaultShell),
		logging.Bool("helpers_dir_present", dirPresent(cfg.Paths.HelpersDir)),
		logging.Bool("firmware_dir_present", dirPresent(cfg.Paths.FirmwareDir)),
		logging.Bool("preseed_available", binaryAvailable(cfg.Daemon.Preseed)),
		logging.String("preseed", cfg.Daemon.Preseed),
	)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}

func dirPresent(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
