package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"vdev/internal/config"
	"vdev/internal/device"
	"vdev/internal/journal"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	actionsDir string
	stateDir   string
	mountpoint string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()
	t.Setenv("VDEV_MOUNTPOINT", "")
	t.Setenv("VDEV_LOG_LEVEL", "")

	base := t.TempDir()
	env := &cliTestEnv{
		baseDir:    base,
		configPath: filepath.Join(base, "vdevd.toml"),
		actionsDir: filepath.Join(base, "actions"),
		stateDir:   filepath.Join(base, "state"),
		mountpoint: filepath.Join(base, "dev"),
	}
	for _, dir := range []string{env.actionsDir, env.stateDir, env.mountpoint} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	body := fmt.Sprintf(`[paths]
mountpoint = %q
actions_dir = %q
state_dir = %q
pid_file = %q
lock_file = %q

[daemon]
backend = "devfs"
`, env.mountpoint, env.actionsDir, env.stateDir, filepath.Join(base, "vdevd.pid"), filepath.Join(base, "vdevd.lock"))
	if err := os.WriteFile(env.configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return env
}

func (e *cliTestEnv) writeAction(t *testing.T, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.actionsDir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write action %s: %v", name, err)
	}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

const diskRules = `
[[action]]
name = "disk permissions"
event = "add"
type = "block"
path = "sd*"
mode = "0660"
group = "disk"

[[action]]
name = "disk alias"
subsystem = "block"
symlinks = ["disk/by-name/$VDEV_PATH"]
`

func TestActionsCommandListsRules(t *testing.T) {
	env := setupCLITestEnv(t)
	env.writeAction(t, "10-disk.toml", diskRules)

	out, err := env.run(t, "actions")
	if err != nil {
		t.Fatalf("actions: %v\n%s", err, out)
	}
	for _, want := range []string{"disk permissions", "disk alias", "mode=0660", "subsystem=block", "2 rules from 1 files"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestActionsCommandReportsBrokenFiles(t *testing.T) {
	env := setupCLITestEnv(t)
	env.writeAction(t, "10-disk.toml", diskRules)
	env.writeAction(t, "20-broken.yaml", "actions:\n  - name: nothing to do\n")

	out, err := env.run(t, "actions")
	if err == nil {
		t.Fatalf("expected lint failure, output:\n%s", out)
	}
	if !strings.Contains(out, "20-broken.yaml") || !strings.Contains(out, "[ERROR]") {
		t.Fatalf("expected broken file reported, output:\n%s", out)
	}
	if !strings.Contains(out, "disk permissions") {
		t.Fatalf("valid rules should still be listed, output:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	env := setupCLITestEnv(t)
	env.writeAction(t, "10-disk.toml", diskRules)

	out, err := env.run(t, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration valid") || !strings.Contains(out, "devfs") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	env := setupCLITestEnv(t)
	target := filepath.Join(env.baseDir, "new", "vdevd.toml")

	out, err := env.run(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v\n%s", err, out)
	}
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if _, err := env.run(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected existing config to be protected")
	}
	if _, err := env.run(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestEventsCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "events")
	if err != nil {
		t.Fatalf("events without journal: %v", err)
	}
	if !strings.Contains(out, "no journal") {
		t.Fatalf("expected missing journal notice, output:\n%s", out)
	}

	ctx := context.Background()
	store, err := journal.Open(ctx, filepath.Join(env.stateDir, "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	for _, path := range []string{"sda", "ttyUSB0"} {
		req, err := device.NewRequest(device.KindAdd, path)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Dev = device.Number{Major: 8}
		for _, state := range []device.State{device.StateQueued, device.StateMatched, device.StateExecuted, device.StateCommitted} {
			if err := req.Transition(state); err != nil {
				t.Fatalf("Transition: %v", err)
			}
		}
		if err := store.Record(ctx, req, "0123456789abcdef0123456789abcdef"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	store.Close()

	out, err = env.run(t, "events", "--path", "ttyUSB0")
	if err != nil {
		t.Fatalf("events: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ttyUSB0") || strings.Contains(out, "sda") {
		t.Fatalf("expected only ttyUSB0 events, output:\n%s", out)
	}
	if _, err := env.run(t, "events", "--kind", "change"); err == nil {
		t.Fatal("expected invalid kind to be rejected")
	}
}

func TestApplyRunFlags(t *testing.T) {
	env := setupCLITestEnv(t)
	t.Setenv("VDEV_MOUNTPOINT", filepath.Join(env.baseDir, "from-env"))
	cfg, _, _, err := config.Load(env.configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var flags runFlags
	cmd := &cobra.Command{Use: "vdevd"}
	cmd.Flags().BoolVar(&flags.once, "once", false, "")
	cmd.Flags().StringVar(&flags.mountpoint, "mountpoint", "", "")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "")
	cmd.Flags().StringVar(&flags.backend, "backend", "", "")
	if err := cmd.Flags().Parse([]string{"--once", "--mountpoint", env.mountpoint, "--log-level", "DEBUG"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	if err := applyRunFlags(cmd, cfg, flags); err != nil {
		t.Fatalf("applyRunFlags: %v", err)
	}
	if !cfg.Daemon.Once || cfg.Paths.Mountpoint != env.mountpoint || cfg.Logging.Level != "debug" {
		t.Fatalf("flags not applied: once=%v mountpoint=%q level=%q", cfg.Daemon.Once, cfg.Paths.Mountpoint, cfg.Logging.Level)
	}
	if cfg.Daemon.Backend != "devfs" {
		t.Fatalf("unset flag changed backend to %q", cfg.Daemon.Backend)
	}

	if err := cmd.Flags().Set("backend", "kqueue"); err != nil {
		t.Fatalf("set backend: %v", err)
	}
	if err := applyRunFlags(cmd, cfg, flags); err == nil {
		t.Fatal("expected invalid backend to fail validation")
	}
}

func TestEventRowsTitleCase(t *testing.T) {
	rows := eventRows([]journal.Entry{{
		Kind:         device.KindRemove,
		Path:         "input/event3",
		Dev:          device.Number{Major: 13, Minor: 67},
		State:        device.StateFailed,
		ErrorKind:    "io",
		ErrorMessage: "metadata write failed",
	}})
	want := []string{"Remove", "input/event3", "13:67", "Failed", "io: metadata write failed"}
	if got := rows[0][1:]; strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("row = %q, want %q", got, want)
	}
}
