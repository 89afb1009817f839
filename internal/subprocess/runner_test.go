package subprocess_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vdev/internal/device"
	"vdev/internal/logging"
	"vdev/internal/subprocess"
)

func TestExecRunnerShellSuccess(t *testing.T) {
	runner := subprocess.NewExecRunner(logging.NewNop())
	var lines []string
	status, err := runner.Run(context.Background(), subprocess.Command{
		Shell:    `echo "$GREETING"`,
		Env:      []string{"GREETING=hello", "PATH=" + os.Getenv("PATH")},
		OnOutput: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("unexpected output: %v", lines)
	}
}

func TestExecRunnerReturnsWhenBackgroundChildHoldsOutput(t *testing.T) {
	runner := subprocess.NewExecRunner(logging.NewNop())
	var lines []string
	started := time.Now()
	status, err := runner.Run(context.Background(), subprocess.Command{
		Shell:    "sleep 20 & echo started",
		Env:      []string{"PATH=" + os.Getenv("PATH")},
		OnOutput: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Fatalf("Run waited %s for the background child", elapsed)
	}
	if len(lines) != 1 || lines[0] != "started" {
		t.Fatalf("unexpected output: %v", lines)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	runner := subprocess.NewExecRunner(logging.NewNop())
	status, err := runner.Run(context.Background(), subprocess.Command{Shell: "exit 7"})
	if status != 7 {
		t.Fatalf("expected status 7, got %d", status)
	}
	if !errors.Is(err, device.ErrSubprocess) {
		t.Fatalf("expected subprocess error, got %v", err)
	}
	if got, ok := subprocess.StatusOf(err); !ok || got != 7 {
		t.Fatalf("StatusOf = %d, %v", got, ok)
	}
}

func TestExecRunnerSpawnFailure(t *testing.T) {
	runner := subprocess.NewExecRunner(logging.NewNop())
	missing := filepath.Join(t.TempDir(), "missing-helper")
	status, err := runner.Run(context.Background(), subprocess.Command{Path: missing, Args: []string{"/dev"}})
	if status != -1 {
		t.Fatalf("expected status -1, got %d", status)
	}
	if !errors.Is(err, device.ErrSubprocess) {
		t.Fatalf("expected subprocess error, got %v", err)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Fatalf("expected command in error, got %v", err)
	}
}

func TestExecRunnerRejectsEmptyCommand(t *testing.T) {
	runner := subprocess.NewExecRunner(logging.NewNop())
	if _, err := runner.Run(context.Background(), subprocess.Command{}); !errors.Is(err, device.ErrSubprocess) {
		t.Fatalf("expected subprocess error, got %v", err)
	}
}

func TestCommandString(t *testing.T) {
	if got := (subprocess.Command{Path: "/sbin/preseed", Args: []string{"/dev"}}).String(); got != "/sbin/preseed /dev" {
		t.Fatalf("unexpected rendering: %q", got)
	}
	if got := (subprocess.Command{Shell: "echo hi"}).String(); got != "echo hi" {
		t.Fatalf("unexpected rendering: %q", got)
	}
}

func TestRecorder(t *testing.T) {
	rec := &subprocess.Recorder{Result: func(cmd subprocess.Command) (int, error) {
		if cmd.Shell == "fail" {
			return 3, &device.SubprocessError{Command: cmd.String(), ExitStatus: 3}
		}
		return 0, nil
	}}
	_, _ = rec.Run(context.Background(), subprocess.Command{Shell: "ok"})
	status, err := rec.Run(context.Background(), subprocess.Command{Shell: "fail"})
	if status != 3 || err == nil {
		t.Fatalf("unexpected result %d %v", status, err)
	}
	if len(rec.Commands()) != 2 {
		t.Fatalf("expected 2 recorded commands, got %d", len(rec.Commands()))
	}
}
