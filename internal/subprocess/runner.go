// Package subprocess runs helper and pre-seed commands.
package subprocess

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"vdev/internal/device"
	"vdev/internal/logging"
)

// DefaultShell interprets Command.Shell.
const DefaultShell = "/bin/sh"

// OutputWaitDelay bounds how long Run keeps reading output after the command
// exits, for helpers that leave a background child holding stdout.
const OutputWaitDelay = 2 * time.Second

// Command describes one program invocation. Exactly one of Path or Shell is set.
type Command struct {
	Path string
	Args []string
	// Shell is a command line run with "/bin/sh -c".
	Shell string
	// Env is the complete environment. Nil inherits the daemon's.
	Env []string
	Dir string
	// OnOutput receives stdout and stderr lines. Nil sends them to the runner's
	// logger at debug level.
	OnOutput func(line string)
}

// String renders the command for logs and errors.
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	return strings.TrimSpace(strings.Join(append([]string{c.Path}, c.Args...), " "))
}

// Runner abstracts command execution for testability.
type Runner interface {
	// Run waits for the command and returns its exit status. A spawn failure or
	// non-zero exit returns a *device.SubprocessError.
	Run(ctx context.Context, cmd Command) (int, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner constructs the production runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logging.NewComponentLogger(logger, "subprocess")}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	name, args := c.Path, c.Args
	if c.Shell != "" {
		name, args = DefaultShell, []string{"-c", c.Shell}
	}
	if strings.TrimSpace(name) == "" {
		return -1, &device.SubprocessError{Command: c.String(), ExitStatus: -1, Err: errors.New("empty command")}
	}

	forward := c.OnOutput
	if forward == nil {
		forward = func(line string) {
			r.logger.Debug("helper output", logging.String("command", c.String()), logging.String("line", line))
		}
	}

	// stdout and stderr share one pipe so lines arrive in write order.
	reader, writer := io.Pipe()
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.WaitDelay = OutputWaitDelay
	if err := cmd.Start(); err != nil {
		_ = writer.Close()
		return -1, &device.SubprocessError{Command: c.String(), ExitStatus: -1, Err: fmt.Errorf("start command: %w", err)}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(reader)
		for scanner.Scan() {
			forward(scanner.Text())
		}
		_, _ = io.Copy(io.Discard, reader)
	}()

	waitErr := cmd.Wait()
	_ = writer.Close()
	wg.Wait()

	if waitErr == nil {
		return 0, nil
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		logging.WarnWithContext(r.logger, "helper left output open after exit", "helper_output_abandoned",
			logging.String("command", c.String()),
			logging.String(logging.FieldImpact, "output from background children is dropped"),
		)
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		status := ExitStatus(exitErr.ProcessState)
		return status, &device.SubprocessError{Command: c.String(), ExitStatus: status}
	}
	return -1, &device.SubprocessError{Command: c.String(), ExitStatus: -1, Err: fmt.Errorf("wait command: %w", waitErr)}
}

type processState interface {
	ExitCode() int
	Sys() any
}

// ExitStatus maps a finished process to a shell-style status: the exit code, or
// 128 plus the signal number for a signalled process.
func ExitStatus(state processState) int {
	if state == nil {
		return -1
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return -1
}

// StatusOf extracts the exit status carried by a *device.SubprocessError.
func StatusOf(err error) (int, bool) {
	var subErr *device.SubprocessError
	if errors.As(err, &subErr) {
		return subErr.ExitStatus, true
	}
	return 0, false
}
