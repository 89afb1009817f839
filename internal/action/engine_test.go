package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vdev/internal/device"
	"vdev/internal/logging"
	"vdev/internal/subprocess"
)

const testNonce = "0123456789abcdef0123456789abcdef"

type engineFixture struct {
	mount  string
	engine *Engine
	runner *subprocess.Recorder
}

func newFixture(t *testing.T, rules ...Rule) *engineFixture {
	t.Helper()
	table, err := NewTable(rules...)
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	mount := t.TempDir()
	runner := &subprocess.Recorder{}
	engine, err := NewEngine(table, EngineConfig{
		Mountpoint:  mount,
		Nonce:       testNonce,
		HelpersDir:  "/lib/vdev",
		DefaultMode: 0o600,
	}, logging.NewNop(), WithRunner(runner), WithEnviron([]string{"PATH=/usr/bin:/bin", "VDEV_LEAK=1", "HOME=/root"}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &engineFixture{mount: mount, engine: engine, runner: runner}
}

func (f *engineFixture) node(t *testing.T, path string) string {
	t.Helper()
	full := filepath.Join(f.mount, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	return full
}

func diskRequest(t *testing.T, kind device.Kind) *device.Request {
	req := newRequest(t, kind, "sda", device.NodeBlock, map[string]string{
		"SUBSYSTEM": "block",
		"ID_SERIAL": "usb-stick",
	})
	req.Dev = device.Number{Major: 8, Minor: 0}
	return req
}

func diskRules() []Rule {
	return []Rule{
		{Name: "disk mode", Type: "block", Path: "sd*", Mode: "0660"},
		{Name: "disk by-id", Event: "add", Subsystem: "block", Symlinks: []string{"disk/by-id/$VDEV_OS_ID_SERIAL"}, Command: "disk-helper"},
		{Name: "tty only", Subsystem: "tty", Mode: "0666", Symlinks: []string{"serial"}},
		{Name: "disk gone", Event: "remove", Subsystem: "block", Command: "disk-gone"},
	}
}

func TestEngineAddAppliesMatchingRules(t *testing.T) {
	f := newFixture(t, diskRules()...)
	nodePath := f.node(t, "sda")

	req := diskRequest(t, device.KindAdd)
	if err := f.engine.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if req.State() != device.StateCommitted {
		t.Fatalf("expected committed, got %s", req.State())
	}

	info, err := os.Stat(nodePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o660 {
		t.Fatalf("expected rule mode 0660, got %o", info.Mode().Perm())
	}

	link := filepath.Join(f.mount, "disk", "by-id", "usb-stick")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected symlink: %v", err)
	}
	if target != "../../sda" {
		t.Fatalf("unexpected link target %q", target)
	}
	if _, err := os.Lstat(filepath.Join(f.mount, "serial")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("non-matching rule must not create its symlink, got %v", err)
	}

	meta := f.engine.Metadata()
	nonce, err := meta.Instance("sda")
	if err != nil || nonce != testNonce {
		t.Fatalf("unexpected instance %q err=%v", nonce, err)
	}
	links, err := meta.Symlinks("sda")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"disk/by-id/usb-stick"}, links); diff != "" {
		t.Fatalf("recorded links mismatch (-want +got):\n%s", diff)
	}
	params, err := meta.Params("sda")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"SUBSYSTEM": "block", "ID_SERIAL": "usb-stick"}, params); diff != "" {
		t.Fatalf("recorded params mismatch (-want +got):\n%s", diff)
	}

	commands := f.runner.Commands()
	if len(commands) != 1 || commands[0].Shell != "disk-helper" {
		t.Fatalf("expected only the add helper, got %+v", commands)
	}
}

func TestEngineHelperEnvironment(t *testing.T) {
	f := newFixture(t, Rule{Name: "env", Path: "sda", Command: "helper", Env: map[string]string{"EXTRA": "$VDEV_PATH-x"}})
	f.node(t, "sda")
	if err := f.engine.Process(context.Background(), diskRequest(t, device.KindAdd)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	commands := f.runner.Commands()
	if len(commands) != 1 {
		t.Fatalf("expected one helper, got %d", len(commands))
	}
	env := commands[0].Env
	want := []string{
		"EXTRA=sda-x",
		"HOME=/root",
		"PATH=/lib/vdev:/usr/bin:/bin",
		"VDEV_ACTION=add",
		"VDEV_DEVNAME=" + filepath.Join(f.mount, "sda"),
		"VDEV_HELPERS=/lib/vdev",
		"VDEV_INSTANCE=" + testNonce,
		"VDEV_MAJOR=8",
		"VDEV_METADATA=" + filepath.Join(f.mount, "metadata", "dev", "sda"),
		"VDEV_MINOR=0",
		"VDEV_MODE=block",
		"VDEV_MOUNTPOINT=" + f.mount,
		"VDEV_OS_ID_SERIAL=usb-stick",
		"VDEV_OS_SUBSYSTEM=block",
		"VDEV_PATH=sda",
	}
	if diff := cmp.Diff(want, env); diff != "" {
		t.Fatalf("helper environment mismatch (-want +got):\n%s", diff)
	}
	if commands[0].Dir != f.mount {
		t.Fatalf("expected helper to run in mountpoint, got %q", commands[0].Dir)
	}
}

func TestEngineDefaultModeWhenNoRuleSetsOne(t *testing.T) {
	f := newFixture(t, Rule{Path: "ttyS*", Mode: "0660"})
	nodePath := f.node(t, "sda")
	if err := f.engine.Process(context.Background(), diskRequest(t, device.KindAdd)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	info, err := os.Stat(nodePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected default mode 0600, got %o", info.Mode().Perm())
	}
}

func TestEngineLeavesModeWithoutDefault(t *testing.T) {
	table, err := NewTable(Rule{Path: "ttyS*", Mode: "0660"})
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}
	mount := t.TempDir()
	engine, err := NewEngine(table, EngineConfig{Mountpoint: mount, Nonce: testNonce}, logging.NewNop(), WithRunner(&subprocess.Recorder{}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()

	nodePath := filepath.Join(mount, "null")
	if err := os.WriteFile(nodePath, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(nodePath, 0o666); err != nil {
		t.Fatal(err)
	}
	req := newRequest(t, device.KindAdd, "null", device.NodeChar, nil)
	if err := engine.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	info, err := os.Stat(nodePath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o666 {
		t.Fatalf("expected kernel mode kept, got %o", info.Mode().Perm())
	}
}

func TestEngineHelperFailureIsSoft(t *testing.T) {
	f := newFixture(t, diskRules()...)
	f.runner.Result = func(cmd subprocess.Command) (int, error) {
		return 2, &device.SubprocessError{Command: cmd.String(), ExitStatus: 2}
	}
	f.node(t, "sda")
	req := diskRequest(t, device.KindAdd)
	if err := f.engine.Process(context.Background(), req); err != nil {
		t.Fatalf("helper failure must not fail the request: %v", err)
	}
	if req.State() != device.StateCommitted {
		t.Fatalf("expected committed, got %s", req.State())
	}
}

func TestEngineMetadataFailureFailsRequest(t *testing.T) {
	f := newFixture(t, diskRules()...)
	f.node(t, "sda")
	if err := os.WriteFile(filepath.Join(f.mount, "metadata"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := diskRequest(t, device.KindAdd)
	err := f.engine.Process(context.Background(), req)
	if !errors.Is(err, device.ErrIO) {
		t.Fatalf("expected io failure, got %v", err)
	}
	if req.State() != device.StateFailed || !errors.Is(req.Err(), device.ErrIO) {
		t.Fatalf("expected failed request with io error, got %s %v", req.State(), req.Err())
	}
}

func TestEngineAddRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t, diskRules()...)
	nodePath := f.node(t, "sda")

	for i := 0; i < 2; i++ {
		if err := f.engine.Process(context.Background(), diskRequest(t, device.KindAdd)); err != nil {
			t.Fatalf("add #%d: %v", i+1, err)
		}
	}
	for i := 0; i < 2; i++ {
		req := diskRequest(t, device.KindRemove)
		if err := f.engine.Remove(context.Background(), req); err != nil {
			t.Fatalf("remove #%d: %v", i+1, err)
		}
		if req.State() != device.StateCommitted {
			t.Fatalf("remove #%d: expected committed, got %s", i+1, req.State())
		}
	}

	if _, err := os.Stat(nodePath); err != nil {
		t.Fatalf("remove must never touch the node: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(f.mount, "disk")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected symlink tree pruned, got %v", err)
	}
	if _, err := os.Stat(f.engine.Metadata().Dir("sda")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected metadata removed, got %v", err)
	}
	if _, err := os.Stat(f.engine.Metadata().Root()); err != nil {
		t.Fatalf("metadata root must survive: %v", err)
	}

	var shells []string
	for _, cmd := range f.runner.Commands() {
		shells = append(shells, cmd.Shell)
	}
	want := []string{"disk-helper", "disk-helper", "disk-gone", "disk-gone"}
	if !slices.Equal(shells, want) {
		t.Fatalf("unexpected helper sequence %v", shells)
	}
}

func TestEngineRemoveLeavesForeignFiles(t *testing.T) {
	f := newFixture(t, Rule{Name: "cdrom", Path: "sr0", Symlinks: []string{"cdrom"}})
	f.node(t, "sr0")
	cdrom := filepath.Join(f.mount, "cdrom")
	if err := os.WriteFile(cdrom, []byte("user data"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := newRequest(t, device.KindRemove, "sr0", device.NodeBlock, nil)
	if err := f.engine.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}
	data, err := os.ReadFile(cdrom)
	if err != nil || !strings.Contains(string(data), "user data") {
		t.Fatalf("regular file at link path must be left alone: %v", err)
	}
}

func TestEngineRejectsWrongState(t *testing.T) {
	f := newFixture(t)
	req := diskRequest(t, device.KindAdd)
	_ = req.Transition(device.StateQueued)
	_ = req.Transition(device.StateMatched)
	_ = req.Transition(device.StateExecuted)
	if err := f.engine.Process(context.Background(), req); !errors.Is(err, device.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := f.engine.Remove(context.Background(), diskRequest(t, device.KindAdd)); !errors.Is(err, device.ErrInvalidState) {
		t.Fatalf("Remove of an ADD request must be rejected, got %v", err)
	}
}

func TestEngineAsyncHelper(t *testing.T) {
	f := newFixture(t, Rule{Name: "async", Path: "sda", Command: "slow", Async: true})
	f.node(t, "sda")
	if err := f.engine.Process(context.Background(), diskRequest(t, device.KindAdd)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	f.engine.Wait()
	if len(f.runner.Commands()) != 1 {
		t.Fatalf("expected async helper to run, got %d", len(f.runner.Commands()))
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	if _, err := NewEngine(nil, EngineConfig{Nonce: testNonce}, nil); !errors.Is(err, device.ErrConfiguration) {
		t.Fatalf("expected configuration error for missing mountpoint, got %v", err)
	}
	if _, err := NewEngine(nil, EngineConfig{Mountpoint: t.TempDir(), Nonce: "short"}, nil); !errors.Is(err, device.ErrConfiguration) {
		t.Fatalf("expected configuration error for bad nonce, got %v", err)
	}
}
