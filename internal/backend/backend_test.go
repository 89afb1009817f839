package backend

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"vdev/internal/device"
	"vdev/internal/logging"
)

type recordingSink struct {
	mu       sync.Mutex
	requests []*device.Request
	err      error
	notify   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) Enqueue(req *device.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.requests = append(s.requests, req)
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, req := range s.requests {
		out = append(out, string(req.Kind)+" "+req.Path)
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		got := len(s.requests)
		s.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d requests, got %v", n, s.snapshot())
		}
	}
}

func TestRequestFromUEvent(t *testing.T) {
	req, ok, err := RequestFromUEvent("add", "/devices/pci0000:00/block/sda", map[string]string{
		"DEVNAME":   "sda",
		"SUBSYSTEM": "block",
		"MAJOR":     "8",
		"MINOR":     "0",
	})
	if err != nil || !ok {
		t.Fatalf("unexpected result ok=%v err=%v", ok, err)
	}
	if req.Kind != device.KindAdd || req.Path != "sda" || req.Mode != device.NodeBlock {
		t.Fatalf("unexpected request %s", req)
	}
	if req.Dev != (device.Number{Major: 8, Minor: 0}) {
		t.Fatalf("unexpected dev %s", req.Dev)
	}
	if req.Params["DEVPATH"] != "/devices/pci0000:00/block/sda" {
		t.Fatalf("expected DEVPATH from kobj, got %q", req.Params["DEVPATH"])
	}
	if req.State() != device.StateCreated {
		t.Fatalf("expected created request, got %s", req.State())
	}
}

func TestRequestFromUEventSkipsAndErrors(t *testing.T) {
	tests := []struct {
		name    string
		action  string
		env     map[string]string
		wantOK  bool
		wantErr bool
	}{
		{"change ignored", "change", map[string]string{"DEVNAME": "sda"}, false, false},
		{"no devname", "add", map[string]string{"SUBSYSTEM": "net"}, false, false},
		{"absolute devname", "remove", map[string]string{"DEVNAME": "/dev/input/event3", "SUBSYSTEM": "input"}, true, false},
		{"bad major", "add", map[string]string{"DEVNAME": "sda", "MAJOR": "x", "MINOR": "0"}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, ok, err := RequestFromUEvent(tt.action, "", tt.env)
			if ok != tt.wantOK || (err != nil) != tt.wantErr {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			if ok && req.Path != "input/event3" {
				t.Fatalf("unexpected path %q", req.Path)
			}
			if ok && req.Mode != device.NodeChar {
				t.Fatalf("non-block subsystem should be char, got %s", req.Mode)
			}
		})
	}
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New("kqueue"); !errors.Is(err, device.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	for _, name := range []string{"netlink", "devfs"} {
		b, err := New(name)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		if b.Name() != name {
			t.Fatalf("unexpected name %q", b.Name())
		}
	}
}

func regularFilesAreNodes(_ string, info fs.FileInfo) (device.NodeMode, device.Number, bool) {
	if !info.Mode().IsRegular() {
		return "", device.Number{}, false
	}
	return device.NodeChar, device.Number{Major: 1, Minor: 3}, true
}

func mkNode(t *testing.T, root, path string) {
	t.Helper()
	full := filepath.Join(root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, nil, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestDevfsOnceColdplug(t *testing.T) {
	root := t.TempDir()
	mkNode(t, root, "null")
	mkNode(t, root, "input/event0")
	mkNode(t, root, "metadata/dev/null/dev_instance")
	if err := os.Symlink("null", filepath.Join(root, "zero-link")); err != nil {
		t.Fatal(err)
	}

	sink := newRecordingSink()
	b := NewDevfs(WithNodeClassifier(regularFilesAreNodes))
	if err := b.Init(context.Background(), Env{Mountpoint: root, Once: true, Sink: sink, Logger: logging.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := b.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if diff := cmp.Diff([]string{"add null", "add input/event0"}, sink.snapshot()); diff != "" {
		t.Fatalf("coldplug mismatch (-want +got):\n%s", diff)
	}
}

func TestDevfsHotplug(t *testing.T) {
	root := t.TempDir()
	mkNode(t, root, "null")

	sink := newRecordingSink()
	b := NewDevfs(WithNodeClassifier(regularFilesAreNodes))
	if err := b.Init(context.Background(), Env{Mountpoint: root, Sink: sink, Logger: logging.NewNop()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	sink.waitFor(t, 1)
	mkNode(t, root, "ttyUSB0")
	sink.waitFor(t, 2)
	if err := os.Remove(filepath.Join(root, "ttyUSB0")); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, 3)

	if err := b.Teardown(); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Teardown")
	}

	got := sink.snapshot()
	if diff := cmp.Diff([]string{"add null", "add ttyUSB0", "remove ttyUSB0"}, got[:3]); diff != "" {
		t.Fatalf("hotplug mismatch (-want +got):\n%s", diff)
	}
}

func TestDevfsTeardownAfterRestart(t *testing.T) {
	root := t.TempDir()
	b := NewDevfs(WithNodeClassifier(regularFilesAreNodes))
	env := Env{Mountpoint: root, Once: true, Sink: newRecordingSink(), Logger: logging.NewNop()}
	for round := 1; round <= 2; round++ {
		if err := b.Init(context.Background(), env); err != nil {
			t.Fatalf("round %d Init: %v", round, err)
		}
		if err := b.Teardown(); err != nil {
			t.Fatalf("round %d Teardown: %v", round, err)
		}
		select {
		case <-b.stop:
		default:
			t.Fatalf("round %d: stop channel left open after Teardown", round)
		}
	}
}

func TestDevfsInitRejectsMissingMountpoint(t *testing.T) {
	b := NewDevfs()
	err := b.Init(context.Background(), Env{Mountpoint: filepath.Join(t.TempDir(), "absent"), Sink: newRecordingSink()})
	if !errors.Is(err, device.ErrIO) {
		t.Fatalf("expected io error, got %v", err)
	}
}

func TestDispatchMasksRefusal(t *testing.T) {
	sink := newRecordingSink()
	sink.err = device.Wrap(device.ErrOutOfMemory, "enqueue", "sda", nil)
	req, _ := device.NewRequest(device.KindAdd, "sda")
	if dispatch(logging.NewNop(), sink, req) {
		t.Fatal("expected refusal to be reported")
	}
}
