//go:build linux

package backend

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"

	"vdev/internal/logging"
)

func TestNetlinkListensOnKernelGroup(t *testing.T) {
	if hotplugGroup != netlink.KernelEvent {
		t.Fatalf("hotplug must bind the kernel uevent group, got %d", hotplugGroup)
	}
}

func TestNetlinkTeardownAfterRestart(t *testing.T) {
	b := &netlinkBackend{}
	env := Env{Once: true, Sink: newRecordingSink(), Logger: logging.NewNop()}
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
