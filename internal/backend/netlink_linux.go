//go:build linux

package backend

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pilebones/go-udev/crawler"
	"github.com/pilebones/go-udev/netlink"

	"vdev/internal/device"
	"vdev/internal/logging"
)

const sysfsRoot = "/sys"

func init() {
	register("netlink", func() Backend { return &netlinkBackend{} })
}

// hotplugGroup is the kernel uevent multicast group. The udev group only carries
// events rebroadcast by a running udevd.
const hotplugGroup = netlink.KernelEvent

// netlinkBackend enumerates /sys for coldplug and listens on the kernel netlink
// group for hotplug.
type netlinkBackend struct {
	env    Env
	logger *slog.Logger

	mu   sync.Mutex
	conn *netlink.UEventConn
	stop chan struct{}
	once sync.Once
}

func (b *netlinkBackend) Name() string { return "netlink" }

func (b *netlinkBackend) Init(_ context.Context, env Env) error {
	if env.Sink == nil {
		return device.Wrap(device.ErrConfiguration, "init netlink backend", "", errors.New("sink required"))
	}
	b.env = env
	b.logger = logging.NewComponentLogger(env.Logger, "netlink")
	b.stop = make(chan struct{})
	b.once = sync.Once{}

	if env.Once {
		return nil
	}
	conn := new(netlink.UEventConn)
	if err := conn.Connect(hotplugGroup); err != nil {
		return device.Wrap(device.ErrIO, "connect netlink", "", err)
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	return nil
}

func (b *netlinkBackend) Run(ctx context.Context) error {
	count, err := b.coldplug(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("coldplug complete",
		logging.String(logging.FieldEventType, "coldplug_complete"),
		logging.Int("devices", count),
	)
	if b.env.Once {
		return nil
	}
	return b.hotplug(ctx)
}

func (b *netlinkBackend) coldplug(ctx context.Context) (int, error) {
	queue := make(chan crawler.Device)
	errs := make(chan error)
	quit := crawler.ExistingDevices(queue, errs, nil)
	defer close(quit)

	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, ctx.Err()
		case <-b.stop:
			return count, nil
		case err := <-errs:
			logging.WarnWithContext(b.logger, "sysfs scan error", "coldplug_scan_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "some present devices may be missed"),
			)
		case dev, ok := <-queue:
			if !ok {
				return count, nil
			}
			if b.handle("add", dev.KObj, b.withSubsystem(dev.KObj, dev.Env)) {
				count++
			}
		}
	}
}

func (b *netlinkBackend) hotplug(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return device.Wrap(device.ErrInvalidState, "netlink hotplug", "", errors.New("not initialised"))
	}

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher())
	defer close(monitorQuit)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stop:
			return nil
		case uevent := <-queue:
			b.handle(string(uevent.Action), uevent.KObj, uevent.Env)
		case err := <-errs:
			logging.WarnWithContext(b.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device events may be missed"),
			)
		}
	}
}

func (b *netlinkBackend) handle(action, kobj string, env map[string]string) bool {
	req, ok, err := RequestFromUEvent(action, kobj, env)
	if err != nil {
		logging.WarnWithContext(b.logger, "malformed uevent", "uevent_malformed",
			logging.String("kobj", kobj),
			logging.Error(err),
			logging.String(logging.FieldImpact, "event ignored"),
		)
		return false
	}
	if !ok {
		b.logger.Debug("ignoring uevent", logging.String("action", action), logging.String("kobj", kobj))
		return false
	}
	return dispatch(b.logger, b.env.Sink, req)
}

// withSubsystem fills SUBSYSTEM from the sysfs link when the uevent file omits it.
func (b *netlinkBackend) withSubsystem(kobj string, env map[string]string) map[string]string {
	if env == nil {
		env = map[string]string{}
	}
	if env["SUBSYSTEM"] != "" || kobj == "" {
		return env
	}
	target, err := os.Readlink(filepath.Join(sysfsRoot, kobj, "subsystem"))
	if err == nil {
		env["SUBSYSTEM"] = filepath.Base(target)
	}
	return env
}

func (b *netlinkBackend) Teardown() error {
	b.once.Do(func() {
		if b.stop != nil {
			close(b.stop)
		}
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

// buildMatcher admits add and remove events only.
func buildMatcher() netlink.Matcher {
	action := "^(add|remove)$"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{Action: &action})
	return rules
}
