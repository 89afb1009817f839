// Package backend connects vdevd to the operating system's device event source.
//
// A backend first reports every device already present (coldplug) and then, unless
// the daemon runs in once mode, streams hotplug events until it is torn down. Each
// event becomes a device.Request handed to the Sink. Failures on a single event are
// logged and skipped.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"vdev/internal/device"
	"vdev/internal/logging"
)

// Sink accepts requests produced by a backend. workqueue.Queue implements it.
type Sink interface {
	Enqueue(req *device.Request) error
}

// Env is what a backend gets from the daemon at Init.
type Env struct {
	Mountpoint string
	Once       bool
	Sink       Sink
	Logger     *slog.Logger
}

// Backend is an OS event source.
type Backend interface {
	Name() string
	// Init acquires OS resources. A failure here aborts daemon start.
	Init(ctx context.Context, env Env) error
	// Run performs coldplug and then streams hotplug events until ctx is done or
	// Teardown is called. In once mode it returns after coldplug.
	Run(ctx context.Context) error
	// Teardown releases OS resources and unblocks Run.
	Teardown() error
}

type factory func() Backend

var registry = map[string]factory{}

func register(name string, fn factory) {
	registry[name] = fn
}

// New returns the backend registered under name.
func New(name string) (Backend, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	fn, ok := registry[name]
	if !ok {
		return nil, device.Wrap(device.ErrConfiguration, "select backend", "",
			fmt.Errorf("unknown backend %q (available: %s)", name, strings.Join(Names(), ", ")))
	}
	return fn(), nil
}

// Names lists registered backends.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// dispatch hands req to the sink and masks a refusal with a warning.
func dispatch(logger *slog.Logger, sink Sink, req *device.Request) bool {
	if err := sink.Enqueue(req); err != nil {
		logging.WarnWithContext(logger, "device event dropped", "event_dropped",
			logging.String(logging.FieldDevicePath, req.Path),
			logging.String("kind", string(req.Kind)),
			logging.Error(err),
			logging.String(logging.FieldErrorKind, device.KindName(err)),
			logging.String(logging.FieldErrorHint, "raise daemon.queue_limit if the queue is full"),
			logging.String(logging.FieldImpact, "device not configured until its next event"),
		)
		return false
	}
	return true
}
