//go:build !linux

package backend

import (
	"context"
	"errors"

	"vdev/internal/device"
)

func init() {
	register("netlink", func() Backend { return unsupportedBackend{} })
}

type unsupportedBackend struct{}

func (unsupportedBackend) Name() string { return "netlink" }

func (unsupportedBackend) Init(context.Context, Env) error {
	return device.Wrap(device.ErrConfiguration, "init netlink backend", "", errors.New("netlink requires linux; use the devfs backend"))
}

func (unsupportedBackend) Run(context.Context) error { return nil }

func (unsupportedBackend) Teardown() error { return nil }
