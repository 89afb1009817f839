// Package reconcile removes devices left over from a previous daemon instance.
//
// The walker scans the mountpoint breadth-first. Every block or character node whose
// recorded dev_instance differs from the current nonce is handed to the remover as a
// synthetic REMOVE request.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"vdev/internal/action"
	"vdev/internal/device"
	"vdev/internal/fileutil"
	"vdev/internal/logging"
)

// Remover runs the removal path for a REMOVE request.
type Remover interface {
	Remove(ctx context.Context, req *device.Request) error
}

// Classifier reports whether info describes a device node, and which one.
type Classifier func(path string, info fs.FileInfo) (device.NodeMode, device.Number, bool)

// Options configures a Walker.
type Options struct {
	Mountpoint string
	Nonce      string
	Remover    Remover
	Logger     *slog.Logger
	// MaxPending caps the pending directory list. Exceeding it fails the walk with
	// ErrOutOfMemory. Zero means unbounded.
	MaxPending int
	// Classify defaults to inspecting the file mode and st_rdev.
	Classify Classifier
}

// Result summarises a walk.
type Result struct {
	// Visited lists scanned directories relative to the mountpoint, in scan order.
	Visited []string
	// Removed lists device paths handed to the remover.
	Removed []string
	// Masked counts entries skipped because of a stat, read or removal failure.
	Masked int
}

// Walker performs one reconciliation pass.
type Walker struct {
	opts   Options
	meta   action.Metadata
	logger *slog.Logger
}

// New validates opts and returns a walker.
func New(opts Options) (*Walker, error) {
	if opts.Mountpoint == "" {
		return nil, device.Wrap(device.ErrConfiguration, "new walker", "", errors.New("mountpoint required"))
	}
	if opts.Remover == nil {
		return nil, device.Wrap(device.ErrConfiguration, "new walker", "", errors.New("remover required"))
	}
	if opts.Classify == nil {
		opts.Classify = func(_ string, info fs.FileInfo) (device.NodeMode, device.Number, bool) {
			return device.NodeFromFileInfo(info)
		}
	}
	return &Walker{
		opts:   opts,
		meta:   action.NewMetadata(opts.Mountpoint),
		logger: logging.NewComponentLogger(opts.Logger, "reconcile"),
	}, nil
}

// Walk scans the mountpoint and removes stale devices. Per-entry failures are
// masked; a directory that cannot be read, resource exhaustion, or cancellation
// ends the walk with an error.
func (w *Walker) Walk(ctx context.Context) (Result, error) {
	var result Result
	metadataDir := filepath.Dir(w.meta.Root())
	pending := []string{filepath.Clean(w.opts.Mountpoint)}

	for next := 0; next < len(pending); next++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		dir := pending[next]
		pending[next] = ""
		result.Visited = append(result.Visited, w.relative(dir))

		entries, err := os.ReadDir(dir)
		if err != nil {
			logging.ErrorWithContext(w.logger, "scan directory failed", "reconcile_scan_failed",
				logging.String("dir", dir),
				logging.Error(err),
			)
			return result, device.Wrap(device.ErrIO, "scan directory", dir, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if name == "." || name == ".." {
				continue
			}
			full := filepath.Join(dir, name)
			info, err := os.Lstat(full)
			if err != nil {
				w.mask(&result, "stat entry failed", full, err)
				continue
			}

			if info.IsDir() {
				if fileutil.Within(full, metadataDir) {
					continue
				}
				if w.opts.MaxPending > 0 && len(pending)-next-1 >= w.opts.MaxPending {
					return result, device.Wrap(device.ErrOutOfMemory, "queue directory", full,
						fmt.Errorf("more than %d pending directories", w.opts.MaxPending))
				}
				pending = append(pending, full)
				continue
			}

			mode, number, ok := w.opts.Classify(full, info)
			if !ok {
				continue
			}
			removed, err := w.reconcileNode(ctx, full, mode, number, &result)
			if err != nil {
				return result, err
			}
			if removed != "" {
				result.Removed = append(result.Removed, removed)
			}
		}
	}
	return result, nil
}

// reconcileNode removes one node if it belongs to another instance. Only
// ErrOutOfMemory from the remover is returned.
func (w *Walker) reconcileNode(ctx context.Context, full string, mode device.NodeMode, number device.Number, result *Result) (string, error) {
	devicePath := w.relative(full)
	instance, err := w.meta.Instance(devicePath)
	if err != nil {
		w.mask(result, "read instance failed", full, err)
		return "", nil
	}
	if instance == w.opts.Nonce {
		return "", nil
	}

	w.logger.Debug("removing unplugged device",
		logging.String(logging.FieldDevicePath, devicePath),
		logging.String("instance", instance),
	)
	req, err := device.NewRequest(device.KindRemove, devicePath)
	if err != nil {
		w.mask(result, "build remove request failed", full, err)
		return "", nil
	}
	req.Dev = number
	req.Mode = mode

	if err := w.opts.Remover.Remove(ctx, req); err != nil {
		if errors.Is(err, device.ErrOutOfMemory) {
			return "", err
		}
		logging.WarnWithContext(w.logger, "remove unplugged device failed", "reconcile_remove_failed",
			logging.String(logging.FieldDevicePath, devicePath),
			logging.Error(err),
			logging.String(logging.FieldErrorKind, device.KindName(err)),
			logging.String(logging.FieldImpact, "stale symlinks or metadata may remain"),
		)
		result.Masked++
		return "", nil
	}
	return devicePath, nil
}

func (w *Walker) mask(result *Result, msg, full string, err error) {
	result.Masked++
	logging.WarnWithContext(w.logger, msg, "reconcile_entry_skipped",
		logging.String("entry", full),
		logging.Error(err),
		logging.String(logging.FieldImpact, "entry left as is"),
	)
}

func (w *Walker) relative(full string) string {
	rel, err := filepath.Rel(w.opts.Mountpoint, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}
