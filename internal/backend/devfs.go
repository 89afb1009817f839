package backend

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"vdev/internal/config"
	"vdev/internal/device"
	"vdev/internal/fileutil"
	"vdev/internal/logging"
)

func init() {
	register("devfs", func() Backend { return NewDevfs() })
}

// NodeClassifier decides whether a directory entry is a device node.
type NodeClassifier func(path string, info fs.FileInfo) (device.NodeMode, device.Number, bool)

// DevfsOption configures the devfs backend.
type DevfsOption func(*Devfs)

// WithNodeClassifier replaces the file-mode based node detection (primarily for tests).
func WithNodeClassifier(fn NodeClassifier) DevfsOption {
	return func(d *Devfs) {
		if fn != nil {
			d.classify = fn
		}
	}
}

// Devfs watches a kernel-populated device directory. Nodes appearing become ADD
// requests and nodes disappearing become REMOVE requests.
type Devfs struct {
	env      Env
	logger   *slog.Logger
	classify NodeClassifier
	metaDir  string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	known   map[string]*device.Request
	stop    chan struct{}
	once    sync.Once
}

// NewDevfs constructs the devfs backend.
func NewDevfs(opts ...DevfsOption) *Devfs {
	d := &Devfs{
		classify: func(_ string, info fs.FileInfo) (device.NodeMode, device.Number, bool) {
			return device.NodeFromFileInfo(info)
		},
		known: make(map[string]*device.Request),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Devfs) Name() string { return "devfs" }

func (d *Devfs) Init(_ context.Context, env Env) error {
	if env.Sink == nil {
		return device.Wrap(device.ErrConfiguration, "init devfs backend", "", errors.New("sink required"))
	}
	info, err := os.Stat(env.Mountpoint)
	if err != nil {
		return device.Wrap(device.ErrIO, "init devfs backend", env.Mountpoint, err)
	}
	if !info.IsDir() {
		return device.Wrap(device.ErrConfiguration, "init devfs backend", env.Mountpoint, errors.New("mountpoint is not a directory"))
	}
	d.env = env
	d.logger = logging.NewComponentLogger(env.Logger, "devfs")
	d.metaDir = filepath.Join(env.Mountpoint, filepath.Dir(config.MetadataPrefix))
	d.stop = make(chan struct{})
	d.once = sync.Once{}

	if env.Once {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return device.Wrap(device.ErrIO, "create watcher", env.Mountpoint, err)
	}
	d.mu.Lock()
	d.watcher = watcher
	d.mu.Unlock()
	return nil
}

func (d *Devfs) Run(ctx context.Context) error {
	count, err := d.scan(ctx, d.env.Mountpoint)
	if err != nil {
		return err
	}
	d.logger.Info("coldplug complete",
		logging.String(logging.FieldEventType, "coldplug_complete"),
		logging.Int("devices", count),
	)
	if d.env.Once {
		return nil
	}

	d.mu.Lock()
	watcher := d.watcher
	d.mu.Unlock()
	if watcher == nil {
		return device.Wrap(device.ErrInvalidState, "devfs hotplug", "", errors.New("not initialised"))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d.handle(ctx, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.WarnWithContext(d.logger, "watch error", "devfs_watch_error",
				logging.Error(err),
				logging.String(logging.FieldImpact, "device events may be missed"),
			)
		}
	}
}

// scan walks root breadth-first, watching each directory and reporting every node
// found as an ADD.
func (d *Devfs) scan(ctx context.Context, root string) (int, error) {
	count := 0
	pending := []string{root}
	for next := 0; next < len(pending); next++ {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		dir := pending[next]
		d.watch(dir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			logging.WarnWithContext(d.logger, "scan directory failed", "devfs_scan_failed",
				logging.String("dir", dir),
				logging.Error(err),
				logging.String(logging.FieldImpact, "devices below this directory are not reported"),
			)
			continue
		}
		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())
			if entry.IsDir() {
				if !fileutil.Within(full, d.metaDir) {
					pending = append(pending, full)
				}
				continue
			}
			if d.nodeAdded(full) {
				count++
			}
		}
	}
	return count, nil
}

func (d *Devfs) watch(dir string) {
	d.mu.Lock()
	watcher := d.watcher
	d.mu.Unlock()
	if watcher == nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		logging.WarnWithContext(d.logger, "watch directory failed", "devfs_watch_failed",
			logging.String("dir", dir),
			logging.Error(err),
			logging.String(logging.FieldImpact, "hotplug below this directory is not seen"),
		)
	}
}

func (d *Devfs) handle(ctx context.Context, event fsnotify.Event) {
	if fileutil.Within(event.Name, d.metaDir) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if _, err := d.scan(ctx, event.Name); err != nil {
				d.logger.Debug("scan aborted", logging.String("dir", event.Name), logging.Error(err))
			}
			return
		}
		d.nodeAdded(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		d.nodeRemoved(event.Name)
	}
}

func (d *Devfs) nodeAdded(full string) bool {
	info, err := os.Lstat(full)
	if err != nil {
		return false
	}
	mode, number, ok := d.classify(full, info)
	if !ok {
		return false
	}
	rel, err := filepath.Rel(d.env.Mountpoint, full)
	if err != nil {
		return false
	}
	req, err := device.NewRequest(device.KindAdd, filepath.ToSlash(rel))
	if err != nil {
		return false
	}
	req.Mode = mode
	req.Dev = number
	req.SetParam("DEVNAME", req.Path)
	if mode == device.NodeBlock {
		req.SetParam("SUBSYSTEM", "block")
	}

	d.mu.Lock()
	d.known[req.Path] = req.Clone()
	d.mu.Unlock()
	return dispatch(d.logger, d.env.Sink, req)
}

// nodeRemoved reports a REMOVE for a path previously reported as a node, and for
// every known node below it when a directory went away.
func (d *Devfs) nodeRemoved(full string) {
	rel, err := filepath.Rel(d.env.Mountpoint, full)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	var gone []*device.Request
	d.mu.Lock()
	for path, added := range d.known {
		if path == rel || fileutil.Within(path, rel) {
			gone = append(gone, added)
			delete(d.known, path)
		}
	}
	d.mu.Unlock()
	slices.SortFunc(gone, func(a, b *device.Request) int { return strings.Compare(a.Path, b.Path) })

	for _, added := range gone {
		req, err := device.NewRequest(device.KindRemove, added.Path)
		if err != nil {
			continue
		}
		req.Mode = added.Mode
		req.Dev = added.Dev
		for key, value := range added.Params {
			req.SetParam(key, value)
		}
		dispatch(d.logger, d.env.Sink, req)
	}
}

func (d *Devfs) Teardown() error {
	d.once.Do(func() {
		if d.stop != nil {
			close(d.stop)
		}
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watcher == nil {
		return nil
	}
	err := d.watcher.Close()
	d.watcher = nil
	return err
}
