package action

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"vdev/internal/device"
	"vdev/internal/fileutil"
	"vdev/internal/logging"
	"vdev/internal/subprocess"
)

// EngineConfig carries the values the engine needs from the daemon.
type EngineConfig struct {
	Mountpoint  string
	Nonce       string
	HelpersDir  string
	FirmwareDir string
	// DefaultMode is applied when no matching rule sets a mode. Zero leaves the node's
	// permissions untouched.
	DefaultMode fs.FileMode
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithRunner injects a custom command runner (primarily for tests).
func WithRunner(runner subprocess.Runner) EngineOption {
	return func(e *Engine) {
		if runner != nil {
			e.runner = runner
		}
	}
}

// WithEnviron replaces the base environment helpers inherit.
func WithEnviron(environ []string) EngineOption {
	return func(e *Engine) {
		e.baseEnv = environ
	}
}

// Engine applies the action table to device requests.
type Engine struct {
	table   *Table
	cfg     EngineConfig
	meta    Metadata
	runner  subprocess.Runner
	logger  *slog.Logger
	baseEnv []string

	async       sync.WaitGroup
	asyncCtx    context.Context
	cancelAsync context.CancelFunc
}

// NewEngine constructs an engine over an immutable table.
func NewEngine(table *Table, cfg EngineConfig, logger *slog.Logger, opts ...EngineOption) (*Engine, error) {
	if cfg.Mountpoint == "" {
		return nil, device.Wrap(device.ErrConfiguration, "new engine", "", errors.New("mountpoint required"))
	}
	if err := device.ValidateNonce(cfg.Nonce); err != nil {
		return nil, device.Wrap(device.ErrConfiguration, "new engine", "", err)
	}
	if table == nil {
		table = &Table{}
	}
	logger = logging.NewComponentLogger(logger, "engine")
	asyncCtx, cancel := context.WithCancel(context.Background())
	engine := &Engine{
		table:       table,
		cfg:         cfg,
		meta:        NewMetadata(cfg.Mountpoint),
		logger:      logger,
		baseEnv:     os.Environ(),
		asyncCtx:    asyncCtx,
		cancelAsync: cancel,
	}
	engine.runner = subprocess.NewExecRunner(logger)
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Metadata exposes the metadata tree the engine writes.
func (e *Engine) Metadata() Metadata {
	return e.meta
}

// Table returns the rule table.
func (e *Engine) Table() *Table {
	return e.table
}

// Process runs req to a terminal state. It accepts a Matched request from the work
// queue, or a Created one for direct dispatch. The returned error is the one the
// request failed with.
func (e *Engine) Process(ctx context.Context, req *device.Request) error {
	if req == nil {
		return device.Wrap(device.ErrInvalidState, "process", "", errors.New("nil request"))
	}
	if err := advance(req); err != nil {
		return err
	}

	var err error
	switch req.Kind {
	case device.KindAdd:
		err = e.add(ctx, req)
	case device.KindRemove:
		err = e.remove(ctx, req)
	default:
		err = device.Wrap(device.ErrInvalidState, "process", req.Path, fmt.Errorf("unknown kind %q", req.Kind))
	}
	if err != nil {
		if !req.Terminal() {
			_ = req.Fail(err)
		}
		return err
	}
	return nil
}

// Remove runs the removal path for a REMOVE request. The reconciliation walker calls
// it directly, bypassing the work queue.
func (e *Engine) Remove(ctx context.Context, req *device.Request) error {
	if req == nil || req.Kind != device.KindRemove {
		return device.Wrap(device.ErrInvalidState, "remove", "", errors.New("remove requires a REMOVE request"))
	}
	return e.Process(ctx, req)
}

// Wait blocks until every asynchronous helper has exited.
func (e *Engine) Wait() {
	e.async.Wait()
}

// Close cancels outstanding asynchronous helpers and waits for them.
func (e *Engine) Close() {
	e.cancelAsync()
	e.async.Wait()
}

func advance(req *device.Request) error {
	for req.State() == device.StateCreated || req.State() == device.StateQueued {
		next := device.StateQueued
		if req.State() == device.StateQueued {
			next = device.StateMatched
		}
		if err := req.Transition(next); err != nil {
			return err
		}
	}
	if req.State() != device.StateMatched {
		return device.Wrap(device.ErrInvalidState, "process", req.Path, fmt.Errorf("request is %s", req.State()))
	}
	return nil
}

func (e *Engine) add(ctx context.Context, req *device.Request) error {
	nodePath := filepath.Join(e.cfg.Mountpoint, filepath.FromSlash(req.Path))
	env := e.helperEnv(req)
	rules := e.table.Matching(req)

	modeSet := false
	var links []string
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return device.Wrap(device.ErrInvalidState, "add", req.Path, err)
		}
		ruleEnv := env.with(rule.Env)
		if rule.hasMode {
			e.applyMode(req, rule, nodePath, rule.perm)
			modeSet = true
		}
		if rule.Owner != "" || rule.Group != "" {
			e.applyOwner(req, rule, nodePath)
		}
		for _, link := range rule.Symlinks {
			if created, ok := e.createSymlink(req, rule, nodePath, ruleEnv.expand(link)); ok {
				links = appendUnique(links, created)
			}
		}
		if rule.Command != "" {
			e.runHelper(ctx, req, rule, ruleEnv)
		}
	}
	if !modeSet && e.cfg.DefaultMode != 0 {
		e.applyMode(req, nil, nodePath, e.cfg.DefaultMode)
	}

	if err := req.Transition(device.StateExecuted); err != nil {
		return err
	}

	if err := e.meta.WriteInstance(req.Path, e.cfg.Nonce); err != nil {
		return device.Wrap(device.ErrIO, "commit metadata", req.Path, err)
	}
	if err := e.meta.WriteSymlinks(req.Path, links); err != nil {
		e.warnIO(req, "record symlinks failed", "metadata_write_failed", err)
	}
	if err := e.meta.WriteParams(req.Path, req.Params); err != nil {
		e.warnIO(req, "record params failed", "metadata_write_failed", err)
	}

	if err := req.Transition(device.StateCommitted); err != nil {
		return err
	}
	e.logger.Info("device added",
		logging.String(logging.FieldEventType, "device_committed"),
		logging.String(logging.FieldDevicePath, req.Path),
		logging.Any(logging.FieldDevNumber, req.Dev),
		logging.Int("rules", len(rules)),
		logging.Strings("symlinks", links),
	)
	return nil
}

func (e *Engine) remove(ctx context.Context, req *device.Request) error {
	env := e.helperEnv(req)
	rules := e.table.Matching(req)

	recorded, err := e.meta.Symlinks(req.Path)
	if err != nil {
		e.warnIO(req, "read recorded symlinks failed", "metadata_read_failed", err)
	}
	links := recorded
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return device.Wrap(device.ErrInvalidState, "remove", req.Path, err)
		}
		ruleEnv := env.with(rule.Env)
		if rule.Command != "" {
			e.runHelper(ctx, req, rule, ruleEnv)
		}
		for _, link := range rule.Symlinks {
			if cleaned := device.CleanPath(ruleEnv.expand(link)); cleaned != "" {
				links = appendUnique(links, cleaned)
			}
		}
	}

	for _, link := range links {
		linkPath := filepath.Join(e.cfg.Mountpoint, filepath.FromSlash(link))
		if !fileutil.Within(linkPath, e.cfg.Mountpoint) || fileutil.Within(linkPath, e.meta.Root()) {
			continue
		}
		if err := fileutil.RemoveSymlink(linkPath); err != nil {
			e.warnIO(req, "remove symlink failed", "symlink_remove_failed", err)
			continue
		}
		fileutil.RemoveEmptyParents(filepath.Dir(linkPath), e.cfg.Mountpoint)
	}

	if err := req.Transition(device.StateExecuted); err != nil {
		return err
	}
	if err := e.meta.Remove(req.Path); err != nil {
		e.warnIO(req, "remove metadata failed", "metadata_remove_failed", err)
	}
	if err := req.Transition(device.StateCommitted); err != nil {
		return err
	}
	e.logger.Info("device removed",
		logging.String(logging.FieldEventType, "device_removed"),
		logging.String(logging.FieldDevicePath, req.Path),
		logging.Any(logging.FieldDevNumber, req.Dev),
		logging.Int("rules", len(rules)),
		logging.Strings("symlinks", links),
	)
	return nil
}

func (e *Engine) applyMode(req *device.Request, rule *Rule, nodePath string, perm fs.FileMode) {
	if err := os.Chmod(nodePath, perm); err != nil {
		e.warnRule(req, rule, "set permissions failed", "chmod_failed", err)
	}
}

func (e *Engine) applyOwner(req *device.Request, rule *Rule, nodePath string) {
	uid, gid := -1, -1
	if rule.Owner != "" {
		id, err := lookupID(rule.Owner, func(name string) (string, error) {
			u, err := user.Lookup(name)
			if err != nil {
				return "", err
			}
			return u.Uid, nil
		})
		if err != nil {
			e.warnRule(req, rule, "resolve owner failed", "owner_lookup_failed", err)
			return
		}
		uid = id
	}
	if rule.Group != "" {
		id, err := lookupID(rule.Group, func(name string) (string, error) {
			g, err := user.LookupGroup(name)
			if err != nil {
				return "", err
			}
			return g.Gid, nil
		})
		if err != nil {
			e.warnRule(req, rule, "resolve group failed", "group_lookup_failed", err)
			return
		}
		gid = id
	}
	if err := os.Lchown(nodePath, uid, gid); err != nil {
		e.warnRule(req, rule, "set ownership failed", "chown_failed", err)
	}
}

// lookupID accepts a numeric id or resolves a name.
func lookupID(value string, resolve func(string) (string, error)) (int, error) {
	if id, err := strconv.Atoi(value); err == nil {
		return id, nil
	}
	raw, err := resolve(value)
	if err != nil {
		return -1, err
	}
	return strconv.Atoi(raw)
}

// createSymlink links the expanded link path to the node with a relative target and
// returns the cleaned link path.
func (e *Engine) createSymlink(req *device.Request, rule *Rule, nodePath, link string) (string, bool) {
	cleaned := device.CleanPath(link)
	if cleaned == "" || cleaned == req.Path {
		e.warnRule(req, rule, "invalid symlink", "symlink_invalid", fmt.Errorf("link %q", link))
		return "", false
	}
	linkPath := filepath.Join(e.cfg.Mountpoint, filepath.FromSlash(cleaned))
	if fileutil.Within(linkPath, e.meta.Root()) {
		e.warnRule(req, rule, "invalid symlink", "symlink_invalid", fmt.Errorf("link %q is inside the metadata tree", link))
		return "", false
	}
	target, err := filepath.Rel(filepath.Dir(linkPath), nodePath)
	if err != nil {
		target = nodePath
	}
	changed, err := fileutil.ReplaceSymlink(target, linkPath)
	if err != nil {
		e.warnRule(req, rule, "create symlink failed", "symlink_failed", err)
		return "", false
	}
	if changed {
		e.logger.Debug("symlink created",
			logging.String(logging.FieldDevicePath, req.Path),
			logging.String("link", cleaned),
			logging.String("target", target),
		)
	}
	return cleaned, true
}

func (e *Engine) warnRule(req *device.Request, rule *Rule, msg, eventType string, err error) {
	attrs := []logging.Attr{
		logging.String(logging.FieldDevicePath, req.Path),
		logging.Error(err),
		logging.String(logging.FieldImpact, "device event continues without this effect"),
	}
	if rule != nil {
		attrs = append(attrs, logging.String(logging.FieldRule, rule.Label()))
	}
	logging.WarnWithContext(e.logger, msg, eventType, attrs...)
}

func (e *Engine) warnIO(req *device.Request, msg, eventType string, err error) {
	logging.WarnWithContext(e.logger, msg, eventType,
		logging.String(logging.FieldDevicePath, req.Path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check permissions under "+e.cfg.Mountpoint),
	)
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
