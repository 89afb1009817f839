package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"vdev/internal/action"
	"vdev/internal/backend"
	"vdev/internal/config"
	"vdev/internal/device"
	"vdev/internal/journal"
	"vdev/internal/logging"
	"vdev/internal/notify"
	"vdev/internal/reconcile"
	"vdev/internal/subprocess"
	"vdev/internal/workqueue"
)

// Option customizes daemon construction.
type Option func(*Daemon)

// WithBackend replaces the backend selected by daemon.backend.
func WithBackend(b backend.Backend) Option {
	return func(d *Daemon) {
		d.backend = b
		d.injectedBackend = b != nil
	}
}

// WithRunner injects the runner used for helpers and the pre-seed script.
func WithRunner(runner subprocess.Runner) Option {
	return func(d *Daemon) {
		d.runner = runner
	}
}

// WithJournal uses store instead of opening the configured journal. The daemon
// closes it at Shutdown.
func WithJournal(store *journal.Store) Option {
	return func(d *Daemon) {
		d.journal = store
	}
}

// WithPublisher replaces the publisher built from the [mqtt] section.
func WithPublisher(p notify.Publisher) Option {
	return func(d *Daemon) {
		d.publisher = p
	}
}

// WithNodeClassifier replaces node detection during RemoveUnplugged.
func WithNodeClassifier(fn reconcile.Classifier) Option {
	return func(d *Daemon) {
		d.classify = fn
	}
}

// Daemon is the single owner of all vdevd runtime state.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	nonce      string
	mountpoint string
	once       bool

	table  *action.Table
	engine *action.Engine
	queue  *workqueue.Queue
	runner subprocess.Runner

	backend         backend.Backend
	injectedBackend bool
	classify        reconcile.Classifier

	journal   *journal.Store
	publisher notify.Publisher

	lockPath   string
	lock       *flock.Flock
	pidWritten bool

	running  atomic.Bool
	shutdown bool

	flushMu  sync.Mutex
	flush    io.WriteCloser
	flushed  bool
	signaled bool
}

// Status represents daemon runtime information.
type Status struct {
	Running    bool
	Once       bool
	Backend    string
	Instance   string
	Mountpoint string
	Rules      int
	Queued     int
	InFlight   int
	Journal    string
}

// New loads the action table and builds the engine and work queue. Nothing is
// started; configuration or action table errors are fatal.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, device.Wrap(device.ErrConfiguration, "init daemon", "", errors.New("config is required"))
	}
	logger = logging.NewComponentLogger(logger, "daemon")
	d := &Daemon{
		cfg:        cfg,
		logger:     logger,
		mountpoint: strings.TrimSpace(cfg.Paths.Mountpoint),
		once:       cfg.Daemon.Once,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logConfig()

	if d.mountpoint == "" {
		err := device.Wrap(device.ErrConfiguration, "init daemon", "", errors.New("mountpoint not configured"))
		logging.ErrorWithContext(logger, "cannot resolve mountpoint", "daemon_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "set paths.mountpoint or VDEV_MOUNTPOINT"),
		)
		return nil, err
	}

	nonce := cfg.Daemon.Instance
	if nonce == "" {
		nonce = device.NewNonce()
	} else if err := device.ValidateNonce(nonce); err != nil {
		return nil, device.Wrap(device.ErrConfiguration, "init daemon", "", fmt.Errorf("daemon.instance: %w", err))
	}
	d.nonce = nonce

	table, err := action.Load(cfg.Paths.ActionsDir)
	if err != nil {
		logging.ErrorWithContext(logger, "failed to load actions", "daemon_init_failed",
			logging.String("actions_dir", cfg.Paths.ActionsDir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run vdevd actions to lint the rules"),
		)
		return nil, err
	}
	d.table = table

	if d.runner == nil {
		d.runner = subprocess.NewExecRunner(logger)
	}
	engine, err := action.NewEngine(table, action.EngineConfig{
		Mountpoint:  d.mountpoint,
		Nonce:       nonce,
		HelpersDir:  cfg.Paths.HelpersDir,
		FirmwareDir: cfg.Paths.FirmwareDir,
		DefaultMode: cfg.Daemon.DefaultPerm,
	}, logger, action.WithRunner(d.runner))
	if err != nil {
		return nil, err
	}
	d.engine = engine
	d.queue = workqueue.New(d.handle, logger,
		workqueue.WithDrainNotifier(d.queueDrained),
		workqueue.WithLimit(cfg.Daemon.QueueLimit),
	)

	d.openJournal()
	d.openPublisher()

	if cfg.Paths.LockFile != "" {
		d.lockPath = cfg.Paths.LockFile
		d.lock = flock.New(cfg.Paths.LockFile)
	}

	logger.Info("vdevd initialized",
		logging.String(logging.FieldEventType, "daemon_initialized"),
		logging.String("instance", nonce),
		logging.Int("rules", table.Len()),
		logging.Int("action_files", len(table.Files())),
	)
	return d, nil
}

func (d *Daemon) logConfig() {
	cfg := d.cfg
	d.logger.Info("vdevd configuration",
		logging.String(logging.FieldEventType, "daemon_config"),
		logging.String("mountpoint", cfg.Paths.Mountpoint),
		logging.String("actions_dir", cfg.Paths.ActionsDir),
		logging.String("helpers_dir", cfg.Paths.HelpersDir),
		logging.String("firmware_dir", cfg.Paths.FirmwareDir),
		logging.String("state_dir", cfg.Paths.StateDir),
		logging.String("pid_file", cfg.Paths.PIDFile),
		logging.String(logging.FieldBackend, cfg.Daemon.Backend),
		logging.Bool("once", cfg.Daemon.Once),
		logging.Bool("instance_pinned", cfg.Daemon.Instance != ""),
		logging.String("preseed", cfg.Daemon.Preseed),
		logging.String("default_mode", cfg.Daemon.DefaultMode),
		logging.Int("queue_limit", cfg.Daemon.QueueLimit),
		logging.Bool("journal_enabled", cfg.Journal.Enabled),
		logging.Bool("mqtt_enabled", cfg.MQTT.Enabled),
	)
}

func (d *Daemon) openJournal() {
	if d.journal == nil && d.cfg.Journal.Enabled {
		store, err := journal.Open(context.Background(), d.cfg.JournalPath())
		if err != nil {
			logging.WarnWithContext(d.logger, "event journal unavailable", "journal_open_failed",
				logging.String("path", d.cfg.JournalPath()),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check journal.path and state_dir permissions"),
				logging.String(logging.FieldImpact, "device events will not be recorded"),
			)
			return
		}
		d.journal = store
	}
	if d.journal == nil || d.cfg.Journal.RetentionDays <= 0 {
		return
	}
	pruned, err := d.journal.PruneOlderThan(context.Background(), d.cfg.Journal.RetentionDays)
	if err != nil {
		logging.WarnWithContext(d.logger, "journal pruning failed", "journal_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "old journal entries kept"),
		)
		return
	}
	if pruned > 0 {
		d.logger.Info("pruned journal entries",
			logging.String(logging.FieldEventType, "journal_pruned"),
			logging.Int64("count", pruned),
			logging.Int("retention_days", d.cfg.Journal.RetentionDays),
		)
	}
}

func (d *Daemon) openPublisher() {
	if d.publisher != nil {
		return
	}
	publisher, err := notify.New(d.cfg.MQTT, d.logger)
	if err != nil {
		logging.WarnWithContext(d.logger, "event publisher unavailable", "publisher_connect_failed",
			logging.String("broker", d.cfg.MQTT.Broker),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check mqtt.broker and credentials"),
			logging.String(logging.FieldImpact, "device events will not be published"),
		)
		publisher = notify.NewNoop()
	}
	d.publisher = publisher
}

// Instance returns the nonce of this daemon run.
func (d *Daemon) Instance() string {
	return d.nonce
}

// Table returns the loaded action table.
func (d *Daemon) Table() *action.Table {
	return d.table
}

// Start acquires the lock file, starts the work queue and initializes the backend.
func (d *Daemon) Start(ctx context.Context) error {
	if d.shutdown {
		return device.Wrap(device.ErrInvalidState, "start daemon", "", errors.New("daemon was shut down"))
	}
	if d.running.Load() {
		return device.Wrap(device.ErrInvalidState, "start daemon", "", errors.New("daemon already running"))
	}

	if d.lock != nil {
		ok, err := d.lock.TryLock()
		if err != nil {
			return device.Wrap(device.ErrIO, "acquire lock", d.lockPath, err)
		}
		if !ok {
			return device.Wrap(device.ErrInvalidState, "acquire lock", d.lockPath, errors.New("another vdevd instance is already running"))
		}
	}

	if d.backend == nil {
		b, err := backend.New(d.cfg.Daemon.Backend)
		if err != nil {
			d.unlock()
			return err
		}
		d.backend = b
	}

	// In-flight requests run to completion even after ctx is cancelled.
	if err := d.queue.Start(context.WithoutCancel(ctx)); err != nil {
		d.unlock()
		return err
	}

	if err := d.backend.Init(ctx, backend.Env{
		Mountpoint: d.mountpoint,
		Once:       d.once,
		Sink:       d.queue,
		Logger:     d.logger,
	}); err != nil {
		_ = d.queue.Stop(false)
		d.unlock()
		if !d.injectedBackend {
			d.backend = nil
		}
		logging.ErrorWithContext(d.logger, "backend initialization failed", "daemon_start_failed",
			logging.String(logging.FieldBackend, d.cfg.Daemon.Backend),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check daemon.backend and that the mountpoint exists"),
		)
		return err
	}

	if !d.once {
		if err := writePIDFile(d.cfg.Paths.PIDFile); err != nil {
			logging.WarnWithContext(d.logger, "failed to write pid file", "pid_file_failed",
				logging.String("pid_file", d.cfg.Paths.PIDFile),
				logging.Error(err),
				logging.String(logging.FieldImpact, "service managers cannot find the daemon pid"),
			)
		} else {
			d.pidWritten = d.cfg.Paths.PIDFile != ""
		}
	}

	d.running.Store(true)
	d.logger.Info("vdevd started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String(logging.FieldBackend, d.backend.Name()),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// RunPreseed runs daemon.preseed with the mountpoint as its only argument. A spawn
// failure or non-zero exit is returned as a *device.SubprocessError.
func (d *Daemon) RunPreseed(ctx context.Context) error {
	script := d.cfg.Daemon.Preseed
	if script == "" {
		return nil
	}
	cmd := subprocess.Command{
		Path: script,
		Args: []string{d.mountpoint},
		Dir:  d.mountpoint,
	}
	d.logger.Info("running pre-seed script",
		logging.String(logging.FieldEventType, "preseed_start"),
		logging.String("command", cmd.String()),
	)
	status, err := d.runner.Run(ctx, cmd)
	if err != nil {
		logging.ErrorWithContext(d.logger, "pre-seed script failed", "preseed_failed",
			logging.String("command", cmd.String()),
			logging.Int("exit_status", status),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run the script by hand with the mountpoint argument"),
		)
		return err
	}
	d.logger.Info("pre-seed script finished",
		logging.String(logging.FieldEventType, "preseed_complete"),
	)
	return nil
}

// Main creates the metadata tree and runs the backend until it returns. flush, if
// not nil, is written and closed by SignalFlushed.
func (d *Daemon) Main(ctx context.Context, flush io.WriteCloser) error {
	if !d.running.Load() {
		return device.Wrap(device.ErrInvalidState, "run daemon", "", errors.New("daemon not running"))
	}
	if err := d.engine.Metadata().EnsureRoot(); err != nil {
		err = device.Wrap(device.ErrIO, "create metadata directory", d.engine.Metadata().Root(), err)
		logging.ErrorWithContext(d.logger, "cannot create metadata directory", "daemon_main_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the mountpoint is writable"),
		)
		return err
	}

	d.flushMu.Lock()
	d.flush = flush
	pending := d.flushed
	d.flushMu.Unlock()
	if pending {
		d.SignalFlushed()
	}

	return d.backend.Run(ctx)
}

func (d *Daemon) queueDrained() {
	if d.once {
		// One-shot readiness is signalled after reconciliation.
		return
	}
	d.logger.Info("initial device burst processed",
		logging.String(logging.FieldEventType, "queue_flushed"),
	)
	d.SignalFlushed()
}

// SignalFlushed writes a zero word to the flush descriptor and closes it. Only
// the first call has an effect; a call before Main stores the descriptor is
// delivered once Main does.
func (d *Daemon) SignalFlushed() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	d.flushed = true
	if d.signaled || d.flush == nil {
		return
	}
	d.signaled = true
	if _, err := d.flush.Write([]byte{0, 0, 0, 0}); err != nil {
		logging.WarnWithContext(d.logger, "failed to signal readiness", "flush_signal_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the process waiting on the ready descriptor may block"),
		)
	}
	_ = d.flush.Close()
}

// Stop tears down the backend and stops the work queue. In once mode the queue is
// drained first; otherwise queued requests are discarded.
func (d *Daemon) Stop() error {
	if !d.running.Load() {
		return device.Wrap(device.ErrInvalidState, "stop daemon", "", errors.New("daemon not running"))
	}
	var errs []error
	if err := d.backend.Teardown(); err != nil {
		errs = append(errs, fmt.Errorf("teardown backend: %w", err))
	}
	if err := d.queue.Stop(d.once); err != nil {
		errs = append(errs, fmt.Errorf("stop work queue: %w", err))
	}
	d.running.Store(false)
	d.logger.Info("vdevd stopped",
		logging.String(logging.FieldEventType, "daemon_stopped"),
		logging.Bool("drained", d.once),
	)
	return errors.Join(errs...)
}

// RemoveUnplugged removes devices whose metadata was written by another daemon
// instance. Removals go straight through the engine and are journaled.
func (d *Daemon) RemoveUnplugged(ctx context.Context) (reconcile.Result, error) {
	if d.shutdown {
		return reconcile.Result{}, device.Wrap(device.ErrInvalidState, "remove unplugged devices", "", errors.New("daemon was shut down"))
	}
	walker, err := reconcile.New(reconcile.Options{
		Mountpoint: d.mountpoint,
		Nonce:      d.nonce,
		Remover:    remover{d},
		Logger:     d.logger,
		MaxPending: d.cfg.Daemon.QueueLimit,
		Classify:   d.classify,
	})
	if err != nil {
		return reconcile.Result{}, err
	}
	result, err := walker.Walk(ctx)
	d.logger.Info("removed unplugged devices",
		logging.String(logging.FieldEventType, "reconcile_complete"),
		logging.Int("directories", len(result.Visited)),
		logging.Int("removed", len(result.Removed)),
		logging.Int("masked", result.Masked),
	)
	return result, err
}

// Shutdown releases everything New and Start acquired. It fails while the daemon
// is running.
func (d *Daemon) Shutdown(removePID bool) error {
	if d.running.Load() {
		return device.Wrap(device.ErrInvalidState, "shutdown daemon", "", errors.New("daemon still running"))
	}
	if d.shutdown {
		return device.Wrap(device.ErrInvalidState, "shutdown daemon", "", errors.New("daemon already shut down"))
	}
	d.shutdown = true

	var errs []error
	d.engine.Close()
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if removePID && d.pidWritten {
		if err := removePIDFile(d.cfg.Paths.PIDFile); err != nil {
			errs = append(errs, fmt.Errorf("remove pid file: %w", err))
		}
	}
	d.unlock()
	d.backend = nil
	return errors.Join(errs...)
}

// Status reports runtime counters.
func (d *Daemon) Status() Status {
	status := Status{
		Running:    d.running.Load(),
		Once:       d.once,
		Instance:   d.nonce,
		Mountpoint: d.mountpoint,
		Rules:      d.table.Len(),
		Queued:     d.queue.Len(),
		InFlight:   d.queue.InFlight(),
	}
	if d.backend != nil {
		status.Backend = d.backend.Name()
	}
	if d.journal != nil {
		status.Journal = d.journal.Path()
	}
	return status
}

func (d *Daemon) unlock() {
	if d.lock == nil || !d.lock.Locked() {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldImpact, "the next vdevd start may report a running instance"),
		)
	}
}

// handle is the work queue handler.
func (d *Daemon) handle(ctx context.Context, req *device.Request) error {
	err := d.engine.Process(ctx, req)
	d.settle(ctx, req)
	return err
}

// settle journals a terminal request and publishes it if it committed.
func (d *Daemon) settle(ctx context.Context, req *device.Request) {
	if d.journal != nil {
		if err := d.journal.Record(ctx, req, d.nonce); err != nil {
			logging.WarnWithContext(d.logger, "failed to journal device event", "journal_record_failed",
				logging.String(logging.FieldDevicePath, req.Path),
				logging.Error(err),
				logging.String(logging.FieldImpact, "event missing from vdevd events"),
			)
		}
	}
	if req.State() != device.StateCommitted || d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ctx, notify.EventFromRequest(req, d.nonce)); err != nil {
		logging.WarnWithContext(d.logger, "failed to publish device event", "publish_failed",
			logging.String(logging.FieldDevicePath, req.Path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "subscribers miss this event"),
		)
	}
}

// remover routes reconciliation removals through the engine and the journal.
type remover struct {
	d *Daemon
}

func (r remover) Remove(ctx context.Context, req *device.Request) error {
	err := r.d.engine.Remove(ctx, req)
	r.d.settle(ctx, req)
	return err
}

// ExitCode maps an error from the daemon lifecycle to a process exit status: the
// helper's status for a failed pre-seed script, 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var subErr *device.SubprocessError
	if errors.As(err, &subErr) && subErr.ExitStatus > 0 {
		return subErr.ExitStatus
	}
	return 1
}
