package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"vdev/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a finalized config seeded with unique temp directories per
// test: a mountpoint, an empty actions directory, a state directory and marker
// files. The devfs backend is selected so no netlink socket is needed, and the
// journal is disabled unless WithJournal is given.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.Mountpoint = filepath.Join(base, "dev")
	cfgVal.Paths.ActionsDir = filepath.Join(base, "actions")
	cfgVal.Paths.HelpersDir = filepath.Join(base, "helpers")
	cfgVal.Paths.FirmwareDir = ""
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.PIDFile = filepath.Join(base, "run", "vdevd.pid")
	cfgVal.Paths.LockFile = filepath.Join(base, "run", "vdevd.lock")
	cfgVal.Daemon.Backend = "devfs"
	cfgVal.Journal.Enabled = false

	for _, dir := range []string{cfgVal.Paths.Mountpoint, cfgVal.Paths.ActionsDir, cfgVal.Paths.StateDir, filepath.Dir(cfgVal.Paths.PIDFile)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Finalize(); err != nil {
		t.Fatalf("finalize test config: %v", err)
	}
	return builder.cfg
}

// WithOnce enables one-shot mode.
func WithOnce() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Once = true
	}
}

// WithInstance pins the instance nonce.
func WithInstance(nonce string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Instance = nonce
	}
}

// WithPreseed sets the pre-seed script path.
func WithPreseed(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Preseed = path
	}
}

// WithJournal enables the event journal under the state directory.
func WithJournal() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Journal.Enabled = true
	}
}

// WithActionFile writes an action file into the actions directory.
func WithActionFile(name, content string) ConfigOption {
	return func(b *configBuilder) {
		target := filepath.Join(b.cfg.Paths.ActionsDir, name)
		WriteFile(b.t, target, content)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
