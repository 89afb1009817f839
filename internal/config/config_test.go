package config_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"vdev/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdevd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExplicitConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "[paths]\nmountpoint = \"/tmp/vdev-test\"\n")

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("unexpected resolution: %q exists=%v", resolved, exists)
	}
	if cfg.Paths.Mountpoint != "/tmp/vdev-test" {
		t.Fatalf("unexpected mountpoint: %q", cfg.Paths.Mountpoint)
	}
	if cfg.Daemon.Backend != "netlink" {
		t.Fatalf("expected netlink backend by default, got %q", cfg.Daemon.Backend)
	}
	if cfg.Daemon.DefaultPerm != 0 {
		t.Fatalf("expected node permissions left alone by default, got %o", cfg.Daemon.DefaultPerm)
	}
	if !cfg.Journal.Enabled {
		t.Fatal("expected journal enabled by default")
	}
	if cfg.MQTT.Enabled {
		t.Fatal("expected mqtt disabled by default")
	}
	if got := cfg.MetadataDir(); got != "/tmp/vdev-test/metadata/dev" {
		t.Fatalf("unexpected metadata dir: %q", got)
	}
	if got := cfg.JournalPath(); got != filepath.Join(cfg.Paths.StateDir, "journal.db") {
		t.Fatalf("unexpected journal path: %q", got)
	}
}

func TestLoadMissingExplicitConfigFails(t *testing.T) {
	_, _, _, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[daemon]\nbogus = true\n")
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected unknown key to fail")
	}
}

func TestLoadExpandsHomePaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, "[paths]\nstate_dir = \"~/state\"\nactions_dir = \"~/actions\"\n")

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.StateDir != filepath.Join(home, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.Paths.ActionsDir != filepath.Join(home, "actions") {
		t.Fatalf("unexpected actions dir: %q", cfg.Paths.ActionsDir)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("VDEV_MOUNTPOINT", "/srv/dev")
	t.Setenv("VDEV_LOG_LEVEL", "DEBUG")
	path := writeConfig(t, "[paths]\nmountpoint = \"/dev\"\n")

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.Mountpoint != "/srv/dev" {
		t.Fatalf("expected env mountpoint, got %q", cfg.Paths.Mountpoint)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadExplicitDefaultMode(t *testing.T) {
	path := writeConfig(t, "[daemon]\ndefault_mode = \"0640\"\n")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Daemon.DefaultPerm != 0o640 {
		t.Fatalf("unexpected default perm: %o", cfg.Daemon.DefaultPerm)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"backend":  "[daemon]\nbackend = \"kqueue\"\n",
		"mode":     "[daemon]\ndefault_mode = \"0999\"\n",
		"instance": "[daemon]\ninstance = \"not-a-nonce\"\n",
		"limit":    "[daemon]\nqueue_limit = -1\n",
		"level":    "[logging]\nlevel = \"chatty\"\n",
		"format":   "[logging]\nformat = \"xml\"\n",
		"qos":      "[mqtt]\nenabled = true\nqos = 3\n",
		"root":     "[paths]\nmountpoint = \"/\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, _, _, err := config.Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected %s config to fail validation", name)
			}
		})
	}
}

func TestValidateAcceptsPinnedInstance(t *testing.T) {
	path := writeConfig(t, "[daemon]\ninstance = \"0123456789ABCDEF0123456789abcdef\"\n")
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Daemon.Instance != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("expected lowercased instance, got %q", cfg.Daemon.Instance)
	}
}

func TestParseMode(t *testing.T) {
	mode, err := config.ParseMode("2775")
	if err != nil {
		t.Fatalf("ParseMode: %v", err)
	}
	if mode.Perm() != 0o775 || mode&fs.ModeSetgid == 0 {
		t.Fatalf("unexpected mode: %v", mode)
	}
	if _, err := config.ParseMode("rw-r--r--"); err == nil {
		t.Fatal("expected symbolic mode to be rejected")
	}
}

func TestFinalizeAfterOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Daemon.Backend = " DEVFS "
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if cfg.Daemon.Backend != "devfs" {
		t.Fatalf("expected normalized backend, got %q", cfg.Daemon.Backend)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vdevd.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("sample is not valid toml: %v", err)
	}
	if decoded.Paths.Mountpoint != "/dev" {
		t.Fatalf("unexpected sample mountpoint: %q", decoded.Paths.Mountpoint)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample failed to load: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.LogDir = filepath.Join(base, "log")
	cfg.Paths.PIDFile = filepath.Join(base, "run", "vdevd.pid")
	cfg.Paths.LockFile = filepath.Join(base, "run", "vdevd.lock")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{"state", "log", "run"} {
		if info, err := os.Stat(filepath.Join(base, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected %s directory: %v", dir, err)
		}
	}
}
