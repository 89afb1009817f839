package action

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"vdev/internal/config"
	"vdev/internal/device"
	"vdev/internal/fileutil"
)

// Metadata file names inside a device's metadata directory.
const (
	InstanceFile = "dev_instance"
	SymlinksFile = "dev_symlinks"
	ParamsFile   = "dev_params"
)

// Metadata addresses the per-device metadata tree under a mountpoint.
type Metadata struct {
	root string
}

// NewMetadata returns the metadata tree of mountpoint.
func NewMetadata(mountpoint string) Metadata {
	return Metadata{root: filepath.Join(mountpoint, config.MetadataPrefix)}
}

// Root is <mountpoint>/metadata/dev.
func (m Metadata) Root() string {
	return m.root
}

// Dir is the metadata directory of one device.
func (m Metadata) Dir(devicePath string) string {
	return filepath.Join(m.root, filepath.FromSlash(devicePath))
}

// EnsureRoot creates the metadata root.
func (m Metadata) EnsureRoot() error {
	return os.MkdirAll(m.root, 0o755)
}

// WriteInstance creates the device's metadata directory and records nonce in it.
// Both steps are required for a committed ADD.
func (m Metadata) WriteInstance(devicePath, nonce string) error {
	dir := m.Dir(devicePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(dir, InstanceFile), []byte(nonce+"\n"), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", InstanceFile, err)
	}
	return nil
}

// WriteSymlinks records the links created for the device, one per line.
func (m Metadata) WriteSymlinks(devicePath string, links []string) error {
	var b strings.Builder
	for _, link := range links {
		b.WriteString(link)
		b.WriteByte('\n')
	}
	return fileutil.WriteFileAtomic(filepath.Join(m.Dir(devicePath), SymlinksFile), []byte(b.String()), 0o644)
}

// WriteParams records the OS-reported attributes as sorted KEY=VALUE lines.
func (m Metadata) WriteParams(devicePath string, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, strings.ReplaceAll(params[key], "\n", " "))
	}
	return fileutil.WriteFileAtomic(filepath.Join(m.Dir(devicePath), ParamsFile), []byte(b.String()), 0o644)
}

// Instance reads the nonce recorded for the device. A file that does not hold
// a well-formed nonce is reported as ErrIO.
func (m Metadata) Instance(devicePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(m.Dir(devicePath), InstanceFile))
	if err != nil {
		return "", err
	}
	nonce := strings.TrimSpace(string(data))
	if err := device.ValidateNonce(nonce); err != nil {
		return "", device.Wrap(device.ErrIO, "read instance", devicePath, err)
	}
	return nonce, nil
}

// Symlinks reads the recorded links. A missing file yields no links.
func (m Metadata) Symlinks(devicePath string) ([]string, error) {
	lines, err := readLines(filepath.Join(m.Dir(devicePath), SymlinksFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return lines, err
}

// Params reads the recorded attributes.
func (m Metadata) Params(devicePath string) (map[string]string, error) {
	lines, err := readLines(filepath.Join(m.Dir(devicePath), ParamsFile))
	if err != nil {
		return nil, err
	}
	params := make(map[string]string, len(lines))
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		params[key] = value
	}
	return params, nil
}

// Remove deletes the device's metadata directory and any parents it leaves empty.
func (m Metadata) Remove(devicePath string) error {
	dir := m.Dir(devicePath)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	fileutil.RemoveEmptyParents(filepath.Dir(dir), m.root)
	return nil
}

func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
