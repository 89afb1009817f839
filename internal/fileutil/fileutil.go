// Package fileutil holds the small filesystem primitives the engine and walker share.
package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic writes data to a temporary sibling of path and renames it into place,
// so readers never see a partially written file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ErrNotSymlink is returned by ReplaceSymlink when a regular file or directory
// already occupies the link path.
var ErrNotSymlink = errors.New("path exists and is not a symlink")

// ReplaceSymlink points link at target, creating parent directories as needed.
// An existing link with a different target is replaced. It reports whether the
// filesystem changed.
func ReplaceSymlink(target, link string) (bool, error) {
	info, err := os.Lstat(link)
	switch {
	case err == nil && info.Mode()&fs.ModeSymlink == 0:
		return false, fmt.Errorf("%s: %w", link, ErrNotSymlink)
	case err == nil:
		current, readErr := os.Readlink(link)
		if readErr == nil && current == target {
			return false, nil
		}
		if err := os.Remove(link); err != nil {
			return false, fmt.Errorf("remove stale link: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("stat link: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return false, fmt.Errorf("create link directory: %w", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return false, fmt.Errorf("create link: %w", err)
	}
	return true, nil
}

// RemoveSymlink removes link if it is a symlink. Missing links are not an error.
func RemoveSymlink(link string) error {
	info, err := os.Lstat(link)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return fmt.Errorf("%s: %w", link, ErrNotSymlink)
	}
	return os.Remove(link)
}

// RemoveEmptyParents removes dir and its ancestors while they are empty, stopping
// before stop. dir must be inside stop.
func RemoveEmptyParents(dir, stop string) {
	dir = filepath.Clean(dir)
	stop = filepath.Clean(stop)
	for dir != stop && strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Within reports whether path is stop or lies beneath it.
func Within(path, stop string) bool {
	path = filepath.Clean(path)
	stop = filepath.Clean(stop)
	return path == stop || strings.HasPrefix(path, stop+string(filepath.Separator))
}
