package action

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"vdev/internal/device"
)

type tomlFile struct {
	Action []Rule `toml:"action"`
}

type yamlFile struct {
	Actions []Rule `yaml:"actions"`
}

// FileError reports one action file that failed to load.
type FileError struct {
	File string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// Load reads every action file in dir, in lexical order, and returns the table. The
// first invalid file aborts the load with an ErrConfiguration error.
func Load(dir string) (*Table, error) {
	files, err := actionFiles(dir)
	if err != nil {
		return nil, err
	}
	table := &Table{}
	for _, file := range files {
		rules, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		table.rules = append(table.rules, rules...)
		table.files = append(table.files, file)
	}
	return table, nil
}

// Lint loads every action file in dir and collects all failures instead of stopping at
// the first one. The returned table holds the rules of the valid files.
func Lint(dir string) (*Table, []*FileError, error) {
	files, err := actionFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	table := &Table{}
	var problems []*FileError
	for _, file := range files {
		rules, err := LoadFile(file)
		if err != nil {
			var fileErr *FileError
			if !errors.As(err, &fileErr) {
				fileErr = &FileError{File: file, Err: err}
			}
			problems = append(problems, fileErr)
			continue
		}
		table.rules = append(table.rules, rules...)
		table.files = append(table.files, file)
	}
	return table, problems, nil
}

// LoadFile parses and compiles a single action file. The format is chosen by extension.
func LoadFile(file string) ([]*Rule, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, device.Wrap(device.ErrConfiguration, "read action file", file, err)
	}

	var rules []Rule
	switch strings.ToLower(filepath.Ext(file)) {
	case ".toml":
		var doc tomlFile
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&doc); err != nil {
			return nil, wrapFileError(file, fmt.Errorf("parse toml: %w", err))
		}
		rules = doc.Action
	case ".yaml", ".yml":
		var doc yamlFile
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, wrapFileError(file, fmt.Errorf("parse yaml: %w", err))
		}
		rules = doc.Actions
	default:
		return nil, wrapFileError(file, fmt.Errorf("unsupported action file extension"))
	}

	compiled := make([]*Rule, 0, len(rules))
	base := filepath.Base(file)
	for i := range rules {
		rule := rules[i]
		rule.Source = fmt.Sprintf("%s#%d", base, i+1)
		if err := rule.compile(); err != nil {
			return nil, wrapFileError(file, fmt.Errorf("action %s: %w", rule.Label(), err))
		}
		compiled = append(compiled, &rule)
	}
	return compiled, nil
}

func wrapFileError(file string, err error) error {
	return device.Wrap(device.ErrConfiguration, "load actions", "", &FileError{File: file, Err: err})
}

func actionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, device.Wrap(device.ErrConfiguration, "read actions directory", dir, err)
		}
		return nil, device.Wrap(device.ErrIO, "read actions directory", dir, err)
	}
	var files []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".toml", ".yaml", ".yml":
			files = append(files, filepath.Join(dir, name))
		}
	}
	slices.Sort(files)
	return files, nil
}
