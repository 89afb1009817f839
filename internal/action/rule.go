package action

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"vdev/internal/config"
	"vdev/internal/device"
)

// Event selectors accepted by Rule.Event.
const (
	EventAdd    = "add"
	EventRemove = "remove"
	EventAny    = "any"
)

// Rule is one entry of an action file. Match fields that are empty match anything.
type Rule struct {
	Name      string            `toml:"name" yaml:"name"`
	Event     string            `toml:"event" yaml:"event"`
	Type      string            `toml:"type" yaml:"type"`
	Subsystem string            `toml:"subsystem" yaml:"subsystem"`
	Path      string            `toml:"path" yaml:"path"`
	PathRegex string            `toml:"path_regex" yaml:"path_regex"`
	Match     map[string]string `toml:"match" yaml:"match"`

	Mode     string            `toml:"mode" yaml:"mode"`
	Owner    string            `toml:"owner" yaml:"owner"`
	Group    string            `toml:"group" yaml:"group"`
	Symlinks []string          `toml:"symlinks" yaml:"symlinks"`
	Command  string            `toml:"command" yaml:"command"`
	Env      map[string]string `toml:"env" yaml:"env"`
	Async    bool              `toml:"async" yaml:"async"`

	// Source is "<file>#<index>", set by the loader.
	Source string `toml:"-" yaml:"-"`

	kinds   []device.Kind
	pattern *regexp.Regexp
	perm    fs.FileMode
	hasMode bool
}

// Label names the rule in logs.
func (r *Rule) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Source
}

// compile validates the rule and precomputes its matchers.
func (r *Rule) compile() error {
	switch strings.ToLower(strings.TrimSpace(r.Event)) {
	case EventAdd:
		r.kinds = []device.Kind{device.KindAdd}
	case EventRemove:
		r.kinds = []device.Kind{device.KindRemove}
	case EventAny, "":
		r.kinds = []device.Kind{device.KindAdd, device.KindRemove}
	default:
		return fmt.Errorf("event must be add, remove or any, got %q", r.Event)
	}

	switch device.NodeMode(strings.ToLower(strings.TrimSpace(r.Type))) {
	case "", device.NodeBlock, device.NodeChar:
		r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	default:
		return fmt.Errorf("type must be block or char, got %q", r.Type)
	}

	if r.Path != "" {
		if _, err := path.Match(r.Path, ""); err != nil {
			return fmt.Errorf("path %q: %w", r.Path, err)
		}
	}
	if r.PathRegex != "" {
		pattern, err := regexp.Compile(r.PathRegex)
		if err != nil {
			return fmt.Errorf("path_regex %q: %w", r.PathRegex, err)
		}
		r.pattern = pattern
	}
	for key, glob := range r.Match {
		if _, err := path.Match(glob, ""); err != nil {
			return fmt.Errorf("match %s %q: %w", key, glob, err)
		}
	}

	if strings.TrimSpace(r.Mode) != "" {
		perm, err := config.ParseMode(r.Mode)
		if err != nil {
			return fmt.Errorf("mode: %w", err)
		}
		r.perm = perm
		r.hasMode = true
	}
	for _, link := range r.Symlinks {
		if device.CleanPath(link) == "" {
			return fmt.Errorf("symlink %q resolves to the mountpoint", link)
		}
	}
	for key := range r.Env {
		if key == "" || strings.ContainsAny(key, "= ") {
			return fmt.Errorf("env key %q is not a valid variable name", key)
		}
	}
	if !r.hasEffect() {
		return fmt.Errorf("rule has no effect (mode, owner, group, symlinks or command)")
	}
	return nil
}

func (r *Rule) hasEffect() bool {
	return r.hasMode || r.Owner != "" || r.Group != "" || len(r.Symlinks) > 0 || strings.TrimSpace(r.Command) != ""
}

// Matches reports whether every match criterion of the rule holds for req.
func (r *Rule) Matches(req *device.Request) bool {
	if req == nil {
		return false
	}
	kindOK := false
	for _, kind := range r.kinds {
		if kind == req.Kind {
			kindOK = true
			break
		}
	}
	if !kindOK {
		return false
	}
	if r.Type != "" && device.NodeMode(r.Type) != req.Mode {
		return false
	}
	if r.Subsystem != "" && r.Subsystem != req.Subsystem() {
		return false
	}
	if r.Path != "" {
		if ok, _ := path.Match(r.Path, req.Path); !ok {
			return false
		}
	}
	if r.pattern != nil && !r.pattern.MatchString(req.Path) {
		return false
	}
	for key, glob := range r.Match {
		value, ok := req.Param(key)
		if !ok {
			return false
		}
		if matched, _ := path.Match(glob, value); !matched {
			return false
		}
	}
	return true
}

// Table is the immutable, ordered set of loaded rules.
type Table struct {
	rules []*Rule
	files []string
}

// NewTable compiles rules into a table. Used by the loader and by tests.
func NewTable(rules ...Rule) (*Table, error) {
	table := &Table{}
	for i := range rules {
		rule := rules[i]
		if rule.Source == "" {
			rule.Source = fmt.Sprintf("inline#%d", i)
		}
		if err := rule.compile(); err != nil {
			return nil, device.Wrap(device.ErrConfiguration, "compile rule", rule.Label(), err)
		}
		table.rules = append(table.rules, &rule)
	}
	return table, nil
}

// Len returns the number of rules.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rules)
}

// Rules returns the rules in evaluation order. Callers must not modify them.
func (t *Table) Rules() []*Rule {
	if t == nil {
		return nil
	}
	return t.rules
}

// Files lists the action files the table was loaded from.
func (t *Table) Files() []string {
	if t == nil {
		return nil
	}
	return t.files
}

// Matching returns every rule that matches req, in table order.
func (t *Table) Matching(req *device.Request) []*Rule {
	if t == nil {
		return nil
	}
	var matched []*Rule
	for _, rule := range t.rules {
		if rule.Matches(req) {
			matched = append(matched, rule)
		}
	}
	return matched
}
