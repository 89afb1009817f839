package device

import (
	"fmt"
	"maps"
	"path"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Kind identifies the hotplug action a request carries.
type Kind string

const (
	KindAdd    Kind = "add"
	KindRemove Kind = "remove"
)

// ParseKind maps a uevent ACTION value to a request kind.
func ParseKind(value string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "add":
		return KindAdd, true
	case "remove":
		return KindRemove, true
	default:
		return "", false
	}
}

// NodeMode is the special-file type of a device node.
type NodeMode string

const (
	NodeBlock NodeMode = "block"
	NodeChar  NodeMode = "char"
)

// Number is a kernel device number.
type Number struct {
	Major uint32
	Minor uint32
}

// NumberFromDev splits a raw dev_t (as found in stat.Rdev).
func NumberFromDev(dev uint64) Number {
	return Number{Major: unix.Major(dev), Minor: unix.Minor(dev)}
}

// Dev packs the number back into a dev_t.
func (n Number) Dev() uint64 {
	return unix.Mkdev(n.Major, n.Minor)
}

func (n Number) String() string {
	return fmt.Sprintf("%d:%d", n.Major, n.Minor)
}

// State is a position in the request lifecycle.
type State string

const (
	StateCreated   State = "created"
	StateQueued    State = "queued"
	StateMatched   State = "matched"
	StateExecuted  State = "executed"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

var forwardTransitions = map[State]State{
	StateCreated:  StateQueued,
	StateQueued:   StateMatched,
	StateMatched:  StateExecuted,
	StateExecuted: StateCommitted,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Request is one hotplug event for one device. A request is owned by exactly one
// pipeline stage at a time and carries no lock of its own.
type Request struct {
	Kind    Kind
	Path    string
	Dev     Number
	Mode    NodeMode
	Params  map[string]string
	Created time.Time

	state State
	err   error
}

// NewRequest builds a request in the Created state. The path is normalised to be
// relative to the mountpoint.
func NewRequest(kind Kind, devicePath string) (*Request, error) {
	if kind != KindAdd && kind != KindRemove {
		return nil, Wrap(ErrInvalidState, "new request", devicePath, fmt.Errorf("unknown kind %q", kind))
	}
	cleaned := CleanPath(devicePath)
	if cleaned == "" {
		return nil, Wrap(ErrInvalidState, "new request", devicePath, fmt.Errorf("empty device path"))
	}
	return &Request{
		Kind:    kind,
		Path:    cleaned,
		Params:  make(map[string]string),
		Created: time.Now(),
		state:   StateCreated,
	}, nil
}

// CleanPath strips leading slashes and dot segments from a device path.
func CleanPath(devicePath string) string {
	trimmed := strings.TrimSpace(devicePath)
	if trimmed == "" {
		return ""
	}
	cleaned := path.Clean("/" + trimmed)
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." {
		return ""
	}
	return cleaned
}

// SetParam records a device attribute.
func (r *Request) SetParam(key, value string) {
	if r.Params == nil {
		r.Params = make(map[string]string)
	}
	r.Params[key] = value
}

// Param returns a device attribute.
func (r *Request) Param(key string) (string, bool) {
	value, ok := r.Params[key]
	return value, ok
}

// Subsystem returns the SUBSYSTEM attribute, if any.
func (r *Request) Subsystem() string {
	return r.Params["SUBSYSTEM"]
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	return r.state
}

// Err returns the recorded failure, if the request is Failed.
func (r *Request) Err() error {
	return r.err
}

// Terminal reports whether the request reached Committed or Failed.
func (r *Request) Terminal() bool {
	return r.state.Terminal()
}

// Transition advances the request one step. Only the next forward state is
// accepted; Failed must be entered through Fail.
func (r *Request) Transition(to State) error {
	if r.state.Terminal() {
		return Wrap(ErrInvalidState, "transition", r.Path, fmt.Errorf("%s is terminal", r.state))
	}
	next, ok := forwardTransitions[r.state]
	if !ok || next != to {
		return Wrap(ErrInvalidState, "transition", r.Path, fmt.Errorf("%s -> %s not allowed", r.state, to))
	}
	r.state = to
	return nil
}

// Fail moves the request to Failed and records the error. Failing a terminal
// request is rejected so a committed request can never be reported as failed.
func (r *Request) Fail(err error) error {
	if r.state.Terminal() {
		return Wrap(ErrInvalidState, "fail", r.Path, fmt.Errorf("%s is terminal", r.state))
	}
	if err == nil {
		err = fmt.Errorf("request failed without error detail")
	}
	r.state = StateFailed
	r.err = err
	return nil
}

// Clone returns a copy in the Created state, used when the same event has to be
// processed again by a different owner.
func (r *Request) Clone() *Request {
	clone := &Request{
		Kind:    r.Kind,
		Path:    r.Path,
		Dev:     r.Dev,
		Mode:    r.Mode,
		Params:  maps.Clone(r.Params),
		Created: time.Now(),
		state:   StateCreated,
	}
	if clone.Params == nil {
		clone.Params = make(map[string]string)
	}
	return clone
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s (%s %s) [%s]", r.Kind, r.Path, r.Mode, r.Dev, r.state)
}
