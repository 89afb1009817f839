package device

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrInvalidState  = errors.New("invalid state")
	ErrIO            = errors.New("io failure")
	ErrSubprocess    = errors.New("subprocess failure")
	ErrConfiguration = errors.New("configuration error")
	ErrDiscarded     = errors.New("request discarded")
)

var kinds = []error{
	ErrOutOfMemory,
	ErrInvalidState,
	ErrIO,
	ErrSubprocess,
	ErrConfiguration,
	ErrDiscarded,
}

// Wrap tags err with one of the sentinel kinds above and the operation and path it
// happened on. The marker is matched with errors.Is, the cause with errors.As.
func Wrap(marker error, operation, devicePath string, err error) error {
	if marker == nil {
		marker = ErrIO
	}
	detail := buildDetail(operation, devicePath)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf returns the sentinel kind carried by err, or nil if it is unclassified.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// KindName is a stable string form of KindOf, suitable for logs and the journal.
func KindName(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrOutOfMemory:
		return "out_of_memory"
	case ErrInvalidState:
		return "invalid_state"
	case ErrIO:
		return "io"
	case ErrSubprocess:
		return "subprocess"
	case ErrConfiguration:
		return "configuration"
	case ErrDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// SubprocessError reports a helper or pre-seed command that could not be spawned
// or exited non-zero.
type SubprocessError struct {
	Command    string
	ExitStatus int
	Err        error
}

func (e *SubprocessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", ErrSubprocess, e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %s: exit status %d", ErrSubprocess, e.Command, e.ExitStatus)
}

func (e *SubprocessError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrSubprocess, e.Err}
	}
	return []error{ErrSubprocess}
}

func buildDetail(operation, devicePath string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if devicePath = strings.TrimSpace(devicePath); devicePath != "" {
		parts = append(parts, devicePath)
	}
	if len(parts) == 0 {
		return "device pipeline failure"
	}
	return strings.Join(parts, ": ")
}
