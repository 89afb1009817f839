package subprocess

import (
	"context"
	"sync"
)

// Recorder is a Runner that records invocations without executing them.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	// Result decides the outcome per command. Nil means success.
	Result func(Command) (int, error)
}

func (r *Recorder) Run(_ context.Context, cmd Command) (int, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	result := r.Result
	r.mu.Unlock()
	if result == nil {
		return 0, nil
	}
	return result(cmd)
}

// Commands returns a copy of the recorded invocations.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Command, len(r.commands))
	copy(out, r.commands)
	return out
}
