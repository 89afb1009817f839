package device

import (
	"errors"
	"testing"
)

func TestNewRequestNormalisesPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sda", "sda"},
		{"/sda", "sda"},
		{"//bus/usb/../usb/001/002", "bus/usb/001/002"},
		{" input/event3 ", "input/event3"},
	}
	for _, tc := range tests {
		req, err := NewRequest(KindAdd, tc.in)
		if err != nil {
			t.Fatalf("NewRequest(%q) returned error: %v", tc.in, err)
		}
		if req.Path != tc.want {
			t.Errorf("NewRequest(%q).Path = %q, want %q", tc.in, req.Path, tc.want)
		}
		if req.State() != StateCreated {
			t.Errorf("initial state = %s, want %s", req.State(), StateCreated)
		}
	}
}

func TestNewRequestRejectsEmptyPath(t *testing.T) {
	for _, in := range []string{"", "/", " . "} {
		if _, err := NewRequest(KindRemove, in); !errors.Is(err, ErrInvalidState) {
			t.Errorf("NewRequest(%q) error = %v, want ErrInvalidState", in, err)
		}
	}
}

func TestRequestLifecycle(t *testing.T) {
	req, err := NewRequest(KindAdd, "sda")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for _, next := range []State{StateQueued, StateMatched, StateExecuted, StateCommitted} {
		if err := req.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if !req.Terminal() {
		t.Fatal("expected committed request to be terminal")
	}
	if err := req.Transition(StateCommitted); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("transition out of terminal state error = %v", err)
	}
	if err := req.Fail(errors.New("late")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Fail on committed request error = %v", err)
	}
	if req.State() != StateCommitted {
		t.Fatalf("state changed to %s after rejected Fail", req.State())
	}
}

func TestRequestRejectsSkippedStates(t *testing.T) {
	req, _ := NewRequest(KindAdd, "sda")
	if err := req.Transition(StateMatched); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Created -> Matched error = %v, want ErrInvalidState", err)
	}
	if req.State() != StateCreated {
		t.Fatalf("state = %s after rejected transition", req.State())
	}
	if err := req.Transition(StateFailed); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Transition(Failed) error = %v, want ErrInvalidState", err)
	}
}

func TestRequestFailRecordsError(t *testing.T) {
	req, _ := NewRequest(KindRemove, "sdb")
	_ = req.Transition(StateQueued)
	cause := Wrap(ErrIO, "mkdir", "sdb", errors.New("read-only file system"))
	if err := req.Fail(cause); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if req.State() != StateFailed || !req.Terminal() {
		t.Fatalf("state = %s, want failed", req.State())
	}
	if !errors.Is(req.Err(), ErrIO) {
		t.Fatalf("Err() = %v, want ErrIO", req.Err())
	}
}

func TestNumberRoundTrip(t *testing.T) {
	n := Number{Major: 8, Minor: 17}
	if got := NumberFromDev(n.Dev()); got != n {
		t.Fatalf("NumberFromDev(Dev()) = %v, want %v", got, n)
	}
	if n.String() != "8:17" {
		t.Fatalf("String() = %q", n.String())
	}
}

func TestCloneResetsState(t *testing.T) {
	req, _ := NewRequest(KindAdd, "sda")
	req.SetParam("SUBSYSTEM", "block")
	_ = req.Transition(StateQueued)
	clone := req.Clone()
	if clone.State() != StateCreated {
		t.Fatalf("clone state = %s", clone.State())
	}
	clone.SetParam("SUBSYSTEM", "tty")
	if req.Subsystem() != "block" {
		t.Fatal("clone shares params with original")
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := ParseKind("ADD"); !ok || k != KindAdd {
		t.Fatalf("ParseKind(ADD) = %q, %v", k, ok)
	}
	if _, ok := ParseKind("change"); ok {
		t.Fatal("change must not map to a request kind")
	}
}
