package volc

import (
	"errors"
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateInit, "INIT"},
		{StateConnecting, "CONNECTING"},
		{StateOpen, "OPEN"},
		{StateStreaming, "STREAMING"},
		{StateClosing, "CLOSING"},
		{StateClosed, "CLOSED"},
		{StateErrored, "ERRORED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_IsTerminal(t *testing.T) {
	for _, s := range []State{StateInit, StateConnecting, StateOpen, StateStreaming, StateClosing} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []State{StateClosed, StateErrored} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	l := NewLifecycle()
	if l.State() != StateInit {
		t.Fatalf("expected INIT, got %s", l.State())
	}

	for _, to := range []State{StateConnecting, StateOpen, StateStreaming, StateClosing, StateClosed} {
		if err := l.Transition(to); err != nil {
			t.Fatalf("transition to %s failed: %v", to, err)
		}
	}
	if l.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", l.State())
	}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		bad  State
	}{
		{"skip connecting", nil, StateOpen},
		{"streaming before open", []State{StateConnecting}, StateStreaming},
		{"back to open", []State{StateConnecting, StateOpen, StateStreaming}, StateOpen},
		{"closed is absorbing", []State{StateConnecting, StateOpen, StateClosed}, StateErrored},
		{"errored is absorbing", []State{StateConnecting, StateErrored}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifecycle()
			for _, s := range tt.path {
				if err := l.Transition(s); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}
			before := l.State()

			err := l.Transition(tt.bad)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if l.State() != before {
				t.Errorf("state changed on invalid transition: %s → %s", before, l.State())
			}
		})
	}
}
