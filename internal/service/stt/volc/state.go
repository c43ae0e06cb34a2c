package volc

import (
	"errors"
	"fmt"
	"sync"
)

// State represents the lifecycle state of an ASR connection.
type State int

const (
	// StateInit - Client created, nothing dialled yet.
	StateInit State = iota
	// StateConnecting - WebSocket handshake in progress.
	StateConnecting
	// StateOpen - Transport up, full client request sent, waiting for the backend.
	StateOpen
	// StateStreaming - Backend acknowledged the request id; audio may flow.
	StateStreaming
	// StateClosing - Caller asked to close or the backend sent a close frame.
	StateClosing
	// StateClosed - Terminal, normal completion.
	StateClosed
	// StateErrored - Terminal, completed with an error.
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if the state is terminal (CLOSED or ERRORED).
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateErrored
}

// ErrInvalidTransition is returned for a transition the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// State transitions:
//
//	INIT → CONNECTING → OPEN → STREAMING → CLOSING → CLOSED
//	           │          │        │          │
//	           └──────────┴────────┴──────────┴──→ ERRORED
//
// OPEN and STREAMING may also go straight to CLOSED when the transport ends without a
// close handshake. CLOSED and ERRORED are absorbing.
var transitions = map[State][]State{
	StateInit:       {StateConnecting},
	StateConnecting: {StateOpen, StateClosed, StateErrored},
	StateOpen:       {StateStreaming, StateClosing, StateClosed, StateErrored},
	StateStreaming:  {StateClosing, StateClosed, StateErrored},
	StateClosing:    {StateClosed, StateErrored},
}

// Lifecycle manages the connection state machine. Thread-safe for concurrent access.
type Lifecycle struct {
	mu    sync.RWMutex
	state State
}

// NewLifecycle creates a lifecycle in INIT state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateInit}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Transition moves to the given state if allowed.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, l.state, to)
}
