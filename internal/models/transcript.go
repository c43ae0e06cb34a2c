// Package models defines the data structures for transcript events.
package models

// Event types delivered to session subscribers.
const (
	EventSession = "session"
	EventMessage = "message"
	EventAction  = "action"
	EventEnd     = "end"
)

// Utterance is one recognized transcript segment.
// Definite utterances will not be revised by the backend.
type Utterance struct {
	Content   string `json:"content"`
	StartTime int64  `json:"startTime"`
	Definite  bool   `json:"definite"`
}

// Action is a system annotation attached to a session (e.g. a running summary).
type Action struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	StartTime int64  `json:"startTime"`
}

// SessionState is the full state of a call session, sent to new subscribers.
type SessionState struct {
	CallID        string      `json:"callId"`
	Messages      []Utterance `json:"messages"`
	SystemActions []Action    `json:"systemActions"`
	Summarizing   bool        `json:"summarizing"`
}

// EndInfo is the payload of an end event.
type EndInfo struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Event is one logical message delivered to a subscriber.
type Event struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	Data   any    `json:"data"`
}

// EqualUtterances reports whether a and b hold the same utterances in the same order.
func EqualUtterances(a, b []Utterance) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// DefiniteOnly returns the definite utterances of in, preserving order.
func DefiniteOnly(in []Utterance) []Utterance {
	var out []Utterance
	for _, u := range in {
		if u.Definite {
			out = append(out, u)
		}
	}
	return out
}
