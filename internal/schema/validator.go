// Package schema validates outbound session events.
package schema

import (
	"errors"
	"fmt"

	"asr-stream-relay/internal/models"
)

// ErrInvalidEvent is returned for events that do not match their declared type.
var ErrInvalidEvent = errors.New("invalid event")

// Validator checks outbound events before they leave the process.
type Validator struct{}

// New creates a validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks that ev has a known type, a call id and data of the matching shape.
func (v *Validator) Validate(ev models.Event) error {
	if ev.CallID == "" {
		return fmt.Errorf("%w: missing callId", ErrInvalidEvent)
	}

	switch ev.Type {
	case models.EventSession:
		state, ok := ev.Data.(models.SessionState)
		if !ok {
			return dataError(ev)
		}
		if state.CallID != ev.CallID {
			return fmt.Errorf("%w: snapshot for %q in event for %q", ErrInvalidEvent, state.CallID, ev.CallID)
		}
	case models.EventMessage:
		msgs, ok := ev.Data.([]models.Utterance)
		if !ok {
			return dataError(ev)
		}
		for i, u := range msgs {
			if !u.Definite {
				return fmt.Errorf("%w: message %d is provisional", ErrInvalidEvent, i)
			}
		}
	case models.EventAction:
		if _, ok := ev.Data.([]models.Action); !ok {
			return dataError(ev)
		}
	case models.EventEnd:
		end, ok := ev.Data.(models.EndInfo)
		if !ok {
			return dataError(ev)
		}
		if end.Reason == "" {
			return fmt.Errorf("%w: end event without reason", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	return nil
}

func dataError(ev models.Event) error {
	return fmt.Errorf("%w: %s event carries %T", ErrInvalidEvent, ev.Type, ev.Data)
}
