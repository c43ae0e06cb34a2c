// Package stt defines the contract shared by streaming speech recognizers.
package stt

import (
	"context"
	"errors"
	"fmt"

	"asr-stream-relay/internal/models"
)

// Recognizer is one streaming recognition session bound to a single call.
//
// Audio may only be sent after Ready is closed. Transcript deltas arrive on Deltas in
// backend order; the channel is closed exactly once when the session terminates, after
// which Err reports why (nil for a normal close).
type Recognizer interface {
	// Ready is closed once the backend has acknowledged the session.
	Ready() <-chan struct{}

	// Done is closed when the session has terminated.
	Done() <-chan struct{}

	// SendAudio forwards one audio slice to the backend.
	SendAudio(ctx context.Context, audio []byte) error

	// EndAudio signals that no more audio will follow.
	EndAudio(ctx context.Context) error

	// Deltas carries the utterance list of each backend result.
	Deltas() <-chan []models.Utterance

	// Err returns the terminal error once Done is closed.
	Err() error

	// Close ends the session and releases resources. Idempotent.
	Close() error
}

// Factory creates a recognizer for a call.
type Factory interface {
	NewRecognizer(ctx context.Context, callID string) (Recognizer, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, callID string) (Recognizer, error)

// NewRecognizer calls f.
func (f FactoryFunc) NewRecognizer(ctx context.Context, callID string) (Recognizer, error) {
	return f(ctx, callID)
}

var (
	// ErrBackend matches every *BackendError.
	ErrBackend = errors.New("asr backend error")
	// ErrTransport matches every *TransportError.
	ErrTransport = errors.New("asr transport error")
	// ErrNotReady is returned when audio is sent before the session is acknowledged.
	ErrNotReady = errors.New("recognizer not ready")
	// ErrClosed is returned when the session has already terminated.
	ErrClosed = errors.New("recognizer closed")
)

// BackendError is a non-success result reported by the ASR backend. It ends the session.
type BackendError struct {
	Code    uint32
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("asr backend error: code %d", e.Code)
	}
	return fmt.Sprintf("asr backend error: code %d: %s", e.Code, e.Message)
}

// Is reports whether target is ErrBackend.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackend
}

// TransportError wraps a failure of the underlying connection. It ends the session.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("asr transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// ErrorType returns a short label for metrics.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrBackend):
		return "backend"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
