package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDecode matches every error returned by Decode.
	ErrProtocolDecode = errors.New("protocol decode error")
	// ErrTruncated reports a frame shorter than its declared layout.
	ErrTruncated = errors.New("truncated frame")
	// ErrUnsupportedPayload reports an encode request with a payload of the wrong type.
	ErrUnsupportedPayload = errors.New("unsupported payload")
	// ErrInvalidExtension reports a header extension the size nibble cannot describe.
	ErrInvalidExtension = errors.New("invalid header extension")
)

// DecodeError describes a malformed or truncated frame.
type DecodeError struct {
	Stage string
	Err   error
}

func decodeErr(stage string, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol decode (%s): %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes every DecodeError match ErrProtocolDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrProtocolDecode
}
