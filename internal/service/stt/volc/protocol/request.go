package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EncodeRequest builds a client frame of the given kind.
// FullClientRequest payloads are JSON-serialized, AudioOnlyRequest payloads must be []byte.
// Both are gzip-compressed.
func EncodeRequest(kind MessageType, flags Flags, payload any) ([]byte, error) {
	switch kind {
	case FullClientRequest:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal full client request: %w", err)
		}
		return encodeFrame(Header{
			Version:       Version,
			Type:          FullClientRequest,
			Flags:         flags,
			Serialization: JSONSerialization,
			Compression:   GzipCompression,
		}, body)
	case AudioOnlyRequest:
		audio, ok := payload.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: audio request needs []byte, got %T", ErrUnsupportedPayload, payload)
		}
		return encodeFrame(Header{
			Version:       Version,
			Type:          AudioOnlyRequest,
			Flags:         flags,
			Serialization: NoSerialization,
			Compression:   GzipCompression,
		}, audio)
	default:
		return nil, fmt.Errorf("%w: %s is not a client request", ErrUnsupportedPayload, kind)
	}
}

// EncodeFullRequest builds the control frame that opens a recognition session.
func EncodeFullRequest(v any) ([]byte, error) {
	return EncodeRequest(FullClientRequest, NoSequence, v)
}

// EncodeAudioRequest builds an audio-only frame. last marks the terminal chunk of a call.
func EncodeAudioRequest(audio []byte, last bool) ([]byte, error) {
	flags := NoSequence
	if last {
		flags = NegSequence
	}
	return EncodeRequest(AudioOnlyRequest, flags, audio)
}

// encodeFrame compresses body as the header says and appends header, length and payload.
func encodeFrame(h Header, body []byte) ([]byte, error) {
	payload, err := compress(h.Compression, body)
	if err != nil {
		return nil, err
	}

	head, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(head)+4+len(payload))
	frame = append(frame, head...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	return frame, nil
}

func compress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return body, nil
	case GzipCompression:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip payload: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: compression %#x", ErrUnsupportedPayload, byte(c))
	}
}
