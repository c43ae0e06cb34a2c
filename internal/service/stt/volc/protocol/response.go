package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Message is a decoded server frame.
type Message struct {
	Header

	// Body is the decoded payload: a JSON value for JSON serialization, a string for
	// other serializations and raw bytes when unserialized. Nil when the frame has no body.
	Body any
	// Raw is the decompressed body bytes.
	Raw []byte
	// PayloadSize is the size field sent by the server. Bytes past it are kept in the body.
	PayloadSize uint32

	// Sequence is set on SERVER_ACK frames.
	Sequence    int32
	HasSequence bool
	// Code is set on SERVER_ERROR frames.
	Code    uint32
	HasCode bool
}

// HasBody reports whether the frame carried a body.
func (m *Message) HasBody() bool {
	return m.Raw != nil
}

// Unmarshal decodes the raw JSON body into v.
func (m *Message) Unmarshal(v any) error {
	if m.Raw == nil {
		return fmt.Errorf("message has no body")
	}
	if m.Serialization != JSONSerialization {
		return fmt.Errorf("message body is not JSON (serialization %#x)", byte(m.Serialization))
	}
	return json.Unmarshal(m.Raw, v)
}

// Decode parses a server frame. Malformed frames return a *DecodeError.
func Decode(frame []byte) (*Message, error) {
	h, size, err := parseHeader(frame)
	if err != nil {
		return nil, err
	}
	payload := frame[size:]
	msg := &Message{Header: h}

	var body []byte
	switch h.Type {
	case FullServerResponse:
		if len(payload) < 4 {
			return nil, decodeErr("payload", fmt.Errorf("%w: missing payload size", ErrTruncated))
		}
		msg.PayloadSize = binary.BigEndian.Uint32(payload[:4])
		if body, err = bodyAfter(payload[4:], msg.PayloadSize); err != nil {
			return nil, err
		}
	case ServerAck:
		if len(payload) < 4 {
			return nil, decodeErr("payload", fmt.Errorf("%w: missing sequence", ErrTruncated))
		}
		msg.Sequence = int32(binary.BigEndian.Uint32(payload[:4]))
		msg.HasSequence = true
		if len(payload) >= 8 {
			msg.PayloadSize = binary.BigEndian.Uint32(payload[4:8])
			if body, err = bodyAfter(payload[8:], msg.PayloadSize); err != nil {
				return nil, err
			}
		}
	case ServerError:
		if len(payload) < 8 {
			return nil, decodeErr("payload", fmt.Errorf("%w: missing error code or size", ErrTruncated))
		}
		msg.Code = binary.BigEndian.Uint32(payload[:4])
		msg.HasCode = true
		msg.PayloadSize = binary.BigEndian.Uint32(payload[4:8])
		if body, err = bodyAfter(payload[8:], msg.PayloadSize); err != nil {
			return nil, err
		}
	default:
		return nil, decodeErr("header", fmt.Errorf("unexpected message type %s", h.Type))
	}

	if len(body) == 0 {
		return msg, nil
	}

	raw, err := decompress(h.Compression, body)
	if err != nil {
		return nil, err
	}
	msg.Raw = raw

	switch h.Serialization {
	case NoSerialization:
		msg.Body = raw
	case JSONSerialization:
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, decodeErr("json", err)
		}
		msg.Body = v
	default:
		msg.Body = string(raw)
	}
	return msg, nil
}

// bodyAfter returns the rest of the frame as the body. The declared size is only checked
// against what is available; a server that under-reports it does not lose bytes.
func bodyAfter(b []byte, n uint32) ([]byte, error) {
	if uint64(n) > uint64(len(b)) {
		return nil, decodeErr("payload", fmt.Errorf("%w: payload size %d, %d bytes available", ErrTruncated, n, len(b)))
	}
	return b, nil
}

func decompress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case NoCompression:
		return body, nil
	case GzipCompression:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, decodeErr("gzip", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, decodeErr("gzip", err)
		}
		return out, nil
	default:
		return nil, decodeErr("compression", fmt.Errorf("unsupported compression %#x", byte(c)))
	}
}
