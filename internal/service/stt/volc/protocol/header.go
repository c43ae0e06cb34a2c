// Package protocol implements the binary framing of the streaming ASR WebSocket protocol.
//
// Every frame is a 4-byte header (plus optional extension words), a 4-byte big-endian
// payload length and the payload. Header fields are packed two per byte, high nibble first:
//
//	byte0 = version<<4 | headerSizeWords
//	byte1 = messageType<<4 | flags
//	byte2 = serialization<<4 | compression
//	byte3 = reserved
//
// The package does no I/O and keeps no state.
package protocol

import "fmt"

// Version is the protocol version written by this client.
const Version byte = 0b0001

// MessageType identifies the kind of frame.
type MessageType byte

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ServerAck          MessageType = 0b1011
	ServerError        MessageType = 0b1111
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "FULL_CLIENT_REQUEST"
	case AudioOnlyRequest:
		return "AUDIO_ONLY_REQUEST"
	case FullServerResponse:
		return "FULL_SERVER_RESPONSE"
	case ServerAck:
		return "SERVER_ACK"
	case ServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0b%04b)", byte(t))
	}
}

// Flags are the message-type specific flags. For audio they carry sequence semantics.
type Flags byte

const (
	NoSequence   Flags = 0b0000
	PosSequence  Flags = 0b0001
	NegSequence  Flags = 0b0010 // last audio chunk of a call
	NegSequence1 Flags = 0b0011
)

// Serialization is the payload serialization method.
type Serialization byte

const (
	NoSerialization     Serialization = 0b0000
	JSONSerialization   Serialization = 0b0001
	ThriftSerialization Serialization = 0b0011
	CustomSerialization Serialization = 0b1111
)

// Compression is the payload compression method.
type Compression byte

const (
	NoCompression     Compression = 0b0000
	GzipCompression   Compression = 0b0001
	CustomCompression Compression = 0b1111
)

// Header is the fixed frame header plus optional extension bytes.
type Header struct {
	Version       byte
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Reserved      byte
	Extension     []byte
}

// MaxExtension is the largest header extension in bytes: the size nibble counts at most
// 15 words including the fixed 4-byte header.
const MaxExtension = 14 * 4

// Size returns the header size in 4-byte words.
func (h Header) Size() byte {
	return byte(len(h.Extension)/4 + 1)
}

// Marshal packs the header into its wire form. The extension must be a multiple of
// 4 bytes and at most MaxExtension bytes long.
func (h Header) Marshal() ([]byte, error) {
	if n := len(h.Extension); n%4 != 0 || n > MaxExtension {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidExtension, n)
	}
	b := make([]byte, 4+len(h.Extension))
	b[0] = (h.Version&0x0f)<<4 | h.Size()
	b[1] = byte(h.Type&0x0f)<<4 | byte(h.Flags&0x0f)
	b[2] = byte(h.Serialization&0x0f)<<4 | byte(h.Compression&0x0f)
	b[3] = h.Reserved
	copy(b[4:], h.Extension)
	return b, nil
}

// parseHeader reads the header fields and returns the header size in bytes.
func parseHeader(frame []byte) (Header, int, error) {
	if len(frame) < 4 {
		return Header{}, 0, decodeErr("header", ErrTruncated)
	}

	words := int(frame[0] & 0x0f)
	if words == 0 {
		return Header{}, 0, decodeErr("header", fmt.Errorf("header size is zero"))
	}
	size := words * 4
	if size > len(frame) {
		return Header{}, 0, decodeErr("header", fmt.Errorf("%w: header declares %d bytes, frame has %d", ErrTruncated, size, len(frame)))
	}

	h := Header{
		Version:       frame[0] >> 4,
		Type:          MessageType(frame[1] >> 4),
		Flags:         Flags(frame[1] & 0x0f),
		Serialization: Serialization(frame[2] >> 4),
		Compression:   Compression(frame[2] & 0x0f),
		Reserved:      frame[3],
	}
	if size > 4 {
		h.Extension = append([]byte(nil), frame[4:size]...)
	}
	return h, size, nil
}
