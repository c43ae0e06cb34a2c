package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Server-side encoders. The relay never sends these; fake backends in tests and local
// tooling use them to speak the same framing.

// EncodeServerResponse builds a FULL_SERVER_RESPONSE frame with a gzip'd JSON body.
func EncodeServerResponse(body any) ([]byte, error) {
	payload, err := jsonGzip(body)
	if err != nil {
		return nil, err
	}
	return serverFrame(FullServerResponse, nil, payload)
}

// EncodeServerAck builds a SERVER_ACK frame. A nil body produces the short form with
// only the sequence number.
func EncodeServerAck(seq int32, body any) ([]byte, error) {
	prefix := binary.BigEndian.AppendUint32(nil, uint32(seq))
	if body == nil {
		head, err := serverHeader(ServerAck).Marshal()
		if err != nil {
			return nil, err
		}
		return append(head, prefix...), nil
	}
	payload, err := jsonGzip(body)
	if err != nil {
		return nil, err
	}
	return serverFrame(ServerAck, prefix, payload)
}

// EncodeServerError builds a SERVER_ERROR frame with the given code.
func EncodeServerError(code uint32, body any) ([]byte, error) {
	payload, err := jsonGzip(body)
	if err != nil {
		return nil, err
	}
	return serverFrame(ServerError, binary.BigEndian.AppendUint32(nil, code), payload)
}

func serverHeader(t MessageType) Header {
	return Header{
		Version:       Version,
		Type:          t,
		Serialization: JSONSerialization,
		Compression:   GzipCompression,
	}
}

func serverFrame(t MessageType, prefix, payload []byte) ([]byte, error) {
	frame, err := serverHeader(t).Marshal()
	if err != nil {
		return nil, err
	}
	frame = append(frame, prefix...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(payload)))
	return append(frame, payload...), nil
}

func jsonGzip(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal server body: %w", err)
	}
	return compress(GzipCompression, body)
}
