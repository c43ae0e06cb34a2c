package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// wavHeaderSize is the canonical PCM header length.
const wavHeaderSize = 44

// wavFormat describes a PCM WAV header.
type wavFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// bytesPerSecond is the PCM data rate.
func (f wavFormat) bytesPerSecond() int {
	return int(f.SampleRate) * int(f.Channels) * int(f.BitsPerSample) / 8
}

// parseWAV splits a canonical WAV file into its format and PCM payload. Data that does
// not start with a RIFF header is returned unchanged with a zero format.
func parseWAV(data []byte) (wavFormat, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" {
		return wavFormat{}, data, nil
	}
	if string(data[8:12]) != "WAVE" {
		return wavFormat{}, nil, errors.New("not a valid WAV file")
	}
	if len(data) < wavHeaderSize {
		return wavFormat{}, nil, fmt.Errorf("WAV header truncated at %d bytes", len(data))
	}

	f := wavFormat{
		AudioFormat:   binary.LittleEndian.Uint16(data[20:22]),
		Channels:      binary.LittleEndian.Uint16(data[22:24]),
		SampleRate:    binary.LittleEndian.Uint32(data[24:28]),
		BitsPerSample: binary.LittleEndian.Uint16(data[34:36]),
	}
	if f.AudioFormat != 1 { // PCM
		return f, nil, fmt.Errorf("unsupported WAV audio format %d", f.AudioFormat)
	}
	return f, data[wavHeaderSize:], nil
}
