// Package transcode converts inbound audio buffers into the format the ASR backend expects.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Options selects the container formats of a conversion.
type Options struct {
	InputFormat  string // e.g. webm, mp3, wav
	OutputFormat string // e.g. wav, s16le
}

// Transcoder converts one complete audio buffer.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, opts Options) ([]byte, error)
}

// ErrTranscode matches every *Error.
var ErrTranscode = errors.New("transcode failed")

// Error is a failed conversion. It only affects the buffer being converted.
type Error struct {
	Options Options
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transcode %s→%s: %v", e.Options.InputFormat, e.Options.OutputFormat, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrTranscode.
func (e *Error) Is(target error) bool { return target == ErrTranscode }

// Passthrough returns its input unchanged.
type Passthrough struct{}

// Transcode returns data as is.
func (Passthrough) Transcode(_ context.Context, data []byte, _ Options) ([]byte, error) {
	return data, nil
}

// FFmpeg converts audio by piping it through an ffmpeg process.
type FFmpeg struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" on PATH.
	Path string
	// SampleRate and Channels resample the output when set.
	SampleRate int
	Channels   int
	// ExtraArgs are appended to the output options.
	ExtraArgs []string
}

// Transcode runs one ffmpeg process reading data from stdin and writing the result to stdout.
func (f FFmpeg) Transcode(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	if opts.OutputFormat == "" {
		return nil, &Error{Options: opts, Err: errors.New("output format is required")}
	}

	path := f.Path
	if path == "" {
		path = "ffmpeg"
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, f.args(opts)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &Error{Options: opts, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Options: opts, Stderr: strings.TrimSpace(stderr.String()), Err: errors.New("empty output")}
	}
	return stdout.Bytes(), nil
}

func (f FFmpeg) args(opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if opts.InputFormat != "" {
		args = append(args, "-f", opts.InputFormat)
	}
	args = append(args, "-i", "pipe:0")
	if f.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(f.SampleRate))
	}
	if f.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(f.Channels))
	}
	args = append(args, f.ExtraArgs...)
	return append(args, "-f", opts.OutputFormat, "pipe:1")
}
