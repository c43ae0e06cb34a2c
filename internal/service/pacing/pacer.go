// Package pacing slices outbound audio and releases the slices no faster than a
// configured interval.
package pacing

import (
	"context"
	"sync"
	"time"

	"asr-stream-relay/internal/observability/metrics"
)

// Pacer emits fixed-size slices with a minimum gap between emissions.
// It only tracks the time of the last emission: a slice is released immediately when
// the interval has already elapsed, otherwise the pacer waits for the remainder.
// Data is never dropped.
//
// A Pacer serves a single flow. Pace calls on the same Pacer are serialized.
type Pacer struct {
	chunkSize int
	interval  time.Duration

	mu       sync.Mutex
	lastEmit time.Time

	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures a Pacer.
type Option func(*Pacer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pacer) { p.now = now }
}

// WithMetrics records pacing delays on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pacer) { p.metrics = m }
}

// New creates a pacer. chunkSize <= 0 emits each payload as one slice;
// interval <= 0 disables throttling.
func New(chunkSize int, interval time.Duration, opts ...Option) *Pacer {
	p := &Pacer{
		chunkSize: chunkSize,
		interval:  interval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ChunkSize returns the configured slice size.
func (p *Pacer) ChunkSize() int { return p.chunkSize }

// Interval returns the configured minimum gap between emissions.
func (p *Pacer) Interval() time.Duration { return p.interval }

// Pace slices data and calls emit for each slice in order, waiting as needed so that
// consecutive emissions (including those of earlier Pace calls) are at least the
// interval apart. It returns when data is consumed, when emit fails, or when ctx ends.
func (p *Pacer) Pace(ctx context.Context, data []byte, emit func([]byte) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, part := range split(data, p.chunkSize) {
		if err := p.wait(ctx); err != nil {
			return err
		}
		if err := emit(part); err != nil {
			return err
		}
		p.lastEmit = p.now()
	}
	return nil
}

// wait blocks until the interval since the last emission has elapsed.
func (p *Pacer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.interval <= 0 || p.lastEmit.IsZero() {
		return nil
	}

	delay := p.interval - p.now().Sub(p.lastEmit)
	if delay <= 0 {
		return nil
	}
	if p.metrics != nil {
		p.metrics.RecordPacingDelay(delay.Seconds())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// split slices data into pieces of at most size bytes without copying.
func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
