// Package mock provides a recognizer for running without a speech backend.
// It simulates progressive transcripts: each audio slice advances the current utterance by
// one provisional update until the utterance is committed as definite.
package mock

import (
	"context"
	"sync"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/service/stt"
)

// Provider is the provider label used in logs and metrics.
const Provider = "mock"

// utteranceGapMs spaces simulated utterance start times.
const utteranceGapMs = 2000

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials []string // Progressive provisional transcripts
	Final    string   // Committed transcript text
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"I want", "I want to", "I want to cancel"},
		Final:    "I want to cancel my subscription",
	},
	{
		Partials: []string{"Yes", "Yes please"},
		Final:    "Yes please go ahead",
	},
	{
		Partials: []string{"Can you", "Can you help", "Can you help me with"},
		Final:    "Can you help me with my account",
	},
	{
		Partials: []string{"I've been", "I've been waiting", "I've been waiting for"},
		Final:    "I've been waiting for over an hour",
	},
	{
		Partials: []string{"Thank you"},
		Final:    "Thank you very much",
	},
}

// Adapter implements stt.Recognizer with scripted responses.
type Adapter struct {
	script []SimulatedUtterance

	mu           sync.Mutex
	committed    []models.Utterance
	current      int // index into script
	partialIndex int // next partial of the current utterance
	audioFrames  int
	closed       bool

	ready     chan struct{}
	done      chan struct{}
	deltas    chan []models.Utterance
	closing   chan struct{}
	closeOnce sync.Once
}

// Ensure Adapter implements stt.Recognizer.
var _ stt.Recognizer = (*Adapter)(nil)

// New creates a ready mock recognizer. An empty script uses DefaultUtterances.
func New(script ...SimulatedUtterance) *Adapter {
	if len(script) == 0 {
		script = DefaultUtterances
	}
	a := &Adapter{
		script:  script,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		deltas:  make(chan []models.Utterance, 64),
		closing: make(chan struct{}),
	}
	close(a.ready)
	return a
}

// Ready is closed immediately.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Done is closed once the recognizer has been closed or ended.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Deltas carries committed utterances followed by the provisional one, if any.
func (a *Adapter) Deltas() <-chan []models.Utterance { return a.deltas }

// Err always returns nil.
func (a *Adapter) Err() error { return nil }

// AudioFrames returns the number of audio slices received.
func (a *Adapter) AudioFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioFrames
}

// SendAudio advances the simulation by one step.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return stt.ErrClosed
	}
	a.audioFrames++

	utt := a.script[a.current%len(a.script)]
	if a.partialIndex < len(utt.Partials) {
		text := utt.Partials[a.partialIndex]
		a.partialIndex++
		return a.emit(ctx, &models.Utterance{Content: text, StartTime: a.startTime()})
	}
	a.commit()
	return a.emit(ctx, nil)
}

// EndAudio commits any utterance in progress and completes the stream.
func (a *Adapter) EndAudio(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return stt.ErrClosed
	}
	var err error
	if a.partialIndex > 0 {
		a.commit()
		err = a.emit(ctx, nil)
	}
	a.mu.Unlock()

	a.Close()
	return err
}

// Close completes the stream. Idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		a.mu.Lock()
		a.closed = true
		close(a.deltas)
		close(a.done)
		a.mu.Unlock()
	})
	return nil
}

func (a *Adapter) startTime() int64 {
	return int64(a.current) * utteranceGapMs
}

// commit records the current utterance as definite and moves to the next one.
// Callers hold a.mu.
func (a *Adapter) commit() {
	utt := a.script[a.current%len(a.script)]
	a.committed = append(a.committed, models.Utterance{
		Content:   utt.Final,
		StartTime: a.startTime(),
		Definite:  true,
	})
	a.current++
	a.partialIndex = 0
}

// emit publishes committed utterances plus the optional provisional one.
// Callers hold a.mu.
func (a *Adapter) emit(ctx context.Context, provisional *models.Utterance) error {
	out := make([]models.Utterance, 0, len(a.committed)+1)
	out = append(out, a.committed...)
	if provisional != nil {
		out = append(out, *provisional)
	}

	select {
	case a.deltas <- out:
		return nil
	case <-a.closing:
		return stt.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
