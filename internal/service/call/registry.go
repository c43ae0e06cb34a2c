package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability"
	"asr-stream-relay/internal/observability/logging"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/service/pacing"
	"asr-stream-relay/internal/service/stt"
	"asr-stream-relay/internal/service/transcode"
)

// End reasons.
const (
	ReasonFinished         = "finished"
	ReasonIdle             = "idle_timeout"
	ReasonShutdown         = "shutdown"
	ReasonRecognizerClosed = "recognizer_closed"
	ReasonRecognizerError  = "recognizer_error"
)

// Frame drop reasons.
const (
	dropUnknownSession = "unknown_session"
	dropTooLarge       = "too_large"
	dropTerminated     = "terminated"
	dropReadyTimeout   = "ready_timeout"
	dropTranscode      = "transcode"
)

var (
	// ErrUnknownSession is returned for call ids that have no session.
	ErrUnknownSession = errors.New("unknown call session")
	// ErrSessionExists is returned when creating a session with an id already in use.
	ErrSessionExists = errors.New("call session already exists")
	// ErrRegistryClosed is returned after Close.
	ErrRegistryClosed = errors.New("session registry closed")
	// ErrReadyTimeout is returned when the recognizer did not become ready in time.
	ErrReadyTimeout = errors.New("recognizer not ready in time")
	// ErrFrameTooLarge is returned for frames above the configured limit.
	ErrFrameTooLarge = errors.New("audio frame too large")
)

// Config holds registry limits and the audio path settings.
type Config struct {
	// ReadyTimeout bounds the wait for the recognizer handshake. 0 waits indefinitely.
	ReadyTimeout time.Duration
	// DrainTimeout bounds the wait for final results after the end of audio.
	DrainTimeout time.Duration
	// IdleTimeout destroys sessions without audio for this long. 0 disables the sweep.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// MaxFrameBytes rejects larger inbound frames. 0 disables the check.
	MaxFrameBytes int

	ChunkSize    int
	SendInterval time.Duration

	Transcode transcode.Options
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		DrainTimeout:  3 * time.Second,
		IdleTimeout:   10 * time.Minute,
		SweepInterval: 30 * time.Second,
		MaxFrameBytes: 1 << 20,
		ChunkSize:     3200,
		SendInterval:  100 * time.Millisecond,
	}
}

// SessionHook runs for every new session, before any audio is routed.
type SessionHook func(*Session)

// Registry maps call ids to sessions and their recognizers.
type Registry struct {
	cfg        Config
	factory    stt.Factory
	transcoder transcode.Transcoder
	hooks      []SessionHook
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is the per-call routing state.
type entry struct {
	session *Session
	logger  zerolog.Logger
	pacer   *pacing.Pacer

	// ctx is canceled when the entry is destroyed.
	ctx    context.Context
	cancel context.CancelFunc

	// mu serializes audio for the call.
	mu         sync.Mutex
	recognizer stt.Recognizer
	firstChunk []byte
	destroyed  bool
	pumpDone   chan struct{}

	chunks     atomic.Int64
	lastAudio  atomic.Int64
	terminated atomic.Bool
	reason     atomic.Pointer[string]
}

// Option configures a Registry.
type Option func(*Registry)

// WithTranscoder sets the transcoder applied before pacing. Defaults to Passthrough.
func WithTranscoder(t transcode.Transcoder) Option {
	return func(r *Registry) { r.transcoder = t }
}

// WithSessionHook adds a hook run for every new session.
func WithSessionHook(h SessionHook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// WithMetrics records metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the time source used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry that builds recognizers with factory.
func NewRegistry(factory stt.Factory, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:        cfg,
		factory:    factory,
		transcoder: transcode.Passthrough{},
		logger:     logging.WithComponent("registry"),
		metrics:    metrics.DefaultMetrics,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession creates a session with a generated call id.
func (r *Registry) CreateSession() (*Session, error) {
	return r.Create(uuid.NewString())
}

// Create creates the session for callID.
func (r *Registry) Create(callID string) (*Session, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: empty call id", ErrUnknownSession)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		session: NewSession(callID, WithSessionMetrics(r.metrics)),
		logger:  logging.WithCall(callID),
		pacer: pacing.New(r.cfg.ChunkSize, r.cfg.SendInterval,
			pacing.WithMetrics(r.metrics)),
		ctx:    ctx,
		cancel: cancel,
	}
	e.lastAudio.Store(r.now().UnixNano())

	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		cancel()
		return nil, ErrRegistryClosed
	case r.entries[callID] != nil:
		r.mu.Unlock()
		cancel()
		return nil, ErrSessionExists
	}
	r.entries[callID] = e
	r.mu.Unlock()

	for _, hook := range r.hooks {
		hook(e.session)
	}
	if r.metrics != nil {
		r.metrics.RecordSessionStart()
	}
	e.logger.Info().Msg("Session created")
	return e.session, nil
}

func (r *Registry) lookup(callID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[callID]
}

// Session returns the session for callID.
func (r *Registry) Session(callID string) (*Session, bool) {
	e := r.lookup(callID)
	if e == nil {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ChunkCount returns how many merged frames were forwarded for callID.
func (r *Registry) ChunkCount(callID string) (int64, bool) {
	e := r.lookup(callID)
	if e == nil {
		return 0, false
	}
	return e.chunks.Load(), true
}

// Subscribe attaches sink to the session for callID.
func (r *Registry) Subscribe(key, callID string, sink Sink) (*Subscription, bool) {
	e := r.lookup(callID)
	if e == nil {
		return nil, false
	}
	return e.session.Subscribe(key, sink), true
}

// AddSystemAction appends annotations to the session for callID.
func (r *Registry) AddSystemAction(callID string, actions ...models.Action) error {
	e := r.lookup(callID)
	if e == nil {
		return ErrUnknownSession
	}
	e.session.AddSystemAction(actions...)
	return nil
}

// SetSummarizing marks the session for callID as awaiting a summary annotation.
func (r *Registry) SetSummarizing(callID string, on bool) error {
	e := r.lookup(callID)
	if e == nil {
		return ErrUnknownSession
	}
	e.session.SetSummarizing(on)
	return nil
}

// RouteAudio forwards one inbound audio buffer for callID.
//
// The first buffer of a call starts the recognizer and is only cached; nothing is sent.
// Every later buffer waits for the recognizer to be ready, is prefixed with the cached
// first buffer, transcoded and paced into the recognizer. Buffers for unknown calls and
// for calls whose recognizer has terminated are ignored.
func (r *Registry) RouteAudio(ctx context.Context, callID string, buf []byte) error {
	e := r.lookup(callID)
	if e == nil {
		r.logger.Debug().Str("callId", callID).Int("bytes", len(buf)).Msg("Audio for unknown session ignored")
		r.recordDrop(dropUnknownSession)
		return nil
	}
	if len(buf) == 0 {
		return nil
	}
	if r.cfg.MaxFrameBytes > 0 && len(buf) > r.cfg.MaxFrameBytes {
		r.recordDrop(dropTooLarge)
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	if r.metrics != nil {
		r.metrics.RecordAudioReceived(len(buf))
	}
	e.lastAudio.Store(r.now().UnixNano())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil
	}
	if e.terminated.Load() {
		e.logger.Debug().Int("bytes", len(buf)).Msg("Audio after recognizer termination ignored")
		r.recordDrop(dropTerminated)
		return nil
	}

	if e.recognizer == nil {
		return r.start(ctx, e, buf)
	}

	rec := e.recognizer
	if err := r.awaitReady(ctx, e, rec); err != nil {
		return err
	}
	if e.terminated.Load() || e.ctx.Err() != nil {
		r.recordDrop(dropTerminated)
		return nil
	}

	merged := make([]byte, 0, len(e.firstChunk)+len(buf))
	merged = append(merged, e.firstChunk...)
	merged = append(merged, buf...)
	n := e.chunks.Add(1)
	e.logger.Debug().Int64("chunk", n).Int("bytes", len(merged)).Msg("Forwarding audio")

	audio, err := r.transcode(ctx, merged)
	if err != nil {
		e.logger.Warn().Err(err).Int64("chunk", n).Msg("Dropping untranscodable frame")
		r.recordDrop(dropTranscode)
		return err
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	err = e.pacer.Pace(pctx, audio, func(slice []byte) error {
		return rec.SendAudio(pctx, slice)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, stt.ErrClosed), e.ctx.Err() != nil:
		return nil
	case errors.Is(err, stt.ErrTransport):
		// The pump reports the session failure.
		return nil
	default:
		return err
	}
}

// start builds the recognizer and caches the first buffer. Callers hold e.mu.
func (r *Registry) start(ctx context.Context, e *entry, buf []byte) error {
	rec, err := r.factory.NewRecognizer(ctx, e.session.CallID())
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to start recognizer")
		observability.ReportError(err, map[string]string{"callId": e.session.CallID()})
		return fmt.Errorf("start recognizer: %w", err)
	}

	e.recognizer = rec
	e.firstChunk = append([]byte(nil), buf...)
	e.pumpDone = make(chan struct{})
	go r.pump(e, rec)

	e.logger.Info().Int("firstChunkBytes", len(buf)).Msg("Recognizer started")
	return nil
}

func (r *Registry) awaitReady(ctx context.Context, e *entry, rec stt.Recognizer) error {
	select {
	case <-rec.Ready():
		return nil
	default:
	}

	var timeout <-chan time.Time
	if r.cfg.ReadyTimeout > 0 {
		timer := time.NewTimer(r.cfg.ReadyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-rec.Ready():
		return nil
	case <-rec.Done():
		return nil
	case <-e.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		r.recordDrop(dropReadyTimeout)
		return ErrReadyTimeout
	}
}

func (r *Registry) transcode(ctx context.Context, data []byte) ([]byte, error) {
	if r.transcoder == nil {
		return data, nil
	}
	start := time.Now()
	out, err := r.transcoder.Transcode(ctx, data, r.cfg.Transcode)
	if r.metrics != nil {
		r.metrics.RecordTranscode(err, time.Since(start).Seconds())
	}
	return out, err
}

// pump feeds recognizer deltas into the session until the delta stream completes.
func (r *Registry) pump(e *entry, rec stt.Recognizer) {
	defer close(e.pumpDone)

	for delta := range rec.Deltas() {
		e.session.UpdateMessage(delta)
	}
	e.terminated.Store(true)

	err := rec.Err()
	reason := ReasonRecognizerClosed
	if p := e.reason.Load(); p != nil {
		reason = *p
	}
	if err != nil {
		reason = ReasonRecognizerError
		e.logger.Error().Err(err).Str("errorType", stt.ErrorType(err)).Msg("Recognizer failed")
		observability.ReportError(err, map[string]string{
			"callId":    e.session.CallID(),
			"errorType": stt.ErrorType(err),
		})
	}
	e.session.End(reason, err)
}

// Destroy ends the session for callID: the recognizer is asked to flush, given up to
// the drain timeout to deliver final results and then closed.
func (r *Registry) Destroy(ctx context.Context, callID, reason string) error {
	r.mu.Lock()
	e := r.entries[callID]
	delete(r.entries, callID)
	r.mu.Unlock()

	if e == nil {
		return ErrUnknownSession
	}
	r.destroy(ctx, e, reason)
	return nil
}

func (r *Registry) destroy(ctx context.Context, e *entry, reason string) {
	e.reason.Store(&reason)
	e.cancel()

	e.mu.Lock()
	e.destroyed = true
	rec := e.recognizer
	e.mu.Unlock()

	if rec != nil {
		if !e.terminated.Load() {
			r.drain(ctx, e, rec)
		}
		if err := rec.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Error closing recognizer")
		}
		<-e.pumpDone
	}
	e.session.End(reason, nil)

	elapsed := time.Since(e.session.CreatedAt())
	if r.metrics != nil {
		r.metrics.RecordSessionEnd(reason, elapsed.Seconds())
	}
	e.logger.Info().
		Str("reason", reason).
		Int64("chunks", e.chunks.Load()).
		Dur("duration", elapsed).
		Msg("Session destroyed")
}

// drain ends the audio and waits for the delta stream to complete.
func (r *Registry) drain(ctx context.Context, e *entry, rec stt.Recognizer) {
	if r.cfg.DrainTimeout <= 0 {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, r.cfg.DrainTimeout)
	defer cancel()

	if err := rec.EndAudio(dctx); err != nil {
		e.logger.Debug().Err(err).Msg("End of audio not sent")
		return
	}
	select {
	case <-e.pumpDone:
	case <-dctx.Done():
		e.logger.Warn().Dur("timeout", r.cfg.DrainTimeout).Msg("Final results not received in time")
	}
}

// Run destroys idle sessions until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = r.cfg.IdleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.SweepIdle(ctx)
		}
	}
}

// SweepIdle destroys sessions that received no audio within the idle timeout.
// It returns the number of destroyed sessions.
func (r *Registry) SweepIdle(ctx context.Context) int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.cfg.IdleTimeout).UnixNano()

	r.mu.Lock()
	var idle []*entry
	for id, e := range r.entries {
		if e.lastAudio.Load() < cutoff {
			idle = append(idle, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, e := range idle {
		r.destroy(ctx, e, ReasonIdle)
	}
	if len(idle) > 0 {
		r.logger.Info().Int("count", len(idle)).Msg("Idle sessions destroyed")
	}
	return len(idle)
}

// Close destroys every session and rejects new ones.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			r.destroy(gctx, e, ReasonShutdown)
			return nil
		})
	}
	err := g.Wait()
	r.logger.Info().Int("sessions", len(entries)).Msg("Registry closed")
	return err
}

func (r *Registry) recordDrop(reason string) {
	if r.metrics != nil {
		r.metrics.RecordFrameDropped(reason)
	}
}
