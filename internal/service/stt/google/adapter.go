// Package google provides a Google Cloud Speech-to-Text recognizer.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/service/stt"
)

// Provider is the provider label used in logs and metrics.
const Provider = "google"

const deltaBuffer = 16

// Config holds Google Speech-to-Text configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string // LINEAR16, MULAW, FLAC, ...
}

// DefaultConfig returns the default recognition configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the API enum, defaulting to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognizeStream is the subset of the gRPC streaming client the adapter uses.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Adapter implements stt.Recognizer on a StreamingRecognize call.
type Adapter struct {
	cfg     Config
	client  *speech.Client
	stream  recognizeStream
	cancel  context.CancelFunc
	logger  zerolog.Logger
	metrics *metrics.Metrics

	sendMu sync.Mutex

	ready  chan struct{}
	done   chan struct{}
	deltas chan []models.Utterance

	closing   chan struct{}
	closeOnce sync.Once

	// finals accumulates final results. Listen goroutine only.
	finals []models.Utterance

	mu  sync.Mutex
	err error
}

// Ensure Adapter implements stt.Recognizer.
var _ stt.Recognizer = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithMetrics records metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// New opens a streaming recognition session.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config, opts ...Option) (*Adapter, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}

	// The stream outlives the caller's request.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		client.Close()
		return nil, &stt.TransportError{Err: err}
	}

	a, err := start(stream, cancel, cfg, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.client = client
	return a, nil
}

// start sends the streaming config and begins receiving results.
func start(stream recognizeStream, cancel context.CancelFunc, cfg Config, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		cfg:     cfg,
		stream:  stream,
		cancel:  cancel,
		logger:  log.With().Str("asrProvider", Provider).Logger(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		deltas:  make(chan []models.Utterance, deltaBuffer),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	// Send streaming config as the first message
	err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:              parseAudioEncoding(cfg.AudioEncoding),
					SampleRateHertz:       cfg.SampleRateHz,
					LanguageCode:          cfg.LanguageCode,
					EnableWordTimeOffsets: true,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, &stt.TransportError{Err: fmt.Errorf("send streaming config: %w", err)}
	}

	close(a.ready)
	go a.listen()
	return a, nil
}

// Ready is closed once the streaming config was sent.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Done is closed when the stream has terminated.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Deltas carries all final results so far followed by the current interim results.
func (a *Adapter) Deltas() <-chan []models.Utterance { return a.deltas }

// Err returns the terminal error.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	select {
	case <-a.done:
		return stt.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	err := a.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if err != nil {
		return &stt.TransportError{Err: err}
	}
	if a.metrics != nil {
		a.metrics.RecordASRSend(Provider, len(audio))
	}
	return nil
}

// EndAudio half-closes the stream so the service flushes its final results.
func (a *Adapter) EndAudio(ctx context.Context) error {
	select {
	case <-a.done:
		return stt.ErrClosed
	default:
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.stream.CloseSend()
}

// Close cancels the stream and waits for the listener to finish. Idempotent.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		close(a.closing)
		a.sendMu.Lock()
		_ = a.stream.CloseSend()
		a.sendMu.Unlock()
		a.cancel()
		<-a.done
		if a.client != nil {
			_ = a.client.Close()
		}
	})
	<-a.done
	return nil
}

func (a *Adapter) listen() {
	for {
		resp, err := a.stream.Recv()
		if err != nil {
			a.finish(a.recvError(err))
			return
		}
		if e := resp.GetError(); e != nil {
			a.finish(&stt.BackendError{Code: uint32(e.GetCode()), Message: e.GetMessage()})
			a.cancel()
			return
		}
		if len(resp.GetResults()) == 0 {
			continue
		}

		select {
		case a.deltas <- a.apply(resp):
		case <-a.closing:
			a.finish(nil)
			return
		}
	}
}

// apply folds final results into the accumulated transcript and returns it together
// with the interim results of this response.
func (a *Adapter) apply(resp *speechpb.StreamingRecognizeResponse) []models.Utterance {
	var interim []models.Utterance
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		u := models.Utterance{
			Content:   alt.GetTranscript(),
			StartTime: r.GetResultEndTime().AsDuration().Milliseconds(),
			Definite:  r.GetIsFinal(),
		}
		if words := alt.GetWords(); len(words) > 0 {
			u.StartTime = words[0].GetStartTime().AsDuration().Milliseconds()
		}
		if u.Definite {
			a.finals = append(a.finals, u)
		} else {
			interim = append(interim, u)
		}
	}

	out := make([]models.Utterance, 0, len(a.finals)+len(interim))
	out = append(out, a.finals...)
	return append(out, interim...)
}

func (a *Adapter) recvError(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	select {
	case <-a.closing:
		return nil
	default:
	}

	s, ok := status.FromError(err)
	if !ok || s.Code() == codes.Unavailable || s.Code() == codes.Canceled {
		return &stt.TransportError{Err: err}
	}
	return &stt.BackendError{Code: uint32(s.Code()), Message: s.Message()}
}

func (a *Adapter) finish(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()

	if err != nil {
		a.logger.Error().Err(err).Msg("Streaming recognition failed")
		if a.metrics != nil {
			a.metrics.RecordASRError(Provider, stt.ErrorType(err))
		}
	}
	close(a.deltas)
	close(a.done)
}
