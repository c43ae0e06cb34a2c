// Package app wires the relay's components together and runs its listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"asr-stream-relay/internal/config"
	"asr-stream-relay/internal/events"
	httpapi "asr-stream-relay/internal/http"
	"asr-stream-relay/internal/observability"
	"asr-stream-relay/internal/observability/logging"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/service/call"
	"asr-stream-relay/internal/service/stt"
	"asr-stream-relay/internal/service/stt/assemblyai"
	"asr-stream-relay/internal/service/stt/google"
	"asr-stream-relay/internal/service/stt/mock"
	"asr-stream-relay/internal/service/stt/volc"
	"asr-stream-relay/internal/service/transcode"
)

const (
	serviceName     = "asr-stream-relay"
	shutdownTimeout = 15 * time.Second
)

var publisherKey = call.InternalKey("kafka")

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	registry    *call.Registry
	publisher   *events.Publisher
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	obsServer   *observability.Server
	flushSentry func()
	ready       atomic.Bool
}

// New constructs the application from cfg. Listeners are not opened until Run.
func New(cfg *config.Config) (*Application, error) {
	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	a := &Application{
		Cfg:    cfg,
		Logger: log.With().Str("service", serviceName).Str("component", "application").Logger(),
	}

	flush, err := observability.InitSentry(observability.SentryConfig{
		DSN:         cfg.Observability.SentryDSN,
		Environment: cfg.Service.Env,
		Release:     cfg.Service.Version,
		SampleRate:  cfg.Observability.SentrySampleRate,
	})
	if err != nil {
		return nil, err
	}
	a.flushSentry = flush

	factory, err := NewRecognizerFactory(cfg)
	if err != nil {
		flush()
		return nil, err
	}

	a.publisher = events.New(&events.Config{
		Enabled:          cfg.Kafka.Enabled,
		Brokers:          cfg.Kafka.Brokers,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
		TopicActions:     cfg.Kafka.TopicActions,
		Principal:        cfg.Kafka.Principal,
		PublishTimeout:   cfg.Kafka.PublishTimeout,
	})

	a.registry = call.NewRegistry(factory, cfg.Registry,
		call.WithTranscoder(NewTranscoder(cfg.Transcode)),
		call.WithMetrics(metrics.DefaultMetrics),
		call.WithSessionHook(func(s *call.Session) {
			s.Subscribe(publisherKey, a.publisher)
		}),
	)

	a.httpServer = &http.Server{
		Addr: ":" + cfg.Service.HTTPPort,
		Handler: httpapi.NewRouter(a.registry, httpapi.Info{
			Version:       cfg.Service.Version,
			StartedAt:     time.Now().UTC(),
			Ready:         a.ready.Load,
			MaxAudioBytes: int64(cfg.Registry.MaxFrameBytes),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(observability.UnaryServerInterceptor(metrics.DefaultMetrics)),
		grpc.StreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
	)
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)
	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(a.grpcServer)

	a.obsServer = observability.NewServer(cfg.Observability.MetricsAddr, a.ready.Load)

	a.Logger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("transcode", cfg.Transcode.Enabled).
		Msg("ASR stream relay application created")
	return a, nil
}

// NewRecognizerFactory returns the recognizer factory for the configured provider.
func NewRecognizerFactory(cfg *config.Config) (stt.Factory, error) {
	m := metrics.DefaultMetrics

	switch cfg.STT.Provider {
	case config.ProviderVolc:
		if cfg.Volc.AppID == "" {
			return nil, errors.New("volc: app id is required")
		}
		return stt.FactoryFunc(func(ctx context.Context, callID string) (stt.Recognizer, error) {
			c, err := volc.Connect(ctx, cfg.Volc,
				volc.WithLogger(logging.WithProvider(callID, volc.Provider)),
				volc.WithMetrics(m))
			if err != nil {
				return nil, err
			}
			return c, nil
		}), nil

	case config.ProviderAssemblyAI:
		if cfg.AssemblyAI.APIKey == "" {
			return nil, errors.New("assemblyai: api key is required")
		}
		return stt.FactoryFunc(func(ctx context.Context, callID string) (stt.Recognizer, error) {
			c, err := assemblyai.Connect(ctx, cfg.AssemblyAI,
				assemblyai.WithLogger(logging.WithProvider(callID, assemblyai.Provider)),
				assemblyai.WithMetrics(m))
			if err != nil {
				return nil, err
			}
			return c, nil
		}), nil

	case config.ProviderGoogle:
		return stt.FactoryFunc(func(ctx context.Context, callID string) (stt.Recognizer, error) {
			a, err := google.New(ctx, cfg.Google,
				google.WithLogger(logging.WithProvider(callID, google.Provider)),
				google.WithMetrics(m))
			if err != nil {
				return nil, err
			}
			return a, nil
		}), nil

	case config.ProviderMock:
		return stt.FactoryFunc(func(context.Context, string) (stt.Recognizer, error) {
			return mock.New(), nil
		}), nil

	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STT.Provider)
	}
}

// NewTranscoder returns ffmpeg when transcoding is enabled, otherwise a passthrough.
func NewTranscoder(cfg config.TranscodeConfig) transcode.Transcoder {
	if !cfg.Enabled {
		return transcode.Passthrough{}
	}
	return transcode.FFmpeg{
		Path:       cfg.FFmpegPath,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
	}
}

// Registry returns the session registry.
func (a *Application) Registry() *call.Registry { return a.registry }

// Run serves HTTP, gRPC and metrics until ctx is canceled, then shuts down gracefully.
func (a *Application) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	a.StartupTime = time.Now().UTC()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.httpServer.Addr).Msg("Starting HTTP server")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.Logger.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(a.obsServer.ListenAndServe)
	g.Go(func() error { return a.registry.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.ready.Store(true)
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("ASR stream relay started")

	return g.Wait()
}

// shutdown stops accepting traffic, ends every session and flushes outputs.
func (a *Application) shutdown() {
	a.Logger.Info().Msg("ASR stream relay shutting down")
	a.ready.Store(false)
	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := a.registry.Close(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Registry close incomplete")
	}
	a.grpcServer.GracefulStop()
	if err := a.obsServer.Shutdown(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Observability server shutdown incomplete")
	}
	if err := a.publisher.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Publisher close failed")
	}
	a.flushSentry()
}
