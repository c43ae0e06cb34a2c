// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"asr-stream-relay/internal/service/call"
	"asr-stream-relay/internal/service/stt/assemblyai"
	"asr-stream-relay/internal/service/stt/google"
	"asr-stream-relay/internal/service/stt/volc"
)

// STT providers.
const (
	ProviderVolc       = volc.Provider
	ProviderAssemblyAI = assemblyai.Provider
	ProviderGoogle     = google.Provider
	ProviderMock       = "mock"
)

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	STT           STTConfig
	Volc          volc.Config
	AssemblyAI    assemblyai.Config
	Google        google.Config
	Registry      call.Config
	Transcode     TranscodeConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig identifies the service and its listeners.
type ServiceConfig struct {
	Principal string
	GRPCPort  string
	HTTPPort  string
	Env       string
	Version   string
}

// STTConfig selects the recognizer backend.
type STTConfig struct {
	Provider string // volc, assemblyai, google, mock
}

// TranscodeConfig configures the ffmpeg transcoder.
type TranscodeConfig struct {
	Enabled      bool
	FFmpegPath   string
	InputFormat  string
	OutputFormat string
	SampleRate   int
	Channels     int
}

// KafkaConfig configures the event publisher.
type KafkaConfig struct {
	Enabled          bool
	Brokers          []string
	TopicTranscripts string
	TopicActions     string
	Principal        string
	PublishTimeout   time.Duration
}

// ObservabilityConfig configures logging, metrics and error reporting.
type ObservabilityConfig struct {
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	SentryDSN        string
	SentrySampleRate float64
}

// Load reads the configuration. A .env file in the working directory is loaded first
// when present; variables already set in the environment take precedence.
func Load() *Config {
	loadDotEnv(".env")

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-asr-stream-relay")
	provider := strings.ToLower(envOrDefault("STT_PROVIDER", ProviderMock))

	cfg := &Config{
		Service: ServiceConfig{
			Principal: principal,
			GRPCPort:  envOrDefault("GRPC_PORT", "50051"),
			HTTPPort:  envOrDefault("HTTP_PORT", "8080"),
			Env:       envOrDefault("ENV", "prod"),
			Version:   envOrDefault("APP_VERSION", "dev"),
		},
		STT: STTConfig{
			Provider: provider,
		},
		Volc:       loadVolc(),
		AssemblyAI: loadAssemblyAI(),
		Google:     loadGoogle(),
		Registry:   loadRegistry(provider),
		Transcode: TranscodeConfig{
			Enabled:      envOrDefaultBool("TRANSCODE_ENABLED", false),
			FFmpegPath:   envOrDefault("TRANSCODE_FFMPEG_PATH", "ffmpeg"),
			InputFormat:  envOrDefault("TRANSCODE_INPUT_FORMAT", "webm"),
			OutputFormat: envOrDefault("TRANSCODE_OUTPUT_FORMAT", "s16le"),
			SampleRate:   envOrDefaultInt("TRANSCODE_SAMPLE_RATE", 16000),
			Channels:     envOrDefaultInt("TRANSCODE_CHANNELS", 1),
		},
		Kafka: KafkaConfig{
			Enabled:          envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:          envOrDefaultList("KAFKA_BROKERS", nil),
			TopicTranscripts: envOrDefault("KAFKA_TOPIC_TRANSCRIPTS", "call.transcript"),
			TopicActions:     envOrDefault("KAFKA_TOPIC_ACTIONS", "call.action"),
			Principal:        envOrDefault("KAFKA_PRINCIPAL", principal),
			PublishTimeout:   envOrDefaultDuration("KAFKA_PUBLISH_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:         envOrDefault("LOG_LEVEL", "info"),
			LogFormat:        envOrDefault("LOG_FORMAT", "json"),
			MetricsAddr:      envOrDefault("METRICS_ADDR", ":9090"),
			SentryDSN:        envOrDefault("SENTRY_DSN", ""),
			SentrySampleRate: envOrDefaultFloat("SENTRY_TRACES_SAMPLE_RATE", 0),
		},
	}
	cfg.Registry.Transcode.InputFormat = cfg.Transcode.InputFormat
	cfg.Registry.Transcode.OutputFormat = cfg.Transcode.OutputFormat
	return cfg
}

func loadVolc() volc.Config {
	c := volc.DefaultConfig()
	c.URL = envOrDefault("VOLC_URL", c.URL)
	c.AppID = envOrDefault("VOLC_APP_ID", c.AppID)
	c.Cluster = envOrDefault("VOLC_CLUSTER", c.Cluster)
	c.Token = envOrDefault("VOLC_TOKEN", c.Token)
	c.Secret = envOrDefault("VOLC_SECRET", c.Secret)
	c.AuthMode = envOrDefault("VOLC_AUTH_MODE", c.AuthMode)
	c.UID = envOrDefault("VOLC_UID", c.UID)
	c.Workflow = envOrDefault("VOLC_WORKFLOW", c.Workflow)
	c.ResultType = envOrDefault("VOLC_RESULT_TYPE", c.ResultType)
	c.Format = envOrDefault("VOLC_FORMAT", c.Format)
	c.Rate = envOrDefaultInt("VOLC_RATE", c.Rate)
	c.Language = envOrDefault("VOLC_LANGUAGE", c.Language)
	c.Codec = envOrDefault("VOLC_CODEC", c.Codec)
	c.HandshakeTimeout = envOrDefaultDuration("VOLC_HANDSHAKE_TIMEOUT", c.HandshakeTimeout)
	return c
}

func loadAssemblyAI() assemblyai.Config {
	c := assemblyai.DefaultConfig()
	c.URL = envOrDefault("ASSEMBLYAI_URL", c.URL)
	c.APIKey = envOrDefault("ASSEMBLYAI_API_KEY", c.APIKey)
	c.SampleRate = envOrDefaultInt("ASSEMBLYAI_SAMPLE_RATE", c.SampleRate)
	c.FormatTurns = envOrDefaultBool("ASSEMBLYAI_FORMAT_TURNS", c.FormatTurns)
	return c
}

func loadGoogle() google.Config {
	c := google.DefaultConfig()
	c.LanguageCode = envOrDefault("STT_LANGUAGE_CODE", c.LanguageCode)
	c.SampleRateHz = int32(envOrDefaultInt("STT_SAMPLE_RATE_HZ", int(c.SampleRateHz)))
	c.InterimResults = envOrDefaultBool("STT_INTERIM_RESULTS", c.InterimResults)
	c.AudioEncoding = envOrDefault("STT_AUDIO_ENCODING", c.AudioEncoding)
	return c
}

// loadRegistry reads the session limits. Pacing defaults follow the selected provider.
func loadRegistry(provider string) call.Config {
	c := call.DefaultConfig()
	if provider == ProviderAssemblyAI {
		a := assemblyai.DefaultConfig()
		c.ChunkSize, c.SendInterval = a.ChunkSize, a.SendInterval
	}
	c.ChunkSize = envOrDefaultInt("PACING_CHUNK_SIZE", c.ChunkSize)
	c.SendInterval = envOrDefaultDuration("PACING_INTERVAL", c.SendInterval)
	c.ReadyTimeout = envOrDefaultDuration("ASR_READY_TIMEOUT", c.ReadyTimeout)
	c.DrainTimeout = envOrDefaultDuration("ASR_DRAIN_TIMEOUT", c.DrainTimeout)
	c.IdleTimeout = envOrDefaultDuration("SESSION_IDLE_TIMEOUT", c.IdleTimeout)
	c.SweepInterval = envOrDefaultDuration("SESSION_SWEEP_INTERVAL", c.SweepInterval)
	c.MaxFrameBytes = envOrDefaultInt("SESSION_MAX_FRAME_BYTES", c.MaxFrameBytes)
	return c
}

func loadDotEnv(path string) {
	if err := godotenv.Load(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
		}
		return
	}
	log.Info().Str("path", path).Msg("Loaded env file")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
		return def
	}
	return n
}

func envOrDefaultFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid number, using default")
		return def
	}
	return f
}

func envOrDefaultBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
		return def
	}
	return d
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
