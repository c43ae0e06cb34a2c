package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var configEnvVars = []string{
	"SERVICE_PRINCIPAL", "GRPC_PORT", "HTTP_PORT", "ENV", "APP_VERSION", "LOG_LEVEL",
	"STT_PROVIDER", "STT_LANGUAGE_CODE", "STT_SAMPLE_RATE_HZ", "STT_INTERIM_RESULTS",
	"STT_AUDIO_ENCODING", "VOLC_APP_ID", "VOLC_TOKEN", "VOLC_AUTH_MODE", "VOLC_RATE",
	"ASSEMBLYAI_API_KEY", "PACING_CHUNK_SIZE", "PACING_INTERVAL", "ASR_READY_TIMEOUT",
	"ASR_DRAIN_TIMEOUT", "SESSION_IDLE_TIMEOUT", "KAFKA_ENABLED", "KAFKA_BROKERS",
	"KAFKA_PRINCIPAL", "TRANSCODE_ENABLED", "TRANSCODE_INPUT_FORMAT", "SENTRY_DSN",
}

// clearEnv unsets the config variables for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvVars {
		if v, ok := os.LookupEnv(key); ok {
			os.Unsetenv(key)
			t.Cleanup(func() { os.Setenv(key, v) })
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	// Service defaults
	if cfg.Service.Principal != "svc-asr-stream-relay" {
		t.Errorf("expected default principal 'svc-asr-stream-relay', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "50051" || cfg.Service.HTTPPort != "8080" {
		t.Errorf("unexpected default ports %s, %s", cfg.Service.GRPCPort, cfg.Service.HTTPPort)
	}
	if cfg.Service.Version != "dev" {
		t.Errorf("expected default version 'dev', got %s", cfg.Service.Version)
	}

	// STT defaults
	if cfg.STT.Provider != ProviderMock {
		t.Errorf("expected default STT provider 'mock', got %s", cfg.STT.Provider)
	}
	if cfg.Google.LanguageCode != "en-US" || cfg.Google.SampleRateHz != 8000 {
		t.Errorf("unexpected google defaults %+v", cfg.Google)
	}
	if cfg.Volc.Rate != 16000 || cfg.Volc.AuthMode != "token" || cfg.Volc.Language != "zh-CN" {
		t.Errorf("unexpected volc defaults %+v", cfg.Volc)
	}

	// Registry defaults
	if cfg.Registry.ChunkSize != 3200 || cfg.Registry.SendInterval != 100*time.Millisecond {
		t.Errorf("unexpected pacing defaults %d, %v", cfg.Registry.ChunkSize, cfg.Registry.SendInterval)
	}
	if cfg.Registry.ReadyTimeout != 0 {
		t.Errorf("expected unbounded ready wait, got %v", cfg.Registry.ReadyTimeout)
	}
	if cfg.Registry.IdleTimeout != 10*time.Minute {
		t.Errorf("expected default idle timeout 10m, got %v", cfg.Registry.IdleTimeout)
	}
	if cfg.Registry.Transcode.InputFormat != "webm" || cfg.Registry.Transcode.OutputFormat != "s16le" {
		t.Errorf("unexpected transcode options %+v", cfg.Registry.Transcode)
	}

	// Kafka and observability defaults
	if cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 0 {
		t.Errorf("expected kafka disabled by default, got %+v", cfg.Kafka)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("expected default log level 'info', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SERVICE_PRINCIPAL", "custom-principal")
	t.Setenv("GRPC_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("STT_PROVIDER", "VOLC")
	t.Setenv("VOLC_APP_ID", "app-1")
	t.Setenv("VOLC_TOKEN", "tok")
	t.Setenv("VOLC_AUTH_MODE", "signature")
	t.Setenv("VOLC_RATE", "8000")
	t.Setenv("ASR_READY_TIMEOUT", "5s")
	t.Setenv("SESSION_IDLE_TIMEOUT", "0s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("APP_VERSION", "1.4.2")

	cfg := Load()

	if cfg.Service.Principal != "custom-principal" {
		t.Errorf("expected principal 'custom-principal', got %s", cfg.Service.Principal)
	}
	if cfg.Service.GRPCPort != "9999" {
		t.Errorf("expected port '9999', got %s", cfg.Service.GRPCPort)
	}
	if cfg.STT.Provider != ProviderVolc {
		t.Errorf("expected STT provider 'volc', got %s", cfg.STT.Provider)
	}
	if cfg.Volc.AppID != "app-1" || cfg.Volc.Token != "tok" || cfg.Volc.AuthMode != "signature" || cfg.Volc.Rate != 8000 {
		t.Errorf("unexpected volc config %+v", cfg.Volc)
	}
	if cfg.Registry.ReadyTimeout != 5*time.Second {
		t.Errorf("expected ready timeout 5s, got %v", cfg.Registry.ReadyTimeout)
	}
	if cfg.Registry.IdleTimeout != 0 {
		t.Errorf("expected idle sweep disabled, got %v", cfg.Registry.IdleTimeout)
	}
	if !cfg.Kafka.Enabled || !reflect.DeepEqual(cfg.Kafka.Brokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Errorf("unexpected kafka config %+v", cfg.Kafka)
	}
	if cfg.Kafka.Principal != "custom-principal" {
		t.Errorf("expected kafka principal to follow service principal, got %s", cfg.Kafka.Principal)
	}
	if cfg.Service.Version != "1.4.2" {
		t.Errorf("expected version override, got %s", cfg.Service.Version)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Observability.LogLevel)
	}
}

func TestLoad_AssemblyAIPacingDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_PROVIDER", "assemblyai")

	cfg := Load()
	if cfg.Registry.ChunkSize != 20*1024 || cfg.Registry.SendInterval != 500*time.Millisecond {
		t.Errorf("unexpected pacing %d, %v", cfg.Registry.ChunkSize, cfg.Registry.SendInterval)
	}

	t.Setenv("PACING_CHUNK_SIZE", "4096")
	t.Setenv("PACING_INTERVAL", "250ms")
	cfg = Load()
	if cfg.Registry.ChunkSize != 4096 || cfg.Registry.SendInterval != 250*time.Millisecond {
		t.Errorf("explicit pacing ignored: %d, %v", cfg.Registry.ChunkSize, cfg.Registry.SendInterval)
	}
}

func TestLoad_InvalidValues_FallbackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STT_SAMPLE_RATE_HZ", "not-a-number")
	t.Setenv("STT_INTERIM_RESULTS", "invalid")
	t.Setenv("PACING_CHUNK_SIZE", "invalid")
	t.Setenv("ASR_DRAIN_TIMEOUT", "invalid")

	cfg := Load()

	// Should fall back to defaults on parse errors
	if cfg.Google.SampleRateHz != 8000 {
		t.Errorf("expected default sample rate on invalid input, got %d", cfg.Google.SampleRateHz)
	}
	if cfg.Google.InterimResults != true {
		t.Errorf("expected default interim results on invalid input, got %v", cfg.Google.InterimResults)
	}
	if cfg.Registry.ChunkSize != 3200 {
		t.Errorf("expected default chunk size on invalid input, got %d", cfg.Registry.ChunkSize)
	}
	if cfg.Registry.DrainTimeout != 3*time.Second {
		t.Errorf("expected default drain timeout on invalid input, got %v", cfg.Registry.DrainTimeout)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	// Register restoration, then leave HTTP_PORT unset for the file to fill in.
	t.Setenv("HTTP_PORT", "")
	os.Unsetenv("HTTP_PORT")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("HTTP_PORT=7001\nAPP_VERSION=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_VERSION", "from-env")
	loadDotEnv(path)

	if got := os.Getenv("HTTP_PORT"); got != "7001" {
		t.Errorf("expected HTTP_PORT from file, got %q", got)
	}
	if got := os.Getenv("APP_VERSION"); got != "from-env" {
		t.Errorf("environment should take precedence, got %q", got)
	}

	// A missing file is not an error.
	loadDotEnv(filepath.Join(t.TempDir(), "missing.env"))
}

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      bool
		expected bool
	}{
		{"true string", "true", false, true},
		{"false string", "false", true, false},
		{"1", "1", false, true},
		{"0", "0", true, false},
		{"TRUE uppercase", "TRUE", false, true},
		{"invalid", "invalid", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_BOOL_VAR", tt.envValue)

			got := envOrDefaultBool("TEST_BOOL_VAR", tt.def)
			if got != tt.expected {
				t.Errorf("envOrDefaultBool(%s, %v) = %v, want %v", tt.envValue, tt.def, got, tt.expected)
			}
		})
	}
}

func TestEnvOrDefaultList(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected []string
	}{
		{"single", "a", []string{"a"}},
		{"trimmed", " a , b ", []string{"a", "b"}},
		{"empty items", "a,,b,", []string{"a", "b"}},
		{"empty", "", []string{"default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_LIST_VAR", tt.envValue)

			got := envOrDefaultList("TEST_LIST_VAR", []string{"default"})
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("envOrDefaultList(%q) = %v, want %v", tt.envValue, got, tt.expected)
			}
		})
	}
}
