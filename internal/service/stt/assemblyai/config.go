package assemblyai

import "time"

// Provider is the provider label used in logs and metrics.
const Provider = "assemblyai"

// Config holds the realtime session parameters.
type Config struct {
	URL         string
	APIKey      string
	SampleRate  int
	FormatTurns bool

	// Pacing applied to outbound audio for this backend.
	ChunkSize    int
	SendInterval time.Duration

	HandshakeTimeout time.Duration
}

// DefaultConfig returns the realtime defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "wss://streaming.assemblyai.com/v3/ws",
		SampleRate:       16000,
		FormatTurns:      true,
		ChunkSize:        20 * 1024,
		SendInterval:     500 * time.Millisecond,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Message types sent by the service.
const (
	typeBegin       = "Begin"
	typeTurn        = "Turn"
	typeTermination = "Termination"
)

// message is the union of the server messages we read.
type message struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`

	// Begin
	ID        string `json:"id,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`

	// Turn
	TurnOrder       int    `json:"turn_order,omitempty"`
	Transcript      string `json:"transcript,omitempty"`
	EndOfTurn       bool   `json:"end_of_turn,omitempty"`
	TurnIsFormatted bool   `json:"turn_is_formatted,omitempty"`
	Words           []word `json:"words,omitempty"`

	// Termination
	AudioDurationSeconds   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSeconds float64 `json:"session_duration_seconds,omitempty"`
}

type word struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence,omitempty"`
	WordIsFinal bool    `json:"word_is_final,omitempty"`
}

type terminate struct {
	Type string `json:"type"`
}
