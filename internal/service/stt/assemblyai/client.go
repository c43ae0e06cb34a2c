// Package assemblyai implements a recognizer backed by the AssemblyAI v3 realtime API.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/service/stt"
)

const (
	deltaBuffer  = 16
	closeTimeout = time.Second
)

// Client is one realtime transcription session.
type Client struct {
	cfg     Config
	conn    *websocket.Conn
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	sessionID   string
	connectedAt time.Time

	// turns holds the latest utterance of every turn, by turn order. Read loop only.
	turns []models.Utterance

	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	deltas    chan []models.Utterance

	closing   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	writeErr error
}

// Ensure Client implements stt.Recognizer.
var _ stt.Recognizer = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records connection metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Connect opens a realtime session. Ready is closed when the Begin message arrives.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("assemblyai: api key is required")
	}

	c := &Client{
		cfg:     cfg,
		logger:  log.With().Str("asrProvider", Provider).Logger(),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		deltas:  make(chan []models.Utterance, deltaBuffer),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	endpoint, err := sessionURL(cfg)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", cfg.APIKey)

	start := time.Now()
	conn, _, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, &stt.TransportError{Err: fmt.Errorf("dial assemblyai: %w", err)}
	}
	c.conn = conn
	c.connectedAt = time.Now()
	if c.metrics != nil {
		c.metrics.RecordASRConnect(Provider, time.Since(start).Seconds())
	}

	go c.readLoop()
	return c, nil
}

func sessionURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse assemblyai url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SessionID returns the id announced in the Begin message.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Ready is closed once the session has begun.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the session has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Deltas carries the utterances of all turns after every non-empty turn update.
func (c *Client) Deltas() <-chan []models.Utterance { return c.deltas }

// Err returns the terminal error.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendAudio writes raw PCM as a binary message.
func (c *Client) SendAudio(ctx context.Context, audio []byte) error {
	if err := c.checkSendable(ctx); err != nil {
		return err
	}
	if err := c.writeMessage(ctx, websocket.BinaryMessage, audio); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordASRSend(Provider, len(audio))
	}
	return nil
}

// EndAudio asks the service to flush and terminate the session.
func (c *Client) EndAudio(ctx context.Context) error {
	if err := c.checkSendable(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(terminate{Type: "Terminate"})
	if err != nil {
		return err
	}
	return c.writeMessage(ctx, websocket.TextMessage, body)
}

func (c *Client) checkSendable(ctx context.Context) error {
	select {
	case <-c.done:
		return stt.ErrClosed
	default:
	}
	select {
	case <-c.ready:
	default:
		return stt.ErrNotReady
	}
	return ctx.Err()
}

func (c *Client) writeMessage(ctx context.Context, mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	err := c.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = c.conn.WriteMessage(mt, data)
	}
	if err != nil {
		c.failWrite(err)
		return &stt.TransportError{Err: err}
	}
	return nil
}

func (c *Client) failWrite(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

// Close closes the transport and waits for the delta stream to complete. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(c.readError(err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping undecodable message")
			if c.metrics != nil {
				c.metrics.RecordDecodeError()
			}
			continue
		}

		if msg.Error != "" {
			_ = c.conn.Close()
			c.finish(&stt.BackendError{Message: msg.Error})
			return
		}

		switch msg.Type {
		case typeBegin:
			c.begin(msg.ID)
		case typeTurn:
			if msg.Transcript == "" {
				continue
			}
			select {
			case c.deltas <- c.applyTurn(msg):
			case <-c.closing:
				c.finish(nil)
				return
			}
		case typeTermination:
			c.logger.Info().
				Float64("audioSeconds", msg.AudioDurationSeconds).
				Float64("sessionSeconds", msg.SessionDurationSeconds).
				Msg("Realtime session terminated")
			_ = c.conn.Close()
			c.finish(nil)
			return
		default:
			c.logger.Debug().Str("type", msg.Type).Msg("Ignoring message")
		}
	}
}

func (c *Client) begin(id string) {
	c.readyOnce.Do(func() {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
		close(c.ready)
		if c.metrics != nil {
			c.metrics.RecordASRReady(Provider, time.Since(c.connectedAt).Seconds())
		}
		c.logger.Info().Str("sessionId", id).Msg("Realtime session opened")
	})
}

// applyTurn records the turn and returns the utterances of all turns so far.
func (c *Client) applyTurn(msg message) []models.Utterance {
	u := turnUtterance(msg)
	order := max(msg.TurnOrder, 0)
	switch {
	case order < len(c.turns):
		c.turns[order] = u
	default:
		for len(c.turns) < order {
			c.turns = append(c.turns, models.Utterance{})
		}
		c.turns = append(c.turns, u)
	}

	out := make([]models.Utterance, 0, len(c.turns))
	for _, t := range c.turns {
		if t.Content != "" {
			out = append(out, t)
		}
	}
	return out
}

// turnUtterance maps a turn to an utterance starting at its first word.
func turnUtterance(msg message) models.Utterance {
	u := models.Utterance{
		Content:  msg.Transcript,
		Definite: msg.EndOfTurn,
	}
	if len(msg.Words) > 0 {
		u.StartTime = int64(msg.Words[0].Start)
	}
	return u
}

func (c *Client) readError(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}

	c.mu.Lock()
	writeErr := c.writeErr
	c.mu.Unlock()
	if writeErr != nil {
		return &stt.TransportError{Err: writeErr}
	}

	// Application close codes carry the service's rejection reason.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 3000 {
		return &stt.BackendError{Code: uint32(ce.Code), Message: ce.Text}
	}
	return &stt.TransportError{Err: err}
}

// finish completes the session. Only the read loop calls it.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Realtime session failed")
		if c.metrics != nil {
			c.metrics.RecordASRError(Provider, stt.ErrorType(err))
		}
	}
	close(c.deltas)
	close(c.done)
}
