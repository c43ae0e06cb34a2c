// Package volc implements a streaming recognizer over the binary ASR WebSocket protocol.
package volc

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/service/stt"
	"asr-stream-relay/internal/service/stt/volc/protocol"
)

const (
	deltaBuffer  = 16
	closeTimeout = time.Second
)

// Client is one recognition session. It owns a single WebSocket connection and never
// reconnects.
type Client struct {
	cfg     Config
	reqID   string
	conn    *websocket.Conn
	life    *Lifecycle
	logger  zerolog.Logger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	connectedAt time.Time

	writeMu sync.Mutex
	// seq counts frames sent on the connection; the full client request is 1.
	seq atomic.Int32

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

// Connect dials the backend, sends the full client request and starts reading results.
// It returns once the request is written; Ready is closed when the backend acknowledges it.
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		reqID:   uuid.NewString(),
		life:    NewLifecycle(),
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
	c.logger = c.logger.With().Str("reqId", c.reqID).Logger()
	c.transition(StateConnecting)

	if _, err := url.Parse(cfg.URL); err != nil {
		c.transition(StateErrored)
		return nil, fmt.Errorf("parse asr url: %w", err)
	}

	frame, err := protocol.EncodeFullRequest(cfg.request(c.reqID))
	if err != nil {
		c.transition(StateErrored)
		return nil, fmt.Errorf("encode full client request: %w", err)
	}
	header, err := authHeader(cfg, frame)
	if err != nil {
		c.transition(StateErrored)
		return nil, err
	}

	start := time.Now()
	conn, resp, err := c.dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		c.transition(StateErrored)
		if resp != nil {
			return nil, &stt.TransportError{Err: fmt.Errorf("dial %s: %w (status %d)", cfg.URL, err, resp.StatusCode)}
		}
		return nil, &stt.TransportError{Err: fmt.Errorf("dial %s: %w", cfg.URL, err)}
	}
	c.conn = conn
	c.connectedAt = time.Now()
	c.transition(StateOpen)
	if c.metrics != nil {
		c.metrics.RecordASRConnect(Provider, time.Since(start).Seconds())
	}

	if err := c.write(frame); err != nil {
		conn.Close()
		c.transition(StateErrored)
		return nil, &stt.TransportError{Err: fmt.Errorf("send full client request: %w", err)}
	}
	c.seq.Store(1)

	c.logger.Info().Str("url", cfg.URL).Str("authMode", cfg.AuthMode).Msg("ASR session opened")

	go c.readLoop()
	return c, nil
}

// RequestID returns the request id the session was opened with.
func (c *Client) RequestID() string { return c.reqID }

// Sequence returns the number of frames sent so far, starting at 1 for the full client
// request.
func (c *Client) Sequence() int32 { return c.seq.Load() }

// State returns the current connection state.
func (c *Client) State() State { return c.life.State() }

// Ready is closed once the backend answered with the session request id.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// Done is closed when the session has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Deltas carries the utterances of every decoded result. Closed on termination.
func (c *Client) Deltas() <-chan []models.Utterance { return c.deltas }

// Err returns the terminal error. Nil while running and after a normal close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SendAudio sends one audio-only frame.
func (c *Client) SendAudio(ctx context.Context, audio []byte) error {
	return c.sendAudio(ctx, audio, false)
}

// EndAudio sends the empty terminal audio frame.
func (c *Client) EndAudio(ctx context.Context) error {
	return c.sendAudio(ctx, []byte{}, true)
}

func (c *Client) sendAudio(ctx context.Context, audio []byte, last bool) error {
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
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := protocol.EncodeAudioRequest(audio, last)
	if err != nil {
		return err
	}

	if err := c.writeContext(ctx, frame); err != nil {
		c.failWrite(err)
		return &stt.TransportError{Err: err}
	}
	seq := c.seq.Add(1)
	if last {
		c.logger.Debug().Int32("sequence", seq).Msg("Terminal audio frame sent")
	}
	if c.metrics != nil {
		c.metrics.RecordASRSend(Provider, len(audio))
	}
	return nil
}

// Close sends a close frame, closes the transport and waits for the read loop to
// complete the delta stream. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if !c.life.State().IsTerminal() {
			c.transition(StateClosing)
		}
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

func (c *Client) write(frame []byte) error {
	return c.writeContext(context.Background(), frame)
}

func (c *Client) writeContext(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// failWrite records a write failure and tears the transport down so the read loop
// completes the session with it.
func (c *Client) failWrite(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(c.readError(err))
			return
		}
		if mt != websocket.BinaryMessage {
			c.logger.Debug().Int("messageType", mt).Msg("Ignoring non-binary frame")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.dropFrame(err, len(data))
			continue
		}

		var resp response
		if msg.Serialization == protocol.JSONSerialization && msg.HasBody() {
			if err := msg.Unmarshal(&resp); err != nil {
				c.dropFrame(err, len(data))
				continue
			}
		}

		if resp.ReqID != "" && resp.ReqID == c.reqID {
			c.markReady()
		}

		select {
		case c.deltas <- resp.utterances():
		case <-c.closing:
			c.finish(nil)
			return
		}

		if code, ok := resultCode(msg, resp); ok && code != SuccessCode {
			_ = c.conn.Close()
			c.finish(&stt.BackendError{Code: uint32(code), Message: resp.Message})
			return
		}
	}
}

func (c *Client) dropFrame(err error, size int) {
	c.logger.Warn().Err(err).Int("bytes", size).Msg("Dropping undecodable ASR frame")
	if c.metrics != nil {
		c.metrics.RecordDecodeError()
	}
}

func (c *Client) markReady() {
	c.readyOnce.Do(func() {
		c.transition(StateStreaming)
		close(c.ready)
		if c.metrics != nil {
			c.metrics.RecordASRReady(Provider, time.Since(c.connectedAt).Seconds())
		}
		c.logger.Debug().Msg("ASR session acknowledged")
	})
}

// readError classifies the error that ended the read loop.
func (c *Client) readError(err error) error {
	select {
	case <-c.closing:
		return nil
	default:
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.transition(StateClosing)
		return nil
	}

	c.mu.Lock()
	writeErr := c.writeErr
	c.mu.Unlock()
	if writeErr != nil {
		return &stt.TransportError{Err: writeErr}
	}
	return &stt.TransportError{Err: err}
}

// finish completes the session. Only the read loop calls it.
func (c *Client) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	if err != nil {
		c.transition(StateErrored)
		c.logger.Error().Err(err).Msg("ASR session failed")
		if c.metrics != nil {
			c.metrics.RecordASRError(Provider, stt.ErrorType(err))
		}
	} else {
		c.transition(StateClosed)
		c.logger.Info().Msg("ASR session closed")
	}

	close(c.deltas)
	close(c.done)
}

func (c *Client) transition(to State) {
	if err := c.life.Transition(to); err != nil {
		c.logger.Debug().Err(err).Msg("Ignoring state transition")
	}
}

// resultCode returns the error code of an ERROR frame, or the code of the JSON body.
func resultCode(msg *protocol.Message, resp response) (int64, bool) {
	if msg.HasCode {
		return int64(msg.Code), true
	}
	if resp.Code != nil {
		return *resp.Code, true
	}
	return 0, false
}

// utterances flattens the utterances of every result, in order.
func (r response) utterances() []models.Utterance {
	out := []models.Utterance{}
	for _, res := range r.Result {
		for _, u := range res.Utterances {
			out = append(out, models.Utterance{
				Content:   u.Text,
				StartTime: u.StartTime,
				Definite:  u.Definite,
			})
		}
	}
	return out
}
