package volc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/service/stt"
	"asr-stream-relay/internal/service/stt/volc/protocol"
)

const waitTimeout = 2 * time.Second

// backendConn is the server side of a fake ASR backend connection.
type backendConn struct {
	t      *testing.T
	conn   *websocket.Conn
	header http.Header
	reqID  string
	// first is the raw full client request frame.
	first []byte
}

// readClientFrame reads one client frame and decodes it by re-typing it as a server
// response, which shares the same size-prefixed layout.
func (b *backendConn) readClientFrame() (*protocol.Message, error) {
	_, data, err := b.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return decodeClientFrame(data)
}

func decodeClientFrame(data []byte) (*protocol.Message, error) {
	frame := append([]byte(nil), data...)
	frame[1] = byte(protocol.FullServerResponse)<<4 | frame[1]&0x0f
	return protocol.Decode(frame)
}

func (b *backendConn) send(v any) {
	frame, err := protocol.EncodeServerResponse(v)
	if err != nil {
		b.t.Errorf("encode response: %v", err)
		return
	}
	if err := b.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		b.t.Errorf("write response: %v", err)
	}
}

func (b *backendConn) ack(result ...map[string]any) {
	if result == nil {
		result = []map[string]any{}
	}
	b.send(map[string]any{
		"reqid":    b.reqID,
		"code":     SuccessCode,
		"message":  "Success",
		"sequence": 1,
		"result":   result,
	})
}

// drain reads until the client goes away.
func (b *backendConn) drain() {
	for {
		if _, _, err := b.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// newBackend starts a fake ASR backend. handle runs after the full client request was read.
func newBackend(t *testing.T, handle func(b *backendConn)) (*httptest.Server, Config) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		b := &backendConn{t: t, conn: conn, header: r.Header.Clone()}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read full request: %v", err)
			return
		}
		b.first = data

		msg, err := decodeClientFrame(data)
		if err != nil {
			t.Errorf("decode full request: %v", err)
			return
		}
		var req fullRequest
		if err := msg.Unmarshal(&req); err != nil {
			t.Errorf("unmarshal full request: %v", err)
			return
		}
		b.reqID = req.Request.ReqID

		handle(b)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/asr"
	cfg.AppID = "app"
	cfg.Cluster = "cluster"
	cfg.Token = "tok"
	return srv, cfg
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func nextDelta(t *testing.T, c *Client) ([]models.Utterance, bool) {
	t.Helper()
	select {
	case d, ok := <-c.Deltas():
		return d, ok
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delta")
		return nil, false
	}
}

func connect(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_FullRequestAndReady(t *testing.T) {
	requests := make(chan fullRequest, 1)
	headers := make(chan http.Header, 1)

	_, cfg := newBackend(t, func(b *backendConn) {
		msg, _ := decodeClientFrame(b.first)
		var req fullRequest
		_ = msg.Unmarshal(&req)
		requests <- req
		headers <- b.header

		b.ack(map[string]any{
			"text": "hello",
			"utterances": []map[string]any{
				{"text": "hello", "start_time": 120, "end_time": 800, "definite": true},
			},
		})
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "ready")

	if c.State() != StateStreaming {
		t.Errorf("expected STREAMING, got %s", c.State())
	}

	req := <-requests
	if req.Request.ReqID != c.RequestID() {
		t.Errorf("request id mismatch: %q vs %q", req.Request.ReqID, c.RequestID())
	}
	if req.App.AppID != "app" || req.App.Cluster != "cluster" || req.App.Token != "tok" {
		t.Errorf("unexpected app params %+v", req.App)
	}
	if req.Request.Sequence != 1 || req.Request.NBest != 1 || !req.Request.ShowUtterances {
		t.Errorf("unexpected request params %+v", req.Request)
	}
	if req.Audio.Format != "wav" || req.Audio.Rate != 16000 || req.Audio.Codec != "raw" {
		t.Errorf("unexpected audio params %+v", req.Audio)
	}
	if got := (<-headers).Get("Authorization"); got != "Bearer; tok" {
		t.Errorf("unexpected Authorization %q", got)
	}

	delta, ok := nextDelta(t, c)
	if !ok {
		t.Fatal("delta stream closed early")
	}
	want := []models.Utterance{{Content: "hello", StartTime: 120, Definite: true}}
	if !reflect.DeepEqual(delta, want) {
		t.Errorf("delta = %+v, want %+v", delta, want)
	}
}

func TestClient_SignatureAuth(t *testing.T) {
	verified := make(chan bool, 1)

	_, cfg := newBackend(t, func(b *backendConn) {
		want := `HMAC256; access_token="tok"; mac="` + sign("secret", "/api/v2/asr", b.first) + `"; h="Custom"`
		verified <- b.header.Get("Custom") == "auth_custom" && b.header.Get("Authorization") == want
		b.drain()
	})
	cfg.AuthMode = AuthSignature
	cfg.Secret = "secret"

	connect(t, cfg)

	select {
	case ok := <-verified:
		if !ok {
			t.Error("signature headers did not match the signed full request")
		}
	case <-time.After(waitTimeout):
		t.Fatal("backend never saw the request")
	}
}

func TestClient_SendAudioBeforeReady(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) { b.drain() })

	c := connect(t, cfg)
	if err := c.SendAudio(context.Background(), []byte{1, 2}); !errors.Is(err, stt.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestClient_SendAudioAndEnd(t *testing.T) {
	frames := make(chan *protocol.Message, 4)

	_, cfg := newBackend(t, func(b *backendConn) {
		b.ack()
		for i := 0; i < 2; i++ {
			msg, err := b.readClientFrame()
			if err != nil {
				t.Errorf("read audio frame: %v", err)
				return
			}
			frames <- msg
		}
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "ready")
	if got := c.Sequence(); got != 1 {
		t.Errorf("sequence after full request = %d, want 1", got)
	}

	if err := c.SendAudio(context.Background(), []byte("pcm-bytes")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.EndAudio(context.Background()); err != nil {
		t.Fatalf("end audio: %v", err)
	}
	if got := c.Sequence(); got != 3 {
		t.Errorf("sequence after two audio frames = %d, want 3", got)
	}

	audio := <-frames
	if audio.Flags != protocol.NoSequence || audio.Serialization != protocol.NoSerialization {
		t.Errorf("unexpected audio header %+v", audio.Header)
	}
	if string(audio.Raw) != "pcm-bytes" {
		t.Errorf("unexpected audio payload %q", audio.Raw)
	}

	last := <-frames
	if last.Flags != protocol.NegSequence {
		t.Errorf("expected terminal flag, got %#b", last.Flags)
	}
	if len(last.Raw) != 0 {
		t.Errorf("expected empty terminal payload, got %d bytes", len(last.Raw))
	}
}

func TestClient_BackendErrorCodeIsFatal(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		b.ack()
		b.send(map[string]any{"reqid": b.reqID, "code": 1013, "message": "invalid audio"})
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Done(), "termination")

	var be *stt.BackendError
	if !errors.As(c.Err(), &be) {
		t.Fatalf("expected BackendError, got %v", c.Err())
	}
	if be.Code != 1013 || be.Message != "invalid audio" {
		t.Errorf("unexpected backend error %+v", be)
	}
	if c.State() != StateErrored {
		t.Errorf("expected ERRORED, got %s", c.State())
	}
	if err := c.SendAudio(context.Background(), []byte{1}); !errors.Is(err, stt.ErrClosed) {
		t.Errorf("expected ErrClosed after termination, got %v", err)
	}

	var n int
	for range c.Deltas() {
		n++
	}
	if n != 2 {
		t.Errorf("expected both results to be delivered before completion, got %d", n)
	}
}

func TestClient_ServerErrorFrameIsFatal(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		frame, _ := protocol.EncodeServerError(1002, map[string]any{"message": "auth failed"})
		_ = b.conn.WriteMessage(websocket.BinaryMessage, frame)
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Done(), "termination")

	var be *stt.BackendError
	if !errors.As(c.Err(), &be) || be.Code != 1002 {
		t.Fatalf("expected BackendError 1002, got %v", c.Err())
	}
	select {
	case <-c.Ready():
		t.Error("ready must not close without a matching request id")
	default:
	}
}

func TestClient_MalformedFrameIsDropped(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		_ = b.conn.WriteMessage(websocket.BinaryMessage, []byte{0x11, 0x90})
		_ = b.conn.WriteMessage(websocket.BinaryMessage, []byte{0x11, 0x90, 0x11, 0x00, 0, 0, 0, 9, 1})
		b.ack()
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "ready")

	select {
	case <-c.Done():
		t.Fatalf("malformed frames must not end the session: %v", c.Err())
	default:
	}
}

func TestClient_CloseCompletesNormally(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		b.ack()
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "ready")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.Err() != nil {
		t.Errorf("expected nil error after close, got %v", c.Err())
	}
	if c.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", c.State())
	}
	for range c.Deltas() {
	}
}

func TestClient_BackendCloseFrame(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		b.ack()
		_ = b.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		b.drain()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Done(), "termination")

	if c.Err() != nil {
		t.Errorf("expected normal completion, got %v", c.Err())
	}
	if c.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", c.State())
	}
}

func TestClient_TransportFailure(t *testing.T) {
	_, cfg := newBackend(t, func(b *backendConn) {
		b.ack()
		_ = b.conn.UnderlyingConn().Close()
	})

	c := connect(t, cfg)
	waitClosed(t, c.Done(), "termination")

	if !errors.Is(c.Err(), stt.ErrTransport) {
		t.Errorf("expected transport error, got %v", c.Err())
	}
	if c.State() != StateErrored {
		t.Errorf("expected ERRORED, got %s", c.State())
	}
}

func TestConnect_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v2/asr"
	srv.Close()

	_, err := Connect(context.Background(), cfg)
	if !errors.Is(err, stt.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}
