package assemblyai

import (
	"context"
	"encoding/json"
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
)

const waitTimeout = 2 * time.Second

// newService starts a fake realtime service; handle runs after the upgrade.
func newService(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) Config {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v3/ws"
	cfg.APIKey = "key-1"
	return cfg
}

func writeJSON(conn *websocket.Conn, v any) {
	b, _ := json.Marshal(v)
	_ = conn.WriteMessage(websocket.TextMessage, b)
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
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

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestClient_TurnsBecomeUtterances(t *testing.T) {
	requests := make(chan *http.Request, 1)

	cfg := newService(t, func(conn *websocket.Conn, r *http.Request) {
		requests <- r
		writeJSON(conn, map[string]any{"type": "Begin", "id": "sess-1", "expires_at": 1700000000})
		writeJSON(conn, map[string]any{"type": "Turn", "transcript": ""})
		writeJSON(conn, map[string]any{
			"type":        "Turn",
			"transcript":  "hello wor",
			"end_of_turn": false,
			"words":       []map[string]any{{"start": 480, "end": 700, "text": "hello"}},
		})
		writeJSON(conn, map[string]any{
			"type":              "Turn",
			"transcript":        "Hello world.",
			"end_of_turn":       true,
			"turn_is_formatted": true,
			"words":             []map[string]any{{"start": 480, "end": 700, "text": "Hello"}},
		})
		writeJSON(conn, map[string]any{
			"type":        "Turn",
			"turn_order":  1,
			"transcript":  "Bye",
			"end_of_turn": true,
			"words":       []map[string]any{{"start": 1500, "end": 1700, "text": "Bye"}},
		})
		drain(conn)
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "begin")

	r := <-requests
	if r.Header.Get("Authorization") != "key-1" {
		t.Errorf("unexpected Authorization %q", r.Header.Get("Authorization"))
	}
	if r.URL.Query().Get("sample_rate") != "16000" || r.URL.Query().Get("format_turns") != "true" {
		t.Errorf("unexpected query %q", r.URL.RawQuery)
	}
	if c.SessionID() != "sess-1" {
		t.Errorf("unexpected session id %q", c.SessionID())
	}

	want := [][]models.Utterance{
		{{Content: "hello wor", StartTime: 480, Definite: false}},
		{{Content: "Hello world.", StartTime: 480, Definite: true}},
		{
			{Content: "Hello world.", StartTime: 480, Definite: true},
			{Content: "Bye", StartTime: 1500, Definite: true},
		},
	}
	for i, w := range want {
		select {
		case d := <-c.Deltas():
			if !reflect.DeepEqual(d, w) {
				t.Errorf("delta %d = %+v, want %+v", i, d, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for delta %d", i)
		}
	}
}

func TestClient_AudioAndTerminate(t *testing.T) {
	type frame struct {
		mt   int
		data []byte
	}
	frames := make(chan frame, 2)

	cfg := newService(t, func(conn *websocket.Conn, _ *http.Request) {
		writeJSON(conn, map[string]any{"type": "Begin", "id": "s"})
		for i := 0; i < 2; i++ {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- frame{mt, data}
		}
		writeJSON(conn, map[string]any{"type": "Termination", "audio_duration_seconds": 1.5})
		drain(conn)
	})

	c := connect(t, cfg)
	waitClosed(t, c.Ready(), "begin")

	if err := c.SendAudio(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := c.EndAudio(context.Background()); err != nil {
		t.Fatalf("end audio: %v", err)
	}

	audio := <-frames
	if audio.mt != websocket.BinaryMessage || len(audio.data) != 3 {
		t.Errorf("unexpected audio frame %+v", audio)
	}
	term := <-frames
	if term.mt != websocket.TextMessage || string(term.data) != `{"type":"Terminate"}` {
		t.Errorf("unexpected terminate frame %q", term.data)
	}

	waitClosed(t, c.Done(), "termination")
	if c.Err() != nil {
		t.Errorf("expected normal completion, got %v", c.Err())
	}
}

func TestClient_SendBeforeBegin(t *testing.T) {
	cfg := newService(t, func(conn *websocket.Conn, _ *http.Request) { drain(conn) })

	c := connect(t, cfg)
	if err := c.SendAudio(context.Background(), []byte{1}); !errors.Is(err, stt.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
}

func TestClient_ServiceErrors(t *testing.T) {
	t.Run("error message", func(t *testing.T) {
		cfg := newService(t, func(conn *websocket.Conn, _ *http.Request) {
			writeJSON(conn, map[string]any{"error": "Invalid API key"})
			drain(conn)
		})

		c := connect(t, cfg)
		waitClosed(t, c.Done(), "termination")

		var be *stt.BackendError
		if !errors.As(c.Err(), &be) || be.Message != "Invalid API key" {
			t.Errorf("expected backend error, got %v", c.Err())
		}
	})

	t.Run("application close code", func(t *testing.T) {
		cfg := newService(t, func(conn *websocket.Conn, _ *http.Request) {
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(3005, "too many sessions"))
			drain(conn)
		})

		c := connect(t, cfg)
		waitClosed(t, c.Done(), "termination")

		var be *stt.BackendError
		if !errors.As(c.Err(), &be) || be.Code != 3005 {
			t.Errorf("expected backend error 3005, got %v", c.Err())
		}
	})
}

func TestConnect_RequiresAPIKey(t *testing.T) {
	if _, err := Connect(context.Background(), DefaultConfig()); err == nil {
		t.Error("expected error without api key")
	}
}
