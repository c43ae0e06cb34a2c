package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/logging"
	"asr-stream-relay/internal/schema"
	"asr-stream-relay/internal/service/call"
)

// Gateway events.
const (
	EventSessionStart     = "session-start"
	EventSessionStarted   = "session-started"
	EventSessionData      = "session-data"
	EventSessionSubscribe = "session-subscribe"
	EventSessionUpdate    = "session-update"
	EventSessionAction    = "session-action"
	EventSessionFinish    = "session-finish"
	EventError            = "error"
)

const (
	gatewayWriteTimeout = 5 * time.Second
	gatewayReadLimit    = 4 << 20
)

// Envelope is one JSON text frame of the gateway protocol.
type Envelope struct {
	Event   string          `json:"event"`
	CallID  string          `json:"callId,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Payload *models.Event   `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway serves the WebSocket ingress: clients start sessions, stream audio and
// subscribe to transcript updates over one connection.
type Gateway struct {
	registry  *call.Registry
	validator *schema.Validator
	logger    zerolog.Logger
}

// NewGateway creates a gateway bound to registry.
func NewGateway(registry *call.Registry) *Gateway {
	return &Gateway{
		registry:  registry,
		validator: schema.New(),
		logger:    logging.WithComponent("gateway"),
	}
}

// gatewayConn is the state of one client connection.
type gatewayConn struct {
	gw  *Gateway
	ws  *websocket.Conn
	key string
	log zerolog.Logger

	writeMu sync.Mutex
	subs    map[string]*call.Subscription
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(gatewayReadLimit)

	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c := &gatewayConn{
		gw:   g,
		ws:   ws,
		key:  call.ClientKey(clientID),
		log:  g.logger.With().Str("clientId", clientID).Logger(),
		subs: make(map[string]*call.Subscription),
	}
	c.log.Info().Str("remote", r.RemoteAddr).Msg("Gateway client connected")

	c.serve(r.Context())
}

func (c *gatewayConn) serve(ctx context.Context) {
	defer func() {
		for _, sub := range c.subs {
			sub.Cancel()
		}
		_ = c.ws.Close()
		c.log.Info().Int("subscriptions", len(c.subs)).Msg("Gateway client disconnected")
	}()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("Gateway read ended")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var in Envelope
		if err := json.Unmarshal(data, &in); err != nil {
			c.replyError("", "malformed message")
			continue
		}
		c.handle(ctx, in)
	}
}

func (c *gatewayConn) handle(ctx context.Context, in Envelope) {
	reg := c.gw.registry

	switch in.Event {
	case EventSessionStart:
		var (
			s   *call.Session
			err error
		)
		if in.CallID == "" {
			s, err = reg.CreateSession()
		} else {
			s, err = reg.Create(in.CallID)
		}
		if err != nil {
			c.replyError(in.CallID, err.Error())
			return
		}
		c.write(Envelope{Event: EventSessionStarted, CallID: s.CallID()})

	case EventSessionData:
		var audio []byte
		if err := json.Unmarshal(in.Data, &audio); err != nil {
			c.replyError(in.CallID, "data must be base64 audio")
			return
		}
		if err := reg.RouteAudio(ctx, in.CallID, audio); err != nil {
			c.log.Warn().Err(err).Str("callId", in.CallID).Msg("Audio not routed")
			c.replyError(in.CallID, err.Error())
		}

	case EventSessionSubscribe:
		sub, ok := reg.Subscribe(c.key, in.CallID, call.SinkFunc(func(ev models.Event) error {
			return c.forward(ev)
		}))
		if !ok {
			c.replyError(in.CallID, call.ErrUnknownSession.Error())
			return
		}
		c.subs[in.CallID] = sub

	case EventSessionAction:
		var actions []models.Action
		if err := json.Unmarshal(in.Data, &actions); err != nil {
			c.replyError(in.CallID, "data must be a list of actions")
			return
		}
		if err := reg.AddSystemAction(in.CallID, actions...); err != nil {
			c.replyError(in.CallID, err.Error())
		}

	case EventSessionFinish:
		err := reg.Destroy(ctx, in.CallID, call.ReasonFinished)
		if err != nil && !errors.Is(err, call.ErrUnknownSession) {
			c.replyError(in.CallID, err.Error())
		}
		delete(c.subs, in.CallID)

	default:
		c.replyError(in.CallID, "unknown event "+in.Event)
	}
}

// forward writes a session event to the client. It runs inside session delivery.
func (c *gatewayConn) forward(ev models.Event) error {
	if err := c.gw.validator.Validate(ev); err != nil {
		return err
	}
	return c.write(Envelope{Event: EventSessionUpdate, CallID: ev.CallID, Payload: &ev})
}

func (c *gatewayConn) replyError(callID, msg string) {
	_ = c.write(Envelope{Event: EventError, CallID: callID, Error: msg})
}

func (c *gatewayConn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(env)
}
