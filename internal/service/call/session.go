// Package call owns the per-call state: the transcript session with its subscribers, and
// the registry that routes audio to each call's recognizer.
package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/logging"
	"asr-stream-relay/internal/observability/metrics"
)

// Sink receives session events. Deliver is called while the session is locked, so it
// must not call back into the session. Sinks of one session are called concurrently;
// each sink sees the session's events one at a time and in order.
type Sink interface {
	Deliver(ev models.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ev models.Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ev models.Event) error { return f(ev) }

// Subscriber key namespaces. Sinks wired inside the process and remote clients never
// share a key, so a client cannot displace an internal sink.
const (
	InternalKeyPrefix = "internal:"
	ClientKeyPrefix   = "ws:"
)

// InternalKey returns the subscriber key of an in-process sink.
func InternalKey(name string) string { return InternalKeyPrefix + name }

// ClientKey returns the subscriber key of a remote client.
func ClientKey(clientID string) string { return ClientKeyPrefix + clientID }

type subscriber struct {
	key  string
	sink Sink
}

// Session holds the committed transcript of one call and fans updates out to subscribers.
type Session struct {
	callID    string
	createdAt time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	messages    []models.Utterance
	actions     []models.Action
	summarizing bool
	subscribers []*subscriber
	end         *models.EndInfo
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionMetrics records delivery metrics on m.
func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates an empty session.
func NewSession(callID string, opts ...SessionOption) *Session {
	s := &Session{
		callID:    callID,
		createdAt: time.Now(),
		logger:    logging.WithCall(callID),
		metrics:   metrics.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CallID returns the call id.
func (s *Session) CallID() string { return s.callID }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// UpdateMessage commits the definite utterances of candidates. Provisional utterances
// are discarded; a list that is empty or equal to the committed one changes nothing.
// Otherwise the committed list is replaced and a message event is delivered.
// It reports whether an event was delivered.
func (s *Session) UpdateMessage(candidates []models.Utterance) bool {
	definite := models.DefiniteOnly(candidates)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(definite) == 0 {
		s.recordUpdate("provisional")
		return false
	}
	if models.EqualUtterances(definite, s.messages) {
		s.recordUpdate("duplicate")
		return false
	}

	s.messages = definite
	s.recordUpdate("published")
	s.deliver(models.Event{
		Type:   models.EventMessage,
		CallID: s.callID,
		Data:   cloneUtterances(definite),
	})
	return true
}

// AddSystemAction appends annotations and delivers the full action log. Annotations
// settle a pending summary, so the summarizing flag is cleared.
func (s *Session) AddSystemAction(actions ...models.Action) {
	if len(actions) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions = append(s.actions, actions...)
	s.summarizing = false
	s.deliver(models.Event{
		Type:   models.EventAction,
		CallID: s.callID,
		Data:   append([]models.Action(nil), s.actions...),
	})
}

// SetSummarizing sets the flag reported in snapshots while an annotator is producing a
// summary for the call.
func (s *Session) SetSummarizing(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarizing = on
}

// Snapshot returns a copy of the session state.
func (s *Session) Snapshot() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() models.SessionState {
	return models.SessionState{
		CallID:        s.callID,
		Messages:      cloneUtterances(s.messages),
		SystemActions: append([]models.Action{}, s.actions...),
		Summarizing:   s.summarizing,
	}
}

// Subscribe registers sink under key and delivers a session snapshot to it before any
// other event. A second subscription with the same key replaces the earlier sink.
// Subscribing to an ended session delivers the snapshot and the end event only.
func (s *Session) Subscribe(key string, sink Sink) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &subscriber{key: key, sink: sink}
	snapshot := models.Event{Type: models.EventSession, CallID: s.callID, Data: s.snapshot()}

	if s.end != nil {
		s.deliverTo(sub, snapshot)
		s.deliverTo(sub, s.endEvent())
		return &Subscription{session: s, sub: sub}
	}

	replaced := false
	for i, existing := range s.subscribers {
		if existing.key == key {
			s.subscribers[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		s.subscribers = append(s.subscribers, sub)
	}
	if s.metrics != nil {
		s.metrics.RecordSubscribe()
	}
	s.logger.Debug().Str("subscriber", key).Bool("replaced", replaced).Msg("Subscriber attached")

	s.deliverTo(sub, snapshot)
	return &Subscription{session: s, sub: sub}
}

// SubscriberCount returns the number of registered subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// End delivers the end event once and detaches every subscriber.
// It reports whether this call ended the session.
func (s *Session) End(reason string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.end != nil {
		return false
	}
	s.end = &models.EndInfo{Reason: reason}
	if err != nil {
		s.end.Error = err.Error()
	}

	s.deliver(s.endEvent())
	s.subscribers = nil
	s.logger.Info().Str("reason", reason).AnErr("cause", err).Msg("Session ended")
	return true
}

// Ended reports whether End was called.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end != nil
}

func (s *Session) endEvent() models.Event {
	return models.Event{Type: models.EventEnd, CallID: s.callID, Data: *s.end}
}

// deliver sends ev to every subscriber concurrently and returns once all of them are
// done, so a slow sink delays the others by at most its own latency. Callers hold s.mu.
func (s *Session) deliver(ev models.Event) {
	switch len(s.subscribers) {
	case 0:
		return
	case 1:
		s.deliverTo(s.subscribers[0], ev)
		return
	}

	var g errgroup.Group
	for _, sub := range s.subscribers {
		g.Go(func() error {
			s.deliverTo(sub, ev)
			return nil
		})
	}
	_ = g.Wait()
}

// deliverTo isolates one sink: errors and panics are logged and counted.
func (s *Session) deliverTo(sub *subscriber, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.sinkFailed(sub, ev, fmt.Errorf("sink panic: %v", r))
		}
	}()
	if err := sub.sink.Deliver(ev); err != nil {
		s.sinkFailed(sub, ev, err)
	}
}

func (s *Session) sinkFailed(sub *subscriber, ev models.Event, err error) {
	s.logger.Warn().Err(err).Str("subscriber", sub.key).Str("eventType", ev.Type).Msg("Delivery failed")
	if s.metrics != nil {
		s.metrics.RecordSinkError(ev.Type)
	}
}

func (s *Session) recordUpdate(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTranscriptUpdate(outcome)
	}
}

func (s *Session) unsubscribe(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.subscribers {
		if existing == sub {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	session *Session
	sub     *subscriber
}

// Key returns the subscriber key.
func (s *Subscription) Key() string { return s.sub.key }

// Cancel detaches the sink if it is still the one registered for its key.
// It reports whether the sink was detached.
func (s *Subscription) Cancel() bool {
	return s.session.unsubscribe(s.sub)
}

func cloneUtterances(in []models.Utterance) []models.Utterance {
	return append([]models.Utterance{}, in...)
}
