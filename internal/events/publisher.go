// Package events publishes call session events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"asr-stream-relay/internal/models"
	"asr-stream-relay/internal/observability/metrics"
	"asr-stream-relay/internal/schema"
)

const defaultPublishTimeout = 5 * time.Second

// Publisher is a session sink that writes transcript and action events to separate
// Kafka topics. Session snapshots are not published.
type Publisher struct {
	writerTranscripts *kafka.Writer
	writerActions     *kafka.Writer
	principal         string
	topicTranscripts  string
	topicActions      string
	publishTimeout    time.Duration
	enabled           bool
	validator         *schema.Validator
	metrics           *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicTranscripts string
	TopicActions     string
	Principal        string
	PublishTimeout   time.Duration
	Enabled          bool
}

// New creates a Kafka event publisher. Without brokers, or when disabled, events are
// only logged.
func New(cfg *Config) *Publisher {
	p := &Publisher{
		publishTimeout: defaultPublishTimeout,
		validator:      schema.New(),
		metrics:        metrics.DefaultMetrics,
	}

	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return p
	}

	p.principal = cfg.Principal
	p.topicTranscripts = cfg.TopicTranscripts
	p.topicActions = cfg.TopicActions
	if cfg.PublishTimeout > 0 {
		p.publishTimeout = cfg.PublishTimeout
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerTranscripts = newWriter(cfg.Brokers, cfg.TopicTranscripts, transport)
	p.writerActions = newWriter(cfg.Brokers, cfg.TopicActions, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicActions", cfg.TopicActions).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

func newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    transport,
	}
}

// Deliver publishes ev keyed by call id, so events of one call keep their order.
func (p *Publisher) Deliver(ev models.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	switch ev.Type {
	case models.EventMessage, models.EventEnd:
		return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, ev)
	case models.EventAction:
		return p.publish(ctx, p.writerActions, p.topicActions, ev)
	default:
		return nil
	}
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic string, ev models.Event) error {
	start := time.Now()

	if err := p.validator.Validate(ev); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("callId", ev.CallID).Msg("Refusing invalid event")
		p.metrics.RecordKafkaPublish(topic, ev.Type, err, time.Since(start).Seconds())
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("callId", ev.CallID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, ev.Type, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.CallID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.Type)},
			{Key: "principal", Value: []byte(p.principal)},
		},
	}

	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("callId", ev.CallID).
			Msg("Failed to write to Kafka")
		p.metrics.RecordKafkaPublish(topic, ev.Type, err, time.Since(start).Seconds())
		return err
	}

	p.metrics.RecordKafkaPublish(topic, ev.Type, nil, time.Since(start).Seconds())
	return nil
}

// Close closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerTranscripts != nil {
		if e := p.writerTranscripts.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing transcript writer")
			err = e
		}
	}
	if p.writerActions != nil {
		if e := p.writerActions.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing action writer")
			err = e
		}
	}
	return err
}
