package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Record is a published event as read back from a topic.
type Record struct {
	Type   string          `json:"type"`
	CallID string          `json:"callId"`
	Data   json.RawMessage `json:"data"`
	Offset int64           `json:"-"`
	Time   time.Time       `json:"-"`
}

// ReaderConfig selects the topic to consume.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	// Since rewinds partition 0 to this far in the past. 0 starts at the end.
	Since time.Duration
}

// Consume reads partition 0 of the topic and calls handle for every decodable event
// until ctx is canceled. A partition reader is used because consumer groups do not
// work through port forwards.
func Consume(ctx context.Context, cfg ReaderConfig, handle func(Record) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	var err error
	if cfg.Since > 0 {
		err = reader.SetOffsetAt(ctx, time.Now().Add(-cfg.Since))
	} else {
		err = reader.SetOffset(kafka.LastOffset)
	}
	if err != nil {
		return err
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Str("topic", cfg.Topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		rec, err := DecodeRecord(msg)
		if err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping undecodable record")
			continue
		}
		if err := handle(rec); err != nil {
			return err
		}
	}
}

// DecodeRecord decodes one Kafka message written by Publisher.
func DecodeRecord(msg kafka.Message) (Record, error) {
	var rec Record
	if err := json.Unmarshal(msg.Value, &rec); err != nil {
		return Record{}, err
	}
	rec.Offset = msg.Offset
	rec.Time = msg.Time
	return rec, nil
}
