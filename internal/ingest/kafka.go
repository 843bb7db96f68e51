package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"availability-backend/config"
	"availability-backend/internal/metrics"
)

const (
	handleAttempts = 3
	fetchBackoff   = time.Second
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Lag() int64
	Close() error
}

// Consumer reads status events from a Kafka topic as part of a consumer group.
type Consumer struct {
	reader  messageReader
	handler Handler
	topic   string
	group   string
}

func NewConsumer(cfg config.KafkaConfig, h Handler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, handler: h, topic: cfg.Topic, group: cfg.GroupID}, nil
}

// Run consumes until ctx is cancelled. Undecodable messages are committed and skipped.
func (c *Consumer) Run(ctx context.Context) {
	log.Info().Str("topic", c.topic).Str("group", c.group).Msg("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Str("topic", c.topic).Msg("kafka consumer stopping")
				return
			}
			log.Warn().Err(err).Str("topic", c.topic).Msg("kafka fetch failed")
			select {
			case <-time.After(fetchBackoff):
				continue
			case <-ctx.Done():
				return
			}
		}

		c.process(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("kafka commit failed")
		}
		metrics.SetKafkaLag(c.topic, c.group, c.reader.Lag())
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		metrics.IncEvent("malformed")
		log.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping undecodable status event")
		return
	}
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		if _, err = c.handler.Handle(ctx, ev); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	log.Error().Err(err).Str("device_id", ev.DeviceID).Int64("offset", msg.Offset).Msg("giving up on status event")
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
