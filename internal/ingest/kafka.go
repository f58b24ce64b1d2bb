package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"vitalwatch/internal/auth"
	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

const (
	kafkaRetryBase = 500 * time.Millisecond
	kafkaRetryMax  = 30 * time.Second
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaConsumer struct {
	reader    kafkaReader
	sink      Sink
	logger    *slog.Logger
	retryBase time.Duration
	retryMax  time.Duration
}

func StartKafka(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	c := &kafkaConsumer{
		reader:    reader,
		sink:      sink,
		logger:    logger.With("source", "kafka"),
		retryBase: kafkaRetryBase,
		retryMax:  kafkaRetryMax,
	}
	go c.run(ctx)
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka read error", "err", err)
			if !BackoffSleep(ctx, c.retryBase) {
				return
			}
			continue
		}
		if !c.deliver(ctx, m) {
			return
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
		}
	}
}

// deliver hands m to the sink until it is accepted or rejected for a reason
// a retry cannot fix. It returns false only when ctx ends first.
func (c *kafkaConsumer) deliver(ctx context.Context, m kafka.Message) bool {
	backoff := c.retryBase
	for {
		err := c.ingest(ctx, m)
		if err == nil {
			return true
		}
		if !errors.Is(err, model.ErrStorage) {
			c.logger.Warn("kafka message rejected",
				"partition", m.Partition,
				"offset", m.Offset,
				"err", err,
			)
			return true
		}
		c.logger.Error("kafka message not stored, retrying",
			"partition", m.Partition,
			"offset", m.Offset,
			"backoff", backoff,
			"err", err,
		)
		if !BackoffSleep(ctx, backoff) {
			return false
		}
		backoff = nextBackoff(backoff, c.retryMax)
	}
}

func (c *kafkaConsumer) ingest(ctx context.Context, m kafka.Message) error {
	payload, err := DecodePayload(m.Value)
	if err != nil {
		return err
	}
	if payload.PatientID == "" && len(m.Key) > 0 {
		payload.PatientID = string(m.Key)
	}
	return c.sink.Ingest(ctx, payload, auth.Broker("kafka"))
}
