// Package notify publishes committed alert events to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

const publishTimeout = 5 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes each alert as JSON keyed by patient id, so one
// patient's alerts stay ordered within a partition.
type KafkaNotifier struct {
	writer  messageWriter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
}

// NewKafkaNotifier returns nil when alert publishing is disabled.
func NewKafkaNotifier(cfg config.NotifyConfig, logger *slog.Logger) *KafkaNotifier {
	if !cfg.Kafka.Enabled {
		logger.Info("alert notifications disabled")
		return nil
	}
	logger.Info("alert notifications enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaNotifier(w, cfg.Breaker, logger)
}

func newKafkaNotifier(w messageWriter, cfg config.BreakerConfig, logger *slog.Logger) *KafkaNotifier {
	n := &KafkaNotifier{writer: w, logger: logger}
	n.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "alert-notify",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return n
}

func (n *KafkaNotifier) Notify(ctx context.Context, ev model.AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", ev.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.PatientID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(ev.Severity)},
		},
	}
	_, err = n.breaker.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		return struct{}{}, n.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("publish alert %s: %w", ev.ID, err)
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
