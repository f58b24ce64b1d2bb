package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vitalwatch/internal/auth"
	"vitalwatch/internal/config"
)

type MQTTSource struct {
	client mqtt.Client
	filter string
	sink   Sink
	logger *slog.Logger
}

// StartMQTT subscribes to the configured topic filter and feeds every message
// to sink. It returns nil when MQTT ingest is disabled.
func StartMQTT(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) (*MQTTSource, error) {
	current := cfg.Get().Ingest.MQTT
	if !current.Enabled {
		logger.Info("mqtt ingest disabled")
		return nil, nil
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(current.Broker)
	opts.SetClientID(current.ClientID)
	if current.Username != "" {
		opts.SetUsername(current.Username)
	}
	if current.Password != "" {
		opts.SetPassword(current.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)

	s := &MQTTSource{
		filter: current.Topic,
		sink:   sink,
		logger: logger.With("source", "mqtt"),
	}
	// Subscribe on every connect, including reconnects.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(current.Topic, current.QoS, func(_ mqtt.Client, msg mqtt.Message) {
			_ = s.handle(ctx, msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			s.logger.Error("mqtt subscribe failed", "topic", current.Topic, "err", token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "err", err)
	})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", current.Broker, token.Error())
	}
	logger.Info("mqtt ingest enabled", "broker", current.Broker, "topic", current.Topic, "qos", current.QoS)
	go func() {
		<-ctx.Done()
		s.client.Disconnect(250)
	}()
	return s, nil
}

func (s *MQTTSource) handle(ctx context.Context, topic string, body []byte) error {
	payload, err := DecodePayload(body)
	if err == nil {
		if payload.PatientID == "" {
			payload.PatientID = PatientFromTopic(s.filter, topic)
		}
		err = s.sink.Ingest(ctx, payload, auth.Broker("mqtt"))
	}
	if err != nil {
		s.logger.Warn("mqtt message rejected", "topic", topic, "err", err)
	}
	return err
}

// PatientFromTopic returns the topic level matched by the first single-level
// wildcard in filter, e.g. "vitals/+/readings" and "vitals/P1/readings" give "P1".
func PatientFromTopic(filter, topic string) string {
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, part := range fparts {
		if i >= len(tparts) {
			return ""
		}
		if part == "+" {
			return tparts[i]
		}
		if part == "#" {
			return ""
		}
	}
	return ""
}
