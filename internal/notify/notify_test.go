package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"

	"vitalwatch/internal/config"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/model"
)

type fakeWriter struct {
	msgs  []kafka.Message
	calls int
	err   error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestNotifyPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	n := newKafkaNotifier(w, config.BreakerConfig{MaxFailures: 3, OpenTimeout: time.Minute}, logging.Discard())
	ev := model.AlertEvent{ID: "01J", PatientID: "P1", Severity: model.SeverityCritical, Message: "Tachycardia"}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "P1" {
		t.Fatalf("messages: %+v", w.msgs)
	}
	var got model.AlertEvent
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "01J" || got.Severity != model.SeverityCritical || got.Message != "Tachycardia" {
		t.Fatalf("event: %+v", got)
	}
}

func TestNotifyBreakerOpens(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	n := newKafkaNotifier(w, config.BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}, logging.Discard())
	ev := model.AlertEvent{ID: "01J", PatientID: "P1", Severity: model.SeverityWarning}
	for i := 0; i < 2; i++ {
		if err := n.Notify(context.Background(), ev); err == nil {
			t.Fatalf("expected failure %d", i)
		}
	}
	err := n.Notify(context.Background(), ev)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if w.calls != 2 {
		t.Fatalf("open breaker should not reach the writer, calls=%d", w.calls)
	}
}

func TestNotifierDisabled(t *testing.T) {
	if n := NewKafkaNotifier(config.NotifyConfig{}, logging.Discard()); n != nil {
		t.Fatalf("disabled notifier should be nil")
	}
}
