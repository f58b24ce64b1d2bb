package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"vitalwatch/internal/alerts"
	"vitalwatch/internal/auth"
	"vitalwatch/internal/logging"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
	"vitalwatch/internal/storage"
)

type Authorizer interface {
	AuthorizeIngest(ctx context.Context, p auth.Principal) error
}

// Notifier receives alert events after they are committed.
type Notifier interface {
	Notify(ctx context.Context, ev model.AlertEvent) error
}

type Engine struct {
	logger   *slog.Logger
	store    storage.UnitRunner
	authz    Authorizer
	metrics  *metrics.Collector
	notifier Notifier
	now      func() time.Time
}

type Option func(*Engine)

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store storage.UnitRunner, authz Authorizer, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		logger: logger,
		store:  store,
		authz:  authz,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ingest authorizes, validates and normalizes one payload, then records the
// patient, current state, history entry and any alert as a single unit.
// A nil error means the reading was accepted.
func (e *Engine) Ingest(ctx context.Context, payload normalize.Payload, principal auth.Principal) error {
	source := principal.Source()
	if e.authz == nil {
		e.metrics.Ingested(source, metrics.ResultDenied)
		return fmt.Errorf("no ingest authorizer: %w", model.ErrAuthDenied)
	}
	if err := e.authz.AuthorizeIngest(ctx, principal); err != nil {
		e.metrics.Ingested(source, metrics.ResultDenied)
		if !errors.Is(err, model.ErrAuthDenied) {
			err = fmt.Errorf("%w: %w", model.ErrAuthDenied, err)
		}
		return err
	}

	reading, err := normalize.Reading(payload, e.now())
	if err != nil {
		e.metrics.Ingested(source, metrics.ResultInvalid)
		return err
	}
	reading.Source = source

	event, alerting := alerts.Evaluate(reading)
	if alerting {
		event.ID = ulid.Make().String()
	}
	if err := e.record(ctx, reading, event, alerting); err != nil {
		e.metrics.Ingested(source, metrics.ResultFailed)
		e.logger.Error("ingest failed",
			"patient_id", reading.PatientID,
			"source", source,
			"err", err,
		)
		return err
	}

	e.metrics.Ingested(source, metrics.ResultAccepted)
	e.logger.Debug("reading accepted",
		"patient_id", reading.PatientID,
		"severity", reading.FinalSeverity,
		"source", source,
	)
	if alerting {
		e.metrics.Alerted(string(event.Severity))
		e.logger.Warn("alert recorded",
			"patient_id", event.PatientID,
			"severity", event.Severity,
			"message", event.Message,
			"source", source,
		)
		e.notify(ctx, event)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, r model.Reading, event model.AlertEvent, alerting bool) error {
	if e.store == nil {
		return fmt.Errorf("no store configured: %w", model.ErrStorage)
	}
	now := e.now()
	err := e.store.WithinUnit(ctx, func(repos storage.Repositories) error {
		if err := repos.UpsertPatient(ctx, model.Patient{
			ID:        r.PatientID,
			Name:      r.PatientName,
			DeviceID:  r.DeviceID,
			UpdatedAt: now,
		}); err != nil {
			return err
		}
		if err := repos.UpsertState(ctx, model.CurrentState{
			PatientID:      r.PatientID,
			PatientName:    r.PatientName,
			Vitals:         r.Vitals,
			SeverityReport: r.Report,
			FinalSeverity:  r.FinalSeverity,
			AlertActive:    r.AlertActive,
			Message:        r.Message,
			Timestamp:      r.Timestamp,
			UpdatedAt:      now,
		}); err != nil {
			return err
		}
		if err := repos.AppendHistory(ctx, model.HistoryEntry{
			ID:            ulid.Make().String(),
			PatientID:     r.PatientID,
			Vitals:        r.Vitals,
			FinalSeverity: r.FinalSeverity,
			Timestamp:     r.Timestamp,
		}); err != nil {
			return err
		}
		if alerting {
			return repos.AppendAlert(ctx, event)
		}
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrStorage) {
		err = fmt.Errorf("ingest unit: %w: %w", model.ErrStorage, err)
	}
	return err
}

func (e *Engine) notify(ctx context.Context, event model.AlertEvent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(context.WithoutCancel(ctx), event); err != nil {
		e.metrics.NotifyFailed()
		e.logger.Warn("alert notification failed",
			"patient_id", event.PatientID,
			"alert_id", event.ID,
			"err", err,
		)
	}
}
