package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

type PatientRepository interface {
	// UpsertPatient creates the patient or refreshes its display name. The
	// device binding only changes when p.DeviceID is set.
	UpsertPatient(ctx context.Context, p model.Patient) error
	GetPatient(ctx context.Context, id string) (model.Patient, error)
}

type StateRepository interface {
	// UpsertState replaces the whole current-state record for the patient.
	UpsertState(ctx context.Context, s model.CurrentState) error
	GetState(ctx context.Context, patientID string) (model.CurrentState, error)
	ListStates(ctx context.Context, onlyWarnings bool) ([]model.CurrentState, error)
}

type HistoryRepository interface {
	AppendHistory(ctx context.Context, e model.HistoryEntry) error
	// ListHistory returns up to limit entries, newest first.
	ListHistory(ctx context.Context, patientID string, limit int) ([]model.HistoryEntry, error)
}

type AlertRepository interface {
	AppendAlert(ctx context.Context, a model.AlertEvent) error
	// ListAlerts returns up to limit events, newest first.
	ListAlerts(ctx context.Context, patientID string, limit int) ([]model.AlertEvent, error)
}

type Repositories interface {
	PatientRepository
	StateRepository
	HistoryRepository
	AlertRepository
}

// UnitRunner runs fn so that either every write it makes is kept or none is.
type UnitRunner interface {
	WithinUnit(ctx context.Context, fn func(Repositories) error) error
}

type Store interface {
	Repositories
	UnitRunner
	Init(ctx context.Context) error
	Close() error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "":
		return NewSQLite(cfg.DSN, cfg.RequestTimeout)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, cfg.RequestTimeout)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func newID() string {
	return ulid.Make().String()
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) || errors.Is(err, model.ErrStorage) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrStorage, err)
}
