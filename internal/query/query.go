// Package query serves the dashboard's read side over the repositories.
package query

import (
	"context"
	"strconv"
	"strings"

	"vitalwatch/internal/model"
	"vitalwatch/internal/storage"
)

const (
	DefaultHistoryLimit = 200
	DefaultAlertLimit   = 50
	MaxLimit            = 2000
)

type Filter struct {
	OnlyWarnings bool
}

type Service struct {
	repos storage.Repositories
}

func NewService(repos storage.Repositories) *Service {
	return &Service{repos: repos}
}

// ListCurrentStates returns the newest state first.
func (s *Service) ListCurrentStates(ctx context.Context, f Filter) ([]model.CurrentState, error) {
	return s.repos.ListStates(ctx, f.OnlyWarnings)
}

func (s *Service) GetCurrentState(ctx context.Context, patientID string) (model.CurrentState, error) {
	return s.repos.GetState(ctx, patientID)
}

func (s *Service) GetPatient(ctx context.Context, patientID string) (model.Patient, error) {
	return s.repos.GetPatient(ctx, patientID)
}

func (s *Service) ListHistory(ctx context.Context, patientID string, limit int) ([]model.HistoryEntry, error) {
	return s.repos.ListHistory(ctx, patientID, ClampLimit(limit))
}

func (s *Service) ListAlerts(ctx context.Context, patientID string, limit int) ([]model.AlertEvent, error) {
	return s.repos.ListAlerts(ctx, patientID, ClampLimit(limit))
}

// ClampLimit forces limit into [1, MaxLimit].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ParseLimit reads a query-string limit. Missing or non-numeric values fall
// back to def; numeric values are clamped.
func ParseLimit(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return ClampLimit(n)
}
