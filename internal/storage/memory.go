package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"vitalwatch/internal/model"
)

// Memory keeps everything in process. Units hold the write lock for their
// whole duration and stage writes until fn returns nil.
type Memory struct {
	mu       sync.RWMutex
	patients map[string]model.Patient
	states   map[string]model.CurrentState
	history  map[string][]model.HistoryEntry
	alerts   map[string][]model.AlertEvent
}

func NewMemory() *Memory {
	return &Memory{
		patients: make(map[string]model.Patient),
		states:   make(map[string]model.CurrentState),
		history:  make(map[string][]model.HistoryEntry),
		alerts:   make(map[string][]model.AlertEvent),
	}
}

func (m *Memory) Init(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) WithinUnit(ctx context.Context, fn func(Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return storageErr("begin unit", err)
	}
	u := &memUnit{m: m, patients: make(map[string]model.Patient), states: make(map[string]model.CurrentState)}
	if err := fn(u); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return storageErr("commit unit", err)
	}
	for id, p := range u.patients {
		m.patients[id] = p
	}
	for id, s := range u.states {
		m.states[id] = s
	}
	for _, e := range u.history {
		m.history[e.PatientID] = append(m.history[e.PatientID], e)
	}
	for _, a := range u.alerts {
		m.alerts[a.PatientID] = append(m.alerts[a.PatientID], a)
	}
	return nil
}

func (m *Memory) UpsertPatient(_ context.Context, p model.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = mergePatient(m.patients[p.ID], p)
	return nil
}

func (m *Memory) GetPatient(_ context.Context, id string) (model.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return model.Patient{}, fmt.Errorf("patient %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) UpsertState(_ context.Context, s model.CurrentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[s.PatientID] = stampState(s)
	return nil
}

func (m *Memory) GetState(_ context.Context, patientID string) (model.CurrentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[patientID]
	if !ok {
		return model.CurrentState{}, fmt.Errorf("state for %s: %w", patientID, model.ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ListStates(_ context.Context, onlyWarnings bool) ([]model.CurrentState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CurrentState, 0, len(m.states))
	for _, s := range m.states {
		if onlyWarnings && !s.NeedsAttention() {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].PatientID < out[j].PatientID
	})
	return out, nil
}

func (m *Memory) AppendHistory(_ context.Context, e model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = newID()
	}
	m.history[e.PatientID] = append(m.history[e.PatientID], e)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, patientID string, limit int) ([]model.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.HistoryEntry(nil), m.history[patientID]...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *Memory) AppendAlert(_ context.Context, a model.AlertEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = newID()
	}
	m.alerts[a.PatientID] = append(m.alerts[a.PatientID], a)
	return nil
}

func (m *Memory) ListAlerts(_ context.Context, patientID string, limit int) ([]model.AlertEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.AlertEvent(nil), m.alerts[patientID]...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return truncate(out, limit), nil
}

func truncate[T any](list []T, limit int) []T {
	if list == nil {
		list = make([]T, 0)
	}
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

func mergePatient(existing, p model.Patient) model.Patient {
	now := p.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if existing.ID == "" {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		return p
	}
	existing.Name = p.Name
	if p.DeviceID != "" {
		existing.DeviceID = p.DeviceID
	}
	existing.UpdatedAt = now
	return existing
}

func stampState(s model.CurrentState) model.CurrentState {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	return s
}

// memUnit is the staged view handed to a unit's fn. The parent lock is held.
type memUnit struct {
	m        *Memory
	patients map[string]model.Patient
	states   map[string]model.CurrentState
	history  []model.HistoryEntry
	alerts   []model.AlertEvent
}

func (u *memUnit) UpsertPatient(_ context.Context, p model.Patient) error {
	existing, ok := u.patients[p.ID]
	if !ok {
		existing = u.m.patients[p.ID]
	}
	u.patients[p.ID] = mergePatient(existing, p)
	return nil
}

func (u *memUnit) GetPatient(_ context.Context, id string) (model.Patient, error) {
	if p, ok := u.patients[id]; ok {
		return p, nil
	}
	if p, ok := u.m.patients[id]; ok {
		return p, nil
	}
	return model.Patient{}, fmt.Errorf("patient %s: %w", id, model.ErrNotFound)
}

func (u *memUnit) UpsertState(_ context.Context, s model.CurrentState) error {
	u.states[s.PatientID] = stampState(s)
	return nil
}

func (u *memUnit) GetState(_ context.Context, patientID string) (model.CurrentState, error) {
	if s, ok := u.states[patientID]; ok {
		return s, nil
	}
	if s, ok := u.m.states[patientID]; ok {
		return s, nil
	}
	return model.CurrentState{}, fmt.Errorf("state for %s: %w", patientID, model.ErrNotFound)
}

func (u *memUnit) ListStates(context.Context, bool) ([]model.CurrentState, error) {
	return nil, fmt.Errorf("list states inside a unit: %w", model.ErrStorage)
}

func (u *memUnit) AppendHistory(_ context.Context, e model.HistoryEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	u.history = append(u.history, e)
	return nil
}

func (u *memUnit) ListHistory(context.Context, string, int) ([]model.HistoryEntry, error) {
	return nil, fmt.Errorf("list history inside a unit: %w", model.ErrStorage)
}

func (u *memUnit) AppendAlert(_ context.Context, a model.AlertEvent) error {
	if a.ID == "" {
		a.ID = newID()
	}
	u.alerts = append(u.alerts, a)
	return nil
}

func (u *memUnit) ListAlerts(context.Context, string, int) ([]model.AlertEvent, error) {
	return nil, fmt.Errorf("list alerts inside a unit: %w", model.ErrStorage)
}
