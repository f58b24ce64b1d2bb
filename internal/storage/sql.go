package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"vitalwatch/internal/model"
)

type dialect struct {
	name       string
	schema     []string
	numbered   bool
	encodeTime func(time.Time) any
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlStore struct {
	db      *sql.DB
	d       dialect
	timeout time.Duration
}

func (s *sqlStore) Init(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("init schema", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *sqlStore) repos(q querier) *sqlRepos {
	return &sqlRepos{q: q, d: s.d}
}

func (s *sqlStore) WithinUnit(ctx context.Context, fn func(Repositories) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin unit", err)
	}
	if err := fn(s.repos(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit unit", err)
	}
	return nil
}

func (s *sqlStore) UpsertPatient(ctx context.Context, p model.Patient) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).UpsertPatient(ctx, p)
}

func (s *sqlStore) GetPatient(ctx context.Context, id string) (model.Patient, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).GetPatient(ctx, id)
}

func (s *sqlStore) UpsertState(ctx context.Context, st model.CurrentState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).UpsertState(ctx, st)
}

func (s *sqlStore) GetState(ctx context.Context, patientID string) (model.CurrentState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).GetState(ctx, patientID)
}

func (s *sqlStore) ListStates(ctx context.Context, onlyWarnings bool) ([]model.CurrentState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).ListStates(ctx, onlyWarnings)
}

func (s *sqlStore) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).AppendHistory(ctx, e)
}

func (s *sqlStore) ListHistory(ctx context.Context, patientID string, limit int) ([]model.HistoryEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).ListHistory(ctx, patientID, limit)
}

func (s *sqlStore) AppendAlert(ctx context.Context, a model.AlertEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).AppendAlert(ctx, a)
}

func (s *sqlStore) ListAlerts(ctx context.Context, patientID string, limit int) ([]model.AlertEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.repos(s.db).ListAlerts(ctx, patientID, limit)
}

type sqlRepos struct {
	q querier
	d dialect
}

func (r *sqlRepos) UpsertPatient(ctx context.Context, p model.Patient) error {
	now := p.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	created := p.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := r.q.ExecContext(ctx, r.d.rebind(
		`INSERT INTO patients (patient_id, name, device_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET
			name = excluded.name,
			device_id = CASE WHEN excluded.device_id <> '' THEN excluded.device_id ELSE patients.device_id END,
			updated_at = excluded.updated_at`),
		p.ID,
		p.Name,
		p.DeviceID,
		r.d.encodeTime(created),
		r.d.encodeTime(now),
	)
	return storageErr("upsert patient", err)
}

func (r *sqlRepos) GetPatient(ctx context.Context, id string) (model.Patient, error) {
	var p model.Patient
	var created, updated dbTime
	err := r.q.QueryRowContext(ctx, r.d.rebind(
		`SELECT patient_id, name, device_id, created_at, updated_at FROM patients WHERE patient_id = ?`), id).
		Scan(&p.ID, &p.Name, &p.DeviceID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Patient{}, fmt.Errorf("patient %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Patient{}, storageErr("get patient", err)
	}
	p.CreatedAt = created.t
	p.UpdatedAt = updated.t
	return p, nil
}

func (r *sqlRepos) UpsertState(ctx context.Context, s model.CurrentState) error {
	updated := s.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := r.q.ExecContext(ctx, r.d.rebind(
		`INSERT INTO current_states (
			patient_id, patient_name, heart_rate, spo2, temperature, fall_detected,
			sev_heart_rate, sev_spo2, sev_temperature, sev_fall_motion,
			final_severity, alert_active, message, ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET
			patient_name = excluded.patient_name,
			heart_rate = excluded.heart_rate,
			spo2 = excluded.spo2,
			temperature = excluded.temperature,
			fall_detected = excluded.fall_detected,
			sev_heart_rate = excluded.sev_heart_rate,
			sev_spo2 = excluded.sev_spo2,
			sev_temperature = excluded.sev_temperature,
			sev_fall_motion = excluded.sev_fall_motion,
			final_severity = excluded.final_severity,
			alert_active = excluded.alert_active,
			message = excluded.message,
			ts = excluded.ts,
			updated_at = excluded.updated_at`),
		s.PatientID,
		s.PatientName,
		nullFloat(s.Vitals.HeartRate),
		nullFloat(s.Vitals.SpO2),
		nullFloat(s.Vitals.Temperature),
		nullBool(s.Vitals.FallDetected),
		string(s.SeverityReport.HeartRate),
		string(s.SeverityReport.SpO2),
		string(s.SeverityReport.Temperature),
		string(s.SeverityReport.FallMotion),
		string(s.FinalSeverity),
		s.AlertActive,
		s.Message,
		r.d.encodeTime(s.Timestamp),
		r.d.encodeTime(updated),
	)
	return storageErr("upsert state", err)
}

const stateColumns = `patient_id, patient_name, heart_rate, spo2, temperature, fall_detected,
	sev_heart_rate, sev_spo2, sev_temperature, sev_fall_motion,
	final_severity, alert_active, message, ts, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (model.CurrentState, error) {
	var s model.CurrentState
	var hr, spo2, temp sql.NullFloat64
	var fall sql.NullBool
	var sevHR, sevSpO2, sevTemp, sevFall, final string
	var ts, updated dbTime
	if err := row.Scan(&s.PatientID, &s.PatientName, &hr, &spo2, &temp, &fall,
		&sevHR, &sevSpO2, &sevTemp, &sevFall, &final, &s.AlertActive, &s.Message, &ts, &updated); err != nil {
		return model.CurrentState{}, err
	}
	s.Vitals = model.Vitals{
		HeartRate:    floatPtr(hr),
		SpO2:         floatPtr(spo2),
		Temperature:  floatPtr(temp),
		FallDetected: boolPtr(fall),
	}
	s.SeverityReport = model.SeverityReport{
		HeartRate:   model.Severity(sevHR),
		SpO2:        model.Severity(sevSpO2),
		Temperature: model.Severity(sevTemp),
		FallMotion:  model.Severity(sevFall),
	}
	s.FinalSeverity = model.Severity(final)
	s.Timestamp = ts.t
	s.UpdatedAt = updated.t
	return s, nil
}

func (r *sqlRepos) GetState(ctx context.Context, patientID string) (model.CurrentState, error) {
	row := r.q.QueryRowContext(ctx, r.d.rebind(
		`SELECT `+stateColumns+` FROM current_states WHERE patient_id = ?`), patientID)
	s, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CurrentState{}, fmt.Errorf("state for %s: %w", patientID, model.ErrNotFound)
	}
	if err != nil {
		return model.CurrentState{}, storageErr("get state", err)
	}
	return s, nil
}

func (r *sqlRepos) ListStates(ctx context.Context, onlyWarnings bool) ([]model.CurrentState, error) {
	query := `SELECT ` + stateColumns + ` FROM current_states`
	var args []any
	if onlyWarnings {
		query += ` WHERE final_severity IN (?, ?) OR alert_active = ?`
		args = append(args, string(model.SeverityWarning), string(model.SeverityCritical), true)
	}
	query += ` ORDER BY ts DESC, patient_id ASC`
	rows, err := r.q.QueryContext(ctx, r.d.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list states", err)
	}
	defer rows.Close()
	out := make([]model.CurrentState, 0)
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, storageErr("scan state", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list states", err)
	}
	return out, nil
}

func (r *sqlRepos) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	_, err := r.q.ExecContext(ctx, r.d.rebind(
		`INSERT INTO history (id, patient_id, heart_rate, spo2, temperature, fall_detected, final_severity, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID,
		e.PatientID,
		nullFloat(e.Vitals.HeartRate),
		nullFloat(e.Vitals.SpO2),
		nullFloat(e.Vitals.Temperature),
		nullBool(e.Vitals.FallDetected),
		string(e.FinalSeverity),
		r.d.encodeTime(e.Timestamp),
	)
	return storageErr("append history", err)
}

func (r *sqlRepos) ListHistory(ctx context.Context, patientID string, limit int) ([]model.HistoryEntry, error) {
	rows, err := r.q.QueryContext(ctx, r.d.rebind(
		`SELECT id, patient_id, heart_rate, spo2, temperature, fall_detected, final_severity, ts
		FROM history WHERE patient_id = ? ORDER BY ts DESC, id DESC LIMIT ?`), patientID, limit)
	if err != nil {
		return nil, storageErr("list history", err)
	}
	defer rows.Close()
	out := make([]model.HistoryEntry, 0)
	for rows.Next() {
		var e model.HistoryEntry
		var hr, spo2, temp sql.NullFloat64
		var fall sql.NullBool
		var final string
		var ts dbTime
		if err := rows.Scan(&e.ID, &e.PatientID, &hr, &spo2, &temp, &fall, &final, &ts); err != nil {
			return nil, storageErr("scan history", err)
		}
		e.Vitals = model.Vitals{
			HeartRate:    floatPtr(hr),
			SpO2:         floatPtr(spo2),
			Temperature:  floatPtr(temp),
			FallDetected: boolPtr(fall),
		}
		e.FinalSeverity = model.Severity(final)
		e.Timestamp = ts.t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list history", err)
	}
	return out, nil
}

func (r *sqlRepos) AppendAlert(ctx context.Context, a model.AlertEvent) error {
	if a.ID == "" {
		a.ID = newID()
	}
	_, err := r.q.ExecContext(ctx, r.d.rebind(
		`INSERT INTO alerts (id, patient_id, severity, message, ts) VALUES (?, ?, ?, ?, ?)`),
		a.ID,
		a.PatientID,
		string(a.Severity),
		a.Message,
		r.d.encodeTime(a.Timestamp),
	)
	return storageErr("append alert", err)
}

func (r *sqlRepos) ListAlerts(ctx context.Context, patientID string, limit int) ([]model.AlertEvent, error) {
	rows, err := r.q.QueryContext(ctx, r.d.rebind(
		`SELECT id, patient_id, severity, message, ts
		FROM alerts WHERE patient_id = ? ORDER BY ts DESC, id DESC LIMIT ?`), patientID, limit)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()
	out := make([]model.AlertEvent, 0)
	for rows.Next() {
		var a model.AlertEvent
		var severity string
		var ts dbTime
		if err := rows.Scan(&a.ID, &a.PatientID, &severity, &a.Message, &ts); err != nil {
			return nil, storageErr("scan alert", err)
		}
		a.Severity = model.Severity(severity)
		a.Timestamp = ts.t
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list alerts", err)
	}
	return out, nil
}

const textTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dbTime scans both native timestamps and the fixed-width text form used
// where the driver has no timestamp type.
type dbTime struct {
	t time.Time
}

func (d *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		d.t = v.UTC()
		return nil
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case nil:
		d.t = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported time value %T", src)
}

func (d *dbTime) parse(v string) error {
	t, err := time.Parse(textTimeLayout, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return err
		}
	}
	d.t = t.UTC()
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullBool(v *bool) sql.NullBool {
	if v == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	out := v.Bool
	return &out
}
