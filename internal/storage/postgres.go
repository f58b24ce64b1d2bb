package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS patients (
			patient_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS current_states (
			patient_id TEXT PRIMARY KEY,
			patient_name TEXT NOT NULL,
			heart_rate DOUBLE PRECISION,
			spo2 DOUBLE PRECISION,
			temperature DOUBLE PRECISION,
			fall_detected BOOLEAN,
			sev_heart_rate TEXT NOT NULL,
			sev_spo2 TEXT NOT NULL,
			sev_temperature TEXT NOT NULL,
			sev_fall_motion TEXT NOT NULL,
			final_severity TEXT NOT NULL,
			alert_active BOOLEAN NOT NULL,
			message TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_current_states_ts ON current_states(ts DESC)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			heart_rate DOUBLE PRECISION,
			spo2 DOUBLE PRECISION,
			temperature DOUBLE PRECISION,
			fall_detected BOOLEAN,
			final_severity TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_patient_ts ON history(patient_id, ts DESC)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_patient_ts ON alerts(patient_id, ts DESC)`,
	},
	encodeTime: func(t time.Time) any {
		return t.UTC()
	},
}

func NewPostgres(dsn string, timeout time.Duration) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/vitalwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &sqlStore{db: db, d: postgresDialect, timeout: timeout}, nil
}
