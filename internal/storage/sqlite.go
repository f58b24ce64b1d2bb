package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS patients (
			patient_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS current_states (
			patient_id TEXT PRIMARY KEY,
			patient_name TEXT NOT NULL,
			heart_rate REAL,
			spo2 REAL,
			temperature REAL,
			fall_detected INTEGER,
			sev_heart_rate TEXT NOT NULL,
			sev_spo2 TEXT NOT NULL,
			sev_temperature TEXT NOT NULL,
			sev_fall_motion TEXT NOT NULL,
			final_severity TEXT NOT NULL,
			alert_active INTEGER NOT NULL,
			message TEXT NOT NULL,
			ts TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_current_states_ts ON current_states(ts)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			heart_rate REAL,
			spo2 REAL,
			temperature REAL,
			fall_detected INTEGER,
			final_severity TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_patient_ts ON history(patient_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			ts TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_patient_ts ON alerts(patient_id, ts)`,
	},
	encodeTime: func(t time.Time) any {
		return t.UTC().Format(textTimeLayout)
	},
}

func NewSQLite(dsn string, timeout time.Duration) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:vitalwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps units from
	// failing with SQLITE_BUSY instead of queueing.
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: sqliteDialect, timeout: timeout}, nil
}
