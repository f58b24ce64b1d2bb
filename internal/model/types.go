package model

import "time"

type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities by urgency. Unknown values rank with INFO.
func (s Severity) Rank() int {
	switch s {
	case SeverityNormal:
		return 0
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

func (s Severity) IsUrgent() bool {
	return s.Rank() >= SeverityWarning.Rank()
}

// Vitals channels are nil when the device did not measure them this cycle.
type Vitals struct {
	HeartRate    *float64 `json:"heartRate"`
	SpO2         *float64 `json:"spo2"`
	Temperature  *float64 `json:"temperature"`
	FallDetected *bool    `json:"fallDetected"`
}

type SeverityReport struct {
	HeartRate   Severity `json:"heartRate"`
	SpO2        Severity `json:"spo2"`
	Temperature Severity `json:"temperature"`
	FallMotion  Severity `json:"fallMotion"`
}

type Patient struct {
	ID        string    `json:"patientId"`
	Name      string    `json:"name"`
	DeviceID  string    `json:"deviceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CurrentState struct {
	PatientID      string         `json:"patientId"`
	PatientName    string         `json:"patientName"`
	Vitals         Vitals         `json:"vitals"`
	SeverityReport SeverityReport `json:"severityReport"`
	FinalSeverity  Severity       `json:"finalSeverity"`
	AlertActive    bool           `json:"alertActive"`
	Message        string         `json:"message"`
	Timestamp      time.Time      `json:"timestamp"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// NeedsAttention reports whether the state belongs on the warnings-only dashboard.
func (s CurrentState) NeedsAttention() bool {
	return s.AlertActive || s.FinalSeverity.IsUrgent()
}

type HistoryEntry struct {
	ID            string    `json:"id"`
	PatientID     string    `json:"patientId"`
	Vitals        Vitals    `json:"vitals"`
	FinalSeverity Severity  `json:"finalSeverity"`
	Timestamp     time.Time `json:"timestamp"`
}

type AlertEvent struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patientId"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Reading is one validated, normalized ingestion.
type Reading struct {
	PatientID     string
	PatientName   string
	DeviceID      string
	Vitals        Vitals
	Report        SeverityReport
	FinalSeverity Severity
	AlertActive   bool
	Message       string
	Timestamp     time.Time
	Source        string
}
