package alerts

import (
	"vitalwatch/internal/model"
)

const DefaultMessage = "Alert"

// Evaluate decides whether r produces an alert event. Events are never
// deduplicated: every qualifying reading yields one.
func Evaluate(r model.Reading) (model.AlertEvent, bool) {
	if !r.AlertActive && !r.FinalSeverity.IsUrgent() && r.Message == "" {
		return model.AlertEvent{}, false
	}
	severity := r.FinalSeverity
	// An operator-raised alert is never recorded as NORMAL.
	if severity == model.SeverityNormal && r.AlertActive {
		severity = model.SeverityCritical
	}
	message := r.Message
	if message == "" {
		message = DefaultMessage
	}
	return model.AlertEvent{
		PatientID: r.PatientID,
		Severity:  severity,
		Message:   message,
		Timestamp: r.Timestamp,
	}, true
}
