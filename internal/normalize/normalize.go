package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vitalwatch/internal/model"
)

// Payload is a reading as submitted by a device or gateway. Severity and flag
// fields are untyped because upstream devices send them in whatever shape they like.
type Payload struct {
	PatientID      string         `json:"patientId"`
	PatientName    string         `json:"patientName"`
	Name           string         `json:"name"`
	DeviceID       string         `json:"deviceId"`
	Vitals         VitalsFields   `json:"vitals"`
	SeverityReport SeverityFields `json:"severityReport"`
	FinalSeverity  any            `json:"finalSeverity"`
	AlertActive    any            `json:"alertActive"`
	Message        string         `json:"message"`
	Timestamp      any            `json:"timestamp"`
}

type VitalsFields struct {
	HeartRate    *float64 `json:"heartRate"`
	SpO2         *float64 `json:"spo2"`
	Temperature  *float64 `json:"temperature"`
	FallDetected *bool    `json:"fallDetected"`
}

type SeverityFields struct {
	HeartRate   any `json:"heartRate"`
	SpO2        any `json:"spo2"`
	Temperature any `json:"temperature"`
	FallMotion  any `json:"fallMotion"`
}

// Severity maps any raw label onto the four-valued scale. Anything that is not
// exactly one of the known labels becomes INFO, never NORMAL.
func Severity(raw any) model.Severity {
	s, ok := raw.(string)
	if !ok {
		return model.SeverityInfo
	}
	switch sev := model.Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case model.SeverityCritical, model.SeverityWarning, model.SeverityInfo, model.SeverityNormal:
		return sev
	}
	return model.SeverityInfo
}

func Report(fields SeverityFields) model.SeverityReport {
	return model.SeverityReport{
		HeartRate:   Severity(fields.HeartRate),
		SpO2:        Severity(fields.SpO2),
		Temperature: Severity(fields.Temperature),
		FallMotion:  Severity(fields.FallMotion),
	}
}

// Reading validates p and produces the normalized form. now is used when the
// payload carries no timestamp.
func Reading(p Payload, now time.Time) (model.Reading, error) {
	patientID := strings.TrimSpace(p.PatientID)
	if patientID == "" {
		return model.Reading{}, model.Invalid("patientId", "required")
	}
	name := strings.TrimSpace(p.PatientName)
	if name == "" {
		name = strings.TrimSpace(p.Name)
	}
	if name == "" {
		return model.Reading{}, model.Invalid("patientName", "required")
	}

	ts := now.UTC()
	if !isAbsent(p.Timestamp) {
		parsed, err := ParseTimestampValue(p.Timestamp)
		if err != nil {
			return model.Reading{}, model.Invalid("timestamp", err.Error())
		}
		ts = parsed.UTC()
	}

	return model.Reading{
		PatientID:   patientID,
		PatientName: name,
		DeviceID:    strings.TrimSpace(p.DeviceID),
		Vitals: model.Vitals{
			HeartRate:    copyFloat(p.Vitals.HeartRate),
			SpO2:         copyFloat(p.Vitals.SpO2),
			Temperature:  copyFloat(p.Vitals.Temperature),
			FallDetected: copyBool(p.Vitals.FallDetected),
		},
		Report:        Report(p.SeverityReport),
		FinalSeverity: Severity(p.FinalSeverity),
		AlertActive:   Flag(p.AlertActive),
		Message:       p.Message,
		Timestamp:     ts,
	}, nil
}

// Flag reads a loosely typed boolean: true, "true", "1", 1.
func Flag(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v == 1
	}
	return false
}

func isAbsent(raw any) bool {
	if raw == nil {
		return true
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return true
	}
	return false
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func copyBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// ParseTimestampValue accepts a timestamp string or a JSON number of unix
// seconds or milliseconds.
func ParseTimestampValue(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		return ParseTimestamp(v, time.UTC)
	case float64:
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
			return time.Time{}, fmt.Errorf("invalid epoch value: %v", v)
		}
		return parseUnix(strconv.FormatInt(int64(v), 10))
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
