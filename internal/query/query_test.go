package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vitalwatch/internal/model"
	"vitalwatch/internal/storage"
)

func seed(t *testing.T) *storage.Memory {
	t.Helper()
	mem := storage.NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	states := []model.CurrentState{
		{PatientID: "calm", FinalSeverity: model.SeverityNormal, Timestamp: base},
		{PatientID: "info", FinalSeverity: model.SeverityInfo, Timestamp: base.Add(time.Minute)},
		{PatientID: "warn", FinalSeverity: model.SeverityWarning, Timestamp: base.Add(2 * time.Minute)},
		{PatientID: "flag", FinalSeverity: model.SeverityNormal, AlertActive: true, Timestamp: base.Add(3 * time.Minute)},
		{PatientID: "crit", FinalSeverity: model.SeverityCritical, Timestamp: base.Add(4 * time.Minute)},
	}
	for _, s := range states {
		if err := mem.UpsertState(ctx, s); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if err := mem.AppendHistory(ctx, model.HistoryEntry{PatientID: "crit", FinalSeverity: model.SeverityCritical, Timestamp: ts}); err != nil {
			t.Fatalf("seed history: %v", err)
		}
		if err := mem.AppendAlert(ctx, model.AlertEvent{PatientID: "crit", Severity: model.SeverityCritical, Message: "Alert", Timestamp: ts}); err != nil {
			t.Fatalf("seed alert: %v", err)
		}
	}
	return mem
}

func ids(states []model.CurrentState) string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.PatientID)
	}
	return fmt.Sprint(out)
}

func TestListCurrentStates(t *testing.T) {
	svc := NewService(seed(t))
	ctx := context.Background()
	all, err := svc.ListCurrentStates(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := ids(all); got != "[crit flag warn info calm]" {
		t.Fatalf("all states: %s", got)
	}
	warn, _ := svc.ListCurrentStates(ctx, Filter{OnlyWarnings: true})
	if got := ids(warn); got != "[crit flag warn]" {
		t.Fatalf("warnings: %s", got)
	}
}

func TestGetCurrentStateNotFound(t *testing.T) {
	svc := NewService(seed(t))
	if _, err := svc.GetCurrentState(context.Background(), "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.GetPatient(context.Background(), "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListHistoryLimit(t *testing.T) {
	svc := NewService(seed(t))
	ctx := context.Background()
	list, err := svc.ListHistory(ctx, "crit", 5)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].Timestamp.After(list[i-1].Timestamp) {
			t.Fatalf("history not newest first at %d", i)
		}
	}
	one, _ := svc.ListAlerts(ctx, "crit", 0)
	if len(one) != 1 {
		t.Fatalf("limit 0 clamps to 1, got %d", len(one))
	}
	none, _ := svc.ListAlerts(ctx, "ghost", 50)
	if none == nil || len(none) != 0 {
		t.Fatalf("unknown patient yields an empty list: %#v", none)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		raw  string
		def  int
		want int
	}{
		{"", DefaultHistoryLimit, 200},
		{"abc", DefaultAlertLimit, 50},
		{"5", DefaultAlertLimit, 5},
		{"0", DefaultAlertLimit, 1},
		{"-3", DefaultAlertLimit, 1},
		{"99999", DefaultHistoryLimit, MaxLimit},
	}
	for _, tc := range cases {
		if got := ParseLimit(tc.raw, tc.def); got != tc.want {
			t.Fatalf("ParseLimit(%q, %d) = %d, want %d", tc.raw, tc.def, got, tc.want)
		}
	}
}
