package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vitalwatch/internal/auth"
	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
	"vitalwatch/internal/storage"
)

type allowAll struct{}

func (allowAll) AuthorizeIngest(context.Context, auth.Principal) error { return nil }

type denyAll struct{}

func (denyAll) AuthorizeIngest(context.Context, auth.Principal) error {
	return errors.New("nope")
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.AlertEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev model.AlertEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

type failingRepos struct {
	storage.Repositories
}

func (failingRepos) AppendHistory(context.Context, model.HistoryEntry) error {
	return errors.New("disk full")
}

type failingStore struct {
	*storage.Memory
}

func (f failingStore) WithinUnit(ctx context.Context, fn func(storage.Repositories) error) error {
	return f.Memory.WithinUnit(ctx, func(r storage.Repositories) error {
		return fn(failingRepos{r})
	})
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newEngineForTest(store storage.UnitRunner, opts ...Option) *Engine {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewEngine(store, allowAll{}, nil, opts...)
}

func f64(v float64) *float64 { return &v }

func TestIngestJaneExample(t *testing.T) {
	mem := storage.NewMemory()
	notifier := &recordingNotifier{}
	eng := newEngineForTest(mem, WithNotifier(notifier))
	ctx := context.Background()

	err := eng.Ingest(ctx, normalize.Payload{
		PatientID:     "P1",
		PatientName:   "Jane",
		Vitals:        normalize.VitalsFields{HeartRate: f64(180)},
		FinalSeverity: "CRITICAL",
		AlertActive:   true,
		Message:       "Tachycardia",
	}, auth.Broker("kafka"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	state, err := mem.GetState(ctx, "P1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.FinalSeverity != model.SeverityCritical || !state.AlertActive {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.PatientName != "Jane" || !state.Timestamp.Equal(fixedNow) {
		t.Fatalf("name/timestamp: %+v", state)
	}
	if state.Vitals.SpO2 != nil || state.Vitals.HeartRate == nil || *state.Vitals.HeartRate != 180 {
		t.Fatalf("vitals: %+v", state.Vitals)
	}
	list, _ := mem.ListAlerts(ctx, "P1", 50)
	if len(list) != 1 || list[0].Severity != model.SeverityCritical || list[0].Message != "Tachycardia" {
		t.Fatalf("alerts: %+v", list)
	}
	if len(notifier.events) != 1 || notifier.events[0].ID != list[0].ID {
		t.Fatalf("notifier should see the committed alert: %+v", notifier.events)
	}
	p, err := mem.GetPatient(ctx, "P1")
	if err != nil || p.Name != "Jane" {
		t.Fatalf("patient: %+v %v", p, err)
	}
}

func TestSecondIngestReplacesState(t *testing.T) {
	mem := storage.NewMemory()
	eng := newEngineForTest(mem)
	ctx := context.Background()
	first := normalize.Payload{
		PatientID:   "P2",
		PatientName: "Ann",
		Vitals:      normalize.VitalsFields{HeartRate: f64(70), SpO2: f64(98), Temperature: f64(36.6)},
	}
	second := normalize.Payload{
		PatientID:   "P2",
		PatientName: "Ann",
		Vitals:      normalize.VitalsFields{SpO2: f64(91)},
	}
	for _, p := range []normalize.Payload{first, second} {
		if err := eng.Ingest(ctx, p, auth.Broker("mqtt")); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	state, _ := mem.GetState(ctx, "P2")
	if state.Vitals.HeartRate != nil || state.Vitals.Temperature != nil {
		t.Fatalf("absent channels must overwrite earlier values: %+v", state.Vitals)
	}
	if state.Vitals.SpO2 == nil || *state.Vitals.SpO2 != 91 {
		t.Fatalf("spo2: %+v", state.Vitals)
	}
	history, _ := mem.ListHistory(ctx, "P2", 200)
	if len(history) != 2 {
		t.Fatalf("every ingest appends history, got %d", len(history))
	}
	alerts, _ := mem.ListAlerts(ctx, "P2", 50)
	if len(alerts) != 0 {
		t.Fatalf("no alert expected for unlabelled readings: %+v", alerts)
	}
}

func TestIngestAlertPolicy(t *testing.T) {
	cases := []struct {
		name     string
		payload  normalize.Payload
		severity model.Severity
		message  string
	}{
		{
			name:     "normal escalated by flag",
			payload:  normalize.Payload{FinalSeverity: "NORMAL", AlertActive: true},
			severity: model.SeverityCritical,
			message:  "Alert",
		},
		{
			name:     "warning without flag",
			payload:  normalize.Payload{FinalSeverity: "warning"},
			severity: model.SeverityWarning,
			message:  "Alert",
		},
		{
			name:     "message only",
			payload:  normalize.Payload{FinalSeverity: "NORMAL", Message: "check lead"},
			severity: model.SeverityNormal,
			message:  "check lead",
		},
		{
			name:     "whitespace message",
			payload:  normalize.Payload{FinalSeverity: "NORMAL", Message: "   "},
			severity: model.SeverityNormal,
			message:  "   ",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mem := storage.NewMemory()
			eng := newEngineForTest(mem)
			tc.payload.PatientID = "P3"
			tc.payload.PatientName = "Bo"
			if err := eng.Ingest(context.Background(), tc.payload, auth.Broker("kafka")); err != nil {
				t.Fatalf("ingest: %v", err)
			}
			list, _ := mem.ListAlerts(context.Background(), "P3", 50)
			if len(list) != 1 || list[0].Severity != tc.severity || list[0].Message != tc.message {
				t.Fatalf("alerts: %+v", list)
			}
		})
	}
}

func TestRepeatedAlertsAreNotDeduplicated(t *testing.T) {
	mem := storage.NewMemory()
	eng := newEngineForTest(mem)
	p := normalize.Payload{PatientID: "P4", PatientName: "Cy", FinalSeverity: "CRITICAL"}
	for i := 0; i < 3; i++ {
		if err := eng.Ingest(context.Background(), p, auth.Broker("kafka")); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	list, _ := mem.ListAlerts(context.Background(), "P4", 50)
	if len(list) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(list))
	}
}

func TestIngestRejections(t *testing.T) {
	mem := storage.NewMemory()
	ctx := context.Background()

	denied := NewEngine(mem, denyAll{}, nil)
	err := denied.Ingest(ctx, normalize.Payload{PatientID: "P5", PatientName: "Di"}, auth.Broker("kafka"))
	if !errors.Is(err, model.ErrAuthDenied) {
		t.Fatalf("expected auth denied, got %v", err)
	}

	eng := newEngineForTest(mem)
	err = eng.Ingest(ctx, normalize.Payload{PatientID: "P5", PatientName: "  "}, auth.Broker("kafka"))
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	err = eng.Ingest(ctx, normalize.Payload{PatientID: "P5", PatientName: "Di", Timestamp: "yesterday"}, auth.Broker("kafka"))
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error for bad timestamp, got %v", err)
	}
	if _, err := mem.GetPatient(ctx, "P5"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("rejected ingestions must not create patients: %v", err)
	}
}

func TestStorageFailureLeavesNoPartialEffects(t *testing.T) {
	mem := storage.NewMemory()
	notifier := &recordingNotifier{}
	eng := newEngineForTest(failingStore{mem}, WithNotifier(notifier))
	ctx := context.Background()

	err := eng.Ingest(ctx, normalize.Payload{PatientID: "P6", PatientName: "Ed", FinalSeverity: "CRITICAL"}, auth.Broker("kafka"))
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, err := mem.GetPatient(ctx, "P6"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("patient upsert should have rolled back: %v", err)
	}
	if _, err := mem.GetState(ctx, "P6"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("state upsert should have rolled back: %v", err)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("nothing committed, nothing to notify")
	}
}

func TestNotifyFailureDoesNotFailIngest(t *testing.T) {
	mem := storage.NewMemory()
	notifier := &recordingNotifier{err: errors.New("broker down")}
	eng := newEngineForTest(mem, WithNotifier(notifier))
	err := eng.Ingest(context.Background(), normalize.Payload{PatientID: "P7", PatientName: "Fi", FinalSeverity: "WARNING"}, auth.Broker("kafka"))
	if err != nil {
		t.Fatalf("notify failure leaked into ingest: %v", err)
	}
	list, _ := mem.ListAlerts(context.Background(), "P7", 50)
	if len(list) != 1 {
		t.Fatalf("alert should be recorded regardless: %+v", list)
	}
}

func TestConcurrentIngestSamePatient(t *testing.T) {
	mem := storage.NewMemory()
	eng := NewEngine(mem, allowAll{}, nil)
	ctx := context.Background()
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- eng.Ingest(ctx, normalize.Payload{
				PatientID:     "P8",
				PatientName:   fmt.Sprintf("Gus %d", i),
				Vitals:        normalize.VitalsFields{HeartRate: f64(float64(60 + i))},
				FinalSeverity: "CRITICAL",
			}, auth.Broker("kafka"))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	history, _ := mem.ListHistory(ctx, "P8", 2000)
	alerts, _ := mem.ListAlerts(ctx, "P8", 2000)
	if len(history) != n || len(alerts) != n {
		t.Fatalf("history=%d alerts=%d, want %d each", len(history), len(alerts), n)
	}
	state, _ := mem.GetState(ctx, "P8")
	// State and patient name come from the same ingestion.
	want := fmt.Sprintf("Gus %d", int(*state.Vitals.HeartRate)-60)
	if state.PatientName != want {
		t.Fatalf("state fields interleaved: name %q, heart rate %v", state.PatientName, *state.Vitals.HeartRate)
	}
}
