package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.Ingested("http", ResultAccepted)
	c.Ingested("http", ResultAccepted)
	c.Ingested("", ResultInvalid)
	c.Alerted("CRITICAL")
	c.NotifyFailed()

	if got := testutil.ToFloat64(c.IngestTotal.WithLabelValues("http", ResultAccepted)); got != 2 {
		t.Fatalf("accepted count: %v", got)
	}
	if got := testutil.ToFloat64(c.IngestTotal.WithLabelValues("unknown", ResultInvalid)); got != 1 {
		t.Fatalf("unknown source count: %v", got)
	}
	if got := testutil.ToFloat64(c.AlertsTotal.WithLabelValues("CRITICAL")); got != 1 {
		t.Fatalf("alerts count: %v", got)
	}
	if got := testutil.ToFloat64(c.NotifyFailures); got != 1 {
		t.Fatalf("notify failures: %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.Ingested("http", ResultAccepted)
	c.Alerted("WARNING")
	c.NotifyFailed()
	c.ObserveRequest("GET", "/", 200, time.Millisecond)
}

func TestHandlerExposesSeries(t *testing.T) {
	c := New()
	c.ObserveRequest("GET", "/api/dashboard/patients", 200, 5*time.Millisecond)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `vitalwatch_http_requests_total{method="GET",route="/api/dashboard/patients",status="200"} 1`) {
		t.Fatalf("series missing from exposition:\n%s", body)
	}
}
