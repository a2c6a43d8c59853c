package tracecore

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPReporterExportsBatchToCollector(t *testing.T) {
	var received int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewHTTPReporter(ReporterConfig{
		Endpoint:      srv.URL,
		BatchSize:     2,
		FlushInterval: 50 * time.Millisecond,
		Timeout:       time.Second,
	}, testLogger())
	defer r.Close(time.Second)

	ctx := newContext("t1", "s1", "", true, 10)
	ctx.Activate()
	ctx.Complete(200)
	r.Submit(ctx)

	deadline := time.After(time.Second)
	for atomic.LoadInt64(&received) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected the reporter to flush and call the collector endpoint")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHTTPReporterDropsOnFullQueue(t *testing.T) {
	r := NewHTTPReporter(ReporterConfig{QueueSize: 1, FlushInterval: time.Hour}, testLogger())
	defer r.Close(time.Second)

	ctx1 := newContext("t1", "s1", "", true, 10)
	ctx2 := newContext("t2", "s2", "", true, 10)
	ctx3 := newContext("t3", "s3", "", true, 10)

	r.Submit(ctx1)
	r.Submit(ctx2) // fills the 1-slot buffer behind ctx1 racily, or drops
	r.Submit(ctx3)

	_, failed, dropped := r.Stats()
	if dropped == 0 && failed == 0 {
		t.Skip("timing-dependent: queue drained before the third submit landed")
	}
}

func TestHTTPReporterNoEndpointStillCountsReported(t *testing.T) {
	r := NewHTTPReporter(ReporterConfig{BatchSize: 1, FlushInterval: 20 * time.Millisecond}, testLogger())
	defer r.Close(time.Second)

	ctx := newContext("t1", "s1", "", true, 10)
	r.Submit(ctx)

	deadline := time.After(time.Second)
	for {
		reported, _, _ := r.Stats()
		if reported >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected reported count to increment even without a configured endpoint")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLogExporterCountsSubmissions(t *testing.T) {
	l := NewLogExporter(testLogger())
	ctx := newContext("t1", "s1", "", true, 10)
	ctx.Complete(200)
	l.Submit(ctx)
	l.Submit(ctx)

	if l.Count() != 2 {
		t.Fatalf("expected count 2, got %d", l.Count())
	}
}
