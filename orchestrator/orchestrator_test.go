package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ridgeline-gateway/core/audit"
	"github.com/ridgeline-gateway/core/qpsmetrics"
	"github.com/ridgeline-gateway/core/ratelimit"
	"github.com/ridgeline-gateway/core/tracecore"
)

type alwaysAllow struct{}

func (alwaysAllow) Allow(ctx context.Context, key string) bool { return true }

type alwaysDeny struct{}

func (alwaysDeny) Allow(ctx context.Context, key string) bool { return false }

type discardSink struct{}

func (discardSink) WriteBatch(entries []audit.Event) error { return nil }
func (discardSink) Close() error                            { return nil }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newTestOrchestrator(limiter RateLimiter) *Orchestrator {
	traceManager := tracecore.NewManager("test-svc", true, 1.0, 100, time.Minute, tracecore.NewLogExporter(testLogger()), testLogger())
	qps := qpsmetrics.NewEngine()
	auditPipeline := audit.NewPipeline(audit.Config{Enabled: false}, discardSink{}, testLogger())
	return New(traceManager, limiter, nil, qps, auditPipeline, testLogger())
}

func TestOrchestratorRunsBackendWhenAdmitted(t *testing.T) {
	orch := newTestOrchestrator(alwaysAllow{})
	ranBackend := false

	handler := orch.Handle(func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		ranBackend = true
		w.WriteHeader(http.StatusOK)
		return http.StatusOK, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if !ranBackend {
		t.Fatal("expected backend to run when the limiter admits")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace headers to be injected on the response")
	}
}

func TestOrchestratorRejectsWithStructuredBodyWhenDenied(t *testing.T) {
	orch := newTestOrchestrator(alwaysDeny{})
	ranBackend := false

	handler := orch.Handle(func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		ranBackend = true
		return http.StatusOK, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if ranBackend {
		t.Fatal("expected backend to be skipped when rate limit denies (short-circuit)")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", rec.Header().Get("Retry-After"))
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if body["code"].(float64) != 429 {
		t.Fatalf("expected code 429 in body, got %v", body["code"])
	}
	if body["queueStatus"] != "rejected" {
		t.Fatalf("expected queueStatus=rejected, got %v", body["queueStatus"])
	}
}

func TestOrchestratorEgressStagesRunEvenOnShortCircuit(t *testing.T) {
	orch := newTestOrchestrator(alwaysDeny{})
	handler := orch.Handle(func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		return http.StatusOK, nil
	})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	snap := orch.qps.Snapshot()
	if snap[qpsmetrics.DimensionGlobal]["global"] != 1 {
		t.Fatal("expected QPS to be recorded even when the request was rejected (egress-only logic always runs)")
	}
}

func TestOrchestratorQueuedBackendRespectsMaxConcurrency(t *testing.T) {
	queued := ratelimit.NewQueuedLimiter(ratelimit.QueueConfig{
		MaxQueueSize:   20,
		MaxWaitTime:    time.Second,
		MaxConcurrency: 2,
	}, alwaysDeny{}, testLogger())

	traceManager := tracecore.NewManager("test-svc", true, 1.0, 100, time.Minute, tracecore.NewLogExporter(testLogger()), testLogger())
	qps := qpsmetrics.NewEngine()
	auditPipeline := audit.NewPipeline(audit.Config{Enabled: false}, discardSink{}, testLogger())
	orch := New(traceManager, alwaysDeny{}, queued, qps, auditPipeline, testLogger())

	var (
		current  int64
		maxSeen  int64
		backends int64
	)
	handler := orch.Handle(func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		atomic.AddInt64(&backends, 1)
		n := atomic.AddInt64(&current, 1)
		for {
			seen := atomic.LoadInt64(&maxSeen)
			if n <= seen || atomic.CompareAndSwapInt64(&maxSeen, seen, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		w.WriteHeader(http.StatusOK)
		return http.StatusOK, nil
	})

	const requests = 6
	var wg sync.WaitGroup
	wg.Add(requests)
	for i := 0; i < requests; i++ {
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			rec := httptest.NewRecorder()
			handler(rec, req)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&backends) != requests {
		t.Fatalf("expected the backend to run for every queued request, ran %d of %d", backends, requests)
	}
	if atomic.LoadInt64(&maxSeen) > 2 {
		t.Fatalf("expected at most maxConcurrency=2 concurrent backend calls, observed %d", maxSeen)
	}
}
