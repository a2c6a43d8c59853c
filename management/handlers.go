/*
Package management implements the read-mostly admin HTTP surface from
§6: audit, trace, QPS, and rate-limit introspection plus the handful of
mutating endpoints (flush, sampling rate, force-sample).
*/
package management

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ridgeline-gateway/core/audit"
	"github.com/ridgeline-gateway/core/qpsmetrics"
	"github.com/ridgeline-gateway/core/ratelimit"
	"github.com/ridgeline-gateway/core/tracecore"
)

// TraceReporter is the narrow surface Handlers needs from the
// reporter, so either HTTPReporter or a test double can be wired in.
type TraceReporter interface {
	Stats() (reported, failed, droppedFull int64)
}

// Handlers bundles the subsystems the management API introspects.
type Handlers struct {
	Audit    *audit.Pipeline
	Trace    *tracecore.Manager
	Reporter TraceReporter
	QPS      *qpsmetrics.Engine
	Tiered   *ratelimit.TieredLimiter
	Queued   *ratelimit.QueuedLimiter // optional
}

// Mount registers every endpoint from §6 onto r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/audit/stats", h.auditStats)
	r.Post("/audit/flush", h.auditFlush)
	r.Get("/audit/config", h.auditConfig)
	r.Get("/audit/health", h.auditHealth)

	r.Get("/trace/stats", h.traceStats)
	r.Get("/trace/{traceId}", h.traceGet)
	r.Post("/trace/sampling/rate", h.traceSamplingRate)
	r.Post("/trace/{traceId}/force-sample", h.traceForceSample)

	r.Get("/qps/stats", h.qpsStats)
	r.Get("/ratelimit/stats", h.ratelimitStats)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handlers) auditStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Audit.Stats())
}

func (h *Handlers) auditFlush(w http.ResponseWriter, r *http.Request) {
	h.Audit.Flush()
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *Handlers) auditConfig(w http.ResponseWriter, r *http.Request) {
	stats := h.Audit.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"queueDepth": stats.QueueDepth,
	})
}

func (h *Handlers) auditHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.Audit.Stats()
	healthy := stats.FailedWrites == 0 || stats.FailedWrites < stats.BatchWrites
	status := "ok"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       status,
		"totalLogs":    stats.TotalLogs,
		"failedWrites": stats.FailedWrites,
	})
}

func (h *Handlers) traceStats(w http.ResponseWriter, r *http.Request) {
	reported, failed, droppedFull := int64(0), int64(0), int64(0)
	if h.Reporter != nil {
		reported, failed, droppedFull = h.Reporter.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activeContexts": h.Trace.ActiveCount(),
		"samplingRate":   h.Trace.SamplingRate(),
		"reported":       reported,
		"failedReports":  failed,
		"droppedFull":    droppedFull,
	})
}

func (h *Handlers) traceGet(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	ctx, ok := h.Trace.Lookup(traceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trace not found"})
		return
	}
	writeJSON(w, http.StatusOK, ctx.Snapshot())
}

func (h *Handlers) traceSamplingRate(w http.ResponseWriter, r *http.Request) {
	rateStr := r.URL.Query().Get("rate")
	rate, err := strconv.ParseFloat(rateStr, 64)
	if err != nil || rate < 0 || rate > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "rate must be a number in [0,1]"})
		return
	}
	h.Trace.SetSamplingRate(rate)
	writeJSON(w, http.StatusOK, map[string]float64{"samplingRate": rate})
}

func (h *Handlers) traceForceSample(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceId")
	found := h.Trace.ForceSample(traceID)
	writeJSON(w, http.StatusOK, map[string]any{"traceId": traceID, "forced": true, "active": found})
}

func (h *Handlers) qpsStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"windows": h.QPS.Snapshot(),
		"sizes":   h.QPS.Size(),
	})
}

func (h *Handlers) ratelimitStats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"degraded": h.Tiered.DegradedCount(),
	}
	if h.Queued != nil {
		body["queueLen"] = h.Queued.QueueLen()
		body["active"] = h.Queued.ActiveCount()
		body["rejected"] = h.Queued.Rejected()
		body["timedOut"] = h.Queued.TimedOut()
		body["fallbackServed"] = h.Queued.FallbackServed()
	}
	writeJSON(w, http.StatusOK, body)
}
