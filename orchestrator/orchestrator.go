/*
Package orchestrator implements the Pipeline Orchestrator (§4.10): the
fixed filter chain that wraps every proxied request with rate
limiting, tracing, auditing, and QPS accounting, translating business
errors into structured HTTP responses while keeping infrastructure
failures internal.
*/
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ridgeline-gateway/core/audit"
	"github.com/ridgeline-gateway/core/identity"
	"github.com/ridgeline-gateway/core/qpsmetrics"
	"github.com/ridgeline-gateway/core/ratelimit"
	"github.com/ridgeline-gateway/core/tracecore"
)

// Backend is the proxied call the orchestrator wraps. It receives the
// request context (carrying the trace context) and returns the status
// code to record and any BackendError.
type Backend func(ctx context.Context, w http.ResponseWriter, r *http.Request) (statusCode int, err error)

// RateLimiter is the admission check consulted directly (without
// queueing) for dimensions that never park requests.
type RateLimiter interface {
	Allow(ctx context.Context, key string) bool
}

// Orchestrator wires the fixed filter order from §4.10: TraceFilter ->
// RateLimit (tiered) -> QueuedRateLimit (optional) -> Audit-begin ->
// backend call -> Audit-end + Trace-complete + QPS-record.
type Orchestrator struct {
	traceManager *tracecore.Manager
	limiter      RateLimiter
	queued       *ratelimit.QueuedLimiter // optional; nil disables queueing
	qps          *qpsmetrics.Engine
	auditLog     *audit.Pipeline
	logger       zerolog.Logger
}

// New builds an orchestrator. queued may be nil to disable the
// parking-queue stage (§4.5 describes it as optional).
func New(traceManager *tracecore.Manager, limiter RateLimiter, queued *ratelimit.QueuedLimiter, qps *qpsmetrics.Engine, auditLog *audit.Pipeline, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		traceManager: traceManager,
		limiter:      limiter,
		queued:       queued,
		qps:          qps,
		auditLog:     auditLog,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
	}
}

// errorResponse is the structured error body shared by rejection
// responses (§6/§7): every surfaced error carries code, message,
// timestamp, and a correlation id when available.
type errorResponse struct {
	Error         string `json:"error,omitempty"`
	Code          int    `json:"code"`
	Message       string `json:"message,omitempty"`
	QueueStatus   string `json:"queueStatus,omitempty"`
	RetryAfter    int    `json:"retryAfter,omitempty"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// Handle runs the full filter chain around backend for one request.
// On any business-error short-circuit, subsequent ingress filters are
// skipped, but the egress-only stages (trace completion, QPS record)
// still run, matching §4.10's short-circuit semantics.
func (o *Orchestrator) Handle(backend Backend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := identity.Extract(r)

		// TraceFilter: ingress.
		traceCtx := o.traceManager.StartFromRequest(r, req.Method+" "+req.Path)
		tracecore.InjectHeaders(w, traceCtx)
		ctx := r.Context()

		// run is the unit of work the queued limiter's maxConcurrency
		// semaphore governs: the actual backend call, bracketed by
		// Audit-begin/Audit-end (§4.10). It also serves as the
		// fallback when the queue is full and fallback is enabled —
		// the fallback's own bounded context (§4.5) caps how long the
		// backend call is allowed to run.
		run := func(ctx context.Context) (any, error) {
			o.auditBegin(req, traceCtx)
			status, err := backend(ctx, w, r)
			if err != nil {
				traceCtx.SetTag("error.type", "backend")
				traceCtx.AddEvent("backend.error", err.Error())
			}
			o.auditEnd(req, traceCtx, status, err)
			return status, err
		}

		admitted := o.admit(ctx, req, run)
		if admitted.rejected {
			o.writeRejection(w, admitted)
		}

		// Egress: trace completion and QPS record always run, even when
		// an earlier filter short-circuited (§4.10).
		o.traceManager.Complete(traceCtx, admitted.statusCode)
		o.qps.Record(req.Path, req.ClientIP, req.UserID, req.Priority)
	}
}

type admitResult struct {
	rejected   bool
	statusCode int
	err        error
	retryAfter int
	queueKey   string
}

// admit runs RateLimit (tiered) then, if configured, QueuedRateLimit —
// the middle two stages of the fixed filter order. run is invoked as
// both the Queue Entry's work and fallback (§3/§4.5): a request the
// wrapped limiter admits directly runs it immediately, outside the
// maxConcurrency cap; a request admitted after parking runs it under
// the maxConcurrency semaphore; a request denied outright or whose
// queue wait times out never runs it at all.
func (o *Orchestrator) admit(ctx context.Context, req identity.Request, run ratelimit.Work) admitResult {
	key := ratelimit.Key(ratelimit.DimensionIP, req.ClientIP)

	if o.queued == nil {
		if !o.limiter.Allow(ctx, key) {
			o.logger.Debug().Str("key", key).Msg("rate limit exceeded")
			return admitResult{rejected: true, statusCode: http.StatusTooManyRequests, err: ratelimit.ErrQueueFull, retryAfter: 60, queueKey: key}
		}
		status, err := run(ctx)
		return admitResult{statusCode: status.(int), err: err}
	}

	result, err := o.queued.Admit(ctx, key, req.Priority, run, run)
	switch {
	case err == nil:
		return admitResult{statusCode: result.(int)}
	case errors.Is(err, ratelimit.ErrQueueFull):
		o.logger.Debug().Str("key", key).Msg("queue full, request rejected")
		return admitResult{rejected: true, statusCode: http.StatusTooManyRequests, err: err, retryAfter: 60, queueKey: key}
	case errors.Is(err, ratelimit.ErrQueueTimeout), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return admitResult{rejected: true, statusCode: http.StatusServiceUnavailable, err: err, queueKey: key}
	default:
		// run itself returned a business error; the backend already
		// produced its own response, so this is not a queue-level
		// rejection and no body is written here.
		status, _ := result.(int)
		return admitResult{statusCode: status, err: err}
	}
}

// writeRejection renders the exact JSON bodies from §6 for rate-limit
// and queue-timeout rejections.
func (o *Orchestrator) writeRejection(w http.ResponseWriter, res admitResult) {
	w.Header().Set("Content-Type", "application/json")
	now := time.Now().UTC()

	if res.statusCode == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errorResponse{
			Error:       res.err.Error(),
			Code:        http.StatusTooManyRequests,
			QueueStatus: "rejected",
			RetryAfter:  60,
			Timestamp:   now.Format(time.RFC3339),
		})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":      http.StatusServiceUnavailable,
		"message":   "Service temporarily unavailable, please retry",
		"data":      nil,
		"timestamp": now.UnixMilli(),
		"queueKey":  res.queueKey,
	})
}

// auditBegin logs the start of a request (Audit-begin stage).
func (o *Orchestrator) auditBegin(req identity.Request, traceCtx *tracecore.Context) {
	_ = o.auditLog.Log(audit.Event{
		Action:   "request.begin",
		Message:  req.Method + " " + req.Path,
		Subject:  req.ClientIP,
		TenantID: req.TenantID,
	})
}

// auditEnd logs the completion of a request (Audit-end stage). A
// failed log write here is an infrastructure error: it is swallowed
// and must not affect the response already decided.
func (o *Orchestrator) auditEnd(req identity.Request, traceCtx *tracecore.Context, statusCode int, workErr error) {
	outcome := "success"
	message := req.Method + " " + req.Path
	if workErr != nil {
		outcome = "error"
		message = message + ": " + workErr.Error()
	}
	_ = o.auditLog.Log(audit.Event{
		Action:   "request.end",
		Message:  message,
		Subject:  req.ClientIP,
		Outcome:  outcome,
		TenantID: req.TenantID,
	})
}
