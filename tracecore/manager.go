package tracecore

import (
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// samplingConfig is swapped atomically so sampling-rate reads never
// take a lock on the hot path (design note §9).
type samplingConfig struct {
	enabled  bool
	rate     float64
	maxSpans int
}

// Reporter is the sink completed contexts are published to (§4.8).
type Reporter interface {
	Submit(ctx *Context)
}

// Manager owns the trace-context lifecycle described in §4.7: deriving
// or creating contexts from inbound headers, deciding sampling,
// keeping contexts addressable by trace id until completion, and
// publishing completed contexts to the reporter.
type Manager struct {
	serviceName string
	logger      zerolog.Logger
	reporter    Reporter

	cfg atomic.Pointer[samplingConfig]

	mu       sync.RWMutex
	byTrace  map[string]*Context
	maxAge   time.Duration
	forced   map[string]bool
}

// NewManager creates a trace manager. maxAge bounds how long an
// uncompleted context is retained before the cleanup sweep expires it
// (§3, default 10 minutes).
func NewManager(serviceName string, enabled bool, rate float64, maxSpans int, maxAge time.Duration, reporter Reporter, logger zerolog.Logger) *Manager {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	m := &Manager{
		serviceName: serviceName,
		logger:      logger.With().Str("component", "trace_manager").Logger(),
		reporter:    reporter,
		byTrace:     make(map[string]*Context),
		forced:      make(map[string]bool),
		maxAge:      maxAge,
	}
	m.cfg.Store(&samplingConfig{enabled: enabled, rate: rate, maxSpans: maxSpans})
	return m
}

// SetSamplingRate publishes a new sampling rate. Existing traces keep
// the decision they were created with (§4.7): only traces created
// after this call are affected.
func (m *Manager) SetSamplingRate(rate float64) {
	prev := m.cfg.Load()
	m.cfg.Store(&samplingConfig{enabled: prev.enabled, rate: rate, maxSpans: prev.maxSpans})
}

// SamplingRate returns the currently active sampling rate.
func (m *Manager) SamplingRate() float64 {
	return m.cfg.Load().rate
}

// StartFromRequest derives or creates a trace context from inbound
// headers (§4.7 item i/ii) and registers it as addressable by trace
// id. The caller must eventually call Complete (via the returned
// context) to publish it to the reporter.
func (m *Manager) StartFromRequest(r *http.Request, operationName string) *Context {
	cfg := m.cfg.Load()

	traceID := r.Header.Get("X-Trace-ID")
	spanID := r.Header.Get("X-Span-ID")
	parentSpan := r.Header.Get("X-Parent-Span-ID")
	if traceID == "" {
		// No trace id at all: some callers only set span id on a fresh
		// trace, so treat it as the trace id rather than a parent.
		traceID = spanID
	} else if parentSpan == "" {
		// Trace id present with an inbound span id and no explicit
		// parent: the inbound span becomes this context's parent.
		parentSpan = spanID
	}

	var ctx *Context
	if traceID != "" {
		sampled := m.decideSampled(traceID, cfg)
		if h := r.Header.Get("X-Sampled"); h != "" {
			if b, err := strconv.ParseBool(h); err == nil {
				sampled = sampled || b
			}
		}
		ctx = newContext(traceID, generateID64(), parentSpan, sampled, cfg.maxSpans)
	} else {
		traceID = generateID64()
		sampled := m.decideSampled(traceID, cfg)
		ctx = newContext(traceID, generateID64(), "", sampled, cfg.maxSpans)
	}

	ctx.RequestID = r.Header.Get("X-Request-ID")
	ctx.CorrelationID = r.Header.Get("X-Correlation-ID")
	ctx.UserID = r.Header.Get("X-User-ID")
	ctx.TenantID = r.Header.Get("X-Tenant-ID")
	ctx.ServiceName = m.serviceName
	ctx.OperationName = operationName
	ctx.Activate()

	m.mu.Lock()
	if m.forced[ctx.TraceID] {
		ctx.Sampled = true
	}
	m.byTrace[ctx.TraceID] = ctx
	m.mu.Unlock()

	return ctx
}

// decideSampled implements the deterministic per-trace sampling rule
// (§4.7): hash(traceId) mod 10000 < rate*10000. All spans of a trace
// share this decision because it is derived purely from traceID.
func (m *Manager) decideSampled(traceID string, cfg *samplingConfig) bool {
	if !cfg.enabled {
		return false
	}
	if cfg.rate >= 1.0 {
		return true
	}
	if cfg.rate <= 0 {
		return false
	}
	return hash64(traceID)%10000 < uint64(cfg.rate*10000)
}

// InjectHeaders writes outbound propagation headers (§6).
func InjectHeaders(w http.ResponseWriter, ctx *Context) {
	w.Header().Set("X-Trace-ID", ctx.TraceID)
	w.Header().Set("X-Span-ID", ctx.SpanID)
	if ctx.ParentSpanID != "" {
		w.Header().Set("X-Parent-Span-ID", ctx.ParentSpanID)
	}
	if ctx.RequestID != "" {
		w.Header().Set("X-Request-ID", ctx.RequestID)
	}
	if ctx.CorrelationID != "" {
		w.Header().Set("X-Correlation-ID", ctx.CorrelationID)
	}
}

// ForceSample overrides the sampling decision for a trace id to true,
// both for a context already tracked and for contexts started later
// with that id, until a context with that id completes or expires
// (§4.7). It reports whether a tracked context was found.
func (m *Manager) ForceSample(traceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced[traceID] = true
	if ctx, ok := m.byTrace[traceID]; ok {
		ctx.Sampled = true
		return true
	}
	return false
}

// Complete finishes a context, publishes it to the reporter if
// sampled, and evicts it from the addressable map.
func (m *Manager) Complete(ctx *Context, statusCode int) {
	ctx.Complete(statusCode)

	m.mu.Lock()
	delete(m.byTrace, ctx.TraceID)
	delete(m.forced, ctx.TraceID)
	m.mu.Unlock()

	if ctx.Sampled && m.reporter != nil {
		m.reporter.Submit(ctx)
	}
}

// Lookup returns the in-flight context for a trace id, for GET
// /trace/{traceId}. Completed and expired contexts are no longer
// tracked and are not found.
func (m *Manager) Lookup(traceID string) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.byTrace[traceID]
	return ctx, ok
}

// CleanupExpired expires and evicts contexts older than maxAge that
// were never completed, per §3's context lifecycle.
func (m *Manager) CleanupExpired() int {
	cutoff := time.Now().Add(-m.maxAge).UnixNano()
	expired := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ctx := range m.byTrace {
		if ctx.StartTimeNs < cutoff {
			ctx.Expire()
			delete(m.byTrace, id)
			delete(m.forced, id)
			expired++
			m.logger.Warn().Str("trace_id", id).Msg("trace context expired before completion")
		}
	}
	return expired
}

// ActiveCount reports the number of contexts currently tracked, for
// /trace/stats.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byTrace)
}

// StartCleanupLoop runs CleanupExpired on the given interval until
// stop is closed.
func (m *Manager) StartCleanupLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-stop:
			return
		}
	}
}
