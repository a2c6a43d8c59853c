package tracecore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// exportedContext is the wire shape a completed context is flattened
// to before being sent to a collector (§4.8).
type exportedContext struct {
	TraceID       string            `json:"trace_id"`
	SpanID        string            `json:"span_id"`
	ParentSpanID  string            `json:"parent_span_id,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ServiceName   string            `json:"service_name"`
	OperationName string            `json:"operation_name"`
	StartTimeNs   int64             `json:"start_time_ns"`
	EndTimeNs     int64             `json:"end_time_ns"`
	DurationMs    float64           `json:"duration_ms"`
	StatusCode    int               `json:"status_code"`
	Tags          map[string]string `json:"tags,omitempty"`
	Events        []Event           `json:"events,omitempty"`
}

func toExported(ctx *Context) exportedContext {
	s := ctx.Snapshot()
	return exportedContext{
		TraceID:       s.TraceID,
		SpanID:        s.SpanID,
		ParentSpanID:  s.ParentSpanID,
		RequestID:     s.RequestID,
		CorrelationID: s.CorrelationID,
		ServiceName:   s.ServiceName,
		OperationName: s.OperationName,
		StartTimeNs:   s.StartTimeNs,
		EndTimeNs:     s.EndTimeNs,
		DurationMs:    float64(s.EndTimeNs-s.StartTimeNs) / 1e6,
		StatusCode:    s.StatusCode,
		Tags:          s.Tags,
		Events:        s.Events,
	}
}

// ReporterConfig configures the batched HTTP reporter (§4.8).
type ReporterConfig struct {
	Endpoint      string
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
}

// HTTPReporter batches sampled contexts and ships them to a collector
// endpoint on a background worker. Submit never blocks the request
// path: a full queue drops the newest context and counts it, matching
// the gateway's fail-open posture for non-critical telemetry.
type HTTPReporter struct {
	cfg    ReporterConfig
	client *http.Client
	logger zerolog.Logger

	queue chan *Context
	stop  chan struct{}
	done  chan struct{}

	reported      int64
	failedReports int64
	droppedFull   int64
}

// NewHTTPReporter starts the background flush worker and returns the
// reporter. Call Close to drain and stop it.
func NewHTTPReporter(cfg ReporterConfig, logger zerolog.Logger) *HTTPReporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	r := &HTTPReporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "trace_reporter").Logger(),
		queue:  make(chan *Context, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Submit enqueues a completed context for export. Non-blocking: if the
// queue is full the context is dropped and failedReports increments.
func (r *HTTPReporter) Submit(ctx *Context) {
	select {
	case r.queue <- ctx:
	default:
		atomic.AddInt64(&r.droppedFull, 1)
		atomic.AddInt64(&r.failedReports, 1)
		r.logger.Warn().Str("trace_id", ctx.TraceID).Msg("trace reporter queue full, dropping context")
	}
}

func (r *HTTPReporter) run() {
	defer close(r.done)
	batch := make([]*Context, 0, r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.export(batch)
		batch = batch[:0]
	}

	for {
		select {
		case ctx := <-r.queue:
			batch = append(batch, ctx)
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.stop:
			r.drain(&batch)
			flush()
			return
		}
	}
}

// drain pulls any contexts still sitting in the channel buffer during
// shutdown, up to the channel's current length, so Close doesn't lose
// work that was already accepted by Submit.
func (r *HTTPReporter) drain(batch *[]*Context) {
	for {
		select {
		case ctx := <-r.queue:
			*batch = append(*batch, ctx)
		default:
			return
		}
	}
}

func (r *HTTPReporter) export(batch []*Context) {
	if r.cfg.Endpoint == "" {
		atomic.AddInt64(&r.reported, int64(len(batch)))
		return
	}

	payload := make([]exportedContext, 0, len(batch))
	for _, ctx := range batch {
		payload = append(payload, toExported(ctx))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		atomic.AddInt64(&r.failedReports, int64(len(batch)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		atomic.AddInt64(&r.failedReports, int64(len(batch)))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		atomic.AddInt64(&r.failedReports, int64(len(batch)))
		r.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("trace export failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		atomic.AddInt64(&r.failedReports, int64(len(batch)))
		r.logger.Warn().Int("status", resp.StatusCode).Msg("trace collector rejected batch")
		return
	}
	atomic.AddInt64(&r.reported, int64(len(batch)))
}

// Close signals the worker to drain and flush, waiting up to timeout
// for it to finish (§5's bounded-deadline shutdown).
func (r *HTTPReporter) Close(timeout time.Duration) {
	close(r.stop)
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Warn().Msg("trace reporter shutdown deadline exceeded")
	}
}

// Stats reports reporter counters for /trace/stats.
func (r *HTTPReporter) Stats() (reported, failed, droppedFull int64) {
	return atomic.LoadInt64(&r.reported), atomic.LoadInt64(&r.failedReports), atomic.LoadInt64(&r.droppedFull)
}

// LogExporter is a dev-mode Reporter that writes completed contexts to
// the structured logger instead of an HTTP collector, matching the
// teacher's log-only tracing default when no collector is configured.
type LogExporter struct {
	logger zerolog.Logger
	mu     sync.Mutex
	count  int64
}

// NewLogExporter creates a Reporter that only logs.
func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("component", "trace_log_exporter").Logger()}
}

// Submit implements Reporter.
func (l *LogExporter) Submit(ctx *Context) {
	l.mu.Lock()
	l.count++
	l.mu.Unlock()

	s := ctx.Snapshot()
	l.logger.Info().
		Str("trace_id", s.TraceID).
		Str("span_id", s.SpanID).
		Str("operation", s.OperationName).
		Int("status_code", s.StatusCode).
		Dur("duration", time.Duration(s.EndTimeNs-s.StartTimeNs)).
		Msg("trace completed")
}

// Count reports how many contexts this exporter has logged.
func (l *LogExporter) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
