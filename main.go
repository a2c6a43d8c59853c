/*
Command gateway wires config, logging, Redis, rate limiting, QPS
metrics, distributed tracing, the audit pipeline, and the orchestrator
into one HTTP server with graceful shutdown.
*/
package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ridgeline-gateway/core/audit"
	"github.com/ridgeline-gateway/core/config"
	"github.com/ridgeline-gateway/core/logger"
	"github.com/ridgeline-gateway/core/management"
	"github.com/ridgeline-gateway/core/orchestrator"
	"github.com/ridgeline-gateway/core/qpsmetrics"
	"github.com/ridgeline-gateway/core/ratelimit"
	"github.com/ridgeline-gateway/core/redisclient"
	"github.com/ridgeline-gateway/core/router"
	"github.com/ridgeline-gateway/core/tracecore"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway core starting")

	// Rate limiting: local tier always present; distributed tier only
	// if Redis is reachable (fail open to local-only otherwise, §4.4).
	local := ratelimit.NewLocalLimiter(ratelimit.Config{
		Name:         "ip",
		MaxRequests:  cfg.Tier(ratelimit.DimensionIP).MaxRequests,
		BurstSize:    cfg.Tier(ratelimit.DimensionIP).BurstSize,
		WindowSizeMs: cfg.Tier(ratelimit.DimensionIP).WindowSizeMs,
	}, log)

	var distributed *ratelimit.DistributedLimiter
	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis init failed — distributed rate-limit tier disabled")
	} else if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — distributed rate-limit tier disabled")
	} else {
		distributed = ratelimit.NewDistributedLimiter(rc, 10)
		log.Info().Msg("redis connected — distributed rate-limit tier enabled")
	}

	tiered := ratelimit.NewTieredLimiter(local, distributed,
		int(cfg.Tier(ratelimit.DimensionIP).WindowSizeMs/1000), cfg.Tier(ratelimit.DimensionIP).MaxRequests, cfg.Tier(ratelimit.DimensionIP).BurstSize, log)

	var queued *ratelimit.QueuedLimiter
	if cfg.QueuedRateLimit.MaxQueueSize > 0 {
		queued = ratelimit.NewQueuedLimiter(ratelimit.QueueConfig{
			MaxQueueSize:    cfg.QueuedRateLimit.MaxQueueSize,
			MaxWaitTime:     time.Duration(cfg.QueuedRateLimit.MaxWaitTimeMs) * time.Millisecond,
			MaxConcurrency:  cfg.QueuedRateLimit.MaxConcurrency,
			EnablePriority:  cfg.QueuedRateLimit.EnablePriority,
			EnableFallback:  cfg.QueuedRateLimit.EnableFallback,
			FallbackTimeout: time.Duration(cfg.QueuedRateLimit.FallbackTimeoutMs) * time.Millisecond,
		}, tiered, log)
	}

	qps := qpsmetrics.NewEngine()

	// Tracing.
	var reporter tracecore.Reporter
	var httpReporter *tracecore.HTTPReporter
	if cfg.TracingReporter.Enabled {
		httpReporter = tracecore.NewHTTPReporter(tracecore.ReporterConfig{
			Endpoint:      cfg.TracingReporter.Endpoint,
			QueueSize:     cfg.TracingReporter.QueueSize,
			BatchSize:     cfg.TracingReporter.BatchSize,
			FlushInterval: cfg.TracingReporter.FlushInterval,
			Timeout:       cfg.TracingReporter.Timeout,
		}, log)
		reporter = httpReporter
	} else {
		reporter = tracecore.NewLogExporter(log)
	}

	traceManager := tracecore.NewManager("gateway-core", cfg.TracingSampling.Enabled, cfg.TracingSampling.Rate,
		cfg.TracingSampling.MaxSpansPerTrace, cfg.TracingCleanup.MaxAge, reporter, log)

	cleanupStop := make(chan struct{})
	go traceManager.StartCleanupLoop(cfg.TracingCleanup.Interval, cleanupStop)

	// Audit pipeline.
	sink, err := audit.NewSink(cfg.AuditStorage)
	if err != nil {
		log.Fatal().Err(err).Msg("audit sink init failed")
	}
	auditPipeline := audit.NewPipeline(audit.Config{
		Enabled:       cfg.AuditAsync.Enabled,
		BatchSize:     cfg.AuditAsync.BatchSize,
		FlushInterval: cfg.AuditAsync.FlushInterval,
		QueueSize:     cfg.AuditAsync.QueueSize,
		QueueTimeout:  cfg.AuditAsync.QueueTimeout,
		WorkerThreads: cfg.AuditAsync.WorkerThreads,
	}, sink, log)

	orch := orchestrator.New(traceManager, tiered, queued, qps, auditPipeline, log)

	backend := backendFromEnv(log)

	mgmt := &management.Handlers{
		Audit:    auditPipeline,
		Trace:    traceManager,
		Reporter: reporterStats(httpReporter),
		QPS:      qps,
		Tiered:   tiered,
		Queued:   queued,
	}

	mux := router.New(cfg, log, orch, backend, mgmt)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway core listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	close(cleanupStop)
	if httpReporter != nil {
		httpReporter.Close(cfg.GracefulTimeout)
	}
	if err := auditPipeline.Close(cfg.GracefulTimeout); err != nil {
		log.Error().Err(err).Msg("audit pipeline shutdown error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway core stopped gracefully")
	}
}

// reporterStats adapts *tracecore.HTTPReporter to management.TraceReporter,
// returning nil when running with the log-only exporter (no stats to show).
func reporterStats(r *tracecore.HTTPReporter) management.TraceReporter {
	if r == nil {
		return nil
	}
	return r
}

// backendFromEnv builds the proxied backend call: a reverse proxy to
// GATEWAY_UPSTREAM if set, else a local echo responder useful for
// development and tests.
func backendFromEnv(log zerolog.Logger) orchestrator.Backend {
	upstream := os.Getenv("GATEWAY_UPSTREAM")
	if upstream == "" {
		return func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return http.StatusOK, nil
		}
	}

	target, err := url.Parse(upstream)
	if err != nil {
		log.Fatal().Err(err).Str("upstream", upstream).Msg("invalid GATEWAY_UPSTREAM")
	}
	proxy := httputil.NewSingleHostReverseProxy(target)

	return func(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, error) {
		sw := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		proxy.ServeHTTP(sw, r.WithContext(ctx))
		return sw.status, nil
	}
}

type statusCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusCapture) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusCapture) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}
