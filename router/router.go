/*
Package router builds the chi mux: ambient middleware first, then the
orchestrator-wrapped proxy route, then the management API under
/_internal.
*/
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/ridgeline-gateway/core/config"
	"github.com/ridgeline-gateway/core/management"
	"github.com/ridgeline-gateway/core/middleware"
	"github.com/ridgeline-gateway/core/orchestrator"
)

const maxBodyBytes = 10 << 20 // 10MB

// New assembles the full mux: CORS -> security headers -> request id
// -> panic recovery -> structured access log -> body limit -> the
// orchestrator's proxy handler, plus the management API.
func New(cfg *config.Config, log zerolog.Logger, orch *orchestrator.Orchestrator, backend orchestrator.Backend, mgmt *management.Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.CORS(allowedOriginsFrom(cfg)))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(accessLog)
	r.Use(middleware.BodyLimit(maxBodyBytes))

	r.Mount("/_internal", internalRouter(mgmt))

	r.NotFound(orch.Handle(backend))
	r.MethodNotAllowed(orch.Handle(backend))
	r.HandleFunc("/*", orch.Handle(backend))

	return r
}

func internalRouter(mgmt *management.Handlers) chi.Router {
	r := chi.NewRouter()
	mgmt.Mount(r)
	return r
}

func allowedOriginsFrom(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{}
}

// accessLog emits one structured log line per request, grounded on the
// teacher's per-request zerolog access logging.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
