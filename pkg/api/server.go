package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimbuscrm/identity/pkg/audit"
	"github.com/nimbuscrm/identity/pkg/httputil"
	"github.com/nimbuscrm/identity/pkg/mfa"
	"github.com/nimbuscrm/identity/pkg/observability"
	"github.com/nimbuscrm/identity/pkg/sso"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server wires the HTTP surface of the identity service
type Server struct {
	router  *mux.Router
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewServer builds the router with all routes and middleware attached.
// auditSearcher may be nil when no queryable audit sink is configured.
func NewServer(orchestrator *sso.Orchestrator, engine *mfa.Engine, auditSearcher *audit.DBLogger, logger *observability.Logger, metrics *observability.Metrics) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		logger:  logger,
		metrics: metrics,
	}

	s.router.Use(
		httputil.RequestIDMiddleware(logger),
		observability.RecoverMiddleware(logger),
		httputil.LoggingMiddleware,
		httputil.MaxBytesMiddleware(maxRequestBody),
	)

	s.router.HandleFunc("/healthz", s.health).Methods("GET")

	NewSSOHandlers(orchestrator).RegisterRoutes(s.router)
	NewMFAHandlers(engine).RegisterRoutes(s.router)
	if auditSearcher != nil {
		NewAuditHandlers(auditSearcher).RegisterRoutes(s.router)
	}

	return s
}

// Handler returns the root handler, instrumented when metrics are on
func (s *Server) Handler() http.Handler {
	if s.metrics != nil {
		return s.metrics.InstrumentHandler("api", s.router)
	}
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}
