package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Jgorzitza/HotDash-sub021/internal/audit"
	opscoreotel "github.com/Jgorzitza/HotDash-sub021/internal/otel"
	"github.com/Jgorzitza/HotDash-sub021/internal/policy"
	"github.com/Jgorzitza/HotDash-sub021/internal/queue"
	"github.com/Jgorzitza/HotDash-sub021/internal/router"
)

const defaultTimeout = 30 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	mux          *chi.Mux
	router       *router.Router
	actionQueue  *queue.Queue
	policyEngine *policy.Engine
	auditStore   *audit.Store
	apiKeys      map[string]string
	corsOrigins  []string
	rateLimiter  *RateLimiter
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimiter sets the per-actor rate limiter (optional).
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s).
func NewServer(
	rt *router.Router,
	actionQueue *queue.Queue,
	policyEngine *policy.Engine,
	auditStore *audit.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		mux:          chi.NewRouter(),
		router:       rt,
		actionQueue:  actionQueue,
		policyEngine: policyEngine,
		auditStore:   auditStore,
		apiKeys:      apiKeys,
		corsOrigins:  []string{"*"},
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler.
func (s *Server) Routes() http.Handler {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(opscoreotel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.rateLimiter))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Post("/v1/route", s.handleRoute)

		r.Post("/v1/actions", s.handleActionSubmit)
		r.Get("/v1/actions/top", s.handleActionsTop)
		r.Get("/v1/actions/{id}", s.handleActionGet)
		r.Post("/v1/actions/{id}/approve", s.handleActionApprove)
		r.Post("/v1/actions/{id}/reject", s.handleActionReject)
		r.Post("/v1/actions/{id}/execute", s.handleActionExecute)
		r.Post("/v1/actions/{id}/authorize", s.handleActionAuthorize)
		r.Post("/v1/actions/{id}/outcome", s.handleActionOutcome)
		r.Get("/v1/producers", s.handleProducers)

		r.Post("/v1/authorize", s.handleAuthorize)
		r.Post("/v1/redact", s.handleRedact)

		r.Get("/v1/audit", s.handleAuditList)
		r.Get("/v1/audit/{id}", s.handleAuditGet)
		r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)
	})

	return r
}
