// Package server exposes a Relay over HTTP: query submission and status,
// fragment download, configuration apply and the usual probes.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"

	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/metrics"
	"github.com/relaymesh/relay/pkg/propagation"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/results"
	"github.com/relaymesh/relay/pkg/tasks"
)

// QueryService runs logical queries and reports their outcome.
type QueryService interface {
	Submit(ctx context.Context, req propagation.Request) (*propagation.Result, error)
	Result(ctx context.Context, requestID string) (*propagation.Result, error)
}

// Config holds the HTTP-level settings of a Server.
type Config struct {
	// CertHeader names the header carrying the client certificate when TLS
	// is terminated by a proxy.
	CertHeader string

	Operator identity.OperatorConfig

	AllowedOrigins []string
}

// Server wires the HTTP routes to the Relay's stores and scheduler.
type Server struct {
	cfg       Config
	db        *gorm.DB
	registry  *registry.Store
	tasks     *tasks.Store
	queries   QueryService
	results   results.Store
	identity  *identity.Resolver
	cache     *cache.CacheManager
	audit     *audit.Store
	auditCfg  *audit.AuditConfig
	onApply   func()
	logger    *slog.Logger
	startedAt time.Time
}

// Deps are the collaborators of a Server. Cache, Audit and OnApply may be
// nil. OnApply runs after every successful config apply.
type Deps struct {
	DB       *gorm.DB
	Registry *registry.Store
	Tasks    *tasks.Store
	Queries  QueryService
	Results  results.Store
	Identity *identity.Resolver
	Cache    *cache.CacheManager
	Audit    *audit.Store
	AuditCfg *audit.AuditConfig
	OnApply  func()
	Logger   *slog.Logger
}

func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		db:        deps.DB,
		registry:  deps.Registry,
		tasks:     deps.Tasks,
		queries:   deps.Queries,
		results:   deps.Results,
		identity:  deps.Identity,
		cache:     deps.Cache,
		audit:     deps.Audit,
		auditCfg:  deps.AuditCfg,
		onApply:   deps.OnApply,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Routes builds the router. It fails only when the operator gate cannot
// load its public key.
func (s *Server) Routes() (chi.Router, error) {
	if s.cfg.Operator.Logger == nil {
		s.cfg.Operator.Logger = s.logger
	}
	operator, err := identity.RequireOperator(s.cfg.Operator)
	if err != nil {
		return nil, err
	}
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readyHandler)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(s.identity, s.cfg.CertHeader, s.logger))

		r.Post("/query", s.submitQueryHandler)
		r.Get("/query", s.listQueriesHandler)
		r.Get("/query/{requestId}", s.getQueryHandler)
		r.Get("/fragments/{streamId}", s.fragmentHandler)

		r.With(audit.Middleware(s.audit, s.auditCfg, s.logger), operator).Post("/admin/config", s.applyConfigHandler)
		r.With(s.cache.SchemaMiddleware()).Get("/admin/entities", s.listEntitiesHandler)
		if s.audit != nil {
			r.With(operator).Get("/admin/audit", audit.ListEventsHandler(s.audit))
			r.With(operator).Get("/admin/audit/{eventId}", audit.GetEventHandler(s.audit))
		}
	})
	return r, nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the database answers a ping.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	dbStatus := map[string]string{"status": "up"}
	ready := true
	if s.db == nil {
		dbStatus["status"] = "not_configured"
	} else if sqlDB, err := s.db.DB(); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	} else if err := sqlDB.PingContext(r.Context()); err != nil {
		dbStatus["status"], dbStatus["error"] = "down", err.Error()
		ready = false
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"components": map[string]any{"database": dbStatus},
	})
}
