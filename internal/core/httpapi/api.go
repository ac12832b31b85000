// Package httpapi serves the admin HTTP API: rule management, ad-hoc
// evaluation, health checks and Prometheus metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

// Engine is the rules engine surface the API drives. *rules.Engine
// satisfies it.
type Engine interface {
	Compile(rule *types.Rule) (*rules.CompiledRule, error)
	Load(rule *types.Rule) error
	Delete(id types.RuleID) bool
	Evaluate(id types.RuleID, ctx *rules.EvaluationContext) (rules.EvaluationResult, error)
	EvaluateAll(ctx *rules.EvaluationContext) ([]rules.EvaluationResult, error)
	Store() *rules.Store
}

// Repository persists rules. *db.RuleRepository satisfies it. Without one,
// writes only reach the in-memory engine.
type Repository interface {
	Save(ctx context.Context, rule *types.Rule) (*types.Rule, error)
	Delete(ctx context.Context, id types.RuleID) (bool, error)
}

// Notifier announces rule changes to other instances. *notify.Publisher
// satisfies it.
type Notifier interface {
	RuleChanged(ctx context.Context, id types.RuleID) error
}

// Checker is one readiness dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// API holds the router and its dependencies.
type API struct {
	Router *chi.Mux

	engine   Engine
	repo     Repository
	notifier Notifier
	gatherer prometheus.Gatherer
	checkers []Checker
	log      *zap.Logger
}

// Option configures an API.
type Option func(*API)

// WithRepository persists writes through repo.
func WithRepository(repo Repository) Option {
	return func(a *API) { a.repo = repo }
}

// WithNotifier announces writes through n.
func WithNotifier(n Notifier) Option {
	return func(a *API) { a.notifier = n }
}

// WithGatherer serves g on /metrics. Defaults to the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		if g != nil {
			a.gatherer = g
		}
	}
}

// WithCheckers adds readiness dependencies.
func WithCheckers(checkers ...Checker) Option {
	return func(a *API) { a.checkers = append(a.checkers, checkers...) }
}

// WithLogger sets the request and handler logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *API) {
		if log != nil {
			a.log = log
		}
	}
}

// NewAPI builds the router. Panics if engine is nil.
func NewAPI(engine Engine, opts ...Option) *API {
	if engine == nil {
		panic("httpapi: engine cannot be nil")
	}
	a := &API{
		Router:   chi.NewRouter(),
		engine:   engine,
		gatherer: prometheus.DefaultGatherer,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.RealIP)
	a.Router.Use(requestLogger(a.log))
	a.Router.Use(middleware.Recoverer)

	a.Router.Get("/healthz", a.handleLiveness)
	a.Router.Get("/readyz", a.handleReadiness)
	a.Router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	a.Router.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.RequestSize(types.MaxPayloadSize))

		r.Post("/evaluate", a.handleEvaluateAll)
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", a.handleListRules)
			r.Post("/", a.handleCreateRule)
			r.Post("/validate", a.handleValidateRule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetRule)
				r.Put("/", a.handlePutRule)
				r.Delete("/", a.handleDeleteRule)
				r.Post("/evaluate", a.handleEvaluateRule)
			})
		})
	})
}

// NewServer wraps the router in an http.Server bound to addr.
func (a *API) NewServer(addr string, timeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.Router,
		ReadHeaderTimeout: timeout,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       timeout * 3,
	}
}

func (a *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

// handleReadiness runs every checker with a short deadline and reports
// 503 if any fails.
func (a *API) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(a.checkers))
	ready := true
	for _, c := range a.checkers {
		if err := c.Check(ctx); err != nil {
			checks[c.Name()] = err.Error()
			ready = false
			a.log.Warn("readiness check failed", zap.String("checker", c.Name()), zap.Error(err))
			continue
		}
		checks[c.Name()] = "ok"
	}

	body := map[string]any{"status": "ready", "checks": checks}
	if !ready {
		body["status"] = "not ready"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, body)
}
