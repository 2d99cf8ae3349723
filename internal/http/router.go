// Package httpx exposes the deployment queue over HTTP.
package httpx

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/saturn/internal/authz"
	"github.com/splax/saturn/internal/service/auth"
	"github.com/splax/saturn/internal/service/deploy"
	"github.com/splax/saturn/internal/service/logs"
	"github.com/splax/saturn/internal/service/webhook"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitTeam      = 120
	rateLimitStream    = 30
	rateLimitCallback  = 600
	rateLimitWebhook   = 60
	healthCheckTimeout = 2 * time.Second
)

// Deps carries the services and settings the router is built from.
type Deps struct {
	Logger       *slog.Logger
	Auth         auth.Service
	Deploy       deploy.Service
	Logs         logs.Service
	Webhook      webhook.Service
	Limiter      RateLimiter
	BuilderToken string
	DBHealth     func(context.Context) error
	// Registry receives HTTP metrics and backs /metrics. Nil uses the process default.
	Registry *prometheus.Registry
	WSBuffer int
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          chi.Router
	logger       *slog.Logger
	auth         auth.Service
	deploy       deploy.Service
	logs         logs.Service
	webhook      webhook.Service
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	builderToken string
	dbHealth     func(context.Context) error
	wsBuffer     int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     chi.NewRouter(),
		logger:  logger,
		auth:    deps.Auth,
		deploy:  deps.Deploy,
		logs:    deps.Logs,
		webhook: deps.Webhook,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		builderToken: strings.TrimSpace(deps.BuilderToken),
		dbHealth:     deps.DBHealth,
		wsBuffer:     deps.WSBuffer,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if deps.Registry != nil {
		registerer, gatherer = deps.Registry, deps.Registry
	}
	r.initMetrics(registerer)
	r.register(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register(metrics http.Handler) {
	m := r.mux
	m.Use(middleware.RequestID)
	m.Use(r.audit)
	m.Use(middleware.Recoverer)
	m.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found.")
	})
	m.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed.")
	})

	m.Get("/healthz", r.handleHealthz)
	m.Handle("/metrics", metrics)
	m.With(r.withRateLimit("builder_callback", rateLimitCallback, rateWindowDefault, nil)).
		Post("/builder/callback", r.handleBuilderCallback)
	m.With(r.withRateLimit("git_webhook", rateLimitWebhook, rateWindowDefault, nil)).
		Post("/webhooks/git/{uuid}", r.handleGitWebhook)

	m.Group(func(api chi.Router) {
		api.Use(r.requireAuth)
		api.Use(r.withRateLimit("api", rateLimitTeam, rateWindowDefault, rateLimitKeyTeam))

		deployer := api.With(requireAbility(authz.AbilityDeploy))
		deployer.Get("/deploy", r.handleDeploy)
		deployer.Post("/deploy", r.handleDeploy)
		deployer.Post("/deployments/{uuid}/cancel", r.handleCancel)

		reader := api.With(requireAbility(authz.AbilityRead))
		reader.Get("/deployments", r.handleListActive)
		reader.Get("/deployments/{uuid}", r.handleGetDeployment)
		reader.Get("/deployments/applications/{uuid}", r.handleListByApplication)

		streams := api.With(
			requireAbility(authz.AbilityReadSensitive),
			r.withRateLimit("log_stream", rateLimitStream, rateWindowRealtime, rateLimitKeyTeam),
		)
		streams.Get("/deployments/{uuid}/logs/stream", r.handleLogStream)
		streams.Get("/deployments/{uuid}/logs/events", r.handleLogEvents)

		writer := api.With(requireAbility(authz.AbilityWrite))
		writer.Post("/webhooks/git/{uuid}/secret", r.handleWebhookSecret)
		writer.Delete("/tokens/{id}", r.handleRevokeToken)
	})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	payload := map[string]string{"status": "ok"}
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			r.logger.Error("database health check failed", "error", err)
			status = "degraded"
			payload["database"] = err.Error()
		}
	}
	payload["status"] = status
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// auditActor is filled in by requireAuth so the request log names the caller.
type auditActor struct {
	caps *authz.Capabilities
}

type auditContextKey struct{}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		actor := &auditActor{}
		req = req.WithContext(context.WithValue(req.Context(), auditContextKey{}, actor))
		start := time.Now()
		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
			if websocket.IsWebSocketUpgrade(req) {
				status = http.StatusSwitchingProtocols
			}
		}
		duration := time.Since(start)
		route := req.URL.Path
		if rctx := chi.RouteContext(req.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
			"remote", rateLimitKeyIP(req),
		}
		if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
			fields = append(fields, "forwarded_for", forwarded)
		}
		if reqID := middleware.GetReqID(req.Context()); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		switch {
		case actor.caps != nil:
			fields = append(fields, "actor", "token", "team_id", actor.caps.TeamID, "token_id", actor.caps.TokenID)
		case strings.HasPrefix(route, "/builder/"):
			fields = append(fields, "actor", "builder")
		case strings.HasPrefix(route, "/webhooks/"):
			fields = append(fields, "actor", "webhook")
		default:
			fields = append(fields, "actor", "anonymous")
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

// verifyBuilderToken ensures builder callbacks include configured secret.
func (r *Router) verifyBuilderToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.builderToken
	if expected == "" {
		r.logger.Error("builder token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "Builder authentication misconfigured.")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Builder-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("builder token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "Invalid builder token.")
		return false
	}
	return true
}
