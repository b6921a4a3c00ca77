// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roadside/internal/http/handlers"
	"roadside/internal/http/middleware"
	"roadside/internal/logger"
	"roadside/internal/metrics"
	"roadside/internal/modules/provider"
	"roadside/internal/modules/request"
	"roadside/internal/modules/tracking"
)

type ServerDeps struct {
	Requests  *request.Service
	Tracking  *tracking.Service
	Providers *provider.Service
	// Auth resolves the caller; middleware.Auth or middleware.HeaderAuth.
	Auth   gin.HandlerFunc
	Logger *logger.Logger
	// Gatherer serves /metrics when non-nil.
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTP
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(
		middleware.RequestID(s.deps.Logger),
		middleware.Logging(s.deps.Logger),
		middleware.Recovery(s.deps.Logger),
		middleware.Metrics(s.deps.HTTPMetrics),
	)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	if s.deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/")
	if s.deps.Auth != nil {
		api.Use(s.deps.Auth)
	}
	providerOnly := middleware.RequireRole(middleware.RoleProvider)

	requests := handlers.NewRequestHandler(s.deps.Requests, s.deps.Tracking, s.deps.Logger)
	api.POST("/requests", requests.Submit)
	api.GET("/requests/:id", requests.Get)
	api.POST("/requests/:id/cancel", requests.Cancel)
	api.POST("/requests/:id/accept", providerOnly, requests.Accept)
	api.POST("/requests/:id/decline", providerOnly, requests.Decline)
	api.POST("/requests/:id/advance", providerOnly, requests.Advance)

	providers := handlers.NewProviderHandler(s.deps.Providers, s.deps.Logger)
	api.PUT("/providers/:id", providerOnly, providers.Upsert)
	api.PUT("/providers/:id/location", providerOnly, providers.UpdateLocation)
	api.PUT("/providers/:id/availability", providerOnly, providers.SetAvailability)

	return r
}
