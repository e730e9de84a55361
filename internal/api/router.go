package api

import (
	"github.com/ayo6706/midas-core/internal/api/handler"
	"github.com/ayo6706/midas-core/internal/api/middleware"
	"github.com/ayo6706/midas-core/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	logger     *zap.Logger
	accounts   *service.AccountService
	checks     map[string]handler.Pinger
	publicRate int
}

func NewRouter(logger *zap.Logger, accounts *service.AccountService, checks map[string]handler.Pinger, publicRateLimitRPS int) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:     logger,
		accounts:   accounts,
		checks:     checks,
		publicRate: max(publicRateLimitRPS, 1),
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.checks)
	accountHandler := handler.NewAccountHandler(api.accounts)

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.publicRate))

		r.Get("/v1/accounts/{id}/balance", accountHandler.GetBalance)
		r.Get("/v1/accounts/{id}/transfers", accountHandler.GetTransfers)
	})

	return r
}
