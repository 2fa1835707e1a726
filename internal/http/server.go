package http

import (
	"context"
	"log"
	"net/http"

	"github.com/jmehdipour/outreach-dispatcher/internal/config"
	"github.com/jmehdipour/outreach-dispatcher/internal/http/middleware"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/service/queue"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Deps struct {
	Queue        *queue.Service
	Suppressions repository.SuppressionRepository
	// Reports is nil when no ClickHouse mirror is configured.
	Reports repository.CHEventsRepository
	// Redis backs the per-key rate limiter. Nil disables it.
	Redis    *redis.Client
	Gatherer prometheus.Gatherer
}

type Server struct{ e *echo.Echo }

func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          deps.Redis,
		Limit:          cfg.RateLimit.Limit,
		KeyPrefix:      "rl:api:",
		Window:         cfg.RateLimit.Window,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/jobs", enqueueJobHandler(deps.Queue))
	v1.POST("/suppressions", suppressHandler(deps.Suppressions))
	v1.GET("/reports/events", listEventsHandler(deps.Reports))

	return &Server{e: e}
}

// ServeHTTP lets tests drive the router without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
