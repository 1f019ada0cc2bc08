package http

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worklog/event-relay/internal/repository"
	"github.com/worklog/event-relay/internal/scheduler"
)

type Server struct{ e *echo.Echo }

// NewServer wires the ops surface: health, Prometheus metrics, outbox
// status inspection, and the manual publish endpoint. Metrics collectors
// are registered by the command, not here.
func NewServer(outboxRepo repository.OutboxRepository, sched *scheduler.Scheduler, maxRetry int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	v1 := e.Group("/v1")
	v1.GET("/events/stats", statsHandler(outboxRepo))
	v1.GET("/events/failed", failedEventsHandler(outboxRepo, maxRetry))
	v1.POST("/events/:id/publish", publishNowHandler(outboxRepo, sched))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
