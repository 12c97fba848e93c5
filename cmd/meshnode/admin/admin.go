// Package admin serves the read-only inspection API of a control node.
// Operators and meshctl query it for queue depths, waiting join records,
// parked tokens, and the rule base versions the node currently honors.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/praxisworks/meshflow/cmd/meshnode/joiner"
	"github.com/praxisworks/meshflow/cmd/meshnode/reactor"
	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/rulebase"
)

// Components are the node internals the API reports on. Every field is
// required except Ingress, which is nil until the reactor is bound.
type Components struct {
	Node    string
	Store   *rulebase.Store
	Engine  *rulebase.Engine
	Sched   *scheduler.Scheduler
	Joins   *joiner.Coordinator
	Ingress *reactor.Reactor
	Sink    *capture.Sink
}

// Server is the admin HTTP server of one control node.
type Server struct {
	e       *echo.Echo
	c       Components
	log     *logger.Logger
	started time.Time
}

// New builds the server and registers its routes. Call Start to serve.
func New(c Components, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		e:       e,
		c:       c,
		log:     log,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", s.healthz)
	s.e.GET("/status", s.status)
	s.e.GET("/versions", s.versions)
	s.e.GET("/joins", s.joins)
	s.e.GET("/queue", s.queue)
}

// Start serves on the given port until Shutdown.
func (s *Server) Start(port int) error {
	s.log.Info("admin api listening", "port", port)
	err := s.e.Start(fmt.Sprintf(":%d", port))
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Handler exposes the route tree for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

// GET /healthz
func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"node":   s.c.Node,
	})
}

// GET /status
func (s *Server) status(c echo.Context) error {
	parked := 0
	ingress := ""
	if s.c.Ingress != nil {
		parked = s.c.Ingress.Parked()
		ingress = s.c.Ingress.Addr().String()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"node":           s.c.Node,
		"ingress":        ingress,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queue": map[string]int{
			"depth": s.c.Sched.Depth(),
			"peak":  s.c.Sched.Peak(),
		},
		"parked":          parked,
		"joins_pending":   s.c.Joins.Pending(),
		"guard_cache":     s.c.Engine.CacheSize(),
		"active_versions": s.c.Store.ActiveVersions(),
		"capture":         s.c.Sink.Stats(),
		"host":            metrics.System(),
	})
}

// GET /versions
func (s *Server) versions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"active": s.c.Store.ActiveVersions(),
		"staged": s.c.Store.StagedVersions(),
	})
}

// GET /joins
func (s *Server) joins(c echo.Context) error {
	records := s.c.Joins.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pending": len(records),
		"records": records,
	})
}

// GET /queue
func (s *Server) queue(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"depth": s.c.Sched.Depth(),
		"peak":  s.c.Sched.Peak(),
		"bands": s.c.Sched.Snapshot(),
	})
}
