// Package api exposes the order pipeline over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"orderflow/internal/dispatch"
	"orderflow/internal/events"
	"orderflow/internal/monitor"
	"orderflow/internal/order"
	"orderflow/internal/reconciliation"
	"orderflow/pkg/db"
	"orderflow/pkg/logger"
)

// OrderCreator creates orders with their placement events.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req order.CreateOrderRequest) ([]string, error)
}

// Executor is the part of the execution engine exposed over HTTP.
type Executor interface {
	ExecuteOrder(ctx context.Context, id string) error
	Tracked(ctx context.Context) ([]order.TrackedOrder, error)
}

// Reconciler exposes the outcome of the periodic reconciliation sweep.
type Reconciler interface {
	Last() *reconciliation.Report
}

// Deps are the collaborators the server routes to.
type Deps struct {
	DB         *db.Database
	Bus        *events.Bus
	Pool       *dispatch.Pool
	Controller OrderCreator
	Engine     Executor
	Sweep      Reconciler
	Metrics    *monitor.SystemMetrics
	JWTSecret  string
	Log        *slog.Logger
}

// Server wires HTTP endpoints around the dispatcher and the engine.
type Server struct {
	Router *gin.Engine
	Deps
	log *slog.Logger
}

func NewServer(deps Deps) *Server {
	log := logger.Or(deps.Log).With("component", "api")
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log, deps.Metrics))
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50, 5*time.Minute)))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, Deps: deps, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/orders", s.createOrder)
			protected.GET("/orders", s.listOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/execute", s.executeOrder)

			protected.POST("/managers", s.createManager)
			protected.GET("/managers/:id", s.getManager)
			protected.POST("/managers/:id/start", s.startManager)
			protected.POST("/managers/:id/stop", s.stopManager)
			protected.POST("/managers/:id/events", s.addEvent)
			protected.POST("/events/:id/requeue", s.requeueEvent)

			protected.GET("/engine/tracked", s.getTracked)
			protected.GET("/engine/reconciliation", s.getReconciliation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	if err := s.DB.Ping(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = gin.H{"status": "degraded", "error": err.Error()}
	}
	c.JSON(status, body)
}

// HTTPServer wraps the router in an http.Server bound to addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
