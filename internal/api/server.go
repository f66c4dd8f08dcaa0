// Package api exposes the HTTP surface: schedule and category management,
// manual run triggers, and run history.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/scheduler"
	"github.com/dmercado/republish/internal/service"
	"github.com/dmercado/republish/internal/storage"
)

// Server wires the HTTP handlers to the underlying services.
type Server struct {
	logger   *zap.Logger
	engine   *gin.Engine
	store    *storage.ScheduleStore
	ledger   *storage.RunLedger
	runs     *service.RunService
	registry *scheduler.Registry
}

// NewServer builds the router. Gin runs in release mode; request logging
// goes through zap instead of gin's default writer.
func NewServer(store *storage.ScheduleStore, ledger *storage.RunLedger, runs *service.RunService, registry *scheduler.Registry, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger:   logger.Named("api"),
		store:    store,
		ledger:   ledger,
		runs:     runs,
		registry: registry,
	}

	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery())

	engine.GET("/healthz", s.healthz)

	api := engine.Group("/api/v1")
	{
		api.POST("/runs", s.triggerRun)
		api.GET("/runs/manual", s.listManualRuns)
		api.GET("/stats/categories", s.categoryStats)

		api.GET("/schedules", s.listSchedules)
		api.POST("/schedules", s.createSchedule)
		api.GET("/schedules/:id", s.getSchedule)
		api.PUT("/schedules/:id", s.updateSchedule)
		api.DELETE("/schedules/:id", s.deleteSchedule)
		api.POST("/schedules/:id/pause", s.pauseSchedule)
		api.POST("/schedules/:id/resume", s.resumeSchedule)
		api.POST("/schedules/:id/run-once", s.runScheduleOnce)
		api.GET("/schedules/:id/runs", s.scheduleRuns)

		api.GET("/categories", s.listCategories)
		api.POST("/categories", s.createCategory)
		api.PUT("/categories/:id", s.updateCategory)
	}

	s.engine = engine
	return s
}

// Handler returns the http.Handler for serving and for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP on the given address until the listener fails.
func (s *Server) Run(addr string) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.engine.Run(addr)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
