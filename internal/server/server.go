// Package server exposes the HTTP control API for the manager: start,
// stop, and inspect servers, trigger reconciliation, stream logs.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/herdsman-project/herdsman/internal/engine"
	"github.com/herdsman-project/herdsman/internal/manager"
	"github.com/herdsman-project/herdsman/internal/metrics"
	"github.com/herdsman-project/herdsman/internal/port"
	"github.com/herdsman-project/herdsman/internal/registry"
	"github.com/herdsman-project/herdsman/internal/version"
)

// Server is the HTTP control plane.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	mgr        *manager.Manager
}

// New builds the server and its routes.
func New(mgr *manager.Manager, listen string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: gin.New(),
		mgr:    mgr,
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket streams stay open
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/version", s.handleVersion)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.engine.Group("/api")
	{
		api.POST("/servers", s.handleStartServer)
		api.GET("/servers", s.handleListServers)
		api.GET("/servers/:id", s.handleGetServer)
		api.DELETE("/servers/:id", s.handleStopServer)
		api.GET("/servers/:id/logs", s.handleServerLogs)
		api.POST("/reconcile", s.handleReconcile)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("control API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

type startServerRequest struct {
	Owner             string  `json:"owner"`
	Name              string  `json:"name"`
	ModelPath         string  `json:"modelPath" binding:"required"`
	ModelName         string  `json:"modelName" binding:"required"`
	TrainingJobID     string  `json:"trainingJobId"`
	EngineType        string  `json:"engineType" binding:"required"`
	GPUMemoryFraction float64 `json:"gpuMemoryFraction"`
	Quantization      string  `json:"quantization"`
	EnableToolCalling bool    `json:"enableToolCalling"`
	ToolCallParser    string  `json:"toolCallParser"`
	CtxSize           int     `json:"ctxSize"`
	Threads           int     `json:"threads"`
}

func (s *Server) handleStartServer(c *gin.Context) {
	var req startServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.mgr.Start(c.Request.Context(), manager.StartRequest{
		Owner:             req.Owner,
		Name:              req.Name,
		ModelPath:         req.ModelPath,
		ModelName:         req.ModelName,
		TrainingJobID:     req.TrainingJobID,
		Engine:            registry.EngineType(req.EngineType),
		GPUMemoryFraction: req.GPUMemoryFraction,
		Quantization:      req.Quantization,
		EnableToolCalling: req.EnableToolCalling,
		ToolCallParser:    req.ToolCallParser,
		CtxSize:           req.CtxSize,
		Threads:           req.Threads,
	})
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleListServers(c *gin.Context) {
	status := registry.Status(c.DefaultQuery("status", string(registry.StatusRunning)))
	owner := c.Query("owner")

	records, err := s.mgr.List(c.Request.Context(), status, owner)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": records})
}

func (s *Server) handleGetServer(c *gin.Context) {
	rec, err := s.mgr.Get(c.Request.Context(), c.Param("id"), c.Query("owner"))
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStopServer(c *gin.Context) {
	if err := s.mgr.Stop(c.Request.Context(), c.Param("id"), c.Query("owner")); err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleReconcile(c *gin.Context) {
	corrected, err := s.mgr.Reconcile(c.Request.Context())
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrected": corrected})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, registry.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, port.ErrNoPortAvailable),
		errors.Is(err, engine.ErrEngineNotInstalled):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrPortConflict),
		errors.Is(err, registry.ErrDuplicateID),
		errors.Is(err, registry.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
