// Package api exposes a read-only HTTP view of the engine: batch progress,
// per-job state, and the resource snapshot the ceiling was derived from.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courtvision/clip-engine/internal/engine"
	"github.com/courtvision/clip-engine/internal/logging"
	"github.com/courtvision/clip-engine/internal/resource"
)

// Engine is the coordinator surface the API reads from.
type Engine interface {
	Status() engine.BatchStatus
	JobSnapshots() []engine.JobSnapshot
	JobSnapshot(id string) (engine.JobSnapshot, bool)
	Resources() resource.Snapshot
	Ceiling() int
}

// Server serves the status endpoints. It never mutates engine state.
type Server struct {
	engine Engine
	log    *slog.Logger
}

// NewServer creates a status server over the given engine.
func NewServer(e Engine) *Server {
	return &Server{
		engine: e,
		log:    logging.Component("api"),
	}
}

// Router builds the gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/jobs", s.handleJobs)
		v1.GET("/jobs/:id", s.handleJob)
	}
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"batch":     s.engine.Status(),
		"resources": s.engine.Resources(),
		"ceiling":   s.engine.Ceiling(),
	})
}

func (s *Server) handleJobs(c *gin.Context) {
	jobs := s.engine.JobSnapshots()
	c.JSON(http.StatusOK, gin.H{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleJob(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.engine.JobSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "job_id": id})
		return
	}
	c.JSON(http.StatusOK, job)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:    address,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("status API listening", "address", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
