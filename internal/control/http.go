// Package control serves the narrow health/control facade of spec.md §6
// over HTTP. The wire transport is out of scope for the facade
// contract itself (gRPC in the original, a thin gin surface here); this
// package is the only thing that talks to an engine.Facade.
package control

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dbmazz/cdc/internal/engine"
)

// controlCallTimeout bounds how long a Pause/Resume/DrainAndStop/Stop
// HTTP handler waits for the pipeline's single-owner goroutine to
// acknowledge the command.
const controlCallTimeout = 10 * time.Second

// StatusResponse is the get_stage/get_lsns/get_counters/get_last_error
// surface collapsed into one read.
type StatusResponse struct {
	Stage     string          `json:"stage"`
	LSNs      engine.LSNs     `json:"lsns"`
	Counters  engine.Counters `json:"counters"`
	LastError string          `json:"last_error,omitempty"`
}

// reloadRequest is the wire shape of reload_config; nil fields leave the
// corresponding setting unchanged.
type reloadRequest struct {
	FlushSize       *int `json:"flush_size"`
	FlushIntervalMs *int `json:"flush_interval_ms"`
}

// NewRouter builds the gin engine exposing facade's operations.
func NewRouter(facade engine.Facade) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		api.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, StatusResponse{
				Stage:     facade.GetStage().String(),
				LSNs:      facade.GetLSNs(),
				Counters:  facade.GetCounters(),
				LastError: facade.GetLastError(),
			})
		})
		api.GET("/stage", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"stage": facade.GetStage().String()})
		})
		api.GET("/lsns", func(c *gin.Context) {
			c.JSON(http.StatusOK, facade.GetLSNs())
		})
		api.GET("/counters", func(c *gin.Context) {
			c.JSON(http.StatusOK, facade.GetCounters())
		})
		api.GET("/last-error", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"last_error": facade.GetLastError()})
		})

		api.POST("/pause", withTimeout(facade.Pause))
		api.POST("/resume", withTimeout(facade.Resume))
		api.POST("/drain-and-stop", withTimeout(facade.DrainAndStop))
		api.POST("/stop", withTimeout(facade.Stop))

		api.POST("/reload", func(c *gin.Context) {
			var req reloadRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			if err := facade.ReloadConfig(engine.ReloadRequest{
				FlushSize:       req.FlushSize,
				FlushIntervalMs: req.FlushIntervalMs,
			}); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		})
	}

	return router
}

// withTimeout wraps a Facade lifecycle call (Pause/Resume/DrainAndStop/
// Stop) that blocks until its command is acknowledged by the pipeline's
// single-owner goroutine, bounding the HTTP handler to a fixed deadline.
func withTimeout(fn func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), controlCallTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
