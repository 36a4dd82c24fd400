// Package httpapi exposes the session controller as a JSON API for the web UI.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dotsetgreg/alice/pkg/logger"
	"github.com/dotsetgreg/alice/pkg/session"
)

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(ctrl *session.Controller, opts ...Option) *gin.Engine {
	h := NewHandler(ctrl, opts...)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/modes", h.ListModes)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("", h.StartSession)
			sessions.GET("/:id", h.GetSession)
			sessions.GET("/:id/turns", h.ListTurns)
			sessions.POST("/:id/messages", h.SendMessage)
			sessions.POST("/:id/mode", h.SwitchMode)
			sessions.POST("/:id/pause", h.Pause)
			sessions.POST("/:id/resume", h.Resume)
			sessions.POST("/:id/close", h.Close)
			sessions.POST("/:id/reopen", h.Reopen)
		}

		users := v1.Group("/users")
		{
			users.GET("/:id/sessions", h.ListSessions)
			users.GET("/:id/facts", h.ListFacts)
			users.PUT("/:id/facts/:key", h.PutFact)
			users.GET("/:id/export", h.Export)
			users.POST("/:id/import", h.Import)
		}
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.DebugCF("http", "Request handled", map[string]any{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}
