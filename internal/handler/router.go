package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NewRouter wires the REST API and the event stream onto a gin engine
func NewRouter(h *EquipmentHandler, events http.Handler, log zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if events != nil {
		router.GET("/events", gin.WrapH(events))
	}

	api := router.Group("/api")
	{
		api.GET("/equipment", h.ListEquipment)
		api.POST("/equipment", h.CreateEquipment)
		api.POST("/detect", h.Detect)
		api.POST("/cache/clear", h.ClearCache)
		api.GET("/sessions/:sessionId", h.SessionInfo)
	}

	eq := api.Group("/equipment/:id")
	{
		eq.GET("", h.GetEquipment)
		eq.DELETE("", h.DeleteEquipment)
		eq.GET("/status", h.Status)
		eq.GET("/users", h.ActiveUsers)
		eq.GET("/features", h.Features)
		eq.GET("/ledger", h.Ledger)
		eq.POST("/authenticate", h.Authenticate)
		eq.POST("/authorize", h.Authorize)
		eq.POST("/disconnect", h.Disconnect)
		eq.POST("/bandwidth", h.UpdateBandwidth)
		eq.POST("/portal", h.ConfigurePortal)
		eq.POST("/connection/test", h.TestConnection)
		eq.POST("/connection/configure", h.ConfigureConnection)
	}

	return router
}

// requestLogger logs one line per request; the event stream is skipped
// since it stays open for the life of the client
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/events" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = log.Error()
		case status >= http.StatusBadRequest:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}
