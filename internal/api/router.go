package api

import (
	"net/http"
	"time"

	"github.com/erilali/relay/internal/hub"
	"github.com/erilali/relay/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
)

// NatsStatus reports the state of the activity tap connection. *nats.Conn satisfies it.
type NatsStatus interface {
	Status() nats.Status
}

// Deps are the collaborators the router exposes. Nats and Metrics are optional.
type Deps struct {
	Nats    NatsStatus
	Metrics http.Handler
	Logger  *logger.Logger
}

// NewRouter wires the chat endpoints, health check and metrics onto a gin engine.
func NewRouter(h *hub.Hub, deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	r := gin.New()
	r.Use(recovery(log), requestLogger(log), corsMiddleware())

	chat := r.Group("/api/chat")
	chat.GET("/connect", gin.WrapF(h.ServeWs))
	r.GET("/ws", gin.WrapF(h.ServeWs))

	r.GET("/health", healthHandler(h, deps.Nats))
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not found")
	})
	return r
}

func healthHandler(h *hub.Hub, nc NatsStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		natsStatus := "disabled"
		if nc != nil {
			natsStatus = "disconnected"
			if nc.Status() == nats.CONNECTED {
				natsStatus = "connected"
			}
		}

		stats, err := h.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unavailable",
				"nats":   natsStatus,
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"nats":        natsStatus,
			"connections": stats.Connections,
			"members":     stats.Members,
			"channels":    stats.Channels,
		})
	}
}

// corsMiddleware answers every preflight and marks every response as shareable.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")

		if c.Request.Method == http.MethodOptions {
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"remote":   c.ClientIP(),
		}).Debug("HTTP request")
	}
}

func recovery(log *logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Errorf("Panic recovered: %v", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	})
}
