package server

import (
	"strings"
	"time"

	"github.com/flowplane/flowplane/engine/core"
	"github.com/flowplane/flowplane/pkg/logger"
	"github.com/gin-gonic/gin"
)

// ActorHeader carries the caller identity set by the authenticating proxy in
// front of Flowplane. Tokens are not validated here.
const ActorHeader = "X-Flowplane-Actor"

// LoggerMiddleware attaches log to the request context and logs request
// details once the handler chain finishes.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		ctx := logger.ContextWithLogger(c.Request.Context(), log)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		log.Info("Request completed",
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
			"path", path,
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}

// ActorMiddleware records the caller identity for TriggeredBy and StoppedBy.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := strings.TrimSpace(c.GetHeader(ActorHeader))
		if actor != "" {
			c.Request = c.Request.WithContext(core.ContextWithActor(c.Request.Context(), actor))
		}
		c.Next()
	}
}
