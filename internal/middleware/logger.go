package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/logging"
)

// RequestLogger logs HTTP requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		ridVal, _ := c.Get("request_id")
		log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": logging.DurationMS(latency),
			"method":     method,
			"path":       path,
			"request_id": ridVal,
			"client_ip":  c.ClientIP(),
		}).Info("http_request")
	}
}
