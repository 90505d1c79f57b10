package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "geopub/pkg/logx"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// RequestLogger tags each request with an id and logs its outcome. Probe
// and scrape endpoints log at debug.
func RequestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.RequestID(id),
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.String("client_ip", c.ClientIP()),
			logx.Duration("latency", time.Since(start)),
		}
		switch path := c.Request.URL.Path; {
		case status >= http.StatusInternalServerError:
			log.Warn("http request", fields...)
		case path == "/healthz" || path == "/metrics":
			log.Debug("http request", fields...)
		default:
			log.Info("http request", fields...)
		}
	}
}
