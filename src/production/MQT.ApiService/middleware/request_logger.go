package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
)

const (
	// RequestIDHeader carries the request id in and out
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestLogger tags every request with an id and logs it once it completes
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	httpLog := log.WithComponent("http")

	return func(ctx *gin.Context) {
		start := time.Now()

		requestID := ctx.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(requestIDKey, requestID)
		ctx.Header(RequestIDHeader, requestID)

		ctx.Next()

		status := ctx.Writer.Status()
		entry := httpLog.WithRequestID(requestID).WithFields(map[string]interface{}{
			"method":    ctx.Request.Method,
			"path":      ctx.Request.URL.Path,
			"status":    status,
			"latency":   time.Since(start).String(),
			"client_ip": ctx.ClientIP(),
		})

		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request handled")
		}
	}
}

// GetRequestID returns the id assigned by RequestLogger
func GetRequestID(ctx *gin.Context) string {
	return ctx.GetString(requestIDKey)
}
