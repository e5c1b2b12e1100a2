package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	HeaderRequestID = "X-Request-ID"
	// FingerprintKey is the gin context key holding the caller fingerprint.
	FingerprintKey = "exchange.fingerprint"
)

// AccessLog assigns a request id, records request metrics for node and
// writes one access line per request. Probe routes log at debug.
func AccessLog(logger zerolog.Logger, node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if reqID == "" || len(reqID) > 64 {
			reqID = uuid.NewString()
		}
		c.Header(HeaderRequestID, reqID)
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		RecordHTTPRequest(node, c.Request.Method, path, status, elapsed)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		case path == "/health" || path == "/ready" || path == "/metrics":
			event = logger.Debug()
		default:
			event = logger.Info()
		}
		if sess := c.Param("session"); sess != "" {
			event = event.Str("session_id", sess)
		}
		if fp := c.GetString(FingerprintKey); fp != "" {
			event = event.Str("fingerprint", fp)
		}
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", elapsed).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("observability.AccessLog request")
	}
}
