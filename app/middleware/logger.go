package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/pretty"

	"appforge/pkg/logger"
)

const maxLoggedBody = 1000

// Logger logs one line per request. POST bodies are logged compacted, with
// credentials redacted by the caller-supplied scrubber.
func Logger(scrub func(string) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var body string
		if c.Request.Method == http.MethodPost {
			body = readBody(c)
			if scrub != nil {
				body = scrub(body)
			}
		}

		c.Next()

		status := c.Writer.Status()
		if status == http.StatusNotFound || c.FullPath() == "/health" {
			return
		}
		ctx := c.Request.Context()
		if id := c.Param("request_id"); id != "" {
			ctx = logger.WithRequestID(ctx, id)
		}

		latency := time.Since(start)
		if body != "" {
			logger.InfoCtx(ctx, "[HTTP] %3d | %13v | %15s | %s %s | body: %s",
				status, latency, c.ClientIP(), c.Request.Method, c.Request.URL.Path, body)
			return
		}
		logger.InfoCtx(ctx, "[HTTP] %3d | %13v | %15s | %s %s",
			status, latency, c.ClientIP(), c.Request.Method, c.Request.URL.Path)
	}
}

func readBody(c *gin.Context) string {
	if c.Request.Body == nil {
		return ""
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return ""
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(data))
	return CompressBody(string(data))
}

// CompressBody strips JSON whitespace and truncates long bodies
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}
	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > maxLoggedBody {
		return string(compressed[:maxLoggedBody]) + "..."
	}
	return string(compressed)
}
