package middleware

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// CompressConfig controls response compression.
type CompressConfig struct {
	Quality   int
	MinLength int
}

var DefaultCompressConfig = CompressConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// bufferedWriter holds the whole body so the size decision is made once, after
// the handler has finished. Handlers here write a single JSON document.
type bufferedWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	return w.buf.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.buf.WriteString(s)
}

// WriteHeaderNow is deferred until the body is known.
func (w *bufferedWriter) WriteHeaderNow() {}

// Compress brotli-encodes large responses for clients that accept it. Session
// attempt lists grow with class size; clock polls stay under MinLength and go
// out untouched.
func Compress() gin.HandlerFunc {
	return CompressWithConfig(DefaultCompressConfig)
}

func CompressWithConfig(cfg CompressConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultCompressConfig.MinLength
	}

	return func(c *gin.Context) {
		if isStreaming(c.Request) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		orig := c.Writer
		bw := &bufferedWriter{ResponseWriter: orig}
		c.Writer = bw
		c.Next()
		c.Writer = orig

		body := bw.buf.Bytes()
		if len(body) < cfg.MinLength {
			orig.Header().Set("Content-Length", strconv.Itoa(len(body)))
			orig.WriteHeaderNow()
			_, _ = orig.Write(body)
			return
		}

		var out bytes.Buffer
		zw := brotli.NewWriterLevel(&out, cfg.Quality)
		if _, err := zw.Write(body); err != nil {
			_ = c.Error(err)
		}
		if err := zw.Close(); err != nil {
			_ = c.Error(err)
		}

		orig.Header().Set("Content-Encoding", "br")
		orig.Header().Set("Content-Length", strconv.Itoa(out.Len()))
		orig.WriteHeaderNow()
		_, _ = orig.Write(out.Bytes())
	}
}

// isStreaming reports requests that must not be buffered: SSE streams and
// WebSocket upgrades.
func isStreaming(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "br") {
			return true
		}
	}
	return false
}
