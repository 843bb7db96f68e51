package mw

import (
	"bytes"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"availability-backend/internal/metrics"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

// recordingWriter tees the response body so it can be stored after the handler returns.
type recordingWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// cacheKey ignores query parameter order so ?a=1&b=2 and ?b=2&a=1 share an entry.
func cacheKey(r *http.Request) string {
	q := r.URL.Query()
	if len(q) == 0 {
		return r.URL.Path
	}
	return r.URL.Path + "?" + q.Encode()
}

// Cache serves repeated GET requests from memory for ttl.
// Only 2xx responses are stored; every response carries X-Cache HIT or MISS.
func Cache(store *cache.Cache, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := cacheKey(c.Request)
		if v, ok := store.Get(key); ok {
			metrics.IncResponseCache("hit")
			hit := v.(cachedResponse)
			h := c.Writer.Header()
			for k, vals := range hit.headers {
				h[k] = vals
			}
			h.Set("X-Cache", "HIT")
			c.Writer.WriteHeader(hit.status)
			_, _ = c.Writer.Write(hit.body)
			c.Abort()
			return
		}
		metrics.IncResponseCache("miss")

		rw := &recordingWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
		c.Writer = rw
		c.Header("X-Cache", "MISS")

		c.Next()

		if status := rw.Status(); status >= 200 && status < 300 {
			store.Set(key, cachedResponse{status: status, headers: rw.Header().Clone(), body: rw.body.Bytes()}, ttl)
		}
	}
}
