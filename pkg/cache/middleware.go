package cache

import (
	"bytes"
	"net/http"
	"strings"
)

// captureWriter records the status code and body written by the wrapped
// handler.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// CacheMiddleware returns HTTP middleware that caches successful GET
// responses keyed by request URI. Hits are served as JSON with X-Cache: HIT;
// misses carry X-Cache: MISS. A request with Cache-Control: no-cache skips
// the lookup but still refreshes the entry.
func CacheMiddleware(c *LRUCache[string, []byte]) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			key := r.URL.RequestURI()
			bypass := strings.Contains(r.Header.Get("Cache-Control"), "no-cache")
			if cached, ok := c.Get(key); ok && !bypass {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(cached)
				return
			}

			cw := &captureWriter{ResponseWriter: w}
			cw.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(cw, r)

			if cw.status == http.StatusOK {
				c.Set(key, cw.body.Bytes())
			}
		})
	}
}
