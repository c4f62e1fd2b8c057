package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func countingHandler(status int, calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	})
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCacheMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		method    string
		headers   map[string]string
		wantCalls int
		wantX     string
		wantSize  int
	}{
		{"GET is served from cache", http.StatusOK, http.MethodGet, nil, 1, "HIT", 1},
		{"POST passes through", http.StatusOK, http.MethodPost, nil, 2, "", 0},
		{"errors are not cached", http.StatusNotFound, http.MethodGet, nil, 2, "MISS", 0},
		{"no-cache refreshes", http.StatusOK, http.MethodGet, map[string]string{"Cache-Control": "no-cache"}, 2, "MISS", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			c := NewLRUCache[string, []byte](10, 5*time.Second)
			h := CacheMiddleware(c)(countingHandler(tt.status, &calls))

			serve(h, tt.method, "/admin/entities", tt.headers)
			rec := serve(h, tt.method, "/admin/entities", tt.headers)

			if calls != tt.wantCalls {
				t.Fatalf("expected %d handler calls, got %d", tt.wantCalls, calls)
			}
			if got := rec.Header().Get("X-Cache"); got != tt.wantX {
				t.Fatalf("expected X-Cache %q, got %q", tt.wantX, got)
			}
			if c.Size() != tt.wantSize {
				t.Fatalf("expected cache size %d, got %d", tt.wantSize, c.Size())
			}
		})
	}
}

func TestCacheMiddlewareKeysByURI(t *testing.T) {
	calls := 0
	c := NewLRUCache[string, []byte](10, 5*time.Second)
	h := CacheMiddleware(c)(countingHandler(http.StatusOK, &calls))

	serve(h, http.MethodGet, "/a", nil)
	serve(h, http.MethodGet, "/b", nil)
	rec := serve(h, http.MethodGet, "/a?x=1", nil)
	if rec.Header().Get("X-Cache") != "MISS" {
		t.Fatal("query string must be part of the key")
	}
	rec = serve(h, http.MethodGet, "/a", nil)
	if rec.Body.String() != `{"path":"/a"}` {
		t.Fatalf("unexpected cached body %q", rec.Body.String())
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
}
