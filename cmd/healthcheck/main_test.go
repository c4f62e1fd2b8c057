package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDefaultURL(t *testing.T) {
	tests := []struct {
		listen string
		tls    bool
		want   string
	}{
		{"", false, "http://localhost:8000/readyz"},
		{":9000", false, "http://localhost:9000/readyz"},
		{"0.0.0.0:8443", true, "https://localhost:8443/readyz"},
		{"garbage", false, "http://localhost:8000/readyz"},
	}
	for _, tt := range tests {
		if got := defaultURL(tt.listen, tt.tls); got != tt.want {
			t.Errorf("defaultURL(%q, %v) = %q, want %q", tt.listen, tt.tls, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	ready := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	if err := probe(srv.Client(), srv.URL+"/readyz"); err != nil {
		t.Fatalf("probe of ready server failed: %v", err)
	}
	ready = false
	if err := probe(srv.Client(), srv.URL+"/readyz"); err == nil {
		t.Fatal("expected failure for 503")
	}
}
