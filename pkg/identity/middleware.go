package identity

import (
	"crypto/x509"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaymesh/relay/pkg/pki"
)

// Middleware returns HTTP middleware that resolves the client certificate of
// each request and stores the Principal in the request context.
//
// The certificate is taken from the TLS handshake. When the server sits
// behind a TLS-terminating proxy, certHeader names a header carrying the
// URL-encoded PEM certificate instead. Requests presenting neither proceed
// as KindUnknown.
func Middleware(resolver *Resolver, certHeader string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cert, err := clientCertificate(r, certHeader)
			if err != nil {
				writeAuthError(w, http.StatusBadRequest, "bad_certificate", err.Error())
				return
			}

			p := Unknown
			if cert != nil {
				p, err = resolver.Authenticate(r.Context(), cert)
				if err != nil {
					logger.Error("identity resolution failed", "error", err)
					writeAuthError(w, http.StatusInternalServerError, "internal_error", "identity resolution failed")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// clientCertificate returns the peer certificate of r, or nil when none is
// presented.
func clientCertificate(r *http.Request, certHeader string) (*x509.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0], nil
	}
	if certHeader == "" {
		return nil, nil
	}
	v := strings.TrimSpace(r.Header.Get(certHeader))
	if v == "" {
		return nil, nil
	}
	return pki.ParseHeader(v)
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
