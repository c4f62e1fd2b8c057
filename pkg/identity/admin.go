package identity

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorConfig configures the JWT gate in front of administrative routes.
type OperatorConfig struct {
	// PublicKeyPath is the path to a PEM-encoded RSA public key. When empty
	// the gate is disabled and every request passes.
	PublicKeyPath string

	// RoleClaim is the claim holding the caller's role. Dot-notation reaches
	// nested claims, e.g. "realm_access.roles". Default: "role".
	RoleClaim string

	// OperatorRoleValue is the value of RoleClaim granting access.
	// Default: "operator".
	OperatorRoleValue string

	// Issuer and Audience are verified when set.
	Issuer   string
	Audience string

	Logger *slog.Logger
}

// RequireOperator returns middleware admitting only requests bearing an
// RS256 token whose role claim matches OperatorRoleValue.
func RequireOperator(cfg OperatorConfig) (func(http.Handler) http.Handler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = "role"
	}
	if cfg.OperatorRoleValue == "" {
		cfg.OperatorRoleValue = "operator"
	}
	if cfg.PublicKeyPath == "" {
		cfg.Logger.Warn("admin routes are not protected: no JWT public key configured")
		return func(next http.Handler) http.Handler { return next }, nil
	}

	publicKey, err := loadRSAPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	cfg.Logger.Info("admin routes require operator token", "keyPath", cfg.PublicKeyPath)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			claims, err := parseClaims(token, publicKey, cfg)
			if err != nil {
				cfg.Logger.Debug("operator token rejected", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			if !hasRole(claims, cfg.RoleClaim, cfg.OperatorRoleValue) {
				writeAuthError(w, http.StatusForbidden, "forbidden", "operator role required")
				return
			}
			sub, _ := claims.GetSubject()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorCtxKey{}, sub)))
		})
	}, nil
}

type operatorCtxKey struct{}

// OperatorFromContext returns the subject of the operator token admitted by
// RequireOperator, or "" when the gate is disabled.
func OperatorFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(operatorCtxKey{}).(string)
	return sub
}

func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT public key from %s: %w", path, err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA (got %T)", parsed)
	}
	return key, nil
}

// bearerToken extracts the token from "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseClaims(tokenString string, publicKey *rsa.PublicKey, cfg OperatorConfig) (jwt.MapClaims, error) {
	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("JWT parse error: %w", err)
	}
	return claims, nil
}

// hasRole walks claimPath through nested claims and matches value against a
// string or any element of a string array.
func hasRole(claims jwt.MapClaims, claimPath, value string) bool {
	var current interface{} = map[string]interface{}(claims)
	for _, part := range strings.Split(claimPath, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		if current, ok = m[part]; !ok {
			return false
		}
	}

	switch v := current.(type) {
	case string:
		return strings.EqualFold(v, value)
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.EqualFold(s, value) {
				return true
			}
		}
	}
	return false
}
