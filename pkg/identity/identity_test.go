package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/pki"
	"github.com/relaymesh/relay/pkg/pki/pkitest"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/registry/registrytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	*registry.Store
	relayLookups atomic.Int32
}

func (c *countingStore) GetRelayByFingerprint(ctx context.Context, fp string) (*registry.Relay, error) {
	c.relayLookups.Add(1)
	return c.Store.GetRelayByFingerprint(ctx, fp)
}

func setup(t *testing.T) (*countingStore, *x509.Certificate) {
	t.Helper()
	store, _ := registrytest.NewStore(t)
	relayCert, relayPEM := pkitest.SelfSigned(t, "na-data-relay")
	registrytest.MustApply(t, store, registrytest.Lineitem(t.TempDir(), string(relayPEM)))
	return &countingStore{Store: store}, relayCert
}

func TestLookupThreeOutcomes(t *testing.T) {
	store, relayCert := setup(t)
	userCert, _ := pkitest.SelfSigned(t, "alice")
	_, err := store.UpsertUser(context.Background(), pki.IdentityOf(userCert))
	require.NoError(t, err)
	strangerCert, _ := pkitest.SelfSigned(t, "stranger")

	r := NewResolver(store, nil)
	ctx := context.Background()

	p, err := r.Lookup(ctx, pki.Fingerprint(relayCert))
	require.NoError(t, err)
	assert.Equal(t, KindRelay, p.Kind)
	assert.Equal(t, "na_data_relay", p.RelayName())
	assert.Equal(t, p.Relay.ID, p.ID())

	p, err = r.Lookup(ctx, pki.Fingerprint(userCert))
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.Kind)
	assert.Equal(t, p.User.ID, p.ID())
	assert.Empty(t, p.RelayName())

	p, err = r.Lookup(ctx, pki.Fingerprint(strangerCert))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, p.Kind)
	assert.Empty(t, p.ID())

	u, err := store.GetUserByFingerprint(ctx, pki.Fingerprint(strangerCert))
	require.NoError(t, err)
	assert.Nil(t, u, "lookup must not register")
}

func TestAuthenticateRegistersUser(t *testing.T) {
	store, relayCert := setup(t)
	r := NewResolver(store, nil)
	ctx := context.Background()

	cert, _ := pkitest.SelfSigned(t, "bob")
	p, err := r.Authenticate(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, KindUser, p.Kind)
	assert.Contains(t, p.Subject, "CN=bob")

	again, err := r.Authenticate(ctx, cert)
	require.NoError(t, err)
	assert.Equal(t, p.User.ID, again.User.ID)

	p, err = r.Authenticate(ctx, relayCert)
	require.NoError(t, err)
	assert.Equal(t, KindRelay, p.Kind)
}

func TestResolverCache(t *testing.T) {
	store, relayCert := setup(t)
	cfg := cache.DefaultCacheConfig()
	cfg.IdentityTTL = time.Minute
	r := NewResolver(store, cfg)
	fp := pki.Fingerprint(relayCert)

	for i := 0; i < 3; i++ {
		_, err := r.Lookup(context.Background(), fp)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, store.relayLookups.Load())

	r.Purge()
	_, err := r.Lookup(context.Background(), fp)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.relayLookups.Load())
}

func TestPurgeOnConfigInvalidation(t *testing.T) {
	store, relayCert := setup(t)
	cfg := cache.DefaultCacheConfig()
	r := NewResolver(store, cfg)
	cm := cache.NewCacheManager(cfg)
	cm.OnInvalidate(r.Purge)

	fp := pki.Fingerprint(relayCert)
	_, err := r.Lookup(context.Background(), fp)
	require.NoError(t, err)
	cm.InvalidateAll()
	_, err = r.Lookup(context.Background(), fp)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.relayLookups.Load())
}

func principalEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]string{"kind": string(p.Kind), "id": p.ID()})
	})
}

func TestMiddleware(t *testing.T) {
	store, relayCert := setup(t)
	_, userPEM := pkitest.SelfSigned(t, "carol")
	h := Middleware(NewResolver(store, nil), "X-Client-Cert", nil)(principalEcho())

	tests := []struct {
		name       string
		prepare    func(r *http.Request)
		wantStatus int
		wantKind   Kind
	}{
		{
			name:       "no certificate",
			prepare:    func(*http.Request) {},
			wantStatus: http.StatusOK,
			wantKind:   KindUnknown,
		},
		{
			name: "tls peer certificate",
			prepare: func(r *http.Request) {
				r.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{relayCert}}
			},
			wantStatus: http.StatusOK,
			wantKind:   KindRelay,
		},
		{
			name: "proxy header",
			prepare: func(r *http.Request) {
				r.Header.Set("X-Client-Cert", url.QueryEscape(string(userPEM)))
			},
			wantStatus: http.StatusOK,
			wantKind:   KindUser,
		},
		{
			name: "malformed header",
			prepare: func(r *http.Request) {
				r.Header.Set("X-Client-Cert", "not-a-certificate")
			},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/query", nil)
			tt.prepare(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, string(tt.wantKind), body["kind"])
			} else {
				assert.Equal(t, "bad_certificate", body["error"])
			}
		})
	}
}

func TestPrincipalFromContextDefault(t *testing.T) {
	p, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, KindUnknown, p.Kind)
}

func TestRequireOperator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	exp := time.Now().Add(time.Hour).Unix()

	gate, err := RequireOperator(OperatorConfig{PublicKeyPath: keyPath, RoleClaim: "realm_access.roles"})
	require.NoError(t, err)
	h := gate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	tests := []struct {
		name   string
		auth   string
		status int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer abc.def.ghi", http.StatusUnauthorized},
		{"viewer role", "Bearer " + sign(jwt.MapClaims{"realm_access": map[string]interface{}{"roles": []string{"viewer"}}, "exp": exp}), http.StatusForbidden},
		{"operator role", "Bearer " + sign(jwt.MapClaims{"realm_access": map[string]interface{}{"roles": []string{"user", "operator"}}, "exp": exp}), http.StatusNoContent},
		{"expired", "Bearer " + sign(jwt.MapClaims{"realm_access": map[string]interface{}{"roles": []string{"operator"}}, "exp": time.Now().Add(-time.Hour).Unix()}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/admin/config", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestRequireOperatorDisabled(t *testing.T) {
	gate, err := RequireOperator(OperatorConfig{})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	gate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/config", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = RequireOperator(OperatorConfig{PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem")})
	assert.Error(t, err)
}
