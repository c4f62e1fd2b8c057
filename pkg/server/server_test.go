package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relay/pkg/access"
	"github.com/relaymesh/relay/pkg/audit"
	"github.com/relaymesh/relay/pkg/cache"
	"github.com/relaymesh/relay/pkg/dispatch"
	"github.com/relaymesh/relay/pkg/execute"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/peer"
	"github.com/relaymesh/relay/pkg/propagation"
	"github.com/relaymesh/relay/pkg/registry/registrytest"
	"github.com/relaymesh/relay/pkg/results"
	"github.com/relaymesh/relay/pkg/tasks"
)

type fixture struct {
	srv     *httptest.Server
	tasks   *tasks.Store
	audit   *audit.Store
	applied atomic.Int32
}

func newFixture(t *testing.T, operator identity.OperatorConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lineitem.csv"),
		[]byte("discount_csv,quantity_csv\n0.05,10\n0.07,3\n"), 0o644))

	reg, db := registrytest.NewStore(t)
	registrytest.MustApply(t, reg, registrytest.Lineitem(dir, ""))
	taskStore := tasks.NewStore(db)
	require.NoError(t, taskStore.AutoMigrate())

	blobs, err := results.NewFSStore(t.TempDir())
	require.NoError(t, err)
	engines := execute.NewRegistry(nil)
	t.Cleanup(func() { _ = engines.Close() })

	sched, err := propagation.New(&propagation.Config{
		RelayName:        "eu_relay",
		FragmentEndpoint: "https://eu-relay.example:8000",
	}, propagation.Deps{
		Tasks:       taskStore,
		Resolver:    mapping.NewResolver(reg),
		Permissions: access.NewCompositor(reg),
		Local:       dispatch.NewExecutor(taskStore, reg, engines, blobs, "results", nil),
		Peers:       peer.NewClient(peer.ClientConfig{}),
	})
	require.NoError(t, err)
	t.Cleanup(sched.Close)

	auditStore := audit.NewStore(db)
	require.NoError(t, auditStore.AutoMigrate())

	f := &fixture{tasks: taskStore, audit: auditStore}
	s := New(Config{Operator: operator}, Deps{
		DB:       db,
		Registry: reg,
		Tasks:    taskStore,
		Queries:  sched,
		Results:  blobs,
		Identity: identity.NewResolver(reg, nil),
		Cache:    cache.NewCacheManager(cache.DefaultCacheConfig()),
		Audit:    auditStore,
		AuditCfg: audit.DefaultAuditConfig(),
		OnApply:  func() { f.applied.Add(1) },
	})
	router, err := s.Routes()
	require.NoError(t, err)
	f.srv = httptest.NewServer(router)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestProbes(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", decode[map[string]string](t, body)["status"])

	resp, body = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", decode[map[string]any](t, body)["status"])

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "relay_http_requests_total")
}

func TestSubmitAndFetchFragment(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})

	resp, body := f.do(t, http.MethodPost, "/query",
		`{"originator_request_id":"orig-http","sql":"select discount from lineitem"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[peer.Response](t, body)
	assert.Equal(t, "complete", res.State)
	assert.Equal(t, "orig-http", res.OriginatorRequestID)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "https://eu-relay.example:8000", res.Fragments[0].Endpoint)

	resp, body = f.do(t, http.MethodGet, "/fragments/"+res.Fragments[0].StreamID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	assert.ElementsMatch(t, []string{`{"discount":0.05}`, `{"discount":0.07}`}, lines)

	// Replays return the same request.
	resp, body = f.do(t, http.MethodPost, "/query",
		`{"originator_request_id":"orig-http","sql":"select discount from lineitem"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, res.RequestID, decode[peer.Response](t, body).RequestID)
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "malformed body", body: `{`, status: http.StatusBadRequest},
		{name: "missing sql", body: `{}`, status: http.StatusBadRequest},
		{name: "invalid sql", body: `{"sql":"selec x"}`, status: http.StatusBadRequest},
		{name: "unknown entity", body: `{"sql":"select a from nowhere"}`, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/query", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, body)["error"])
		})
	}

	t.Run("unknown entity resubmitted", func(t *testing.T) {
		const q = `{"originator_request_id":"orig-nowhere","sql":"select a from nowhere"}`
		first, firstBody := f.do(t, http.MethodPost, "/query", q)
		second, secondBody := f.do(t, http.MethodPost, "/query", q)
		assert.Equal(t, http.StatusNotFound, first.StatusCode)
		assert.Equal(t, first.StatusCode, second.StatusCode)
		assert.Equal(t, decode[map[string]string](t, firstBody), decode[map[string]string](t, secondBody))
	})
}

func TestGetQuery(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})
	resp, body := f.do(t, http.MethodPost, "/query",
		`{"originator_request_id":"orig-status","sql":"select discount from lineitem"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[peer.Response](t, body)

	t.Run("by originator id, status only", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/query/orig-status?status_only=true", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st := decode[queryStatus](t, body)
		assert.Equal(t, res.RequestID, st.RequestID)
		assert.Equal(t, "complete", st.State)
		assert.Equal(t, tasks.TaskCounts{Complete: 1}, st.Counts)
		assert.Empty(t, st.Fragments)
	})

	t.Run("by request id", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/query/"+res.RequestID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		st := decode[queryStatus](t, body)
		assert.Len(t, st.Fragments, 1)
	})

	t.Run("not found", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodGet, "/query/missing", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("in flight", func(t *testing.T) {
		_, _, err := f.tasks.CreateRequestIfAbsent(context.Background(), &tasks.QueryRequest{
			OriginatorRequestID: "orig-inflight",
			SQL:                 "select discount from lineitem",
		})
		require.NoError(t, err)

		resp, body := f.do(t, http.MethodGet, "/query/orig-inflight", "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "received", decode[queryStatus](t, body).State)

		resp, _ = f.do(t, http.MethodGet, "/query/orig-inflight?allow_partial=true", "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/query?state=complete", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		out := decode[struct {
			Requests  []tasks.QueryRequest `json:"requests"`
			TotalSize int                  `json:"totalSize"`
		}](t, body)
		assert.Equal(t, 1, out.TotalSize)
		require.Len(t, out.Requests, 1)
		assert.Equal(t, "orig-status", out.Requests[0].OriginatorRequestID)
	})
}

func TestFragmentErrors(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})

	resp, _ := f.do(t, http.MethodGet, "/fragments/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	task := &tasks.QueryTask{QueryRequestID: "r1", DataSourceID: "d1", SQL: "select 1"}
	require.NoError(t, f.tasks.CreateTask(context.Background(), task))
	resp, _ = f.do(t, http.MethodGet, "/fragments/"+task.ID, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := f.tasks.StartTask(context.Background(), task.ID)
	require.NoError(t, err)
	_, err = f.tasks.CompleteTask(context.Background(), task.ID, "results/task_gone/result.jsonl")
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodGet, "/fragments/"+task.ID, "")
	assert.Equal(t, http.StatusGone, resp.StatusCode)
}

const ordersDoc = `
entities:
  - name: orders
    information:
      - name: total
        data_type: Float64
`

func TestApplyConfigAndListEntities(t *testing.T) {
	f := newFixture(t, identity.OperatorConfig{})

	resp, body := f.do(t, http.MethodGet, "/admin/entities", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.NotContains(t, string(body), "orders")

	resp, body = f.do(t, http.MethodGet, "/admin/entities", "")
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	resp, body = f.do(t, http.MethodPost, "/admin/config", ordersDoc, "Content-Type", "application/yaml")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, 1, int(decode[map[string]any](t, body)["entities"].(float64)))

	resp, body = f.do(t, http.MethodGet, "/admin/entities", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	out := decode[struct {
		Entities []entityOut `json:"entities"`
	}](t, body)
	require.Len(t, out.Entities, 2)
	assert.Equal(t, "orders", out.Entities[1].Name)
	assert.Equal(t, []informationOut{{Name: "total", DataType: "Float64"}}, out.Entities[1].Information)

	resp, _ = f.do(t, http.MethodPost, "/admin/config", "entities: [{name: x, bogus: 1}]")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), f.applied.Load(), "OnApply runs only after a successful apply")

	events, _, _, err := f.audit.ListEvents(context.Background(), audit.ListFilter{}, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "failure", events[0].Outcome)
	assert.Equal(t, "success", events[1].Outcome)
	assert.Equal(t, "config.apply", events[1].Action)
	assert.Equal(t, "1", events[1].Metadata["entities"])
}

func TestOperatorGate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	f := newFixture(t, identity.OperatorConfig{PublicKeyPath: keyPath})
	sign := func(role string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub":  "ops@example.com",
			"role": role,
			"exp":  time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return "Bearer " + s
	}

	resp, _ := f.do(t, http.MethodPost, "/admin/config", ordersDoc)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/admin/config", ordersDoc, "Authorization", sign("viewer"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/admin/config", ordersDoc, "Authorization", sign("operator"))
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	// Reads stay open.
	resp, _ = f.do(t, http.MethodGet, "/admin/entities", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The audit trail is gated and holds the rejected attempts too.
	resp, _ = f.do(t, http.MethodGet, "/admin/audit", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/admin/audit", "", "Authorization", sign("operator"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	trail := decode[struct {
		Events    []audit.Event `json:"events"`
		TotalSize int           `json:"totalSize"`
	}](t, body)
	require.Equal(t, 3, trail.TotalSize)
	assert.Equal(t, "success", trail.Events[0].Outcome)
	assert.Equal(t, "ops@example.com", trail.Events[0].Operator)
	assert.Equal(t, "denied", trail.Events[1].Outcome)
	assert.Equal(t, http.StatusForbidden, trail.Events[1].StatusCode)
	assert.Equal(t, http.StatusUnauthorized, trail.Events[2].StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/admin/audit/"+trail.Events[0].ID, "", "Authorization", sign("operator"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutesFailOnBadOperatorKey(t *testing.T) {
	s := New(Config{Operator: identity.OperatorConfig{PublicKeyPath: filepath.Join(t.TempDir(), "missing.pem")}}, Deps{})
	_, err := s.Routes()
	assert.Error(t, err)
}
