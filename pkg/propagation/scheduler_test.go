package propagation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaymesh/relay/pkg/access"
	"github.com/relaymesh/relay/pkg/dispatch"
	"github.com/relaymesh/relay/pkg/execute"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/peer"
	"github.com/relaymesh/relay/pkg/pki/pkitest"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/registry/registrytest"
	"github.com/relaymesh/relay/pkg/results"
	"github.com/relaymesh/relay/pkg/tasks"
	"github.com/relaymesh/relay/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const lineitemCSV = "discount_csv,quantity_csv\n0.05,10\n0.07,3\n"

type peerFunc func(ctx context.Context, relay registry.Relay, q peer.Query) (*peer.Response, error)

func (f peerFunc) SubmitQuery(ctx context.Context, relay registry.Relay, q peer.Query) (*peer.Response, error) {
	return f(ctx, relay, q)
}

type resolverFunc func(ctx context.Context, entityName string) (*mapping.Candidates, error)

func (f resolverFunc) Resolve(ctx context.Context, entityName string) (*mapping.Candidates, error) {
	return f(ctx, entityName)
}

type testRelay struct {
	name  string
	sched *Scheduler
	tasks *tasks.Store
	reg   *registry.Store
	db    *gorm.DB
}

func dataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lineitem.csv"), []byte(lineitemCSV), 0o644))
	return dir
}

func newRelay(t *testing.T, name string, doc *registry.Document, peers PeerClient, mutate func(*Config)) *testRelay {
	t.Helper()
	reg, db := registrytest.NewStore(t)
	registrytest.MustApply(t, reg, doc)

	taskStore := tasks.NewStore(db)
	require.NoError(t, taskStore.AutoMigrate())

	blobs, err := results.NewFSStore(t.TempDir())
	require.NoError(t, err)
	engines := execute.NewRegistry(nil)
	t.Cleanup(func() { _ = engines.Close() })

	if peers == nil {
		peers = peerFunc(func(context.Context, registry.Relay, peer.Query) (*peer.Response, error) {
			return nil, fmt.Errorf("%w: no peers in this test", peer.ErrRemote)
		})
	}
	cfg := &Config{
		RelayName:        name,
		FragmentEndpoint: "https://" + name + ".example:8000",
		Ceiling:          10 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	sched, err := New(cfg, Deps{
		Tasks:       taskStore,
		Resolver:    mapping.NewResolver(reg),
		Permissions: access.NewCompositor(reg),
		Local:       dispatch.NewExecutor(taskStore, reg, engines, blobs, "results", nil),
		Peers:       peers,
	})
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	return &testRelay{name: name, sched: sched, tasks: taskStore, reg: reg, db: db}
}

func userQuery(originator, sql string) Request {
	return Request{Query: peer.Query{OriginatorRequestID: originator, SQL: sql}, Principal: identity.Unknown}
}

func TestSubmitLocal(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)

	res, err := r.sched.Submit(context.Background(), userQuery("orig-local", "select discount from lineitem"))
	require.NoError(t, err)
	assert.Equal(t, string(tasks.RequestComplete), res.State)
	assert.Equal(t, "orig-local", res.OriginatorRequestID)
	assert.Empty(t, res.Failures)
	require.Len(t, res.Fragments, 1)

	f := res.Fragments[0]
	assert.Equal(t, "https://eu_relay.example:8000", f.Endpoint)
	assert.Equal(t, []fragment.Field{{Name: "discount", Type: "Float64"}}, f.Schema)
	assert.Empty(t, f.Chain)

	task, err := r.tasks.GetTask(context.Background(), f.StreamID)
	require.NoError(t, err)
	assert.Equal(t, "select discount_csv as discount from csv_tpch", task.SQL)
	assert.Equal(t, tasks.TaskComplete, task.State)
}

func TestSubmitGeneratesOriginatorID(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)
	res, err := r.sched.Submit(context.Background(), userQuery("", "select discount from lineitem"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.OriginatorRequestID)
}

func TestSubmitIdempotentSequential(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)
	ctx := context.Background()

	first, err := r.sched.Submit(ctx, userQuery("orig-seq", "select discount from lineitem"))
	require.NoError(t, err)
	second, err := r.sched.Submit(ctx, userQuery("orig-seq", "select discount from lineitem"))
	require.NoError(t, err)

	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, first.Fragments, second.Fragments)

	local, err := r.tasks.ListTasks(ctx, first.RequestID)
	require.NoError(t, err)
	assert.Len(t, local, 1)
}

func TestSubmitIdempotentConcurrent(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)
	ctx := context.Background()

	const n = 5
	out := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i], errs[i] = r.sched.Submit(ctx, userQuery("orig-conc", "select discount from lineitem"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, out[0].RequestID, out[i].RequestID)
		assert.Equal(t, string(tasks.RequestComplete), out[i].State)
		assert.Equal(t, out[0].Fragments, out[i].Fragments)
	}

	reqs, _, total, err := r.tasks.ListRequests(ctx, tasks.RequestFilter{}, 10, "")
	require.NoError(t, err)
	assert.Len(t, reqs, 1)
	assert.Equal(t, 1, total)

	local, err := r.tasks.ListTasks(ctx, out[0].RequestID)
	require.NoError(t, err)
	assert.Len(t, local, 1)
}

// mesh routes peer calls to in-process schedulers, presenting the caller as
// the relay registered under its name on the receiving side.
type mesh struct {
	mu     sync.Mutex
	relays map[string]*testRelay
	calls  []string
}

func (m *mesh) client(from string) PeerClient {
	return peerFunc(func(ctx context.Context, relay registry.Relay, q peer.Query) (*peer.Response, error) {
		m.mu.Lock()
		to := m.relays[relay.Name]
		m.calls = append(m.calls, from+"->"+relay.Name)
		m.mu.Unlock()
		if to == nil {
			return nil, fmt.Errorf("%w: %s unreachable", peer.ErrRemote, relay.Name)
		}
		caller, err := to.reg.GetRelayByName(ctx, from)
		if err != nil {
			return nil, err
		}
		p := identity.Unknown
		if caller != nil {
			p = identity.Principal{Kind: identity.KindRelay, Relay: caller, Fingerprint: caller.Fingerprint}
		}
		return to.sched.Submit(ctx, Request{Query: q, Principal: p})
	})
}

// peerDoc declares lineitem locally and maps it one-to-one onto peer.
func peerDoc(t *testing.T, peerName string) *registry.Document {
	t.Helper()
	_, certPEM := pkitest.SelfSigned(t, peerName)
	doc := registrytest.Lineitem(dataDir(t), string(certPEM))
	doc.PeerRelays[0].Name = peerName
	doc.PeerRelays[0].RestEndpoint = "https://" + peerName + ".example:8000"
	m := &doc.RemoteMappings[0].Mappings[0]
	m.RelayName = peerName
	m.RelayMappings = []registry.RemoteInfoDecl{{LocalInfo: "discount", InfoMappedName: "discount"}}
	return doc
}

func TestCycleTerminates(t *testing.T) {
	m := &mesh{relays: map[string]*testRelay{}}
	a := newRelay(t, "relay_a", peerDoc(t, "relay_b"), m.client("relay_a"), nil)
	b := newRelay(t, "relay_b", peerDoc(t, "relay_a"), m.client("relay_b"), nil)
	m.relays["relay_a"] = a
	m.relays["relay_b"] = b

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := a.sched.Submit(ctx, userQuery("orig-cycle", "select discount from lineitem"))
	require.NoError(t, err)

	assert.Equal(t, string(tasks.RequestComplete), res.State)
	assert.Len(t, res.Fragments, 2)
	assert.Equal(t, []string{"relay_a->relay_b"}, m.calls)

	breq, err := b.tasks.GetRequestByOriginator(ctx, "orig-cycle")
	require.NoError(t, err)
	require.NotNil(t, breq)
	assert.Equal(t, "relay_a", breq.OriginRelay)
	assert.Contains(t, breq.VisitedRelays, "relay_a")
	remote, err := b.tasks.ListRemoteTasks(ctx, breq.ID)
	require.NoError(t, err)
	assert.Empty(t, remote)

	endpoints := []string{res.Fragments[0].Endpoint, res.Fragments[1].Endpoint}
	assert.ElementsMatch(t, []string{"https://relay_a.example:8000", "https://relay_b.example:8000"}, endpoints)
}

func TestReentryByPeerReplaysImmediately(t *testing.T) {
	r := newRelay(t, "relay_a", peerDoc(t, "relay_b"), nil, nil)
	ctx := context.Background()

	stored, created, err := r.tasks.CreateRequestIfAbsent(ctx, &tasks.QueryRequest{
		OriginatorRequestID: "orig-inflight",
		SQL:                 "select discount from lineitem",
	})
	require.NoError(t, err)
	require.True(t, created)

	caller, err := r.reg.GetRelayByName(ctx, "relay_b")
	require.NoError(t, err)
	p := identity.Principal{Kind: identity.KindRelay, Relay: caller}

	start := time.Now()
	res, err := r.sched.Submit(ctx, Request{Query: peer.Query{OriginatorRequestID: "orig-inflight", SQL: "select discount from lineitem"}, Principal: p})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, stored.ID, res.RequestID)
	assert.Equal(t, string(tasks.RequestReceived), res.State)
	assert.Empty(t, res.Fragments)
}

// threeSources declares lineitem over three CSV sources; the last one points
// at a missing file.
func threeSources(dir string, broken int) *registry.Document {
	doc := registrytest.Lineitem(dir, "")
	conn := &doc.DataConnections[0]
	base := conn.DataSources[0]
	sm := doc.LocalMappings[0].Mappings[0].SourceMappings[0]
	conn.DataSources = nil
	doc.LocalMappings[0].Mappings[0].SourceMappings = nil
	for i, name := range []string{"csv_a", "csv_b", "csv_c"} {
		ds := base
		ds.Name = name
		if i >= 3-broken {
			ds.SourceOptions.Path = "missing.csv"
		}
		conn.DataSources = append(conn.DataSources, ds)
		m := sm
		m.DataSourceName = name
		doc.LocalMappings[0].Mappings[0].SourceMappings = append(doc.LocalMappings[0].Mappings[0].SourceMappings, m)
	}
	return doc
}

func TestPartialFailure(t *testing.T) {
	tests := []struct {
		name      string
		broken    int
		state     tasks.RequestState
		fragments int
	}{
		{name: "all succeed", broken: 0, state: tasks.RequestComplete, fragments: 3},
		{name: "one of three fails", broken: 1, state: tasks.RequestPartiallyFailed, fragments: 2},
		{name: "all fail", broken: 3, state: tasks.RequestFailed, fragments: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRelay(t, "eu_relay", threeSources(dataDir(t), tt.broken), nil, nil)
			res, err := r.sched.Submit(context.Background(), userQuery("orig-"+tt.name, "select discount from lineitem"))
			require.NoError(t, err)
			assert.Equal(t, string(tt.state), res.State)
			assert.Len(t, res.Fragments, tt.fragments)
			assert.Len(t, res.Failures, tt.broken)
			for _, f := range res.Failures {
				assert.Contains(t, f.Reason, "execution failed")
			}
			if tt.broken == 1 {
				assert.Equal(t, "csv_c", res.Failures[0].Target)
			}
		})
	}
}

func TestLineitemForwarding(t *testing.T) {
	_, certPEM := pkitest.SelfSigned(t, "na_data_relay")
	var forwarded peer.Query
	peers := peerFunc(func(_ context.Context, relay registry.Relay, q peer.Query) (*peer.Response, error) {
		forwarded = q
		return &peer.Response{
			RequestID:           "remote-req",
			OriginatorRequestID: q.OriginatorRequestID,
			State:               "complete",
			Fragments: []fragment.Descriptor{{
				Endpoint: relay.RestEndpoint,
				StreamID: "remote-stream",
				Schema:   []fragment.Field{{Name: "discount", Type: "Float64"}},
				Chain:    q.Chain,
			}},
		}, nil
	})
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), string(certPEM)), peers, nil)
	ctx := context.Background()

	res, err := r.sched.Submit(ctx, userQuery("orig-li", "select discount from lineitem where discount > 5"))
	require.NoError(t, err)
	assert.Equal(t, string(tasks.RequestComplete), res.State)
	require.Len(t, res.Fragments, 2)

	assert.Equal(t, "orig-li", forwarded.OriginatorRequestID)
	assert.Equal(t, "select discount_percent*100 as discount from lineitem where (discount_percent*100) > 5", forwarded.SQL)
	assert.Equal(t, []string{"eu_relay"}, forwarded.VisitedRelays)
	require.Len(t, forwarded.Chain, 1)
	assert.Equal(t, "na_data_relay", forwarded.Chain[0].Relay)
	assert.Equal(t, "discount", forwarded.Chain[0].Field)

	remote := res.Fragments[1]
	assert.Equal(t, "remote-stream", remote.StreamID)
	v, err := remote.Chain.ForField("discount").Collapse().EvalInverse(0.05)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-9)

	streams, err := r.tasks.ListStreams(ctx, res.RequestID)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, tasks.StreamStarted, streams[0].State)
	assert.NotEmpty(t, streams[0].RemoteFingerprint)
	assert.Equal(t, forwarded.OriginTaskID, streams[0].QueryTaskRemoteID)
}

func TestRemoteFailureIsRecorded(t *testing.T) {
	_, certPEM := pkitest.SelfSigned(t, "na_data_relay")
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), string(certPEM)), nil, nil)

	res, err := r.sched.Submit(context.Background(), userQuery("orig-rf", "select discount from lineitem"))
	require.NoError(t, err)
	assert.Equal(t, string(tasks.RequestPartiallyFailed), res.State)
	assert.Len(t, res.Fragments, 1)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "na_data_relay", res.Failures[0].Target)
	assert.Contains(t, res.Failures[0].Reason, "remote relay error")
}

func TestCeilingForcesPartialFailure(t *testing.T) {
	_, certPEM := pkitest.SelfSigned(t, "na_data_relay")
	hang := peerFunc(func(ctx context.Context, _ registry.Relay, _ peer.Query) (*peer.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), string(certPEM)), hang, func(c *Config) {
		c.Ceiling = 300 * time.Millisecond
	})

	start := time.Now()
	res, err := r.sched.Submit(context.Background(), userQuery("orig-ceil", "select discount from lineitem"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, string(tasks.RequestPartiallyFailed), res.State)
	assert.Len(t, res.Fragments, 1)

	remote, err := r.tasks.ListRemoteTasks(context.Background(), res.RequestID)
	require.NoError(t, err)
	require.Len(t, remote, 1)
	assert.Equal(t, tasks.RemoteFailed, remote[0].State)
}

func TestExcludedCandidateIsSilent(t *testing.T) {
	doc := registrytest.Lineitem(dataDir(t), "")
	doc.DataConnections[0].DataSources[0].DefaultPermission.AllowedColumns = []string{"quantity_csv"}
	r := newRelay(t, "eu_relay", doc, nil, nil)

	res, err := r.sched.Submit(context.Background(), userQuery("orig-ex", "select discount from lineitem"))
	require.NoError(t, err)
	assert.Equal(t, string(tasks.RequestComplete), res.State)
	assert.Empty(t, res.Fragments)
	assert.Empty(t, res.Failures)
}

func TestFinalState(t *testing.T) {
	tests := []struct {
		name     string
		counts   tasks.TaskCounts
		timedOut bool
		want     tasks.RequestState
	}{
		{name: "no children", want: tasks.RequestComplete},
		{name: "all complete", counts: tasks.TaskCounts{Complete: 2}, want: tasks.RequestComplete},
		{name: "mixed", counts: tasks.TaskCounts{Complete: 1, Failed: 1}, want: tasks.RequestPartiallyFailed},
		{name: "all failed", counts: tasks.TaskCounts{Failed: 2}, want: tasks.RequestFailed},
		{name: "ceiling", counts: tasks.TaskCounts{Complete: 1}, timedOut: true, want: tasks.RequestPartiallyFailed},
		{name: "ceiling without children", timedOut: true, want: tasks.RequestPartiallyFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, finalState(tt.counts, tt.timedOut))
		})
	}
}

func TestSubmitErrors(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)
	ctx := context.Background()

	_, err := r.sched.Submit(ctx, userQuery("orig-bad", "selec nothing"))
	assert.ErrorIs(t, err, ErrInvalidQuery)

	res, err := r.sched.Submit(ctx, userQuery("orig-unknown", "select a from nowhere"))
	assert.ErrorIs(t, err, mapping.ErrUnknownEntity)
	require.NotNil(t, res)
	assert.Equal(t, string(tasks.RequestFailed), res.State)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "request", res.Failures[0].Target)

	again, err := r.sched.Submit(ctx, userQuery("orig-unknown", "select a from nowhere"))
	assert.ErrorIs(t, err, mapping.ErrUnknownEntity)
	require.NotNil(t, again)
	assert.Equal(t, res.RequestID, again.RequestID)
	assert.Equal(t, string(tasks.RequestFailed), again.State)
}

func TestStoreFailureAfterResolveFailsRequest(t *testing.T) {
	_, certPEM := pkitest.SelfSigned(t, "na_data_relay")
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), string(certPEM)), nil, nil)
	ctx := context.Background()

	// The remote task table disappears once candidates are known, after
	// the local task was already recorded.
	inner := r.sched.deps.Resolver
	r.sched.deps.Resolver = resolverFunc(func(ctx context.Context, entityName string) (*mapping.Candidates, error) {
		cands, err := inner.Resolve(ctx, entityName)
		if err == nil {
			err = r.db.Migrator().DropTable(&tasks.QueryTaskRemote{})
		}
		return cands, err
	})

	_, err := r.sched.Submit(ctx, userQuery("orig-broken", "select discount from lineitem"))
	require.Error(t, err)

	stored, err := r.tasks.GetRequestByOriginator(ctx, "orig-broken")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, tasks.RequestFailed, stored.State)
	assert.True(t, stored.State.IsTerminal())
	assert.NotNil(t, stored.FinishedAt)
	assert.Contains(t, stored.FailureReason, "create remote task")

	local, err := r.tasks.ListTasks(ctx, stored.ID)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, tasks.TaskFailed, local[0].State)

	require.NoError(t, r.tasks.AutoMigrate())
	r.sched.deps.Resolver = inner
	start := time.Now()
	res, err := r.sched.Submit(ctx, userQuery("orig-broken", "select discount from lineitem"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, stored.ID, res.RequestID)
	assert.Equal(t, string(tasks.RequestFailed), res.State)

	n, err := r.tasks.DeleteRequestsOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestResultUnknownRequest(t *testing.T) {
	r := newRelay(t, "eu_relay", registrytest.Lineitem(dataDir(t), ""), nil, nil)
	res, err := r.sched.Result(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestStampLinks(t *testing.T) {
	s := &Scheduler{cfg: &Config{RelayName: "eu_relay"}}
	in := transform.Chain{{Field: "discount"}, {Relay: "other", Field: "qty"}}
	out := s.stamp(in)
	assert.Equal(t, "eu_relay", out[0].Relay)
	assert.Equal(t, "other", out[1].Relay)
	assert.Equal(t, "", in[0].Relay)
}
