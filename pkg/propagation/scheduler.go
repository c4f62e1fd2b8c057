// Package propagation runs a logical query across this relay's local data
// sources and its peer relays and assembles the resulting fragment list.
package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/relaymesh/relay/pkg/access"
	"github.com/relaymesh/relay/pkg/fragment"
	"github.com/relaymesh/relay/pkg/identity"
	"github.com/relaymesh/relay/pkg/mapping"
	"github.com/relaymesh/relay/pkg/metrics"
	"github.com/relaymesh/relay/pkg/peer"
	"github.com/relaymesh/relay/pkg/query"
	"github.com/relaymesh/relay/pkg/registry"
	"github.com/relaymesh/relay/pkg/rewrite"
	"github.com/relaymesh/relay/pkg/tasks"
	"github.com/relaymesh/relay/pkg/transform"
)

// ErrInvalidQuery is returned when the submitted SQL cannot be parsed.
var ErrInvalidQuery = errors.New("invalid query")

// Result is the caller-visible outcome of a request.
type Result = peer.Response

// Resolver finds the candidates of an entity.
type Resolver interface {
	Resolve(ctx context.Context, entityName string) (*mapping.Candidates, error)
}

// Permissions composes the effective permission of a principal on a source.
type Permissions interface {
	Effective(ctx context.Context, dataSourceID string, principal identity.Principal) (access.Permission, error)
}

// LocalExecutor runs a queued local task to a terminal state.
type LocalExecutor interface {
	Execute(ctx context.Context, t *tasks.QueryTask) (*tasks.QueryTask, error)
}

// PeerClient forwards a query to a peer relay.
type PeerClient interface {
	SubmitQuery(ctx context.Context, relay registry.Relay, q peer.Query) (*peer.Response, error)
}

// Deps are the collaborators of a Scheduler.
type Deps struct {
	Tasks       *tasks.Store
	Resolver    Resolver
	Permissions Permissions
	Local       LocalExecutor
	Peers       PeerClient
	Logger      *slog.Logger
}

// Request is one submission: the query as received and the authenticated
// caller.
type Request struct {
	Query     peer.Query
	Principal identity.Principal
}

// Scheduler propagates queries. It is safe for concurrent use.
type Scheduler struct {
	cfg    *Config
	deps   Deps
	pool   *ants.Pool
	logger *slog.Logger
}

// New creates a Scheduler with its fan-out pool.
func New(cfg *Config, deps Deps) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := ants.NewPool(cfg.Concurrency, ants.WithPanicHandler(func(v any) {
		logger.Error("propagation task panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create fan-out pool: %w", err)
	}
	return &Scheduler{cfg: cfg, deps: deps, pool: pool, logger: logger.With("relay", cfg.RelayName)}, nil
}

// Close releases the fan-out pool.
func (s *Scheduler) Close() {
	_ = s.pool.ReleaseTimeout(3 * time.Second)
}

// Submit runs req to a terminal state and returns its fragments. A request
// whose originator id was already received is not propagated again: the
// caller gets the fragments recorded by the first submission.
func (s *Scheduler) Submit(ctx context.Context, req Request) (*Result, error) {
	q, err := query.Parse(req.Query.SQL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	originator := req.Query.OriginatorRequestID
	if originator == "" {
		originator = uuid.NewString()
	}
	visited := mapset.NewThreadUnsafeSet(req.Query.VisitedRelays...)
	if name := req.Principal.RelayName(); name != "" {
		visited.Add(name)
	}

	record := &tasks.QueryRequest{
		OriginatorRequestID: originator,
		SQL:                 req.Query.SQL,
		OriginKind:          string(req.Principal.Kind),
		OriginID:            req.Principal.ID(),
		OriginRelay:         req.Principal.RelayName(),
		OriginTaskID:        req.Query.OriginTaskID,
		VisitedRelays:       sorted(visited),
		Chain:               req.Query.Chain,
	}
	stored, created, err := s.deps.Tasks.CreateRequestIfAbsent(ctx, record)
	if err != nil {
		return nil, err
	}
	if !created {
		s.logger.Info("duplicate request, replaying", "originator", originator, "request", stored.ID, "state", stored.State)
		res, err := s.replay(ctx, stored, req.Principal)
		if err != nil {
			return nil, err
		}
		return res, s.replayErr(ctx, res, q)
	}

	s.logger.Info("request received", "originator", originator, "request", stored.ID, "origin", req.Principal.Kind)
	// Recording must outlive a caller that disconnects.
	propErr := s.propagate(context.WithoutCancel(ctx), stored, q, req.Principal, visited)
	res, err := s.Result(context.WithoutCancel(ctx), stored.ID)
	if err != nil {
		return nil, err
	}
	return res, propErr
}

// replay returns the fragments of an existing request. Users wait for it to
// finish. A peer re-entering a request still in flight gets its current
// state at once: in a diamond the request may be waiting on a task that
// forwarded to this peer, and a peer may know this relay under a different
// name than the one recorded in visited, so waiting could stall both sides
// until the ceiling. The peer treats the snapshot as its fragments.
func (s *Scheduler) replay(ctx context.Context, existing *tasks.QueryRequest, principal identity.Principal) (*Result, error) {
	if existing.State.IsTerminal() || principal.Kind == identity.KindRelay {
		return s.Result(ctx, existing.ID)
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Ceiling)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ReplayPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			return s.Result(context.WithoutCancel(ctx), existing.ID)
		case <-ticker.C:
		}
		r, err := s.deps.Tasks.GetRequest(waitCtx, existing.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				continue
			}
			return nil, err
		}
		if r != nil && r.State.IsTerminal() {
			return s.Result(ctx, existing.ID)
		}
	}
}

// replayErr returns the error the first submission of a request answered
// with, so a resubmission is reported the same way. Only a request failed
// before any child was planned carries one.
func (s *Scheduler) replayErr(ctx context.Context, res *Result, q *query.Select) error {
	if res.State != string(tasks.RequestFailed) || len(res.Fragments) > 0 {
		return nil
	}
	for _, f := range res.Failures {
		if f.TaskID != "" {
			return nil
		}
	}
	if _, err := s.deps.Resolver.Resolve(ctx, q.EntityName()); errors.Is(err, mapping.ErrUnknownEntity) {
		return err
	}
	return nil
}

// propagate fans the request out to every candidate and records the final
// request state. Any error leaves the request and its children failed.
func (s *Scheduler) propagate(ctx context.Context, req *tasks.QueryRequest, q *query.Select, principal identity.Principal, visited mapset.Set[string]) error {
	err := s.fanOut(ctx, req, q, principal, visited)
	if err != nil {
		s.abort(ctx, req.ID, err)
	}
	return err
}

// abort fails every unfinished child of the request and then the request
// itself. Store errors are logged; stale recovery catches what is left.
func (s *Scheduler) abort(ctx context.Context, requestID string, cause error) {
	s.logger.Warn("request failed", "request", requestID, "error", cause)
	s.failStragglers(ctx, requestID, cause.Error())
	failed, err := s.deps.Tasks.FailRequest(ctx, requestID, cause.Error(),
		tasks.RequestReceived, tasks.RequestPropagating, tasks.RequestAggregating)
	if err != nil {
		s.logger.Error("failed to mark request as failed", "request", requestID, "error", err)
		return
	}
	if failed {
		metrics.QueryRequestsTotal.WithLabelValues(string(tasks.RequestFailed)).Inc()
	}
}

func (s *Scheduler) fanOut(ctx context.Context, req *tasks.QueryRequest, q *query.Select, principal identity.Principal, visited mapset.Set[string]) error {
	store := s.deps.Tasks
	if _, err := store.TransitionRequest(ctx, req.ID, tasks.RequestPropagating, tasks.RequestReceived); err != nil {
		return err
	}

	cands, err := s.deps.Resolver.Resolve(ctx, q.EntityName())
	if err != nil {
		return err
	}

	var jobs []func(context.Context)
	for _, lc := range cands.Local {
		job, err := s.planLocal(ctx, req, q, lc, principal)
		if err != nil {
			return err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	forwardVisited := visited.Clone()
	forwardVisited.Add(s.cfg.RelayName)
	for _, rc := range cands.Remote {
		name := rc.Relay.Name
		if visited.Contains(name) || name == req.OriginRelay || name == s.cfg.RelayName {
			metrics.CycleSkipsTotal.Inc()
			s.logger.Info("skipping visited relay", "request", req.ID, "peer", name)
			continue
		}
		job, err := s.planRemote(ctx, req, q, rc, sorted(forwardVisited))
		if err != nil {
			return err
		}
		if job != nil {
			jobs = append(jobs, job)
		}
	}

	timedOut := s.run(ctx, jobs)
	if timedOut {
		s.failStragglers(ctx, req.ID, "request ceiling exceeded")
	}

	if _, err := store.TransitionRequest(ctx, req.ID, tasks.RequestAggregating, tasks.RequestPropagating); err != nil {
		return err
	}
	counts, err := store.Counts(ctx, req.ID)
	if err != nil {
		return err
	}
	final := finalState(counts, timedOut)
	if _, err := store.TransitionRequest(ctx, req.ID, final, tasks.RequestAggregating); err != nil {
		return err
	}
	metrics.QueryRequestsTotal.WithLabelValues(string(final)).Inc()
	s.logger.Info("request finished",
		"request", req.ID,
		"state", final,
		"complete", counts.Complete,
		"failed", counts.Failed,
		"timedOut", timedOut)
	return nil
}

// finalState derives the request state from its children. A request with
// no children, because every candidate was excluded, is vacuously complete.
func finalState(c tasks.TaskCounts, timedOut bool) tasks.RequestState {
	switch {
	case timedOut || (c.Failed > 0 && c.Complete > 0):
		return tasks.RequestPartiallyFailed
	case c.Failed > 0:
		return tasks.RequestFailed
	}
	return tasks.RequestComplete
}

// planLocal records the task for one local candidate and returns the job
// executing it, or nil when the candidate is excluded or already failed.
func (s *Scheduler) planLocal(ctx context.Context, req *tasks.QueryRequest, q *query.Select, lc mapping.LocalCandidate, principal identity.Principal) (func(context.Context), error) {
	task := &tasks.QueryTask{
		QueryRequestID: req.ID,
		DataSourceID:   lc.DataSource.ID,
		DataSourceName: lc.DataSource.Name,
	}

	perm, err := s.deps.Permissions.Effective(ctx, lc.DataSource.ID, principal)
	var plan *rewrite.LocalPlan
	if err == nil {
		plan, err = rewrite.Local(q, lc, perm)
	}
	if errors.Is(err, rewrite.ErrExcluded) {
		s.logger.Debug("local source excluded", "request", req.ID, "source", lc.DataSource.Name, "reason", err)
		return nil, nil
	}
	if err != nil {
		task.SQL = q.String()
		task.State = tasks.TaskFailed
		task.FailureReason = err.Error()
		return nil, s.deps.Tasks.CreateTask(ctx, task)
	}

	task.SQL = plan.SQL
	task.Schema = plan.Schema
	task.Chain = req.Chain.Append(s.stamp(plan.Chain)...)
	if err := s.deps.Tasks.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return func(ctx context.Context) { s.runLocal(ctx, task) }, nil
}

func (s *Scheduler) stamp(links transform.Chain) transform.Chain {
	out := make(transform.Chain, len(links))
	for i, l := range links {
		if l.Relay == "" {
			l.Relay = s.cfg.RelayName
		}
		out[i] = l
	}
	return out
}

func (s *Scheduler) runLocal(ctx context.Context, task *tasks.QueryTask) {
	out, err := s.deps.Local.Execute(ctx, task)
	if err != nil {
		s.logger.Warn("local task did not finish", "task", task.ID, "error", err)
		if _, ferr := s.deps.Tasks.FailTask(context.WithoutCancel(ctx), task.ID, err.Error()); ferr != nil {
			s.logger.Error("failed to mark task as failed", "task", task.ID, "error", ferr)
		}
		return
	}
	s.logger.Debug("local task finished", "task", task.ID, "state", out.State)
}

// planRemote records the forwarded task for one peer and returns the job
// submitting it, or nil when the peer is excluded or already failed.
func (s *Scheduler) planRemote(ctx context.Context, req *tasks.QueryRequest, q *query.Select, rc mapping.RemoteCandidate, visited []string) (func(context.Context), error) {
	plan, err := rewrite.Remote(q, rc, req.Chain)
	if errors.Is(err, rewrite.ErrExcluded) {
		s.logger.Debug("peer excluded", "request", req.ID, "peer", rc.Relay.Name, "reason", err)
		return nil, nil
	}
	rt := &tasks.QueryTaskRemote{
		QueryRequestID: req.ID,
		RelayID:        rc.Relay.ID,
		RelayName:      rc.Relay.Name,
	}
	if err != nil {
		rt.SQL = q.String()
		rt.State = tasks.RemoteFailed
		rt.FailureReason = err.Error()
		return nil, s.deps.Tasks.CreateRemoteTask(ctx, rt)
	}
	rt.SQL = plan.SQL
	if err := s.deps.Tasks.CreateRemoteTask(ctx, rt); err != nil {
		return nil, err
	}
	fwd := peer.Query{
		OriginatorRequestID: req.OriginatorRequestID,
		SQL:                 plan.SQL,
		Chain:               plan.Chain,
		VisitedRelays:       visited,
		OriginTaskID:        rt.ID,
	}
	return func(ctx context.Context) { s.runRemote(ctx, rt, rc.Relay, fwd) }, nil
}

func (s *Scheduler) runRemote(ctx context.Context, rt *tasks.QueryTaskRemote, relay registry.Relay, fwd peer.Query) {
	store := s.deps.Tasks
	rec := context.WithoutCancel(ctx)
	if _, err := store.MarkRemoteSubmitted(rec, rt.ID); err != nil {
		s.logger.Error("failed to mark remote task submitted", "task", rt.ID, "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()
	resp, err := s.deps.Peers.SubmitQuery(callCtx, relay, fwd)
	if err == nil && resp.State == string(tasks.RequestFailed) && len(resp.Fragments) == 0 {
		err = fmt.Errorf("%w: %s: %s", peer.ErrRemote, relay.Name, summarize(resp.Failures))
	}
	if err != nil {
		s.logger.Warn("forwarded query failed", "task", rt.ID, "peer", relay.Name, "error", err)
		if _, ferr := store.FailRemoteTask(rec, rt.ID, err.Error()); ferr != nil {
			s.logger.Error("failed to mark remote task as failed", "task", rt.ID, "error", ferr)
		}
		metrics.RemoteTasksTotal.WithLabelValues(relay.Name, string(tasks.RemoteFailed)).Inc()
		return
	}

	for _, f := range resp.Fragments {
		st := &tasks.IncomingFlightStream{
			QueryTaskRemoteID: rt.ID,
			QueryRequestID:    rt.QueryRequestID,
			RemoteStreamID:    f.StreamID,
			RemoteFingerprint: relay.Fingerprint,
			Endpoint:          f.Endpoint,
			Schema:            f.Schema,
			Chain:             f.Chain,
			State:             tasks.StreamStarted,
		}
		if err := store.RecordIncomingStream(rec, st); err != nil {
			s.logger.Error("failed to record incoming stream", "task", rt.ID, "stream", f.StreamID, "error", err)
		}
	}
	if _, err := store.CompleteRemoteTask(rec, rt.ID); err != nil {
		s.logger.Error("failed to mark remote task complete", "task", rt.ID, "error", err)
	}
	if len(resp.Failures) > 0 {
		s.logger.Warn("peer reported partial failure", "task", rt.ID, "peer", relay.Name, "failures", summarize(resp.Failures))
	}
	metrics.RemoteTasksTotal.WithLabelValues(relay.Name, string(tasks.RemoteComplete)).Inc()
}

func summarize(fs []peer.Failure) string {
	if len(fs) == 0 {
		return "no fragments"
	}
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.Target + ": " + f.Reason
	}
	return strings.Join(parts, "; ")
}

// run executes jobs on the pool and reports whether the ceiling elapsed
// before all of them returned.
func (s *Scheduler) run(ctx context.Context, jobs []func(context.Context)) bool {
	if len(jobs) == 0 {
		return false
	}
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Ceiling)
	defer cancel()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		job := job
		task := func() {
			defer wg.Done()
			job(runCtx)
		}
		if err := s.pool.Submit(task); err != nil {
			s.logger.Warn("fan-out pool rejected task, running unpooled", "error", err)
			go task()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return false
	case <-runCtx.Done():
		return true
	}
}

// failStragglers fails every child of the request that is not terminal yet.
func (s *Scheduler) failStragglers(ctx context.Context, requestID, reason string) {
	local, err := s.deps.Tasks.ListTasks(ctx, requestID)
	if err != nil {
		s.logger.Error("list tasks", "request", requestID, "error", err)
	}
	for _, t := range local {
		if !t.State.IsTerminal() {
			_, _ = s.deps.Tasks.FailTask(ctx, t.ID, reason)
		}
	}
	remote, err := s.deps.Tasks.ListRemoteTasks(ctx, requestID)
	if err != nil {
		s.logger.Error("list remote tasks", "request", requestID, "error", err)
	}
	for _, t := range remote {
		if !t.State.IsTerminal() {
			_, _ = s.deps.Tasks.FailRemoteTask(ctx, t.ID, reason)
		}
	}
}

// Result assembles the current outcome of a request. It returns nil when
// the request does not exist.
func (s *Scheduler) Result(ctx context.Context, requestID string) (*Result, error) {
	store := s.deps.Tasks
	req, err := store.GetRequest(ctx, requestID)
	if err != nil || req == nil {
		return nil, err
	}
	local, err := store.ListTasks(ctx, requestID)
	if err != nil {
		return nil, err
	}
	remote, err := store.ListRemoteTasks(ctx, requestID)
	if err != nil {
		return nil, err
	}
	streams, err := store.ListStreams(ctx, requestID)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RequestID:           req.ID,
		OriginatorRequestID: req.OriginatorRequestID,
		State:               string(req.State),
		Fragments:           []fragment.Descriptor{},
	}
	for _, t := range local {
		switch t.State {
		case tasks.TaskComplete:
			res.Fragments = append(res.Fragments, fragment.Descriptor{
				Endpoint: s.cfg.FragmentEndpoint,
				StreamID: t.ID,
				Schema:   t.Schema,
				Chain:    t.Chain,
			})
		case tasks.TaskFailed:
			res.Failures = append(res.Failures, peer.Failure{TaskID: t.ID, Target: t.DataSourceName, Reason: t.FailureReason})
		}
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, st := range streams {
		if st.State == tasks.StreamInvalid || st.State == tasks.StreamFailed {
			continue
		}
		if !seen.Add(st.Endpoint + "|" + st.RemoteStreamID) {
			continue
		}
		res.Fragments = append(res.Fragments, st.Descriptor())
	}
	for _, t := range remote {
		if t.State == tasks.RemoteFailed {
			res.Failures = append(res.Failures, peer.Failure{TaskID: t.ID, Target: t.RelayName, Reason: t.FailureReason})
		}
	}
	if req.FailureReason != "" {
		res.Failures = append(res.Failures, peer.Failure{Target: "request", Reason: req.FailureReason})
	}
	return res, nil
}

func sorted(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
