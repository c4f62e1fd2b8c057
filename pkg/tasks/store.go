package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
)

// Store provides database operations for query requests and their tasks.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the task tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// RequestFilter defines filters for listing requests.
type RequestFilter struct {
	State    string
	OriginID string
}

// CreateRequestIfAbsent creates req unless a request with the same
// originator id exists, in which case the existing request is returned
// with created=false. Safe for concurrent use.
func (s *Store) CreateRequestIfAbsent(ctx context.Context, req *QueryRequest) (*QueryRequest, bool, error) {
	if req.State == "" {
		req.State = RequestReceived
	}

	var existing *QueryRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found QueryRequest
		err := tx.Where("originator_request_id = ?", req.OriginatorRequestID).First(&found).Error
		if err == nil {
			existing = &found
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check originator id: %w", err)
		}
		return tx.Create(req).Error
	})
	if existing != nil {
		return existing, false, nil
	}
	if err != nil {
		// Another transaction may have created the request between our
		// check and create.
		raced, lookupErr := s.GetRequestByOriginator(ctx, req.OriginatorRequestID)
		if lookupErr == nil && raced != nil {
			return raced, false, nil
		}
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	return req, true, nil
}

// GetRequest retrieves a request by ID. Returns nil when absent.
func (s *Store) GetRequest(ctx context.Context, id string) (*QueryRequest, error) {
	return s.findRequest(ctx, "id = ?", id)
}

// GetRequestByOriginator retrieves a request by originator id.
// Returns nil when absent.
func (s *Store) GetRequestByOriginator(ctx context.Context, originatorID string) (*QueryRequest, error) {
	return s.findRequest(ctx, "originator_request_id = ?", originatorID)
}

func (s *Store) findRequest(ctx context.Context, cond, arg string) (*QueryRequest, error) {
	var r QueryRequest
	if err := s.db.WithContext(ctx).Where(cond, arg).First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return &r, nil
}

// ListRequests returns requests newest first. The page token is opaque.
func (s *Store) ListRequests(ctx context.Context, filter RequestFilter, pageSize int, pageToken string) ([]QueryRequest, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.WithContext(ctx).Model(&QueryRequest{})
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if filter.OriginID != "" {
			q = q.Where("origin_id = ?", filter.OriginID)
		}
		return q
	}

	var total int64
	if err := buildQuery(s.db).Count(&total).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count requests: %w", err)
	}

	q := buildQuery(s.db).Order("created_seq DESC").Limit(pageSize + 1)
	if pageToken != "" {
		after, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		q = q.Where("created_seq < ?", after)
	}

	var records []QueryRequest
	if err := q.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list requests: %w", err)
	}

	var next string
	if len(records) > pageSize {
		next = strconv.FormatInt(records[pageSize-1].Seq, 10)
		records = records[:pageSize]
	}
	return records, next, int(total), nil
}

// TransitionRequest moves a request to state to if it is currently in one of
// from. It reports whether the row changed.
func (s *Store) TransitionRequest(ctx context.Context, id string, to RequestState, from ...RequestState) (bool, error) {
	return s.transitionRequest(ctx, id, to, "", from)
}

// FailRequest moves a request to failed with reason if it is currently in
// one of from.
func (s *Store) FailRequest(ctx context.Context, id, reason string, from ...RequestState) (bool, error) {
	return s.transitionRequest(ctx, id, RequestFailed, reason, from)
}

func (s *Store) transitionRequest(ctx context.Context, id string, to RequestState, reason string, from []RequestState) (bool, error) {
	updates := map[string]any{"state": to}
	if to.IsTerminal() {
		updates["finished_at"] = time.Now()
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	result := s.db.WithContext(ctx).Model(&QueryRequest{}).
		Where("id = ? AND state IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("transition request to %s: %w", to, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CreateTask records a queued local task.
func (s *Store) CreateTask(ctx context.Context, t *QueryTask) error {
	if t.State == "" {
		t.State = TaskQueued
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask retrieves a local task by ID. Returns nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*QueryTask, error) {
	var t QueryTask
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// StartTask moves a queued task to in_progress.
func (s *Store) StartTask(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&QueryTask{}).
		Where("id = ? AND state = ?", id, TaskQueued).
		Updates(map[string]any{"state": TaskInProgress, "started_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("start task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CompleteTask marks a non-terminal task complete with its result location.
// Completing a terminal task is a no-op reported as false.
func (s *Store) CompleteTask(ctx context.Context, id, location string) (bool, error) {
	return s.finishTask(ctx, id, map[string]any{
		"state":           TaskComplete,
		"result_location": location,
	})
}

// FailTask marks a non-terminal task failed with reason.
func (s *Store) FailTask(ctx context.Context, id, reason string) (bool, error) {
	return s.finishTask(ctx, id, map[string]any{
		"state":          TaskFailed,
		"failure_reason": reason,
	})
}

func (s *Store) finishTask(ctx context.Context, id string, updates map[string]any) (bool, error) {
	updates["finished_at"] = time.Now()
	result := s.db.WithContext(ctx).Model(&QueryTask{}).
		Where("id = ? AND state IN ?", id, []TaskState{TaskQueued, TaskInProgress}).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("finish task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CreateRemoteTask records a queued forwarded query.
func (s *Store) CreateRemoteTask(ctx context.Context, t *QueryTaskRemote) error {
	if t.State == "" {
		t.State = RemoteQueued
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create remote task: %w", err)
	}
	return nil
}

// MarkRemoteSubmitted moves a queued remote task to submitted.
func (s *Store) MarkRemoteSubmitted(ctx context.Context, id string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&QueryTaskRemote{}).
		Where("id = ? AND state = ?", id, RemoteQueued).
		Updates(map[string]any{"state": RemoteSubmitted, "submitted_at": time.Now()})
	if result.Error != nil {
		return false, fmt.Errorf("mark remote submitted: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CompleteRemoteTask marks a non-terminal remote task complete.
func (s *Store) CompleteRemoteTask(ctx context.Context, id string) (bool, error) {
	return s.finishRemote(ctx, id, map[string]any{"state": RemoteComplete})
}

// FailRemoteTask marks a non-terminal remote task failed with reason.
func (s *Store) FailRemoteTask(ctx context.Context, id, reason string) (bool, error) {
	return s.finishRemote(ctx, id, map[string]any{"state": RemoteFailed, "failure_reason": reason})
}

func (s *Store) finishRemote(ctx context.Context, id string, updates map[string]any) (bool, error) {
	updates["finished_at"] = time.Now()
	result := s.db.WithContext(ctx).Model(&QueryTaskRemote{}).
		Where("id = ? AND state IN ?", id, []RemoteState{RemoteQueued, RemoteSubmitted}).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("finish remote task: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// RecordIncomingStream records a fragment returned by a peer.
func (s *Store) RecordIncomingStream(ctx context.Context, st *IncomingFlightStream) error {
	if st.State == "" {
		st.State = StreamStarted
	}
	if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
		return fmt.Errorf("record incoming stream: %w", err)
	}
	return nil
}

// UpdateStreamState sets the state of an incoming stream.
func (s *Store) UpdateStreamState(ctx context.Context, id string, state StreamState) error {
	result := s.db.WithContext(ctx).Model(&IncomingFlightStream{}).Where("id = ?", id).Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("update stream state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("stream not found: %s", id)
	}
	return nil
}

// ListTasks returns the local tasks of a request in creation order.
func (s *Store) ListTasks(ctx context.Context, requestID string) ([]QueryTask, error) {
	var out []QueryTask
	if err := s.db.WithContext(ctx).Where("query_request_id = ?", requestID).Order("created_seq").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

// ListRemoteTasks returns the remote tasks of a request in creation order.
func (s *Store) ListRemoteTasks(ctx context.Context, requestID string) ([]QueryTaskRemote, error) {
	var out []QueryTaskRemote
	if err := s.db.WithContext(ctx).Where("query_request_id = ?", requestID).Order("created_seq").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list remote tasks: %w", err)
	}
	return out, nil
}

// ListStreams returns the incoming streams of a request in creation order.
func (s *Store) ListStreams(ctx context.Context, requestID string) ([]IncomingFlightStream, error) {
	var out []IncomingFlightStream
	if err := s.db.WithContext(ctx).Where("query_request_id = ?", requestID).Order("created_seq").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return out, nil
}

// TaskCounts summarizes the children of a request.
type TaskCounts struct {
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}

// Counts tallies the local and remote tasks of a request.
func (s *Store) Counts(ctx context.Context, requestID string) (TaskCounts, error) {
	var c TaskCounts
	local, err := s.ListTasks(ctx, requestID)
	if err != nil {
		return c, err
	}
	remote, err := s.ListRemoteTasks(ctx, requestID)
	if err != nil {
		return c, err
	}
	for _, t := range local {
		switch t.State {
		case TaskComplete:
			c.Complete++
		case TaskFailed:
			c.Failed++
		default:
			c.InProgress++
		}
	}
	for _, t := range remote {
		switch t.State {
		case RemoteComplete:
			c.Complete++
		case RemoteFailed:
			c.Failed++
		default:
			c.InProgress++
		}
	}
	return c, nil
}

// FailStaleTasks fails local and remote tasks still running after timeout,
// as left behind by a crashed process.
func (s *Store) FailStaleTasks(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	now := time.Now()
	const reason = "Timed out (stale task recovery)"

	local := s.db.WithContext(ctx).Model(&QueryTask{}).
		Where("state IN ? AND created_at < ?", []TaskState{TaskQueued, TaskInProgress}, cutoff).
		Updates(map[string]any{"state": TaskFailed, "failure_reason": reason, "finished_at": now})
	if local.Error != nil {
		return 0, fmt.Errorf("fail stale tasks: %w", local.Error)
	}
	remote := s.db.WithContext(ctx).Model(&QueryTaskRemote{}).
		Where("state IN ? AND created_at < ?", []RemoteState{RemoteQueued, RemoteSubmitted}, cutoff).
		Updates(map[string]any{"state": RemoteFailed, "failure_reason": reason, "finished_at": now})
	if remote.Error != nil {
		return 0, fmt.Errorf("fail stale remote tasks: %w", remote.Error)
	}
	return local.RowsAffected + remote.RowsAffected, nil
}

// FailStaleRequests fails requests still received, propagating or
// aggregating after timeout, together with their unfinished children.
func (s *Store) FailStaleRequests(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	now := time.Now()
	const reason = "Timed out (stale request recovery)"

	var failed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&QueryRequest{}).
			Where("state IN ? AND created_at < ?",
				[]RequestState{RequestReceived, RequestPropagating, RequestAggregating}, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Model(&QueryTask{}).
			Where("query_request_id IN ? AND state IN ?", ids, []TaskState{TaskQueued, TaskInProgress}).
			Updates(map[string]any{"state": TaskFailed, "failure_reason": reason, "finished_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&QueryTaskRemote{}).
			Where("query_request_id IN ? AND state IN ?", ids, []RemoteState{RemoteQueued, RemoteSubmitted}).
			Updates(map[string]any{"state": RemoteFailed, "failure_reason": reason, "finished_at": now}).Error; err != nil {
			return err
		}
		result := tx.Model(&QueryRequest{}).
			Where("id IN ? AND state IN ?", ids,
				[]RequestState{RequestReceived, RequestPropagating, RequestAggregating}).
			Updates(map[string]any{"state": RequestFailed, "failure_reason": reason, "finished_at": now})
		failed = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("fail stale requests: %w", err)
	}
	return failed, nil
}

// DeleteRequestsOlderThan removes terminal requests finished before cutoff
// together with their tasks and streams.
func (s *Store) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&QueryRequest{}).
			Where("state IN ? AND finished_at < ?",
				[]RequestState{RequestComplete, RequestPartiallyFailed, RequestFailed}, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, model := range []any{&IncomingFlightStream{}, &QueryTaskRemote{}, &QueryTask{}} {
			if err := tx.Where("query_request_id IN ?", ids).Delete(model).Error; err != nil {
				return err
			}
		}
		result := tx.Where("id IN ?", ids).Delete(&QueryRequest{})
		deleted = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete old requests: %w", err)
	}
	return deleted, nil
}
